package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roboclub/oprec/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the principal did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidRole indicates an unknown role name.
	ErrInvalidRole = errors.New("users: invalid role")
)

// DefaultRoleCacheTTL bounds how long a role change made by another process takes to reach this one.
const DefaultRoleCacheTTL = 30 * time.Second

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// RoleCacheTTL is how long a resolved role is reused. Zero uses DefaultRoleCacheTTL; negative disables caching.
	RoleCacheTTL time.Duration
}

type cachedRole struct {
	role      auth.Role
	expiresAt time.Time
}

// Service manages known users and their roles.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	logger   *zap.Logger
	cacheTTL time.Duration
	cache    sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheTTL := cfg.RoleCacheTTL
	if cacheTTL == 0 {
		cacheTTL = DefaultRoleCacheTTL
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		logger:   logger,
		cacheTTL: cacheTTL,
	}, nil
}

// ResolveRole returns the stored role for the principal, registering unknown users as candidates.
// Profile fields from the token refresh the stored identity.
func (s *Service) ResolveRole(ctx context.Context, principal auth.Principal) (auth.Role, error) {
	userID := normalize(principal.UserID)
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(userID); ok {
		if entry, ok := cached.(cachedRole); ok && s.now().Before(entry.expiresAt) {
			return entry.role, nil
		}
		s.cache.Delete(userID)
	}

	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			UserID:      userID,
			Email:       normalize(principal.Email),
			DisplayName: normalize(principal.DisplayName),
			Role:        string(auth.RoleCandidate),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email := normalize(principal.Email); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(principal.DisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	role, ok := auth.ParseRole(identity.Role)
	if !ok {
		role = auth.RoleCandidate
	}
	if s.cacheTTL > 0 {
		s.cache.Store(userID, cachedRole{role: role, expiresAt: s.now().Add(s.cacheTTL)})
	}
	return role, nil
}

// GrantRole sets the role of userID, creating the identity when it does not exist yet.
func (s *Service) GrantRole(ctx context.Context, userID string, role auth.Role, grantedBy string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	parsed, ok := auth.ParseRole(string(role))
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	identity := Identity{
		UserID:     userID,
		Role:       string(parsed),
		GrantedBy:  normalize(grantedBy),
		LastSeenAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "granted_by", "updated_at"}),
	}).Create(&identity).Error
	if err != nil {
		return err
	}
	s.cache.Delete(userID)
	s.logger.Info("role granted", zap.String("user_id", userID), zap.String("role", string(parsed)), zap.String("granted_by", identity.GrantedBy))
	return nil
}

// Get returns the stored identity.
func (s *Service) Get(ctx context.Context, userID string) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).First(&identity).Error
	return identity, err
}
