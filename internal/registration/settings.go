package registration

import (
	"context"
	"errors"
	"strings"

	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"go.uber.org/zap"
)

// SettingsUpdate carries the admin-editable recruitment settings.
type SettingsUpdate struct {
	Prefix           string `json:"prefix" validate:"required,alphanum,max=16"`
	OrPeriod         string `json:"orPeriod" validate:"required,numeric,max=4"`
	OrYear           string `json:"orYear" validate:"required,numeric,len=4"`
	RegistrationOpen bool   `json:"registrationOpen"`
}

func loadSettings(tx docstore.Transaction, defaults Settings) (Settings, error) {
	document, err := tx.Get(CollectionConfigs, SettingsDocumentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return defaults, nil
	}
	if err != nil {
		return Settings{}, translateStoreError(err)
	}
	var settings Settings
	if err := document.Decode(&settings); err != nil {
		return Settings{}, err
	}
	if strings.TrimSpace(settings.Prefix) == "" {
		settings.Prefix = defaults.Prefix
	}
	return settings, nil
}

// GetSettings returns the stored recruitment settings, or the configured defaults when none were saved.
func (s *Service) GetSettings(ctx context.Context) (Settings, error) {
	var settings Settings
	err := s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		loaded, err := loadSettings(tx, s.defaults)
		settings = loaded
		return err
	})
	if err != nil {
		return Settings{}, s.fail(opGetSettings, err)
	}
	return settings, nil
}

// UpdateSettings replaces the recruitment settings singleton.
func (s *Service) UpdateSettings(ctx context.Context, adminID string, update SettingsUpdate) (Settings, error) {
	actor, err := requireActor(adminID)
	if err != nil {
		return Settings{}, s.fail(opUpdateSettings, err)
	}
	if err := s.validate.Struct(update); err != nil {
		return Settings{}, s.fail(opUpdateSettings, validationErrorFrom(err))
	}
	settings := Settings{
		Prefix:           strings.ToUpper(update.Prefix),
		OrPeriod:         update.OrPeriod,
		OrYear:           update.OrYear,
		RegistrationOpen: update.RegistrationOpen,
		UpdatedBy:        actor,
		UpdatedAt:        s.now(),
	}
	data, err := docstore.ToData(settings)
	if err != nil {
		return Settings{}, s.fail(opUpdateSettings, err)
	}
	if err := s.store.Set(ctx, CollectionConfigs, SettingsDocumentID, data, docstore.SetOptions{}); err != nil {
		return Settings{}, s.fail(opUpdateSettings, translateStoreError(err))
	}
	s.logger.Info("recruitment settings updated",
		zap.String("admin_id", actor),
		zap.String("period", settings.OrPeriod),
		zap.String("year", settings.OrYear),
		zap.Bool("open", settings.RegistrationOpen))
	s.audit.Record(ctx, audit.Event{
		Type:       audit.TypeSettingsUpdated,
		Collection: CollectionConfigs,
		EntityID:   SettingsDocumentID,
		ActorID:    actor,
		Attributes: map[string]any{"orPeriod": settings.OrPeriod, "orYear": settings.OrYear, "registrationOpen": settings.RegistrationOpen},
	})
	return settings, nil
}
