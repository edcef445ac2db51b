package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/roboclub/oprec/backend/internal/auth"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:users_%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: openTestDatabase(t),
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveRoleRegistersCandidates(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	principal := auth.Principal{UserID: "user-1", Email: "rina@students.example.ac.id", Role: auth.RoleAdmin}
	role, err := service.ResolveRole(ctx, principal)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if role != auth.RoleCandidate {
		t.Fatalf("token role must not grant admin, got %s", role)
	}

	identity, err := service.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if identity.Email != principal.Email {
		t.Fatalf("expected email to be stored, got %q", identity.Email)
	}

	if _, err := service.ResolveRole(ctx, auth.Principal{UserID: " "}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestGrantRoleInvalidatesCache(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	principal := auth.Principal{UserID: "user-2"}

	if _, err := service.ResolveRole(ctx, principal); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := service.GrantRole(ctx, "user-2", auth.RoleAdmin, "cli"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	role, err := service.ResolveRole(ctx, principal)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if role != auth.RoleAdmin {
		t.Fatalf("expected admin after grant, got %s", role)
	}

	if err := service.GrantRole(ctx, "user-3", auth.RoleAdmin, "cli"); err != nil {
		t.Fatalf("grant for unknown user failed: %v", err)
	}
	if err := service.GrantRole(ctx, "user-3", "owner", "cli"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role, got %v", err)
	}
}

func TestRoleChangeFromAnotherProcessExpiresCachedRole(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	now := time.Unix(100, 0)
	clock := func() time.Time { return now }

	running, err := NewService(ServiceConfig{Database: db, Clock: clock, RoleCacheTTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("failed to create server-side service: %v", err)
	}
	cli, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create cli-side service: %v", err)
	}

	principal := auth.Principal{UserID: "admin-9"}
	if err := cli.GrantRole(ctx, "admin-9", auth.RoleAdmin, "cli"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if role, err := running.ResolveRole(ctx, principal); err != nil || role != auth.RoleAdmin {
		t.Fatalf("expected admin, got %s (%v)", role, err)
	}

	if err := cli.GrantRole(ctx, "admin-9", auth.RoleCandidate, "cli"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	now = now.Add(10 * time.Second)
	if role, _ := running.ResolveRole(ctx, principal); role != auth.RoleAdmin {
		t.Fatalf("expected cached admin role inside the ttl, got %s", role)
	}

	now = now.Add(25 * time.Second)
	role, err := running.ResolveRole(ctx, principal)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if role != auth.RoleCandidate {
		t.Fatalf("expected revoked role once the cache expired, got %s", role)
	}
}

func TestNegativeRoleCacheTTLReadsEveryTime(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()

	running, err := NewService(ServiceConfig{Database: db, RoleCacheTTL: -1})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	cli, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	principal := auth.Principal{UserID: "user-7"}
	if _, err := running.ResolveRole(ctx, principal); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := cli.GrantRole(ctx, "user-7", auth.RoleAdmin, "cli"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if role, _ := running.ResolveRole(ctx, principal); role != auth.RoleAdmin {
		t.Fatalf("expected the grant to be visible immediately, got %s", role)
	}
}
