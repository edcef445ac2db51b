package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/auth"
	"github.com/roboclub/oprec/backend/internal/blob"
	"github.com/roboclub/oprec/backend/internal/database"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"github.com/roboclub/oprec/backend/internal/logbook"
	"github.com/roboclub/oprec/backend/internal/metrics"
	"github.com/roboclub/oprec/backend/internal/registration"
	"github.com/roboclub/oprec/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testCandidateID = "candidate-1"
	testAdminID     = "admin-1"
)

var testDatabaseCounter atomic.Int64

type testServer struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	users   *users.Service
	blob    *blob.MemoryStore
	audit   *audit.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", testDatabaseCounter.Add(1))
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := docstore.NewGormStore(docstore.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct document store: %v", err)
	}
	auditStore, err := audit.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct audit store: %v", err)
	}
	recorder := audit.NewRecorder(audit.RecorderConfig{Publishers: []audit.Publisher{auditStore}})
	t.Cleanup(func() {
		_ = recorder.Close(context.Background())
	})
	collectors := metrics.New()
	blobs := blob.NewMemoryStore("http://files.test/files")

	registrations, err := registration.NewService(registration.ServiceConfig{
		Store:   store,
		Audit:   recorder,
		Metrics: collectors,
		Defaults: registration.Settings{
			Prefix:           "CAANG",
			OrPeriod:         "21",
			OrYear:           "2025",
			RegistrationOpen: true,
		},
	})
	if err != nil {
		t.Fatalf("failed to construct registration service: %v", err)
	}
	logbooks, err := logbook.NewService(logbook.ServiceConfig{
		Store:   store,
		Blob:    blobs,
		Audit:   recorder,
		Metrics: collectors,
	})
	if err != nil {
		t.Fatalf("failed to construct logbook service: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "oprec-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{Tokens: issuer, CookieName: "oprec_session"})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	if err := userService.GrantRole(context.Background(), testAdminID, auth.RoleAdmin, "test"); err != nil {
		t.Fatalf("failed to grant admin role: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: validator,
		Roles:         userService,
		Registrations: registrations,
		Logbooks:      logbooks,
		Blob:          blobs,
		Files:         blobs,
		Audit:         auditStore,
		Metrics:       collectors,
		Logger:        zap.NewNop(),
		Heartbeat:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, issuer: issuer, users: userService, blob: blobs, audit: recorder}
}

// flushAudit waits until every recorded audit event reached the history table.
func (s *testServer) flushAudit(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.audit.Flush(ctx); err != nil {
		t.Fatalf("failed to flush audit events: %v", err)
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), auth.Principal{UserID: userID, DisplayName: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}
