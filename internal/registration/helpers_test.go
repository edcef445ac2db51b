package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDatabaseCounter atomic.Int64

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   *docstore.GormStore
	service *Service
	clock   *testClock
}

func newTestEnv(t *testing.T, maxBatchSize int) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:registration_test_%d?mode=memory&cache=shared", testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&docstore.Record{}))

	clock := newTestClock()
	store, err := docstore.NewGormStore(docstore.GormStoreConfig{Database: db, Clock: clock.Now, MaxBatchSize: maxBatchSize})
	require.NoError(t, err)

	service, err := NewService(ServiceConfig{
		Store: store,
		Clock: clock.Now,
		Defaults: Settings{
			Prefix:           "CAANG",
			OrPeriod:         "21",
			OrYear:           "2025",
			RegistrationOpen: true,
		},
	})
	require.NoError(t, err)
	return &testEnv{store: store, service: service, clock: clock}
}

func sampleForm() FormData {
	return FormData{
		PersonalData: PersonalData{
			FullName: "Rina Putri",
			NIM:      "21120123140001",
			Email:    "rina@students.example.ac.id",
			Phone:    "081234567890",
			Faculty:  "Engineering",
			Major:    "Electrical Engineering",
		},
		Motivation: "Build line followers that actually follow the line.",
	}
}

func completeUploads() DocumentUploads {
	return DocumentUploads{
		PhotoURL:            "https://cdn.example.com/u1/photo.jpg",
		IGRobotikFollowURL:  "https://cdn.example.com/u1/ig-robotik.jpg",
		IGMRCFollowURL:      "https://cdn.example.com/u1/ig-mrc.jpg",
		YoutubeSubscribeURL: "https://cdn.example.com/u1/youtube.jpg",
	}
}

func samplePayment() PaymentDetails {
	return PaymentDetails{
		Method:        PaymentTransfer,
		BankName:      "BNI",
		AccountNumber: "0123456789",
		AccountName:   "Rina Putri",
		ProofURL:      "https://cdn.example.com/u1/proof.jpg",
	}
}

// advanceTo drives a registration through candidate submissions and admin approvals up to target.
func (e *testEnv) advanceTo(t *testing.T, id string, target Status) Registration {
	t.Helper()
	ctx := context.Background()
	registration, err := e.service.InitializeRegistration(ctx, id, "", "")
	require.NoError(t, err)
	steps := []struct {
		reached Status
		run     func() (Registration, error)
	}{
		{StatusFormSubmitted, func() (Registration, error) { return e.service.SubmitStep1FormData(ctx, id, sampleForm()) }},
		{StatusFormVerified, func() (Registration, error) {
			return e.service.VerifyStep(ctx, id, StepFormData, "admin1", true, "", "")
		}},
		{StatusDocumentsUploaded, func() (Registration, error) { return e.service.SubmitStep2Documents(ctx, id, completeUploads()) }},
		{StatusDocumentsVerified, func() (Registration, error) {
			return e.service.VerifyStep(ctx, id, StepDocuments, "admin1", true, "", "")
		}},
		{StatusPaymentPending, func() (Registration, error) { return e.service.SubmitStep3Payment(ctx, id, samplePayment()) }},
		{StatusVerified, func() (Registration, error) {
			return e.service.VerifyStep(ctx, id, StepPayment, "admin1", true, "", "")
		}},
	}
	if registration.Status == target {
		return registration
	}
	for _, step := range steps {
		registration, err = step.run()
		require.NoError(t, err)
		require.Equal(t, step.reached, registration.Status)
		if step.reached == target {
			return registration
		}
	}
	t.Fatalf("status %s is not reachable through the happy path", target)
	return Registration{}
}

// commitFailingStore runs the real transaction body and then fails it, so the database rolls back.
type commitFailingStore struct {
	*docstore.GormStore
}

var errInjectedCommit = errors.New("injected commit failure")

func (s commitFailingStore) RunTransaction(ctx context.Context, fn func(tx docstore.Transaction) error) error {
	return s.GormStore.RunTransaction(ctx, func(tx docstore.Transaction) error {
		if err := fn(tx); err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", docstore.ErrUnavailable, errInjectedCommit)
	})
}
