package registration

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"github.com/roboclub/oprec/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	opServiceNew     = "registration.service.new"
	opInitialize     = "registration.initialize"
	opSubmitStep1    = "registration.submit_step1"
	opSubmitStep2    = "registration.submit_step2"
	opSubmitStep3    = "registration.submit_step3"
	opGet            = "registration.get"
	opList           = "registration.list"
	opVerifyStep     = "registration.verify_step"
	opVerifyAll      = "registration.verify_registration"
	opRejectAll      = "registration.reject_application"
	opBulk           = "registration.bulk"
	opGetSettings    = "registration.get_settings"
	opUpdateSettings = "registration.update_settings"
	defaultListLimit = 200
)

// ServiceConfig describes the collaborators of the registration service.
type ServiceConfig struct {
	Store   docstore.Store
	Clock   func() time.Time
	Logger  *zap.Logger
	Counter SequenceCounter
	Audit   *audit.Recorder
	Metrics *metrics.Metrics
	// Defaults seed the recruitment settings until an admin stores them.
	Defaults Settings
}

// Service owns the registration lifecycle: candidate submissions, admin verification and bulk actions.
type Service struct {
	store    docstore.Store
	clock    func() time.Time
	logger   *zap.Logger
	counter  SequenceCounter
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	defaults Settings
	validate *validator.Validate
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counter := cfg.Counter
	if counter == nil {
		counter = StoreSequenceCounter{Clock: clock}
	}
	defaults := cfg.Defaults
	if strings.TrimSpace(defaults.Prefix) == "" {
		defaults.Prefix = DefaultPrefix
	}
	return &Service{
		store:    cfg.Store,
		clock:    clock,
		logger:   logger,
		counter:  counter,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		defaults: defaults,
		validate: newValidator(),
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	allFields = append(allFields, zap.Error(err))
	s.logger.Error("registration operation failed", allFields...)
}

// fail logs err once and wraps it in a ServiceError carrying operation and reason.
func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	err = translateStoreError(err)
	reason := reasonFor(err)
	if reason == "invalid_input" || reason == "invalid_transition" || reason == "not_editable" || reason == "not_found" {
		s.logger.Info("registration request refused",
			append(fields, zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))...)
	} else {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) record(ctx context.Context, eventType, registrationID, actorID string, attributes map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Type:       eventType,
		Collection: CollectionRegistrations,
		EntityID:   registrationID,
		ActorID:    actorID,
		Attributes: attributes,
	})
}

func loadRegistration(tx docstore.Transaction, id string) (Registration, error) {
	document, err := tx.Get(CollectionRegistrations, id)
	if err != nil {
		return Registration{}, translateStoreError(err)
	}
	return decodeRegistration(document)
}

func decodeRegistration(document docstore.Document) (Registration, error) {
	var registration Registration
	if err := document.Decode(&registration); err != nil {
		return Registration{}, err
	}
	registration.ID = document.ID
	return registration, nil
}

func saveRegistration(tx docstore.Transaction, registration Registration) error {
	data, err := docstore.ToData(registration)
	if err != nil {
		return err
	}
	return translateStoreError(tx.Set(CollectionRegistrations, registration.ID, data, docstore.SetOptions{}))
}

func normalizeID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", newValidationError("registration id is required", FieldError{Field: "id", Rule: "required"})
	}
	return id, nil
}

func requireActor(raw string) (string, error) {
	actor := strings.TrimSpace(raw)
	if actor == "" {
		return "", newValidationError(errMissingActor.Error(), FieldError{Field: "actorId", Rule: "required"})
	}
	return actor, nil
}
