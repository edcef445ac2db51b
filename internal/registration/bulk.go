package registration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"go.uber.org/zap"
)

// BulkAction enumerates actions an admin can apply to many registrations at once.
type BulkAction string

const (
	BulkVerifyPayment  BulkAction = "verify_payment"
	BulkVerifyFormData BulkAction = "verify_form_data"
	BulkBlacklist      BulkAction = "blacklist"
)

// ParseBulkAction validates a raw action name.
func ParseBulkAction(raw string) (BulkAction, bool) {
	action := BulkAction(strings.TrimSpace(raw))
	switch action {
	case BulkVerifyPayment, BulkVerifyFormData, BulkBlacklist:
		return action, true
	}
	return "", false
}

// BulkOperation is one admin action over a set of registration ids. It is never persisted.
type BulkOperation struct {
	IDs     []string
	Action  BulkAction
	ActorID string
}

// BulkResult lists the ids the operation changed.
type BulkResult struct {
	Action    BulkAction `json:"action"`
	Succeeded []string   `json:"succeeded"`
}

// BulkVerifyPayments approves step 3 on every id.
func (s *Service) BulkVerifyPayments(ctx context.Context, ids []string, adminID string) (BulkResult, error) {
	return s.ExecuteBulk(ctx, BulkOperation{IDs: ids, Action: BulkVerifyPayment, ActorID: adminID})
}

// BulkVerifyFormData approves step 1 on every id.
func (s *Service) BulkVerifyFormData(ctx context.Context, ids []string, adminID string) (BulkResult, error) {
	return s.ExecuteBulk(ctx, BulkOperation{IDs: ids, Action: BulkVerifyFormData, ActorID: adminID})
}

// BulkBlacklistUsers blacklists and locks every id.
func (s *Service) BulkBlacklistUsers(ctx context.Context, ids []string, adminID string) (BulkResult, error) {
	return s.ExecuteBulk(ctx, BulkOperation{IDs: ids, Action: BulkBlacklist, ActorID: adminID})
}

// ExecuteBulk applies the action in chunks no larger than the store's batch limit. Each chunk commits
// atomically. When a chunk fails, nothing after it runs; if earlier chunks already committed the error
// is a *BatchPartialFailureError and those chunks stay applied.
func (s *Service) ExecuteBulk(ctx context.Context, operation BulkOperation) (BulkResult, error) {
	actor, err := requireActor(operation.ActorID)
	if err != nil {
		return BulkResult{}, s.fail(opBulk, err)
	}
	if _, ok := ParseBulkAction(string(operation.Action)); !ok {
		return BulkResult{}, s.fail(opBulk, newValidationError(fmt.Sprintf("unknown bulk action %q", operation.Action),
			FieldError{Field: "action", Rule: "oneof"}))
	}
	ids, err := uniqueIDs(operation.IDs)
	if err != nil {
		return BulkResult{}, s.fail(opBulk, err)
	}

	result := BulkResult{Action: operation.Action, Succeeded: make([]string, 0, len(ids))}
	chunkSize := s.store.MaxBatchSize()
	if chunkSize <= 0 {
		chunkSize = docstore.DefaultMaxBatchSize
	}
	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		chunk := ids[start:end]
		at := s.now()
		if err := s.applyChunk(ctx, operation.Action, actor, chunk, at); err != nil {
			s.metrics.IncrementBulkChunk(string(operation.Action), false)
			fields := []zap.Field{
				zap.String("action", string(operation.Action)),
				zap.String("admin_id", actor),
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
			}
			if start == 0 {
				return BulkResult{Action: operation.Action}, s.fail(opBulk, err, fields...)
			}
			partial := &BatchPartialFailureError{
				Succeeded: result.Succeeded,
				Failed:    append([]string(nil), ids[start:]...),
				Err:       err,
			}
			s.logError(opBulk, "partial_failure", err, append(fields, zap.Int("succeeded", len(partial.Succeeded)))...)
			return result, newServiceError(opBulk, "partial_failure", partial)
		}
		s.metrics.IncrementBulkChunk(string(operation.Action), true)
		result.Succeeded = append(result.Succeeded, chunk...)
		s.recordBulk(ctx, operation.Action, actor, chunk)
	}

	s.logger.Info("bulk operation applied",
		zap.String("action", string(operation.Action)),
		zap.String("admin_id", actor),
		zap.Int("count", len(result.Succeeded)))
	return result, nil
}

func (s *Service) applyChunk(ctx context.Context, action BulkAction, actor string, chunk []string, at time.Time) error {
	switch action {
	case BulkBlacklist:
		ops := make([]docstore.WriteOp, 0, len(chunk))
		for _, id := range chunk {
			ops = append(ops, docstore.WriteOp{
				Kind:       docstore.WriteUpdate,
				Collection: CollectionRegistrations,
				ID:         id,
				Data: map[string]any{
					"blacklisted":   true,
					"blacklistedBy": actor,
					"blacklistedAt": at,
					"canEdit":       false,
					"updatedAt":     at,
				},
			})
		}
		return translateStoreError(s.store.Batch(ctx, ops))
	default:
		step := StepPayment
		if action == BulkVerifyFormData {
			step = StepFormData
		}
		// Status and stepVerifications of every record change together or not at all.
		err := s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
			for _, id := range chunk {
				current, err := loadRegistration(tx, id)
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				next, err := applyStepDecision(current, StepDecision{Step: step, AdminID: actor, Approve: true, DecidedAt: at})
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				if err := saveRegistration(tx, next); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		})
		return translateStoreError(err)
	}
}

func (s *Service) recordBulk(ctx context.Context, action BulkAction, actor string, chunk []string) {
	for _, id := range chunk {
		switch action {
		case BulkBlacklist:
			s.record(ctx, audit.TypeRegistrationBlacklisted, id, actor, map[string]any{"bulk": true})
		case BulkVerifyFormData:
			s.metrics.IncrementStepDecision(int(StepFormData), true)
			s.record(ctx, audit.TypeStepVerified, id, actor, map[string]any{"step": int(StepFormData), "bulk": true})
		case BulkVerifyPayment:
			s.metrics.IncrementStepDecision(int(StepPayment), true)
			s.record(ctx, audit.TypeStepVerified, id, actor, map[string]any{"step": int(StepPayment), "bulk": true})
		}
	}
}

func uniqueIDs(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	ids := make([]string, 0, len(raw))
	for _, value := range raw {
		id := strings.TrimSpace(value)
		if id == "" {
			return nil, newValidationError("registration ids must not be empty", FieldError{Field: "ids", Rule: "required"})
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, newValidationError("at least one registration id is required", FieldError{Field: "ids", Rule: "min"})
	}
	return ids, nil
}
