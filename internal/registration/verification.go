package registration

import (
	"context"

	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"go.uber.org/zap"
)

// adminUpdate applies a pure transition to an existing registration inside one transaction.
// Verification never creates records.
func (s *Service) adminUpdate(ctx context.Context, id string, transition func(Registration) (Registration, error)) (Registration, error) {
	var result Registration
	err := s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		current, err := loadRegistration(tx, id)
		if err != nil {
			return err
		}
		next, err := transition(current)
		if err != nil {
			return err
		}
		if err := saveRegistration(tx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// VerifyStep records an admin approve or reject on one step and moves the status accordingly.
func (s *Service) VerifyStep(ctx context.Context, registrationID string, step Step, adminID string, approve bool, notes, rejectionReason string) (Registration, error) {
	id, err := normalizeID(registrationID)
	if err != nil {
		return Registration{}, s.fail(opVerifyStep, err)
	}
	actor, err := requireActor(adminID)
	if err != nil {
		return Registration{}, s.fail(opVerifyStep, err)
	}
	decision := StepDecision{
		Step:            step,
		AdminID:         actor,
		Approve:         approve,
		Notes:           notes,
		RejectionReason: rejectionReason,
		DecidedAt:       s.now(),
	}
	registration, err := s.adminUpdate(ctx, id, func(current Registration) (Registration, error) {
		return applyStepDecision(current, decision)
	})
	if err != nil {
		return Registration{}, s.fail(opVerifyStep, err,
			zap.String("registration_id", id),
			zap.Int("step", int(step)),
			zap.String("admin_id", actor))
	}

	s.metrics.IncrementStepDecision(int(step), approve)
	eventType := audit.TypeStepVerified
	attributes := map[string]any{"step": int(step), "status": string(registration.Status)}
	if !approve {
		eventType = audit.TypeStepRejected
		attributes["rejectionReason"] = registration.StepVerifications.For(step).RejectionReason
	}
	s.record(ctx, eventType, id, actor, attributes)
	return registration, nil
}

// AreAllStepsVerified reports whether every step of the stored registration carries an approval.
func (s *Service) AreAllStepsVerified(ctx context.Context, registrationID string) (bool, error) {
	registration, err := s.GetRegistration(ctx, registrationID)
	if err != nil {
		return false, err
	}
	return AreAllStepsVerified(registration), nil
}

// VerifyRegistration approves all three steps at once and locks the registration.
func (s *Service) VerifyRegistration(ctx context.Context, registrationID, adminID string) (Registration, error) {
	id, err := normalizeID(registrationID)
	if err != nil {
		return Registration{}, s.fail(opVerifyAll, err)
	}
	actor, err := requireActor(adminID)
	if err != nil {
		return Registration{}, s.fail(opVerifyAll, err)
	}
	at := s.now()
	registration, err := s.adminUpdate(ctx, id, func(current Registration) (Registration, error) {
		return approveAll(current, actor, at)
	})
	if err != nil {
		return Registration{}, s.fail(opVerifyAll, err, zap.String("registration_id", id), zap.String("admin_id", actor))
	}
	s.metrics.IncrementApplicationOutcome("verified")
	s.record(ctx, audit.TypeRegistrationVerified, id, actor, nil)
	return registration, nil
}

// RejectApplication denies the whole application. The registration becomes REJECTED and stays locked.
func (s *Service) RejectApplication(ctx context.Context, registrationID, adminID, reason string) (Registration, error) {
	id, err := normalizeID(registrationID)
	if err != nil {
		return Registration{}, s.fail(opRejectAll, err)
	}
	actor, err := requireActor(adminID)
	if err != nil {
		return Registration{}, s.fail(opRejectAll, err)
	}
	at := s.now()
	registration, err := s.adminUpdate(ctx, id, func(current Registration) (Registration, error) {
		return denyApplication(current, actor, reason, at)
	})
	if err != nil {
		return Registration{}, s.fail(opRejectAll, err, zap.String("registration_id", id), zap.String("admin_id", actor))
	}
	s.metrics.IncrementApplicationOutcome("rejected")
	s.record(ctx, audit.TypeRegistrationRejected, id, actor, map[string]any{"reason": registration.RejectionReason})
	return registration, nil
}
