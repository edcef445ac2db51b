package registration

import (
	"fmt"
	"strings"
	"time"
)

// StepDecision is an admin's approve or reject action on one step.
type StepDecision struct {
	Step            Step
	AdminID         string
	Approve         bool
	Notes           string
	RejectionReason string
	DecidedAt       time.Time
}

// candidateMayEdit checks the lock and the status window in which the candidate may (re)submit step.
func candidateMayEdit(current Registration, step Step) error {
	if current.Blacklisted || !current.CanEdit {
		return ErrNotEditable
	}
	var allowed []Status
	switch step {
	case StepFormData:
		allowed = []Status{StatusDraft, StatusFormSubmitted}
	case StepDocuments:
		allowed = []Status{StatusFormVerified, StatusDocumentsUploaded}
	case StepPayment:
		allowed = []Status{StatusDocumentsVerified, StatusPaymentPending}
	}
	for _, status := range allowed {
		if current.Status == status {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot submit step %d while %s", ErrInvalidTransition, step, current.Status)
}

// applyStepDecision returns the registration after an admin decision. It never mutates current.
//
// Approval moves status forward exactly one step when the step is awaiting review and never
// regresses a status that is already past it. Rejection returns status to "previous step
// verified", reopens editing and clears approvals of later steps so status stays derivable
// from stepVerifications.
func applyStepDecision(current Registration, decision StepDecision) (Registration, error) {
	if !decision.Step.Valid() {
		return current, newValidationError(fmt.Sprintf("unknown step %d", decision.Step))
	}
	if current.Status == StatusRejected {
		return current, fmt.Errorf("%w: application was rejected", ErrInvalidTransition)
	}
	rank, known := statusRank[current.Status]
	if !known {
		return current, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current.Status)
	}
	if rank < statusRank[decision.Step.SubmittedStatus()] {
		return current, fmt.Errorf("%w: step %d has not been submitted (status %s)", ErrInvalidTransition, decision.Step, current.Status)
	}

	next := current
	at := timePointer(decision.DecidedAt)
	if decision.Approve {
		*next.StepVerifications.For(decision.Step) = StepVerificationData{
			Verified:   true,
			VerifiedBy: decision.AdminID,
			VerifiedAt: at,
			Notes:      decision.Notes,
		}
		if current.Status == decision.Step.SubmittedStatus() {
			next.Status = decision.Step.VerifiedStatus()
		}
		switch decision.Step {
		case StepFormData:
			next.Verification = Verification{Verified: true, VerifiedBy: decision.AdminID, VerifiedAt: at}
		case StepDocuments:
			next.Documents.Verified = true
			next.Documents.VerifiedBy = decision.AdminID
			next.Documents.VerifiedAt = at
			next.Documents.RejectionReason = ""
		case StepPayment:
			next.Payment.Verified = true
			next.Payment.VerifiedBy = decision.AdminID
			next.Payment.VerifiedAt = at
			next.Payment.RejectionReason = ""
			next.Verification = Verification{Verified: true, VerifiedBy: decision.AdminID, VerifiedAt: at}
			next.CanEdit = false
		}
		next.UpdatedAt = decision.DecidedAt
		return next, nil
	}

	reason := strings.TrimSpace(decision.RejectionReason)
	if reason == "" {
		return current, newValidationError("rejection reason is required", FieldError{Field: "rejectionReason", Rule: "required"})
	}
	*next.StepVerifications.For(decision.Step) = StepVerificationData{
		Verified:        false,
		VerifiedBy:      decision.AdminID,
		VerifiedAt:      at,
		Notes:           decision.Notes,
		RejectionReason: reason,
	}
	for later := decision.Step + 1; later <= StepPayment; later++ {
		*next.StepVerifications.For(later) = StepVerificationData{}
	}
	next.Status = decision.Step.RollbackStatus()
	next.CanEdit = true

	// Submitted artifacts are kept so the candidate can see what was rejected.
	if decision.Step <= StepDocuments {
		next.Documents.Verified = false
		next.Documents.VerifiedBy = ""
		next.Documents.VerifiedAt = nil
	}
	next.Payment.Verified = false
	next.Payment.VerifiedBy = ""
	next.Payment.VerifiedAt = nil
	switch decision.Step {
	case StepFormData:
		next.Verification = Verification{Verified: false, VerifiedBy: decision.AdminID, VerifiedAt: at, RejectionReason: reason}
	case StepDocuments:
		next.Documents.RejectionReason = reason
		next.Verification.Verified = false
	case StepPayment:
		next.Payment.RejectionReason = reason
		next.Verification.Verified = false
	}
	next.UpdatedAt = decision.DecidedAt
	return next, nil
}

// approveAll marks every step verified at once and locks the registration.
func approveAll(current Registration, adminID string, at time.Time) (Registration, error) {
	switch current.Status {
	case StatusRejected:
		return current, fmt.Errorf("%w: application was rejected", ErrInvalidTransition)
	case StatusDraft:
		return current, fmt.Errorf("%w: nothing has been submitted", ErrInvalidTransition)
	}
	next := current
	stamp := timePointer(at)
	approved := StepVerificationData{Verified: true, VerifiedBy: adminID, VerifiedAt: stamp}
	next.StepVerifications = StepVerifications{
		Step1FormData:  approved,
		Step2Documents: approved,
		Step3Payment:   approved,
	}
	next.Documents.Verified = true
	next.Documents.VerifiedBy = adminID
	next.Documents.VerifiedAt = stamp
	next.Documents.RejectionReason = ""
	next.Payment.Verified = true
	next.Payment.VerifiedBy = adminID
	next.Payment.VerifiedAt = stamp
	next.Payment.RejectionReason = ""
	next.Verification = Verification{Verified: true, VerifiedBy: adminID, VerifiedAt: stamp}
	next.Status = StatusVerified
	next.CanEdit = false
	next.UpdatedAt = at
	return next, nil
}

// denyApplication rejects the whole application. REJECTED is terminal and locks editing.
func denyApplication(current Registration, adminID, reason string, at time.Time) (Registration, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return current, newValidationError("rejection reason is required", FieldError{Field: "rejectionReason", Rule: "required"})
	}
	if current.Status == StatusRejected {
		return current, fmt.Errorf("%w: application already rejected", ErrInvalidTransition)
	}
	next := current
	next.Status = StatusRejected
	next.CanEdit = false
	next.RejectionReason = reason
	next.Verification = Verification{Verified: false, VerifiedBy: adminID, VerifiedAt: timePointer(at), RejectionReason: reason}
	next.UpdatedAt = at
	return next, nil
}
