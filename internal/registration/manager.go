package registration

import (
	"context"
	"errors"
	"strings"

	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"go.uber.org/zap"
)

// ListFilter narrows ListRegistrations. Empty fields match everything.
type ListFilter struct {
	OrPeriod string
	OrYear   string
	Status   Status
	Limit    int
}

// newRegistration creates the DRAFT record and assigns its sequential registration id inside tx.
func (s *Service) newRegistration(ctx context.Context, tx docstore.Transaction, candidateID, period, year string) (Registration, error) {
	settings, err := loadSettings(tx, s.defaults)
	if err != nil {
		return Registration{}, err
	}
	if !settings.RegistrationOpen {
		return Registration{}, ErrRegistrationClosed
	}
	if strings.TrimSpace(period) == "" {
		period = settings.OrPeriod
	}
	if strings.TrimSpace(year) == "" {
		year = settings.OrYear
	}
	if period == "" || year == "" {
		return Registration{}, newValidationError("recruitment period and year are required",
			FieldError{Field: "orPeriod", Rule: "required"}, FieldError{Field: "orYear", Rule: "required"})
	}
	sequence, err := s.counter.Next(ctx, tx, period, year)
	if err != nil {
		return Registration{}, translateStoreError(err)
	}
	now := s.now()
	return Registration{
		ID:             candidateID,
		OrPeriod:       period,
		OrYear:         year,
		RegistrationID: FormatRegistrationID(settings.Prefix, period, year, sequence),
		Status:         StatusDraft,
		Documents:      Documents{AllUploaded: false},
		Payment:        Payment{Verified: false},
		CanEdit:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// InitializeRegistration creates a DRAFT registration for the candidate. It is a no-op when one exists.
// Empty period or year fall back to the recruitment settings.
func (s *Service) InitializeRegistration(ctx context.Context, candidateID, orPeriod, orYear string) (Registration, error) {
	id, err := normalizeID(candidateID)
	if err != nil {
		return Registration{}, s.fail(opInitialize, err)
	}
	var (
		result  Registration
		created bool
	)
	err = s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		existing, err := loadRegistration(tx, id)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		registration, err := s.newRegistration(ctx, tx, id, orPeriod, orYear)
		if err != nil {
			return err
		}
		if err := saveRegistration(tx, registration); err != nil {
			return err
		}
		result = registration
		created = true
		return nil
	})
	if err != nil {
		return Registration{}, s.fail(opInitialize, err, zap.String("candidate_id", id))
	}
	if created {
		s.logger.Info("registration initialized",
			zap.String("candidate_id", id),
			zap.String("registration_id", result.RegistrationID))
		s.record(ctx, audit.TypeRegistrationInitialized, id, id, map[string]any{"registrationId": result.RegistrationID})
	}
	return result, nil
}

// candidateUpdate runs mutate on the candidate's registration inside one transaction.
// createIfMissing allows the step 1 upsert path.
func (s *Service) candidateUpdate(ctx context.Context, id string, step Step, createIfMissing bool, mutate func(*Registration)) (Registration, error) {
	var result Registration
	err := s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		current, err := loadRegistration(tx, id)
		if errors.Is(err, ErrNotFound) && createIfMissing {
			current, err = s.newRegistration(ctx, tx, id, "", "")
		}
		if err != nil {
			return err
		}
		if err := candidateMayEdit(current, step); err != nil {
			return err
		}
		mutate(&current)
		current.UpdatedAt = s.now()
		if err := saveRegistration(tx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	return result, err
}

// SubmitStep1FormData stores the candidate's personal data and moves the registration to FORM_SUBMITTED.
// A missing registration is created first.
func (s *Service) SubmitStep1FormData(ctx context.Context, candidateID string, form FormData) (Registration, error) {
	id, err := normalizeID(candidateID)
	if err != nil {
		return Registration{}, s.fail(opSubmitStep1, err)
	}
	if err := s.validate.Struct(form); err != nil {
		return Registration{}, s.fail(opSubmitStep1, validationErrorFrom(err), zap.String("candidate_id", id))
	}
	registration, err := s.candidateUpdate(ctx, id, StepFormData, true, func(r *Registration) {
		r.PersonalData = form.PersonalData
		r.Motivation = form.Motivation
		r.Experience = form.Experience
		r.Achievement = form.Achievement
		r.Status = StatusFormSubmitted
		r.SubmittedAt = timePointer(s.now())
	})
	if err != nil {
		return Registration{}, s.fail(opSubmitStep1, err, zap.String("candidate_id", id))
	}
	s.metrics.IncrementSubmission(int(StepFormData))
	s.record(ctx, audit.TypeStepSubmitted, id, id, map[string]any{"step": int(StepFormData)})
	return registration, nil
}

// SubmitStep2Documents merges the uploaded document URLs. The status reaches DOCUMENTS_UPLOADED only
// once every required document is present; partial saves keep the current status.
func (s *Service) SubmitStep2Documents(ctx context.Context, candidateID string, uploads DocumentUploads) (Registration, error) {
	id, err := normalizeID(candidateID)
	if err != nil {
		return Registration{}, s.fail(opSubmitStep2, err)
	}
	if err := s.validate.Struct(uploads); err != nil {
		return Registration{}, s.fail(opSubmitStep2, validationErrorFrom(err), zap.String("candidate_id", id))
	}
	registration, err := s.candidateUpdate(ctx, id, StepDocuments, false, func(r *Registration) {
		mergeURL(&r.Documents.PhotoURL, uploads.PhotoURL)
		mergeURL(&r.Documents.KTMURL, uploads.KTMURL)
		mergeURL(&r.Documents.IGRobotikFollowURL, uploads.IGRobotikFollowURL)
		mergeURL(&r.Documents.IGMRCFollowURL, uploads.IGMRCFollowURL)
		mergeURL(&r.Documents.YoutubeSubscribeURL, uploads.YoutubeSubscribeURL)
		r.Documents.UploadedAt = timePointer(s.now())
		r.Documents.AllUploaded = ComputeAllUploaded(r.Documents)
		if r.Documents.AllUploaded {
			r.Status = StatusDocumentsUploaded
		}
	})
	if err != nil {
		return Registration{}, s.fail(opSubmitStep2, err, zap.String("candidate_id", id))
	}
	s.metrics.IncrementSubmission(int(StepDocuments))
	s.record(ctx, audit.TypeStepSubmitted, id, id, map[string]any{
		"step":        int(StepDocuments),
		"allUploaded": registration.Documents.AllUploaded,
	})
	return registration, nil
}

func mergeURL(target *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*target = trimmed
	}
}

// SubmitStep3Payment stores the payment details and proof, moving the registration to PAYMENT_PENDING.
func (s *Service) SubmitStep3Payment(ctx context.Context, candidateID string, details PaymentDetails) (Registration, error) {
	id, err := normalizeID(candidateID)
	if err != nil {
		return Registration{}, s.fail(opSubmitStep3, err)
	}
	if err := s.validate.Struct(details); err != nil {
		return Registration{}, s.fail(opSubmitStep3, validationErrorFrom(err), zap.String("candidate_id", id))
	}
	registration, err := s.candidateUpdate(ctx, id, StepPayment, false, func(r *Registration) {
		r.Payment = Payment{
			Method:          details.Method,
			BankName:        details.BankName,
			AccountNumber:   details.AccountNumber,
			AccountName:     details.AccountName,
			EWalletProvider: details.EWalletProvider,
			EWalletNumber:   details.EWalletNumber,
			ProofURL:        strings.TrimSpace(details.ProofURL),
			ProofUploadedAt: timePointer(s.now()),
			Verified:        false,
		}
		r.Status = StatusPaymentPending
	})
	if err != nil {
		return Registration{}, s.fail(opSubmitStep3, err, zap.String("candidate_id", id))
	}
	s.metrics.IncrementSubmission(int(StepPayment))
	s.record(ctx, audit.TypeStepSubmitted, id, id, map[string]any{"step": int(StepPayment), "method": string(details.Method)})
	return registration, nil
}

// GetRegistration loads the candidate's registration. A missing record yields ErrNotFound.
func (s *Service) GetRegistration(ctx context.Context, candidateID string) (Registration, error) {
	id, err := normalizeID(candidateID)
	if err != nil {
		return Registration{}, s.fail(opGet, err)
	}
	document, err := s.store.Get(ctx, CollectionRegistrations, id)
	if err != nil {
		return Registration{}, s.fail(opGet, translateStoreError(err), zap.String("candidate_id", id))
	}
	registration, err := decodeRegistration(document)
	if err != nil {
		return Registration{}, s.fail(opGet, err, zap.String("candidate_id", id))
	}
	return registration, nil
}

// ListRegistrations returns registrations ordered by creation time, newest first.
func (s *Service) ListRegistrations(ctx context.Context, filter ListFilter) ([]Registration, error) {
	query := docstore.Query{OrderBy: docstore.FieldCreateTime, Descending: true, Limit: filter.Limit}
	if query.Limit <= 0 {
		query.Limit = defaultListLimit
	}
	if filter.OrPeriod != "" {
		query.Filters = append(query.Filters, docstore.Filter{Field: "orPeriod", Operator: docstore.OpEqual, Value: filter.OrPeriod})
	}
	if filter.OrYear != "" {
		query.Filters = append(query.Filters, docstore.Filter{Field: "orYear", Operator: docstore.OpEqual, Value: filter.OrYear})
	}
	if filter.Status != "" {
		query.Filters = append(query.Filters, docstore.Filter{Field: "status", Operator: docstore.OpEqual, Value: string(filter.Status)})
	}
	documents, err := s.store.Query(ctx, CollectionRegistrations, query)
	if err != nil {
		return nil, s.fail(opList, translateStoreError(err))
	}
	registrations := make([]Registration, 0, len(documents))
	for _, document := range documents {
		registration, err := decodeRegistration(document)
		if err != nil {
			return nil, s.fail(opList, err, zap.String("candidate_id", document.ID))
		}
		registrations = append(registrations, registration)
	}
	return registrations, nil
}
