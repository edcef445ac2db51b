package registration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/roboclub/oprec/backend/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationScenarioRejectsStepOneBackToDraft(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	registration, err := env.service.InitializeRegistration(ctx, "u1", "21", "2025")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, registration.Status)
	assert.True(t, registration.CanEdit)
	assert.False(t, registration.Documents.AllUploaded)
	assert.False(t, registration.Payment.Verified)
	assert.False(t, registration.StepVerifications.Step1FormData.Verified)

	registration, err = env.service.SubmitStep1FormData(ctx, "u1", sampleForm())
	require.NoError(t, err)
	assert.Equal(t, StatusFormSubmitted, registration.Status)
	require.NotNil(t, registration.SubmittedAt)

	registration, err = env.service.VerifyStep(ctx, "u1", StepFormData, "admin1", true, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFormVerified, registration.Status)
	assert.True(t, registration.StepVerifications.Step1FormData.Verified)
	assert.Equal(t, "admin1", registration.StepVerifications.Step1FormData.VerifiedBy)
	assert.True(t, registration.Verification.Verified)

	registration, err = env.service.VerifyStep(ctx, "u1", StepFormData, "admin1", false, "", "blurry photo")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, registration.Status)
	assert.True(t, registration.CanEdit)
	assert.False(t, registration.StepVerifications.Step1FormData.Verified)
	assert.Equal(t, "blurry photo", registration.StepVerifications.Step1FormData.RejectionReason)

	stored, err := env.service.GetRegistration(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, registration.Status, stored.Status)
	assert.Equal(t, "blurry photo", stored.StepVerifications.Step1FormData.RejectionReason)
}

func TestInitializeRegistrationIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	first, err := env.service.InitializeRegistration(ctx, "u1", "21", "2025")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	second, err := env.service.InitializeRegistration(ctx, "u1", "21", "2025")
	require.NoError(t, err)

	assert.Equal(t, first.RegistrationID, second.RegistrationID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	documents, err := env.store.Query(ctx, CollectionRegistrations, docstore.Query{})
	require.NoError(t, err)
	assert.Len(t, documents, 1)
}

func TestSubmitStep1TwiceYieldsOneIdenticalRecord(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	first, err := env.service.SubmitStep1FormData(ctx, "u1", sampleForm())
	require.NoError(t, err)
	second, err := env.service.SubmitStep1FormData(ctx, "u1", sampleForm())
	require.NoError(t, err)

	assert.Equal(t, StatusFormSubmitted, second.Status)
	assert.Equal(t, first, second)
	assert.Equal(t, "CAANG-OR21-2025-001", second.RegistrationID, "upsert assigns a sequential id once")

	documents, err := env.store.Query(ctx, CollectionRegistrations, docstore.Query{})
	require.NoError(t, err)
	assert.Len(t, documents, 1)
}

func TestSubmitStep1RejectsInvalidInputBeforeWriting(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	form := sampleForm()
	form.Email = "not-an-email"
	form.Motivation = "   "

	_, err := env.service.SubmitStep1FormData(ctx, "u1", form)
	require.ErrorIs(t, err, ErrValidation)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	fields := map[string]string{}
	for _, field := range validationErr.Fields {
		fields[field.Field] = field.Rule
	}
	assert.Equal(t, "email", fields["email"])
	assert.Equal(t, "notblank", fields["motivation"])

	_, err = env.service.GetRegistration(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprovalAdvancesExactlyOneStep(t *testing.T) {
	cases := []struct {
		name     string
		from     Status
		step     Step
		expected Status
	}{
		{"form", StatusFormSubmitted, StepFormData, StatusFormVerified},
		{"documents", StatusDocumentsUploaded, StepDocuments, StatusDocumentsVerified},
		{"payment", StatusPaymentPending, StepPayment, StatusVerified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			env.advanceTo(t, "u1", tc.from)

			registration, err := env.service.VerifyStep(context.Background(), "u1", tc.step, "admin1", true, "looks good", "")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, registration.Status)
			data := registration.StepVerifications.For(tc.step)
			assert.True(t, data.Verified)
			assert.Equal(t, "looks good", data.Notes)
		})
	}
}

func TestApprovalNeverRegressesStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	env.advanceTo(t, "u1", StatusDocumentsUploaded)

	registration, err := env.service.VerifyStep(context.Background(), "u1", StepFormData, "admin2", true, "re-checked", "")
	require.NoError(t, err)
	assert.Equal(t, StatusDocumentsUploaded, registration.Status)
	assert.Equal(t, "admin2", registration.StepVerifications.Step1FormData.VerifiedBy)
}

func TestApprovalOfUnsubmittedStepIsRefused(t *testing.T) {
	env := newTestEnv(t, 0)
	env.advanceTo(t, "u1", StatusFormSubmitted)

	_, err := env.service.VerifyStep(context.Background(), "u1", StepDocuments, "admin1", true, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := env.service.GetRegistration(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusFormSubmitted, stored.Status)
	assert.False(t, stored.StepVerifications.Step2Documents.Verified)
}

func TestRejectRestoresEditabilityForEveryStep(t *testing.T) {
	cases := []struct {
		name     string
		from     Status
		step     Step
		expected Status
	}{
		{"form", StatusFormSubmitted, StepFormData, StatusDraft},
		{"documents", StatusDocumentsUploaded, StepDocuments, StatusFormVerified},
		{"payment", StatusPaymentPending, StepPayment, StatusDocumentsVerified},
		{"payment after approval", StatusVerified, StepPayment, StatusDocumentsVerified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			before := env.advanceTo(t, "u1", tc.from)

			registration, err := env.service.VerifyStep(context.Background(), "u1", tc.step, "admin1", false, "", "please redo")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, registration.Status)
			assert.True(t, registration.CanEdit)
			assert.False(t, registration.StepVerifications.For(tc.step).Verified)
			assert.Equal(t, "please redo", registration.StepVerifications.For(tc.step).RejectionReason)
			for later := tc.step + 1; later <= StepPayment; later++ {
				assert.False(t, registration.StepVerifications.For(later).Verified)
			}
			assert.Equal(t, before.Documents.PhotoURL, registration.Documents.PhotoURL, "submitted artifacts are retained")
			assert.Equal(t, before.Payment.ProofURL, registration.Payment.ProofURL)
		})
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t, 0)
	env.advanceTo(t, "u1", StatusFormSubmitted)

	_, err := env.service.VerifyStep(context.Background(), "u1", StepFormData, "admin1", false, "", "  ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestVerifyUnknownRegistrationFailsWithoutCreating(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	_, err := env.service.VerifyStep(ctx, "ghost", StepFormData, "admin1", true, "", "")
	require.ErrorIs(t, err, ErrNotFound)
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "registration.verify_step.not_found", serviceErr.Code())

	_, err = env.service.VerifyRegistration(ctx, "ghost", "admin1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.service.GetRegistration(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOversizedRegistrationIDIsInvalidInput(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	oversized := strings.Repeat("x", 191)

	_, err := env.service.VerifyStep(ctx, oversized, StepFormData, "admin1", true, "", "")
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, docstore.ErrInvalidKey)
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "registration.verify_step.invalid_input", serviceErr.Code())

	_, err = env.service.GetRegistration(ctx, oversized)
	require.ErrorIs(t, err, ErrValidation)
}

func TestStepTwoStatusWaitsForAllRequiredDocuments(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.advanceTo(t, "u1", StatusFormVerified)

	partial := DocumentUploads{PhotoURL: "https://cdn.example.com/u1/photo.jpg", KTMURL: "https://cdn.example.com/u1/ktm.jpg"}
	registration, err := env.service.SubmitStep2Documents(ctx, "u1", partial)
	require.NoError(t, err)
	assert.False(t, registration.Documents.AllUploaded)
	assert.Equal(t, StatusFormVerified, registration.Status)

	rest := completeUploads()
	rest.PhotoURL = ""
	registration, err = env.service.SubmitStep2Documents(ctx, "u1", rest)
	require.NoError(t, err)
	assert.True(t, registration.Documents.AllUploaded)
	assert.Equal(t, StatusDocumentsUploaded, registration.Status)
	assert.Equal(t, "https://cdn.example.com/u1/photo.jpg", registration.Documents.PhotoURL, "earlier uploads are kept")
}

func TestSubmitStep3RequiresProof(t *testing.T) {
	env := newTestEnv(t, 0)
	env.advanceTo(t, "u1", StatusDocumentsVerified)

	payment := samplePayment()
	payment.ProofURL = ""
	_, err := env.service.SubmitStep3Payment(context.Background(), "u1", payment)
	require.ErrorIs(t, err, ErrValidation)

	stored, err := env.service.GetRegistration(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusDocumentsVerified, stored.Status)
}

func TestCandidateCannotSkipAheadOrEditLockedRecord(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.advanceTo(t, "u1", StatusFormSubmitted)

	_, err := env.service.SubmitStep2Documents(ctx, "u1", completeUploads())
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.service.SubmitStep2Documents(ctx, "nobody", completeUploads())
	require.ErrorIs(t, err, ErrNotFound)

	env.advanceTo(t, "u2", StatusVerified)
	_, err = env.service.SubmitStep1FormData(ctx, "u2", sampleForm())
	require.ErrorIs(t, err, ErrNotEditable)
}

func TestVerifyRegistrationApprovesEverything(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.advanceTo(t, "u1", StatusDocumentsUploaded)

	registration, err := env.service.VerifyRegistration(ctx, "u1", "admin1")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, registration.Status)
	assert.False(t, registration.CanEdit)
	assert.True(t, AreAllStepsVerified(registration))
	assert.True(t, registration.Documents.Verified)
	assert.True(t, registration.Payment.Verified)

	all, err := env.service.AreAllStepsVerified(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, all)

	_, err = env.service.InitializeRegistration(ctx, "u2", "", "")
	require.NoError(t, err)
	_, err = env.service.VerifyRegistration(ctx, "u2", "admin1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRejectApplicationIsTerminal(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.advanceTo(t, "u1", StatusDocumentsUploaded)

	registration, err := env.service.RejectApplication(ctx, "u1", "admin1", "duplicate application")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, registration.Status)
	assert.False(t, registration.CanEdit)
	assert.Equal(t, "duplicate application", registration.RejectionReason)

	_, err = env.service.VerifyStep(ctx, "u1", StepDocuments, "admin1", true, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.service.VerifyRegistration(ctx, "u1", "admin1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.service.SubmitStep2Documents(ctx, "u1", completeUploads())
	assert.ErrorIs(t, err, ErrNotEditable)
}

func TestFailedVerifyLeavesPriorState(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.advanceTo(t, "u1", StatusDocumentsUploaded)

	failing, err := NewService(ServiceConfig{Store: commitFailingStore{env.store}, Clock: env.clock.Now})
	require.NoError(t, err)
	_, err = failing.VerifyStep(ctx, "u1", StepDocuments, "admin1", true, "", "")
	require.ErrorIs(t, err, ErrUnavailable)

	stored, err := env.service.GetRegistration(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusDocumentsUploaded, stored.Status)
	assert.False(t, stored.StepVerifications.Step2Documents.Verified)
}

func TestRegistrationClosedRefusesNewRecords(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	_, err := env.service.InitializeRegistration(ctx, "early", "", "")
	require.NoError(t, err)

	_, err = env.service.UpdateSettings(ctx, "admin1", SettingsUpdate{Prefix: "caang", OrPeriod: "22", OrYear: "2026", RegistrationOpen: false})
	require.NoError(t, err)

	_, err = env.service.InitializeRegistration(ctx, "late", "", "")
	require.ErrorIs(t, err, ErrRegistrationClosed)
	_, err = env.service.SubmitStep1FormData(ctx, "late", sampleForm())
	require.ErrorIs(t, err, ErrRegistrationClosed)

	_, err = env.service.SubmitStep1FormData(ctx, "early", sampleForm())
	require.NoError(t, err, "existing registrations keep working")

	settings, err := env.service.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CAANG", settings.Prefix)
	assert.Equal(t, "admin1", settings.UpdatedBy)
}

func TestListRegistrationsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.advanceTo(t, "u1", StatusFormSubmitted)
	env.clock.Advance(time.Second)
	env.advanceTo(t, "u2", StatusFormVerified)
	env.clock.Advance(time.Second)
	env.advanceTo(t, "u3", StatusFormSubmitted)

	submitted, err := env.service.ListRegistrations(ctx, ListFilter{Status: StatusFormSubmitted})
	require.NoError(t, err)
	require.Len(t, submitted, 2)
	assert.Equal(t, "u3", submitted[0].ID)
	assert.Equal(t, "u1", submitted[1].ID)

	all, err := env.service.ListRegistrations(ctx, ListFilter{OrPeriod: "21", OrYear: "2025"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
