package registration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/roboclub/oprec/backend/internal/docstore"
)

var (
	// ErrNotFound indicates the registration does not exist.
	ErrNotFound = errors.New("registration: not found")
	// ErrValidation indicates malformed input rejected before any write.
	ErrValidation = errors.New("registration: validation failed")
	// ErrInvalidTransition indicates the requested action is not allowed from the current status.
	ErrInvalidTransition = errors.New("registration: invalid status transition")
	// ErrNotEditable indicates the candidate may no longer change the registration.
	ErrNotEditable = errors.New("registration: registration is locked")
	// ErrRegistrationClosed indicates recruitment is not accepting new registrations.
	ErrRegistrationClosed = errors.New("registration: recruitment is closed")
	// ErrUnavailable indicates the document store failed; callers may retry.
	ErrUnavailable = errors.New("registration: store unavailable")

	errMissingStore   = errors.New("document store is required")
	errMissingCounter = errors.New("sequence counter is required")
	errMissingActor   = errors.New("actor id is required")
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []FieldError
	reason string
}

func (e *ValidationError) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.reason)
	}
	names := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		names = append(names, field.Field+"("+field.Rule+")")
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(names, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(reason string, fields ...FieldError) error {
	return &ValidationError{Fields: fields, reason: reason}
}

func validationErrorFrom(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return newValidationError(err.Error())
	}
	fields := make([]FieldError, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		fields = append(fields, FieldError{Field: fieldErr.Field(), Rule: fieldErr.Tag()})
	}
	return &ValidationError{Fields: fields}
}

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// translateStoreError maps store sentinels onto registration sentinels, keeping the cause.
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable), errors.Is(err, ErrValidation):
		return err
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, docstore.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, docstore.ErrInvalidKey), errors.Is(err, docstore.ErrInvalidFieldPath):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return err
	}
}

// reasonFor classifies an error for service error codes and logs.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid_input"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotEditable):
		return "not_editable"
	case errors.Is(err, ErrRegistrationClosed):
		return "registration_closed"
	case errors.Is(err, ErrUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// BatchPartialFailureError reports a bulk operation where some chunks committed and some did not.
// Committed chunks are not rolled back.
type BatchPartialFailureError struct {
	Succeeded []string
	Failed    []string
	Err       error
}

func (e *BatchPartialFailureError) Error() string {
	return fmt.Sprintf("registration: bulk operation partially applied (%d succeeded, %d failed): %v",
		len(e.Succeeded), len(e.Failed), e.Err)
}

func (e *BatchPartialFailureError) Unwrap() error {
	return e.Err
}
