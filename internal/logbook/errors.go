package logbook

import (
	"errors"
	"fmt"

	"github.com/roboclub/oprec/backend/internal/blob"
	"github.com/roboclub/oprec/backend/internal/docstore"
)

var (
	// ErrNotFound indicates the entry does not exist or was deleted.
	ErrNotFound = errors.New("logbook: not found")
	// ErrValidation indicates malformed input rejected before any write.
	ErrValidation = errors.New("logbook: validation failed")
	// ErrUnknownField indicates a dirty-field mask names a field that cannot be edited.
	ErrUnknownField = fmt.Errorf("%w: unknown field", ErrValidation)
	// ErrForbidden indicates the actor does not own the entry.
	ErrForbidden = errors.New("logbook: actor may not modify this entry")
	// ErrInvalidTransition indicates the action is not allowed in the current review status.
	ErrInvalidTransition = errors.New("logbook: invalid status transition")
	// ErrUnavailable indicates the document or blob store failed; callers may retry.
	ErrUnavailable = errors.New("logbook: store unavailable")

	errMissingStore = errors.New("document store is required")
	errMissingBlob  = errors.New("blob store is required")
)

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

func translateError(err error) error {
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
	case errors.Is(err, blob.ErrEmpty), errors.Is(err, blob.ErrInvalidPath),
		errors.Is(err, blob.ErrTooLarge), errors.Is(err, blob.ErrUnsupportedType):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return err
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid_input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
