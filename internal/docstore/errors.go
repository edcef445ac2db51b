package docstore

import "errors"

var (
	// ErrNotFound indicates the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrUnavailable wraps failures of the underlying database.
	ErrUnavailable = errors.New("docstore: store unavailable")
	// ErrBatchTooLarge indicates a batch exceeds the configured operation limit.
	ErrBatchTooLarge = errors.New("docstore: batch exceeds size limit")
	// ErrInvalidKey indicates an empty or oversized collection or document id.
	ErrInvalidKey = errors.New("docstore: invalid document key")
	// ErrInvalidFieldPath indicates a malformed dotted field path.
	ErrInvalidFieldPath = errors.New("docstore: invalid field path")
	// ErrInvalidQuery indicates an unsupported filter operator or ordering.
	ErrInvalidQuery = errors.New("docstore: invalid query")

	errMissingDatabase = errors.New("database handle is required")
)
