package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// MaxUploadBytes caps a single uploaded file.
const MaxUploadBytes = 5 << 20

var (
	// ErrInvalidPath indicates a destination path outside the allowed character set.
	ErrInvalidPath = errors.New("blob: invalid destination path")
	// ErrUnsupportedType indicates the payload is not an accepted image or document.
	ErrUnsupportedType = errors.New("blob: unsupported file type")
	// ErrTooLarge indicates the payload exceeds MaxUploadBytes.
	ErrTooLarge = errors.New("blob: file too large")
	// ErrEmpty indicates an empty payload.
	ErrEmpty = errors.New("blob: empty file")

	pathSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	allowedTypes       = []string{"image/jpeg", "image/png", "image/webp", "application/pdf"}
)

// Store uploads files and returns a URL the domain records treat as opaque.
type Store interface {
	UploadFile(ctx context.Context, data []byte, destinationPath string) (string, error)
}

// Inspect validates the payload and destination and returns the detected MIME type.
func Inspect(data []byte, destinationPath string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if err := validatePath(destinationPath); err != nil {
		return "", err
	}
	detected := mimetype.Detect(data)
	for _, allowed := range allowedTypes {
		if detected.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
}

func validatePath(destinationPath string) error {
	trimmed := strings.Trim(destinationPath, "/")
	if trimmed == "" || path.Clean(trimmed) != trimmed {
		return fmt.Errorf("%w: %q", ErrInvalidPath, destinationPath)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "." || segment == ".." || !pathSegmentPattern.MatchString(segment) {
			return fmt.Errorf("%w: %q", ErrInvalidPath, destinationPath)
		}
	}
	return nil
}

// MemoryStore keeps uploads in process. It backs tests and local runs without cloud credentials.
type MemoryStore struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: strings.TrimRight(baseURL, "/"), objects: map[string][]byte{}}
}

// UploadFile stores a copy of data and returns BaseURL/destinationPath.
func (s *MemoryStore) UploadFile(_ context.Context, data []byte, destinationPath string) (string, error) {
	if _, err := Inspect(data, destinationPath); err != nil {
		return "", err
	}
	key := strings.Trim(destinationPath, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return s.BaseURL + "/" + key, nil
}

// Object returns a stored upload.
func (s *MemoryStore) Object(destinationPath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[strings.Trim(destinationPath, "/")]
	return data, ok
}
