package docstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var fieldPathPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// Record is the persisted row backing every document in every collection.
type Record struct {
	Collection      string         `gorm:"column:collection;primaryKey;size:64;not null;index:idx_documents_collection_created,priority:1"`
	DocumentID      string         `gorm:"column:document_id;primaryKey;size:190;not null"`
	Body            datatypes.JSON `gorm:"column:body;not null"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null;index:idx_documents_collection_created,priority:2"`
	UpdatedAtMillis int64          `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "documents"
}

// Document is a decoded snapshot of a stored record.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Decode converts the document body into the provided typed value.
func (d Document) Decode(target any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// ToData converts a typed value into the generic body representation used by the store.
func ToData(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

type deleteFieldSentinel struct{}

// DeleteField removes a field when used as a value in Update patches or merge writes.
var DeleteField any = deleteFieldSentinel{}

func validateKey(collection, id string) error {
	if strings.TrimSpace(collection) == "" || len(collection) > 64 {
		return fmt.Errorf("%w: collection %q", ErrInvalidKey, collection)
	}
	if strings.TrimSpace(id) == "" || len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: id %q", ErrInvalidKey, id)
	}
	return nil
}

func validateFieldPath(path string) error {
	if !fieldPathPattern.MatchString(path) {
		return fmt.Errorf("%w: %q", ErrInvalidFieldPath, path)
	}
	return nil
}

func decodeRecord(record Record) (Document, error) {
	data := map[string]any{}
	if len(record.Body) > 0 {
		if err := json.Unmarshal(record.Body, &data); err != nil {
			return Document{}, err
		}
	}
	return Document{
		Collection: record.Collection,
		ID:         record.DocumentID,
		Data:       data,
		CreateTime: time.UnixMilli(record.CreatedAtMillis).UTC(),
		UpdateTime: time.UnixMilli(record.UpdatedAtMillis).UTC(),
	}, nil
}

// normalizeValue converts typed values into their JSON generic form so merges see maps, not structs.
func normalizeValue(value any) (any, error) {
	if value == DeleteField {
		return value, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func normalizeData(data map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(data))
	for key, value := range data {
		converted, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		normalized[key] = converted
	}
	return normalized, nil
}

// mergeInto deep-merges src into dst. Nested maps merge, every other value replaces.
func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		if value == DeleteField {
			delete(dst, key)
			continue
		}
		incoming, incomingIsMap := value.(map[string]any)
		existing, existingIsMap := dst[key].(map[string]any)
		if incomingIsMap && existingIsMap {
			mergeInto(existing, incoming)
			continue
		}
		if incomingIsMap {
			fresh := map[string]any{}
			mergeInto(fresh, incoming)
			dst[key] = fresh
			continue
		}
		dst[key] = value
	}
}

func stripDeletes(data map[string]any) {
	for key, value := range data {
		if value == DeleteField {
			delete(data, key)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			stripDeletes(nested)
		}
	}
}

// setPath assigns value at a dotted path, creating intermediate maps as needed.
func setPath(data map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := data
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	last := segments[len(segments)-1]
	if value == DeleteField {
		delete(current, last)
		return
	}
	current[last] = value
}
