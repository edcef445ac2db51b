package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("audit: database handle is required")

// EventRecord is the append-only audit trail row.
type EventRecord struct {
	EventID          string         `gorm:"column:event_id;primaryKey;size:190;not null"`
	EventType        string         `gorm:"column:event_type;size:120;not null"`
	Collection       string         `gorm:"column:collection;size:120;not null;index:idx_audit_entity_time,priority:1"`
	EntityID         string         `gorm:"column:entity_id;size:190;not null;index:idx_audit_entity_time,priority:2"`
	ActorID          string         `gorm:"column:actor_id;size:190;not null;default:''"`
	OccurredAtMillis int64          `gorm:"column:occurred_at_ms;not null;index:idx_audit_entity_time,priority:3"`
	Attributes       datatypes.JSON `gorm:"column:attributes;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "audit_events"
}

// GormStore persists events in the audit_events table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs an audit store over a migrated database.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Publish appends the event.
func (s *GormStore) Publish(ctx context.Context, event Event) error {
	attributes := event.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}
	raw, err := json.Marshal(attributes)
	if err != nil {
		return fmt.Errorf("audit: encode attributes: %w", err)
	}
	record := EventRecord{
		EventID:          event.ID,
		EventType:        event.Type,
		Collection:       event.Collection,
		EntityID:         event.EntityID,
		ActorID:          event.ActorID,
		OccurredAtMillis: event.OccurredAt.UnixMilli(),
		Attributes:       datatypes.JSON(raw),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("audit: insert %s: %w", event.ID, err)
	}
	return nil
}

// History lists the events of one entity, oldest first.
func (s *GormStore) History(ctx context.Context, collection, entityID string) ([]Event, error) {
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND entity_id = ?", collection, entityID).
		Order("occurred_at_ms ASC").
		Order("event_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("audit: history %s/%s: %w", collection, entityID, err)
	}
	events := make([]Event, 0, len(records))
	for _, record := range records {
		var attributes map[string]any
		if len(record.Attributes) > 0 {
			if err := json.Unmarshal(record.Attributes, &attributes); err != nil {
				return nil, fmt.Errorf("audit: decode %s: %w", record.EventID, err)
			}
		}
		events = append(events, Event{
			ID:         record.EventID,
			Type:       record.EventType,
			Collection: record.Collection,
			EntityID:   record.EntityID,
			ActorID:    record.ActorID,
			OccurredAt: time.UnixMilli(record.OccurredAtMillis).UTC(),
			Attributes: attributes,
		})
	}
	return events, nil
}
