package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryCollectionDocument = "collection = ? AND document_id = ?"
	queryCollection         = "collection = ?"
	columnCreatedAt         = "created_at_ms"
	columnUpdatedAt         = "updated_at_ms"
	columnDocumentID        = "document_id"
)

// GormStoreConfig describes the dependencies of the GORM-backed document store.
type GormStoreConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Logger       *zap.Logger
	MaxBatchSize int
}

// GormStore persists JSON documents in a single SQL table and publishes committed changes.
type GormStore struct {
	db           *gorm.DB
	clock        func() time.Time
	logger       *zap.Logger
	hub          *changeHub
	maxBatchSize int
}

// NewGormStore constructs a document store over an already migrated database.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &GormStore{
		db:           cfg.Database,
		clock:        clock,
		logger:       logger,
		hub:          newChangeHub(),
		maxBatchSize: maxBatchSize,
	}, nil
}

// MaxBatchSize reports the largest batch accepted by Batch.
func (s *GormStore) MaxBatchSize() int {
	return s.maxBatchSize
}

// Get loads a single document.
func (s *GormStore) Get(ctx context.Context, collection, id string) (Document, error) {
	reader := &gormTransaction{tx: s.db.WithContext(ctx)}
	return reader.Get(collection, id)
}

// Query scans a collection.
func (s *GormStore) Query(ctx context.Context, collection string, query Query) ([]Document, error) {
	reader := &gormTransaction{tx: s.db.WithContext(ctx)}
	return reader.Query(collection, query)
}

// Set writes a document, replacing it unless opts.Merge is set.
func (s *GormStore) Set(ctx context.Context, collection, id string, data map[string]any, opts SetOptions) error {
	return s.RunTransaction(ctx, func(tx Transaction) error {
		return tx.Set(collection, id, data, opts)
	})
}

// Update applies dotted-path field assignments to an existing document.
func (s *GormStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return s.RunTransaction(ctx, func(tx Transaction) error {
		return tx.Update(collection, id, patch)
	})
}

// Delete removes a document. Deleting a missing document is a no-op.
func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	return s.RunTransaction(ctx, func(tx Transaction) error {
		return tx.Delete(collection, id)
	})
}

// Batch commits every operation atomically or none of them.
func (s *GormStore) Batch(ctx context.Context, ops []WriteOp) error {
	if len(ops) > s.maxBatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ops), s.maxBatchSize)
	}
	if len(ops) == 0 {
		return nil
	}
	return s.RunTransaction(ctx, func(tx Transaction) error {
		for index, op := range ops {
			var err error
			switch op.Kind {
			case WriteSet:
				err = tx.Set(op.Collection, op.ID, op.Data, SetOptions{Merge: op.Merge})
			case WriteUpdate:
				err = tx.Update(op.Collection, op.ID, op.Data)
			case WriteDelete:
				err = tx.Delete(op.Collection, op.ID)
			default:
				err = fmt.Errorf("%w: unsupported write kind %q", ErrInvalidQuery, op.Kind)
			}
			if err != nil {
				return fmt.Errorf("batch op %d (%s %s/%s): %w", index, op.Kind, op.Collection, op.ID, err)
			}
		}
		return nil
	})
}

// RunTransaction executes fn inside a database transaction. Changes are published only after commit.
func (s *GormStore) RunTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	var committed []Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		transaction := &gormTransaction{tx: tx, lock: true, now: s.clock().UTC()}
		if err := fn(transaction); err != nil {
			return err
		}
		committed = transaction.changes
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			s.logger.Error("document store transaction failed", zap.Error(err))
		}
		return err
	}
	for _, change := range committed {
		s.hub.publish(change)
	}
	return nil
}

// Subscribe streams committed changes for one document until cleanup runs or ctx ends.
func (s *GormStore) Subscribe(ctx context.Context, collection, id string) (<-chan Change, func()) {
	return s.hub.subscribe(ctx, collection, id)
}

type gormTransaction struct {
	tx      *gorm.DB
	lock    bool
	now     time.Time
	changes []Change
}

func (t *gormTransaction) Get(collection, id string) (Document, error) {
	record, err := t.load(collection, id)
	if err != nil {
		return Document{}, err
	}
	if record == nil {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return decodeRecord(*record)
}

func (t *gormTransaction) Query(collection string, query Query) ([]Document, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection required", ErrInvalidKey)
	}
	statement := t.tx.Where(queryCollection, collection)
	for _, filter := range query.Filters {
		if err := validateFieldPath(filter.Field); err != nil {
			return nil, err
		}
		expression := fmt.Sprintf("json_extract(body, '$.%s')", filter.Field)
		if filter.Value == nil {
			switch filter.Operator {
			case OpEqual:
				statement = statement.Where(expression + " IS NULL")
			case OpNotEqual:
				statement = statement.Where(expression + " IS NOT NULL")
			default:
				return nil, fmt.Errorf("%w: operator %q with nil value", ErrInvalidQuery, filter.Operator)
			}
			continue
		}
		operator, err := sqlOperator(filter.Operator)
		if err != nil {
			return nil, err
		}
		statement = statement.Where(fmt.Sprintf("%s %s ?", expression, operator), filter.Value)
	}
	if query.OrderBy != "" {
		column, err := orderColumn(query.OrderBy)
		if err != nil {
			return nil, err
		}
		statement = statement.Order(clause.OrderByColumn{Column: clause.Column{Name: column, Raw: true}, Desc: query.Descending})
	}
	statement = statement.Order(columnDocumentID)
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var records []Record
	if err := statement.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	documents := make([]Document, 0, len(records))
	for _, record := range records {
		document, err := decodeRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s/%s: %w", ErrUnavailable, record.Collection, record.DocumentID, err)
		}
		documents = append(documents, document)
	}
	return documents, nil
}

func (t *gormTransaction) Set(collection, id string, data map[string]any, opts SetOptions) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	normalized, err := normalizeData(data)
	if err != nil {
		return err
	}
	existing, err := t.load(collection, id)
	if err != nil {
		return err
	}

	var body map[string]any
	if opts.Merge && existing != nil {
		current, decodeErr := decodeRecord(*existing)
		if decodeErr != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, decodeErr)
		}
		body = current.Data
		mergeInto(body, normalized)
	} else {
		body = map[string]any{}
		mergeInto(body, normalized)
	}
	stripDeletes(body)
	return t.write(collection, id, body, existing)
}

func (t *gormTransaction) Update(collection, id string, patch map[string]any) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	existing, err := t.load(collection, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	current, err := decodeRecord(*existing)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	body := current.Data
	for path, value := range patch {
		if err := validateFieldPath(path); err != nil {
			return err
		}
		normalized, err := normalizeValue(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
		setPath(body, path, normalized)
	}
	return t.write(collection, id, body, existing)
}

func (t *gormTransaction) Delete(collection, id string) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	result := t.tx.Where(queryCollectionDocument, collection, id).Delete(&Record{})
	if result.Error != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, result.Error)
	}
	if result.RowsAffected > 0 {
		t.changes = append(t.changes, Change{
			Collection: collection,
			ID:         id,
			Deleted:    true,
			Timestamp:  t.now,
		})
	}
	return nil
}

func (t *gormTransaction) load(collection, id string) (*Record, error) {
	if err := validateKey(collection, id); err != nil {
		return nil, err
	}
	statement := t.tx
	if t.lock {
		statement = statement.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var record Record
	err := statement.Where(queryCollectionDocument, collection, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &record, nil
}

func (t *gormTransaction) write(collection, id string, body map[string]any, existing *Record) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	nowMillis := t.now.UnixMilli()
	record := Record{
		Collection:      collection,
		DocumentID:      id,
		Body:            raw,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	if existing != nil {
		record.CreatedAtMillis = existing.CreatedAtMillis
		if err := t.tx.Save(&record).Error; err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	} else if err := t.tx.Create(&record).Error; err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	document, err := decodeRecord(record)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	t.changes = append(t.changes, Change{
		Collection: collection,
		ID:         id,
		Document:   document,
		Timestamp:  t.now,
	})
	return nil
}

func sqlOperator(operator FilterOperator) (string, error) {
	switch operator {
	case OpEqual:
		return "=", nil
	case OpNotEqual:
		return "<>", nil
	case OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual:
		return string(operator), nil
	default:
		return "", fmt.Errorf("%w: operator %q", ErrInvalidQuery, operator)
	}
}

func orderColumn(field string) (string, error) {
	switch field {
	case FieldCreateTime:
		return columnCreatedAt, nil
	case FieldUpdateTime:
		return columnUpdatedAt, nil
	}
	if err := validateFieldPath(field); err != nil {
		return "", err
	}
	return fmt.Sprintf("json_extract(body, '$.%s')", field), nil
}
