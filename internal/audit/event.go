package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roboclub/oprec/backend/internal/ids"
	"github.com/roboclub/oprec/backend/internal/metrics"
	"go.uber.org/zap"
)

// DefaultBufferSize is the number of events queued for delivery before new ones are dropped.
const DefaultBufferSize = 1024

// ErrRecorderClosed is returned by Flush after Close.
var ErrRecorderClosed = errors.New("audit: recorder closed")

// Event types emitted after a state change commits.
const (
	TypeRegistrationInitialized = "registration.initialized"
	TypeStepSubmitted           = "registration.step_submitted"
	TypeStepVerified            = "registration.step_verified"
	TypeStepRejected            = "registration.step_rejected"
	TypeRegistrationVerified    = "registration.verified"
	TypeRegistrationRejected    = "registration.rejected"
	TypeRegistrationBlacklisted = "registration.blacklisted"
	TypeSettingsUpdated         = "recruitment.settings_updated"
	TypeLogbookCreated          = "logbook.created"
	TypeLogbookUpdated          = "logbook.updated"
	TypeLogbookSubmitted        = "logbook.submitted"
	TypeLogbookReviewed         = "logbook.reviewed"
	TypeLogbookCommented        = "logbook.commented"
	TypeLogbookAttachmentAdded  = "logbook.attachment_added"
	TypeLogbookDeleted          = "logbook.deleted"
)

// Event is one entry of the status history.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RecorderConfig wires the recorder's destinations.
type RecorderConfig struct {
	Publishers []Publisher
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	// BufferSize bounds the delivery queue. Zero uses DefaultBufferSize.
	BufferSize int
}

type queuedEvent struct {
	event   Event
	flushed chan struct{}
}

// Recorder fans events out to every publisher from a background worker. Record never blocks: when the
// queue is full the event is dropped and counted. Failures are logged, never returned.
type Recorder struct {
	publishers []Publisher
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	done   chan struct{}
}

// NewRecorder constructs a Recorder and starts its delivery worker. Nil publishers are skipped.
// Callers must Close the recorder to drain queued events.
func NewRecorder(cfg RecorderConfig) *Recorder {
	publishers := make([]Publisher, 0, len(cfg.Publishers))
	for _, publisher := range cfg.Publishers {
		if publisher != nil {
			publishers = append(publishers, publisher)
		}
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	recorder := &Recorder{
		publishers: publishers,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		queue:      make(chan queuedEvent, bufferSize),
		done:       make(chan struct{}),
	}
	go recorder.run()
	return recorder
}

// Record stamps the event and queues it for delivery. A nil or closed Recorder discards it.
func (r *Recorder) Record(_ context.Context, event Event) {
	if r == nil || len(r.publishers) == 0 {
		return
	}
	if event.ID == "" {
		id, err := r.idProvider.NewID()
		if err != nil {
			r.logger.Warn("audit id generation failed", zap.String("type", event.Type), zap.Error(err))
			return
		}
		event.ID = id
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.clock().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(event, "recorder closed")
		return
	}
	select {
	case r.queue <- queuedEvent{event: event}:
	default:
		r.drop(event, "queue full")
	}
}

// Flush waits until every event queued before the call has been delivered.
func (r *Recorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	marker := queuedEvent{flushed: make(chan struct{})}
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRecorderClosed
	}
	select {
	case r.queue <- marker:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to be delivered or for ctx to end.
// It is idempotent.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("audit queue not drained before shutdown", zap.Int("pending", len(r.queue)))
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for item := range r.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		r.deliver(item.event)
	}
}

func (r *Recorder) deliver(event Event) {
	ctx := context.Background()
	var errs []error
	for _, publisher := range r.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.metrics.IncrementAuditFailure()
		r.logger.Warn("audit publish failed",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.String("entity_id", event.EntityID),
			zap.Error(err))
	}
}

func (r *Recorder) drop(event Event, reason string) {
	r.metrics.IncrementAuditDropped()
	r.logger.Warn("audit event dropped",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("entity_id", event.EntityID),
		zap.String("reason", reason))
}
