package editing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roboclub/oprec/backend/internal/docstore"
	"go.uber.org/zap"
)

var errMissingSource = errors.New("editing: record source is required")

// RecordSource is the subset of the document store an editing session needs.
type RecordSource interface {
	Get(ctx context.Context, collection, id string) (docstore.Document, error)
	Subscribe(ctx context.Context, collection, id string) (<-chan docstore.Change, func())
}

// SessionConfig describes the record under edit.
type SessionConfig struct {
	Source     RecordSource
	Collection string
	ID         string
	// Baseline overrides the loaded record's update time, e.g. when a client reconnects with
	// the timestamp it originally loaded.
	Baseline time.Time
	Detector DetectorConfig
	Logger   *zap.Logger
	// OnChange receives every committed remote change, after the detector saw it.
	OnChange func(docstore.Change)
}

// Session binds a Detector to a live store subscription. Close must be called on every exit path.
type Session struct {
	detector    *Detector
	document    docstore.Document
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// Open subscribes to the record, loads it and starts watching for remote changes.
func Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	// Subscribe before loading so no change between the read and the subscription is missed.
	stream, unsubscribe := cfg.Source.Subscribe(watchCtx, cfg.Collection, cfg.ID)

	document, err := cfg.Source.Get(watchCtx, cfg.Collection, cfg.ID)
	if err != nil {
		unsubscribe()
		cancel()
		return nil, err
	}

	baseline := cfg.Baseline
	if baseline.IsZero() {
		baseline = document.UpdateTime
	}

	session := &Session{
		detector:    NewDetector(baseline, cfg.Detector),
		document:    document,
		cancel:      cancel,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}

	go func() {
		defer close(session.done)
		for {
			select {
			case <-watchCtx.Done():
				return
			case change := <-stream:
				remote := change.Document.UpdateTime
				if change.Deleted {
					remote = change.Timestamp
				}
				if session.detector.Observe(remote) {
					logger.Info("edit conflict detected",
						zap.String("collection", cfg.Collection),
						zap.String("id", cfg.ID),
						zap.Time("remote_updated_at", remote))
				}
				if cfg.OnChange != nil {
					cfg.OnChange(change)
				}
			}
		}
	}()

	return session, nil
}

// Document returns the record as loaded when the session opened.
func (s *Session) Document() docstore.Document {
	return s.document
}

// Detector exposes the session's conflict detector.
func (s *Session) Detector() *Detector {
	return s.detector
}

// Done is closed once the watch loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears down the subscription and waits for the watch loop to exit. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.cancel()
		<-s.done
	})
}
