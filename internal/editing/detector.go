package editing

import (
	"errors"
	"sync"
	"time"
)

// DefaultEpsilon absorbs the editor's own just-committed write before its baseline moves.
const DefaultEpsilon = time.Second

// ErrUnresolvedConflict is returned when a save is attempted while a conflict is pending.
var ErrUnresolvedConflict = errors.New("editing: record changed on the server; resolve the conflict before saving")

// ErrSubmitInProgress is returned when a second submit starts before the first finished.
var ErrSubmitInProgress = errors.New("editing: submit already in progress")

// State is a snapshot of the detector.
type State struct {
	Baseline     time.Time
	HasConflict  bool
	IsSubmitting bool
}

// DetectorConfig tunes conflict detection.
type DetectorConfig struct {
	Epsilon    time.Duration
	Clock      func() time.Time
	OnConflict func(remoteUpdatedAt time.Time)
}

// Detector flags remote modifications newer than the editor's baseline. It never merges or
// overwrites; resolution is left to whoever holds the editor.
type Detector struct {
	mu           sync.Mutex
	baseline     time.Time
	hasConflict  bool
	isSubmitting bool
	epsilon      time.Duration
	clock        func() time.Time
	onConflict   func(time.Time)
}

// NewDetector captures the baseline timestamp of the record as loaded by the editor.
func NewDetector(baseline time.Time, cfg DetectorConfig) *Detector {
	epsilon := cfg.Epsilon
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Detector{
		baseline:   baseline,
		epsilon:    epsilon,
		clock:      clock,
		onConflict: cfg.OnConflict,
	}
}

// Observe inspects a remote update and reports whether it raised a new conflict.
func (d *Detector) Observe(remoteUpdatedAt time.Time) bool {
	d.mu.Lock()
	if d.isSubmitting || d.hasConflict {
		d.mu.Unlock()
		return false
	}
	if !remoteUpdatedAt.After(d.baseline.Add(d.epsilon)) {
		d.mu.Unlock()
		return false
	}
	d.hasConflict = true
	callback := d.onConflict
	d.mu.Unlock()

	if callback != nil {
		callback(remoteUpdatedAt)
	}
	return true
}

// BeginSubmit marks the editor as saving. It fails while a conflict is unresolved.
func (d *Detector) BeginSubmit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasConflict {
		return ErrUnresolvedConflict
	}
	if d.isSubmitting {
		return ErrSubmitInProgress
	}
	d.isSubmitting = true
	return nil
}

// EndSubmit clears the submitting flag. A non-zero committedAt becomes the new baseline.
func (d *Detector) EndSubmit(committedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isSubmitting = false
	if !committedAt.IsZero() && committedAt.After(d.baseline) {
		d.baseline = committedAt
	}
}

// ResolveConflict re-baselines to now and clears the conflict flag.
func (d *Detector) ResolveConflict() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline = d.clock().UTC()
	d.hasConflict = false
}

// CheckSave returns ErrUnresolvedConflict while a conflict is pending.
func (d *Detector) CheckSave() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasConflict {
		return ErrUnresolvedConflict
	}
	return nil
}

// HasConflict reports whether a conflict is pending.
func (d *Detector) HasConflict() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasConflict
}

// State returns a snapshot of the detector.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Baseline:     d.baseline,
		HasConflict:  d.hasConflict,
		IsSubmitting: d.isSubmitting,
	}
}
