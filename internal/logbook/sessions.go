package logbook

import (
	"errors"
	"sync"
	"time"

	"github.com/roboclub/oprec/backend/internal/editing"
)

type sessionKey struct {
	id    string
	actor string
}

// sessionRegistry tracks the open editing sessions of each (entry, editor) pair so saves made by
// that editor are bracketed as submits instead of surfacing as remote changes.
type sessionRegistry struct {
	mu    sync.Mutex
	byKey map[sessionKey]map[*editing.Session]struct{}
	keys  map[*editing.Session]sessionKey
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byKey: make(map[sessionKey]map[*editing.Session]struct{}),
		keys:  make(map[*editing.Session]sessionKey),
	}
}

func (r *sessionRegistry) add(id, actor string, session *editing.Session) {
	key := sessionKey{id: id, actor: actor}
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.byKey[key]
	if !ok {
		sessions = make(map[*editing.Session]struct{})
		r.byKey[key] = sessions
	}
	sessions[session] = struct{}{}
	r.keys[session] = key
}

func (r *sessionRegistry) remove(session *editing.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[session]
	if !ok {
		return
	}
	delete(r.keys, session)
	delete(r.byKey[key], session)
	if len(r.byKey[key]) == 0 {
		delete(r.byKey, key)
	}
}

func (r *sessionRegistry) detectors(id, actor string) []*editing.Detector {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.byKey[sessionKey{id: id, actor: actor}]
	detectors := make([]*editing.Detector, 0, len(sessions))
	for session := range sessions {
		detectors = append(detectors, session.Detector())
	}
	return detectors
}

// submitGuard marks the editor's sessions as submitting for the duration of one save.
type submitGuard struct {
	detectors []*editing.Detector
}

// beginSubmit returns editing.ErrUnresolvedConflict when one of the editor's sessions holds a pending
// conflict and force is false. A forced save resolves pending conflicts first.
func (r *sessionRegistry) beginSubmit(id, actor string, force bool) (*submitGuard, error) {
	guard := &submitGuard{}
	for _, detector := range r.detectors(id, actor) {
		if force {
			detector.ResolveConflict()
		}
		err := detector.BeginSubmit()
		switch {
		case err == nil:
			guard.detectors = append(guard.detectors, detector)
		case errors.Is(err, editing.ErrSubmitInProgress):
			// Another save from the same editor owns this detector.
		default:
			guard.end(time.Time{})
			return nil, err
		}
	}
	return guard, nil
}

// end clears the submitting flag. A non-zero committedAt re-baselines the sessions.
func (g *submitGuard) end(committedAt time.Time) {
	for _, detector := range g.detectors {
		detector.EndSubmit(committedAt)
	}
	g.detectors = nil
}

func (r *sessionRegistry) resolve(id, actor string) int {
	detectors := r.detectors(id, actor)
	for _, detector := range detectors {
		detector.ResolveConflict()
	}
	return len(detectors)
}
