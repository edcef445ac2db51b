package docstore

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// changeHub fans committed changes out to per-document subscribers.
type changeHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan Change
}

func newChangeHub() *changeHub {
	return &changeHub{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

func subscriptionKey(collection, id string) string {
	return collection + "/" + id
}

// subscribe registers a listener for one document. The returned cleanup is idempotent and is
// also invoked when ctx ends. The stream is never closed; consumers select on their own context.
func (h *changeHub) subscribe(ctx context.Context, collection, id string) (<-chan Change, func()) {
	if collection == "" || id == "" {
		ch := make(chan Change)
		return ch, func() {}
	}
	key := subscriptionKey(collection, id)
	subscriber := &changeSubscriber{
		id:     h.nextSequence(),
		stream: make(chan Change, h.bufferSize),
	}
	h.register(key, subscriber)

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			h.unregister(key, subscriber.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

func (h *changeHub) publish(change Change) {
	key := subscriptionKey(change.Collection, change.ID)
	h.mu.RLock()
	subscribers := h.subscribers[key]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (h *changeHub) subscriberCount(collection, id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[subscriptionKey(collection, id)])
}

func (h *changeHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *changeHub) register(key string, subscriber *changeSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]*changeSubscriber)
	}
	h.subscribers[key][subscriber.id] = subscriber
}

func (h *changeHub) unregister(key string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, key)
		}
	}
	h.mu.Unlock()
}
