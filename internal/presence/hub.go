package presence

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 32

// Hub is the in-process Coordinator used when Redis is not configured. It
// only sees participants connected to this instance.
type Hub struct {
	mu          sync.Mutex
	ttl         time.Duration
	now         func() time.Time
	members     map[string]map[string]time.Time
	subscribers map[string]map[int]chan WordUpdate
	nextID      int
}

func NewHub(ttl time.Duration) *Hub {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Hub{
		ttl:         ttl,
		now:         time.Now,
		members:     make(map[string]map[string]time.Time),
		subscribers: make(map[string]map[int]chan WordUpdate),
	}
}

// prune drops stale members of sessionID; callers hold mu.
func (h *Hub) prune(sessionID string) map[string]time.Time {
	members := h.members[sessionID]
	cutoff := h.now().Add(-h.ttl)
	for token, seen := range members {
		if seen.Before(cutoff) {
			delete(members, token)
		}
	}
	return members
}

func (h *Hub) Join(_ context.Context, sessionID, token string, capacity int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.prune(sessionID)
	if members == nil {
		members = make(map[string]time.Time)
		h.members[sessionID] = members
	}
	if _, ok := members[token]; !ok && capacity > 0 && len(members) >= capacity {
		return ErrAtCapacity
	}
	members[token] = h.now()
	return nil
}

func (h *Hub) Heartbeat(_ context.Context, sessionID, token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.prune(sessionID)
	if _, ok := members[token]; !ok {
		return ErrNotPresent
	}
	members[token] = h.now()
	return nil
}

func (h *Hub) Leave(_ context.Context, sessionID, token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members[sessionID], token)
	if len(h.members[sessionID]) == 0 {
		delete(h.members, sessionID)
	}
	return nil
}

func (h *Hub) Count(_ context.Context, sessionID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.prune(sessionID)), nil
}

func (h *Hub) Present(_ context.Context, sessionID, token string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.prune(sessionID)[token]
	return ok, nil
}

func (h *Hub) Publish(_ context.Context, update WordUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[update.SessionID] {
		select {
		case ch <- update:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, sessionID string) (<-chan WordUpdate, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan WordUpdate, subscriberBuffer)
	if h.subscribers[sessionID] == nil {
		h.subscribers[sessionID] = make(map[int]chan WordUpdate)
	}
	h.subscribers[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subscribers[sessionID], id)
			if len(h.subscribers[sessionID]) == 0 {
				delete(h.subscribers, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (h *Hub) Ping(context.Context) error { return nil }
