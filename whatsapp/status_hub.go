package whatsapp

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jaliph/wa-relay/utils"
)

// maxPendingStatus bounds the events queued for one slow subscriber. A
// subscriber that falls further behind is dropped.
const maxPendingStatus = 16

// StatusSubscriber receives connectivity changes. A subscriber whose send
// fails is dropped.
type StatusSubscriber interface {
	SendStatus(connected bool) error
}

// subscription delivers events to one subscriber in order, from at most one
// goroutine at a time.
type subscription struct {
	id  string
	sub StatusSubscriber

	mu      sync.Mutex
	pending []bool
	sending bool
	dead    bool
}

// StatusHub keeps the registry of connectivity subscribers and the last
// published value. Sends never run under the hub lock, so a stalled
// subscriber delays nobody but itself.
type StatusHub struct {
	mu          sync.Mutex
	subscribers map[string]*subscription
	connected   bool
}

// NewStatusHub creates an empty hub reporting disconnected.
func NewStatusHub() *StatusHub {
	return &StatusHub{subscribers: make(map[string]*subscription)}
}

// Subscribe sends sub the current status and registers it. It returns the
// subscription id, or "" when the initial send failed.
func (h *StatusHub) Subscribe(sub StatusSubscriber) string {
	s := &subscription{id: uuid.NewString(), sub: sub, sending: true}

	h.mu.Lock()
	current := h.connected
	h.subscribers[s.id] = s
	h.mu.Unlock()

	// broadcasts arriving meanwhile queue behind the initial value
	if err := sub.SendStatus(current); err != nil {
		utils.Logger.Debug("Status subscriber rejected initial status", "component", "status", "error", err)
		h.drop(s)
		return ""
	}
	h.drain(s)
	return s.id
}

// Unsubscribe removes a subscription; unknown ids are ignored.
func (h *StatusHub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.dead = true
		s.pending = nil
		s.mu.Unlock()
	}
}

// Broadcast records connected and queues it for every subscriber. It does
// not wait for delivery.
func (h *StatusHub) Broadcast(connected bool) {
	h.mu.Lock()
	h.connected = connected
	subs := make([]*subscription, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		if len(s.pending) >= maxPendingStatus {
			s.mu.Unlock()
			utils.Logger.Debug("Dropping stalled status subscriber", "component", "status", "subscriber", s.id)
			h.drop(s)
			continue
		}
		s.pending = append(s.pending, connected)
		start := !s.sending
		s.sending = true
		s.mu.Unlock()

		if start {
			go h.drain(s)
		}
	}
}

// drain sends queued events until the queue is empty or a send fails.
func (h *StatusHub) drain(s *subscription) {
	for {
		s.mu.Lock()
		if s.dead || len(s.pending) == 0 {
			s.sending = false
			s.mu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if err := s.sub.SendStatus(next); err != nil {
			utils.Logger.Debug("Dropping status subscriber", "component", "status", "subscriber", s.id, "error", err)
			h.drop(s)
			return
		}
	}
}

func (h *StatusHub) drop(s *subscription) {
	h.Unsubscribe(s.id)
}

// Connected returns the last broadcast value
func (h *StatusHub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Len returns the number of live subscribers
func (h *StatusHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
