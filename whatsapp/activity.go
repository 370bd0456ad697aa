package whatsapp

import (
	"sync"

	"github.com/jaliph/wa-relay/models"
)

// ActivityRing holds the most recent inbound messages, newest first.
type ActivityRing struct {
	mu       sync.RWMutex
	entries  []models.ActivityEntry
	capacity int
}

func NewActivityRing(capacity int) *ActivityRing {
	if capacity <= 0 {
		capacity = 20
	}
	return &ActivityRing{
		entries:  make([]models.ActivityEntry, 0, capacity),
		capacity: capacity,
	}
}

// Add prepends e, evicting the oldest entry when full.
func (r *ActivityRing) Add(e models.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, models.ActivityEntry{})
	}
	copy(r.entries[1:], r.entries[:len(r.entries)-1])
	r.entries[0] = e
}

// Snapshot returns a copy of the entries, newest first.
func (r *ActivityRing) Snapshot() []models.ActivityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ActivityEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *ActivityRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
