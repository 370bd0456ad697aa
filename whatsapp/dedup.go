package whatsapp

import (
	"sync"
	"time"
)

const dedupTTL = 10 * time.Minute

type dedupEntry struct {
	id   string
	seen time.Time
}

// DedupWindow remembers recently relayed message IDs, up to size entries or
// dedupTTL, whichever is reached first.
type DedupWindow struct {
	mu      sync.Mutex
	size    int
	entries []dedupEntry
	index   map[string]struct{}
	now     func() time.Time
}

func NewDedupWindow(size int) *DedupWindow {
	if size <= 0 {
		size = 1024
	}
	return &DedupWindow{
		size:    size,
		entries: make([]dedupEntry, 0, size),
		index:   make(map[string]struct{}, size),
		now:     time.Now,
	}
}

// IsDuplicate reports whether id was already seen and records it otherwise.
// Empty IDs are never duplicates.
func (d *DedupWindow) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-dedupTTL)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		delete(d.index, d.entries[start].id)
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	if _, ok := d.index[id]; ok {
		return true
	}

	if len(d.entries) >= d.size {
		delete(d.index, d.entries[0].id)
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, dedupEntry{id: id, seen: now})
	d.index[id] = struct{}{}
	return false
}

func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
