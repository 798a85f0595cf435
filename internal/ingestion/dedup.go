package ingestion

import (
	"sync"
	"time"
)

// dedupWindow remembers message ids for a fixed window, mirroring the
// JetStream duplicate window for the inline transport.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{window: window, seen: make(map[string]time.Time)}
}

// add records id at now and reports whether it was new.
func (d *dedupWindow) add(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = now
	return true
}
