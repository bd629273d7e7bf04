package osbackfill

import (
	"strings"
	"sync"
)

// dedupTracker guarantees at most one update attempt per device id within a
// single run. Membership is recorded at admission time, before the update's
// outcome is known: a later duplicate is rejected even when the first attempt
// fails, so a transient failure forfeits that device for the rest of the run.
type dedupTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newDedupTracker() *dedupTracker {
	return &dedupTracker{seen: make(map[string]struct{})}
}

// Admit marks deviceID as processed and reports whether it was unseen.
func (d *dedupTracker) Admit(deviceID string) bool {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[deviceID]; ok {
		return false
	}
	d.seen[deviceID] = struct{}{}
	return true
}

// Count returns the number of distinct devices admitted so far.
func (d *dedupTracker) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
