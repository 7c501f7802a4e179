package services

import (
	"sync"
	"time"
)

// ActivityDebouncer admits the first event of a burst and suppresses the
// rest until Interval has passed since the last admitted one.
type ActivityDebouncer struct {
	Interval time.Duration

	mu            sync.Mutex
	lastTriggered time.Time
}

func NewActivityDebouncer(interval time.Duration) *ActivityDebouncer {
	return &ActivityDebouncer{Interval: interval}
}

// Admit reports whether the event at now starts a new burst.
func (d *ActivityDebouncer) Admit(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastTriggered.IsZero() && now.Sub(d.lastTriggered) < d.Interval {
		return false
	}
	d.lastTriggered = now
	return true
}

// Reset forgets the last burst.
func (d *ActivityDebouncer) Reset() {
	d.mu.Lock()
	d.lastTriggered = time.Time{}
	d.mu.Unlock()
}
