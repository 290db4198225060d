package game

import (
	"sync/atomic"
	"time"
)

// Button is the operator's edge flag. Producers (an interrupt, a stdin
// reader, the admin HTTP handler) only ever set it; the owning machine's
// Tick is the single consumer. No lock beyond the flag's own atomicity.
type Button struct {
	pressed atomic.Bool
}

func (b *Button) Press() { b.pressed.Store(true) }

// Take reports whether an edge was pending and clears it.
func (b *Button) Take() bool { return b.pressed.Swap(false) }

func (b *Button) Clear() { b.pressed.Store(false) }

// Debouncer coalesces triggers closer together than Min to the last
// accepted one.
type Debouncer struct {
	Min time.Duration

	last   time.Time
	primed bool
}

// Allow reports whether a trigger at now is accepted, and if so records it.
func (d *Debouncer) Allow(now time.Time) bool {
	if d.primed && now.Sub(d.last) < d.Min {
		return false
	}
	d.last = now
	d.primed = true
	return true
}
