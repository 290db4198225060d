package roster

import (
	"errors"
	"slices"
	"time"

	"github.com/ryandielhenn/buzzer/pkg/transport"
)

// Tracks the coordinator's view of registered participants.
// Owned by the coordinator machine, which serializes access; Roster itself
// holds no lock.

// MaxParticipants is the largest roster the protocol supports.
const MaxParticipants = 4

var (
	ErrFull     = errors.New("roster: capacity reached")
	ErrNotFound = errors.New("roster: participant not registered")
	ErrBadID    = errors.New("roster: participant id out of range")
)

type Entry struct {
	ID            uint8
	Addr          transport.Addr
	LastHeartbeat time.Time
}

// Roster maps participant id to entry with a fixed capacity.
type Roster struct {
	cap     int
	entries map[uint8]*Entry
}

func New(capacity int) *Roster {
	if capacity <= 0 || capacity > MaxParticipants {
		capacity = MaxParticipants
	}
	return &Roster{cap: capacity, entries: make(map[uint8]*Entry, capacity)}
}

// Upsert registers id at addr or refreshes an existing entry. created is
// true only for a new entry; ErrFull leaves the roster unchanged.
func (r *Roster) Upsert(id uint8, addr transport.Addr, now time.Time) (created bool, err error) {
	if id >= MaxParticipants {
		return false, ErrBadID
	}
	if e, ok := r.entries[id]; ok {
		e.Addr = addr
		e.LastHeartbeat = now
		return false, nil
	}
	if len(r.entries) >= r.cap {
		return false, ErrFull
	}
	r.entries[id] = &Entry{ID: id, Addr: addr, LastHeartbeat: now}
	return true, nil
}

// Touch refreshes the heartbeat of a registered id.
func (r *Roster) Touch(id uint8, now time.Time) error {
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.LastHeartbeat = now
	return nil
}

func (r *Roster) Remove(id uint8) (Entry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	return *e, true
}

func (r *Roster) Get(id uint8) (Entry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Roster) Has(id uint8) bool {
	_, ok := r.entries[id]
	return ok
}

func (r *Roster) Len() int { return len(r.entries) }
func (r *Roster) Cap() int { return r.cap }
func (r *Roster) Full() bool { return len(r.entries) >= r.cap }

// Entries returns copies ordered by id.
func (r *Roster) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return int(a.ID) - int(b.ID) })
	return out
}

// Stale returns entries whose last heartbeat is older than timeout at now.
func (r *Roster) Stale(now time.Time, timeout time.Duration) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if now.Sub(e.LastHeartbeat) > timeout {
			out = append(out, e)
		}
	}
	return out
}
