package game

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/indicator"
	"github.com/ryandielhenn/buzzer/pkg/protocol"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

// base is the bookkeeping both roles share. Every field is guarded by mu;
// helpers with a Locked suffix expect it held.
type base struct {
	mu sync.Mutex

	cfg   Config
	tr    transport.Transport
	ind   indicator.Indicator
	btn   *Button
	clock clockwork.Clock
	log   *zap.Logger
	epoch time.Time

	state    State
	debounce Debouncer

	flashing   bool
	flashUntil time.Time

	shown    indicator.Pattern
	hasShown bool
}

func newBase(cfg Config, tr transport.Transport, d deps, initial State) base {
	return base{
		cfg:      cfg,
		tr:       tr,
		ind:      d.ind,
		btn:      d.btn,
		clock:    d.clock,
		log:      d.log,
		epoch:    d.clock.Now(),
		state:    initial,
		debounce: Debouncer{Min: cfg.Debounce},
	}
}

// Button returns the edge flag the machine consumes.
func (b *base) Button() *Button { return b.btn }

// sentAtLocked is the advisory wire timestamp: milliseconds since the
// machine was built, wrapping at 32 bits.
func (b *base) sentAtLocked(now time.Time) uint32 {
	return uint32(now.Sub(b.epoch).Milliseconds())
}

func (b *base) sendLocked(now time.Time, kind protocol.Kind, id uint8, to transport.Addr) {
	msg := protocol.Message{Kind: kind, Participant: id, SentAt: b.sentAtLocked(now)}
	err := b.tr.Send(msg, to)
	telemetry.Sent(kind.String(), err)
	if err != nil {
		b.log.Warn("send failed", zap.Stringer("kind", kind), zap.Stringer("to", to), zap.Error(err))
		return
	}
	b.log.Debug("sent", zap.Stringer("kind", kind), zap.Uint8("participant", id), zap.Stringer("to", to))
}

func (b *base) transitionLocked(to State) {
	if b.state == to {
		return
	}
	b.log.Info("state change", zap.Stringer("from", b.state), zap.Stringer("to", to))
	telemetry.StateTransitions.WithLabelValues(b.cfg.Role.String(), to.String()).Inc()
	b.state = to
}

// startFlashLocked begins the false-start sequence. Any pending press is
// discarded now, while the sequence runs, and again when it ends.
func (b *base) startFlashLocked(now time.Time) {
	b.flashing = true
	b.flashUntil = now.Add(b.cfg.flashWindow())
	b.btn.Clear()
}

func (b *base) tickFlashLocked(now time.Time) {
	if !b.flashing {
		return
	}
	b.btn.Clear()
	if !now.Before(b.flashUntil) {
		b.flashing = false
	}
}

// takePressLocked consumes a debounced button edge. Presses during a
// false-start sequence are swallowed.
func (b *base) takePressLocked(now time.Time) bool {
	if b.flashing {
		b.btn.Clear()
		return false
	}
	if !b.btn.Take() {
		return false
	}
	if !b.debounce.Allow(now) {
		b.log.Debug("press debounced")
		return false
	}
	return true
}

func (b *base) showLocked(p indicator.Pattern) {
	if b.hasShown && b.shown.Equal(p) {
		return
	}
	b.shown = p
	b.hasShown = true
	b.ind.Show(p)
}

// addPeer registers addr, treating an existing registration as success.
func (b *base) addPeer(addr transport.Addr) {
	if err := b.tr.AddPeer(addr); err != nil && !errors.Is(err, transport.ErrPeerExists) {
		b.log.Warn("add peer failed", zap.Stringer("addr", addr), zap.Error(err))
	}
}

func (b *base) removePeer(addr transport.Addr) {
	if err := b.tr.RemovePeer(addr); err != nil && !errors.Is(err, transport.ErrUnknownPeer) {
		b.log.Warn("remove peer failed", zap.Stringer("addr", addr), zap.Error(err))
	}
}
