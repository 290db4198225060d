package game

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/indicator"
	"github.com/ryandielhenn/buzzer/pkg/protocol"
	"github.com/ryandielhenn/buzzer/pkg/roster"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

// Coordinator owns the roster and is the only arbiter of round starts and
// winners.
type Coordinator struct {
	base

	roster     *roster.Roster
	winner     Winner
	roundStart time.Time
	lastBeat   time.Time
}

var _ Machine = (*Coordinator)(nil)

func NewCoordinator(cfg Config, tr transport.Transport, opts ...Option) (*Coordinator, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrConfig)
	}
	cfg.Role = RoleCoordinator
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := newDeps(opts)
	d.log = d.log.Named("coordinator").With(zap.String("role", cfg.Role.String()))
	return &Coordinator{
		base:   newBase(cfg, tr, d, AwaitingConnections),
		roster: roster.New(cfg.Capacity),
		winner: noWinner,
	}, nil
}

func (c *Coordinator) Start() {
	c.tr.SetReceiveHandler(func(msg protocol.Message, from transport.Addr) {
		c.Handle(Event{Msg: msg, From: from})
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Info("coordinator started", zap.Stringer("addr", c.tr.LocalAddr()), zap.Int("capacity", c.roster.Cap()))
	c.refreshLocked()
}

func (c *Coordinator) Handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()

	switch ev.Msg.Kind {
	case protocol.ConnectRequest:
		c.onConnectLocked(ev, now)
	case protocol.Heartbeat:
		c.onHeartbeatLocked(ev, now)
	case protocol.ButtonPressed:
		c.onPressLocked(ev, now)
	case protocol.FalseStart:
		c.onFalseStartLocked(ev, now)
	default:
		c.log.Warn("ignoring message meant for participants", zap.Stringer("kind", ev.Msg.Kind), zap.Stringer("from", ev.From))
		telemetry.Dropped("wrong_role")
	}
	c.refreshLocked()
}

func (c *Coordinator) onConnectLocked(ev Event, now time.Time) {
	id := ev.Msg.Participant
	prev, known := c.roster.Get(id)
	created, err := c.roster.Upsert(id, ev.From, now)
	switch {
	case errors.Is(err, roster.ErrBadID):
		c.log.Warn("dropping connect request", zap.Uint8("participant", id), zap.Error(err))
		telemetry.Dropped("bad_participant")
		return
	case errors.Is(err, roster.ErrFull):
		// Still acked so the sender stops retrying; it is never scored.
		c.log.Warn("roster full, connect request not recorded", zap.Uint8("participant", id), zap.Stringer("from", ev.From))
		telemetry.Dropped("roster_full")
	case err != nil:
		c.log.Error("roster upsert failed", zap.Uint8("participant", id), zap.Error(err))
		return
	}

	if known && prev.Addr != ev.From {
		c.log.Info("participant moved", zap.Uint8("participant", id), zap.Stringer("old", prev.Addr), zap.Stringer("new", ev.From))
		c.removePeer(prev.Addr)
	}
	c.addPeer(ev.From)
	if created {
		c.log.Info("participant connected", zap.Uint8("participant", id), zap.Stringer("addr", ev.From), zap.Int("roster", c.roster.Len()))
		telemetry.RosterSize.Set(float64(c.roster.Len()))
	}
	c.sendLocked(now, protocol.ConnectAck, id, ev.From)
	c.promoteIfFullLocked()
}

func (c *Coordinator) onHeartbeatLocked(ev Event, now time.Time) {
	id := ev.Msg.Participant
	if err := c.roster.Touch(id, now); err != nil {
		c.log.Debug("heartbeat from unregistered participant", zap.Uint8("participant", id), zap.Stringer("from", ev.From))
		telemetry.Dropped("unknown_participant")
		return
	}
	c.log.Debug("heartbeat", zap.Uint8("participant", id))
}

func (c *Coordinator) onPressLocked(ev Event, now time.Time) {
	id := ev.Msg.Participant
	if !c.roster.Has(id) {
		c.log.Warn("dropping button press", zap.Uint8("participant", id), zap.String("reason", "not registered"))
		telemetry.Dropped("unknown_participant")
		return
	}
	if c.state != Running {
		c.log.Info("dropping button press", zap.Uint8("participant", id), zap.Stringer("state", c.state), zap.Uint8("winner", c.winner.ID))
		telemetry.Dropped("not_running")
		return
	}

	c.winner = confirmed(id)
	reaction := now.Sub(c.roundStart)
	telemetry.ReactionTime.Observe(reaction.Seconds())
	telemetry.Rounds.WithLabelValues("won").Inc()
	c.log.Info("winner", zap.Uint8("participant", id), zap.Duration("reaction", reaction))
	c.sendLocked(now, protocol.WinnerAnnounce, id, transport.Broadcast)
	c.lastBeat = now
	c.transitionLocked(WinnerAnnounced)
}

// onFalseStartLocked relays the report naming the offender, not the relayer.
func (c *Coordinator) onFalseStartLocked(ev Event, now time.Time) {
	offender := ev.Msg.Participant
	c.log.Info("false start", zap.Uint8("participant", offender), zap.Stringer("from", ev.From))
	telemetry.FalseStarts.WithLabelValues(strconv.Itoa(int(offender))).Inc()
	c.sendLocked(now, protocol.FalseStart, offender, transport.Broadcast)
	c.startFlashLocked(now)
}

func (c *Coordinator) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()

	c.tickFlashLocked(now)
	c.evictStaleLocked(now)
	c.promoteIfFullLocked()

	if now.Sub(c.lastBeat) >= c.cfg.CoordinatorHeartbeat {
		switch c.state {
		case Ready, Running:
			c.sendLocked(now, protocol.CoordinatorHeartbeat, protocol.None, transport.Broadcast)
			c.lastBeat = now
		case WinnerAnnounced:
			// Repeated so a participant that missed it still learns the
			// result and keeps hearing from us.
			c.sendLocked(now, protocol.WinnerAnnounce, c.winner.ID, transport.Broadcast)
			c.lastBeat = now
		}
	}

	if c.takePressLocked(now) {
		switch c.state {
		case Ready:
			c.startRoundLocked(now)
		case WinnerAnnounced:
			c.log.Info("round reset", zap.Uint8("winner", c.winner.ID))
			c.winner = noWinner
			c.roundStart = time.Time{}
			c.lastBeat = time.Time{} // beat on the next tick so participants leave the result
			c.transitionLocked(Ready)
		default:
			c.log.Debug("button ignored", zap.Stringer("state", c.state))
		}
	}
	c.refreshLocked()
}

func (c *Coordinator) startRoundLocked(now time.Time) {
	c.winner = noWinner
	c.roundStart = now
	telemetry.Rounds.WithLabelValues("started").Inc()
	c.sendLocked(now, protocol.StartGame, protocol.None, transport.Broadcast)
	c.transitionLocked(Running)
}

func (c *Coordinator) promoteIfFullLocked() {
	if c.state == AwaitingConnections && c.roster.Full() {
		c.transitionLocked(Ready)
	}
}

// evictStaleLocked only runs once the game has left AwaitingConnections;
// losing anyone after that cancels the round.
func (c *Coordinator) evictStaleLocked(now time.Time) {
	if c.state == AwaitingConnections || c.roster.Len() == 0 {
		return
	}
	stale := c.roster.Stale(now, c.cfg.LivenessTimeout)
	if len(stale) == 0 {
		return
	}
	for _, e := range stale {
		c.roster.Remove(e.ID)
		c.removePeer(e.Addr)
		c.log.Warn("participant timed out", zap.Uint8("participant", e.ID),
			zap.Duration("silence", now.Sub(e.LastHeartbeat)), zap.Stringer("state", c.state))
	}
	telemetry.RosterSize.Set(float64(c.roster.Len()))
	if c.state == Running {
		telemetry.Rounds.WithLabelValues("cancelled").Inc()
	}
	c.winner = noWinner
	c.roundStart = time.Time{}
	c.transitionLocked(AwaitingConnections)
}

func (c *Coordinator) patternLocked() indicator.Pattern {
	if c.flashing {
		return indicator.FalseStartPattern()
	}
	switch c.state {
	case AwaitingConnections:
		if c.roster.Len() == 0 {
			return indicator.IdlePattern()
		}
		var colors []indicator.Color
		for _, e := range c.roster.Entries() {
			colors = append(colors, indicator.ColorOf(e.ID))
		}
		return indicator.CyclePattern(colors)
	case Running:
		return indicator.SolidPattern(indicator.Pink)
	case WinnerAnnounced:
		return indicator.PulsePattern(indicator.ColorOf(c.winner.ID))
	default:
		return indicator.SolidPattern(indicator.Off)
	}
}

func (c *Coordinator) refreshLocked() { c.showLocked(c.patternLocked()) }

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Role:         RoleCoordinator,
		Participant:  protocol.None,
		State:        c.state,
		Connected:    c.roster.Len() > 0,
		Winner:       c.winner,
		RoundStarted: c.roundStart,
		FalseStart:   c.flashing,
		Pattern:      c.patternLocked().String(),
	}
	for _, e := range c.roster.Entries() {
		st.Members = append(st.Members, Member{ID: e.ID, Addr: e.Addr.String(), LastHeartbeat: e.LastHeartbeat})
	}
	return st
}
