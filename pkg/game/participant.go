package game

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/indicator"
	"github.com/ryandielhenn/buzzer/pkg/protocol"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

// Participant competes under a fixed id. It claims wins optimistically and
// defers to whatever the coordinator announces.
type Participant struct {
	base

	id        uint8
	connected bool
	winner    Winner

	coordinator    transport.Addr
	hasCoordinator bool

	lastConnect  time.Time
	connectNow   bool
	lastBeat     time.Time
	lastCoordMsg time.Time
}

var _ Machine = (*Participant)(nil)

func NewParticipant(cfg Config, tr transport.Transport, opts ...Option) (*Participant, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrConfig)
	}
	cfg.Role = RoleParticipant
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := newDeps(opts)
	d.log = d.log.Named("participant").With(zap.String("role", cfg.Role.String()), zap.Uint8("participant", cfg.Participant))
	return &Participant{
		base:   newBase(cfg, tr, d, AwaitingStart),
		id:     cfg.Participant,
		winner: noWinner,
	}, nil
}

func (p *Participant) Start() {
	p.tr.SetReceiveHandler(func(msg protocol.Message, from transport.Addr) {
		p.Handle(Event{Msg: msg, From: from})
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.log.Info("participant started", zap.Stringer("addr", p.tr.LocalAddr()))
	p.sendConnectLocked(now)
	p.refreshLocked()
}

func (p *Participant) sendConnectLocked(now time.Time) {
	p.sendLocked(now, protocol.ConnectRequest, p.id, transport.Broadcast)
	p.lastConnect = now
	p.connectNow = false
}

// coordinatorAddrLocked is where unicast traffic goes; broadcast until a
// ConnectAck has told us who the coordinator is.
func (p *Participant) coordinatorAddrLocked() transport.Addr {
	if p.hasCoordinator {
		return p.coordinator
	}
	return transport.Broadcast
}

func (p *Participant) Handle(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	msg := ev.Msg

	switch msg.Kind {
	case protocol.ConnectAck:
		if msg.Participant != p.id {
			p.log.Debug("ignoring ack for another participant", zap.Uint8("for", msg.Participant))
			telemetry.Dropped("other_participant")
			return
		}
		p.lastCoordMsg = now
		p.learnCoordinatorLocked(ev.From)
		if !p.connected {
			p.connected = true
			p.lastBeat = now
			p.log.Info("connected to coordinator", zap.Stringer("coordinator", ev.From))
		}

	case protocol.StartGame:
		p.lastCoordMsg = now
		// A duplicate of the start already acted on must not reopen the
		// round; an unconfirmed claim stays pending until WinnerAnnounce.
		if p.state == Running || (p.state == WinnerAnnounced && p.winner.Status == Provisional) {
			p.log.Debug("ignoring start while round in progress", zap.Stringer("state", p.state), zap.Stringer("winner", p.winner.Status))
			telemetry.Dropped("duplicate_start")
			return
		}
		// A press captured before the start must not count after it.
		p.btn.Clear()
		p.winner = noWinner
		p.transitionLocked(Running)

	case protocol.WinnerAnnounce:
		p.lastCoordMsg = now
		if p.winner.Status == Provisional && p.winner.ID != msg.Participant {
			p.log.Info("optimistic claim overturned", zap.Uint8("claimed", p.winner.ID), zap.Uint8("winner", msg.Participant))
		}
		p.winner = confirmed(msg.Participant)
		p.transitionLocked(WinnerAnnounced)

	case protocol.CoordinatorHeartbeat:
		p.lastCoordMsg = now
		// The coordinator only beats in Ready and Running, so a confirmed
		// result followed by a beat means the next round is being set up.
		if p.state == WinnerAnnounced && p.winner.Status == Confirmed {
			p.winner = noWinner
			p.transitionLocked(AwaitingStart)
		}

	case protocol.FalseStart:
		p.log.Info("false start", zap.Uint8("offender", msg.Participant), zap.Stringer("from", ev.From))
		p.startFlashLocked(now)

	default:
		// Other participants' broadcasts land here routinely.
		p.log.Debug("ignoring message meant for coordinator", zap.Stringer("kind", msg.Kind), zap.Stringer("from", ev.From))
		telemetry.Dropped("wrong_role")
		return
	}
	p.refreshLocked()
}

func (p *Participant) learnCoordinatorLocked(addr transport.Addr) {
	if p.hasCoordinator && p.coordinator == addr {
		return
	}
	if p.hasCoordinator {
		p.removePeer(p.coordinator)
	}
	p.addPeer(addr)
	p.coordinator = addr
	p.hasCoordinator = true
}

func (p *Participant) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	p.tickFlashLocked(now)

	if p.connected && now.Sub(p.lastCoordMsg) > p.cfg.LivenessTimeout {
		p.log.Warn("coordinator lost, reconnecting", zap.Duration("silence", now.Sub(p.lastCoordMsg)), zap.Stringer("state", p.state))
		p.connected = false
		p.winner = noWinner
		p.connectNow = true
		p.transitionLocked(AwaitingStart)
	}

	switch {
	case !p.connected:
		if p.connectNow || now.Sub(p.lastConnect) >= p.cfg.ConnectRetry {
			p.sendConnectLocked(now)
		}
	case now.Sub(p.lastBeat) >= p.cfg.Heartbeat:
		p.sendLocked(now, protocol.Heartbeat, p.id, p.coordinatorAddrLocked())
		p.lastBeat = now
	}

	if p.takePressLocked(now) {
		p.onPressLocked(now)
	}
	p.refreshLocked()
}

func (p *Participant) onPressLocked(now time.Time) {
	switch {
	case p.state == Running:
		p.sendLocked(now, protocol.ButtonPressed, p.id, p.coordinatorAddrLocked())
		p.winner = provisional(p.id)
		p.transitionLocked(WinnerAnnounced)
	case p.state == WinnerAnnounced && p.winner.Status == Provisional:
		// The claim may have been lost; a fresh press re-sends it.
		p.log.Debug("resending claim", zap.Uint8("participant", p.id))
		p.sendLocked(now, protocol.ButtonPressed, p.id, p.coordinatorAddrLocked())
	case p.state == AwaitingStart && p.connected:
		p.log.Info("false start", zap.Uint8("offender", p.id))
		telemetry.FalseStarts.WithLabelValues(strconv.Itoa(int(p.id))).Inc()
		p.sendLocked(now, protocol.FalseStart, p.id, transport.Broadcast)
		p.startFlashLocked(now)
	default:
		p.log.Debug("button ignored", zap.Stringer("state", p.state), zap.Bool("connected", p.connected))
	}
}

func (p *Participant) patternLocked() indicator.Pattern {
	if p.flashing {
		return indicator.FalseStartPattern()
	}
	switch p.state {
	case Running:
		return indicator.SolidPattern(indicator.Pink)
	case WinnerAnnounced:
		return indicator.SolidPattern(indicator.ColorOf(p.winner.ID))
	default:
		if p.connected {
			return indicator.PulsePattern(indicator.ColorOf(p.id))
		}
		return indicator.IdlePattern()
	}
}

func (p *Participant) refreshLocked() { p.showLocked(p.patternLocked()) }

func (p *Participant) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Role:        RoleParticipant,
		Participant: p.id,
		State:       p.state,
		Connected:   p.connected,
		Winner:      p.winner,
		FalseStart:  p.flashing,
		Pattern:     p.patternLocked().String(),
	}
}
