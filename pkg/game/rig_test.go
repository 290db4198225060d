package game

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/buzzer/pkg/indicator"
	"github.com/ryandielhenn/buzzer/pkg/protocol"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

const tick = 10 * time.Millisecond

var (
	coordAddr = transport.Addr{0x02, 0, 0, 0, 0, 0xC0}
	tapAddr   = transport.Addr{0x02, 0, 0, 0, 0, 0xEE}
)

func partAddr(id uint8) transport.Addr { return transport.Addr{0x02, 0, 0, 0, 0, id} }

// tap records every datagram delivered to an endpoint.
type tap struct {
	got []Event
}

func (tp *tap) handle(m protocol.Message, from transport.Addr) {
	tp.got = append(tp.got, Event{Msg: m, From: from})
}

func (tp *tap) find(kind protocol.Kind, from transport.Addr) []Event {
	var out []Event
	for _, ev := range tp.got {
		if ev.Msg.Kind == kind && ev.From == from {
			out = append(out, ev)
		}
	}
	return out
}

type device struct {
	ep   *transport.Endpoint
	ind  *indicator.Recorder
	logs *observer.ObservedLogs
	btn  *Button
}

type rig struct {
	t     *testing.T
	hub   *transport.Loopback
	clock *clockwork.FakeClock
	tap   *tap

	coord *Coordinator
	cdev  device
	parts map[uint8]*Participant
	pdev  map[uint8]device
	live  []Machine
}

func newHub(t *testing.T) (*transport.Loopback, *tap) {
	t.Helper()
	hub := transport.NewLoopback()
	tp := &tap{}
	ep, err := hub.Join(tapAddr)
	if err != nil {
		t.Fatalf("Join tap: %v", err)
	}
	ep.SetReceiveHandler(tp.handle)
	return hub, tp
}

func (r *rig) device(addr transport.Addr) (device, []Option) {
	r.t.Helper()
	ep, err := r.hub.Join(addr)
	if err != nil {
		r.t.Fatalf("Join %s: %v", addr, err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	d := device{ep: ep, ind: &indicator.Recorder{}, logs: logs, btn: &Button{}}
	return d, []Option{WithClock(r.clock), WithIndicator(d.ind), WithButton(d.btn), WithLogger(zap.New(core))}
}

// newRig builds a coordinator (unless withCoord is false) and one
// participant per id, all started. Nothing has been delivered yet.
func newRig(t *testing.T, withCoord bool, ids ...uint8) *rig {
	t.Helper()
	return newRigConfig(t, DefaultConfig(), withCoord, ids...)
}

func newRigConfig(t *testing.T, cfg Config, withCoord bool, ids ...uint8) *rig {
	t.Helper()
	hub, tp := newHub(t)
	r := &rig{
		t:     t,
		hub:   hub,
		clock: clockwork.NewFakeClockAt(time.Unix(1700000000, 0)),
		tap:   tp,
		parts: make(map[uint8]*Participant),
		pdev:  make(map[uint8]device),
	}
	if withCoord {
		d, opts := r.device(coordAddr)
		c, err := NewCoordinator(cfg, d.ep, opts...)
		if err != nil {
			t.Fatalf("NewCoordinator: %v", err)
		}
		c.Start()
		r.coord, r.cdev = c, d
		r.live = append(r.live, c)
	}
	for _, id := range ids {
		d, opts := r.device(partAddr(id))
		pc := cfg
		pc.Participant = id
		p, err := NewParticipant(pc, d.ep, opts...)
		if err != nil {
			t.Fatalf("NewParticipant(%d): %v", id, err)
		}
		p.Start()
		r.parts[id], r.pdev[id] = p, d
		r.live = append(r.live, p)
	}
	return r
}

// step ticks every live machine once and delivers everything queued.
func (r *rig) step() {
	for _, m := range r.live {
		m.Tick()
	}
	r.hub.Pump()
}

// run advances the clock one tick at a time for d.
func (r *rig) run(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += tick {
		r.clock.Advance(tick)
		r.step()
	}
}

// stop takes a device off the air: it is no longer ticked and its
// endpoint receives nothing.
func (r *rig) stop(m Machine, ep *transport.Endpoint) {
	ep.Close()
	r.pause(m)
}

// pause stops ticking m, so it sends nothing of its own. It still
// receives and handles traffic.
func (r *rig) pause(m Machine) {
	for i, lm := range r.live {
		if lm == m {
			r.live = append(r.live[:i], r.live[i+1:]...)
			return
		}
	}
}

func (r *rig) resume(m Machine) { r.live = append(r.live, m) }

// ready connects every participant and waits for the coordinator to
// reach Ready.
func (r *rig) ready() {
	r.t.Helper()
	r.hub.Pump()
	r.step()
	if st := r.coord.Status().State; st != Ready {
		r.t.Fatalf("coordinator state = %s, want ready", st)
	}
	for id, p := range r.parts {
		if !p.Status().Connected {
			r.t.Fatalf("participant %d not connected", id)
		}
	}
}

// startRound presses the coordinator's button.
func (r *rig) startRound() {
	r.t.Helper()
	r.cdev.btn.Press()
	r.clock.Advance(tick)
	r.step()
	if st := r.coord.Status().State; st != Running {
		r.t.Fatalf("coordinator state = %s, want running", st)
	}
}

func (r *rig) press(id uint8) {
	r.pdev[id].btn.Press()
	r.parts[id].Tick()
}
