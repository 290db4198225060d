package game

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/indicator"
	"github.com/ryandielhenn/buzzer/pkg/protocol"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

// rawParticipant joins the hub as a scripted participant that only
// records what it receives.
func rawParticipant(t *testing.T, r *rig, id uint8) (*transport.Endpoint, *tap) {
	t.Helper()
	ep, err := r.hub.Join(partAddr(id))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := ep.AddPeer(coordAddr); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	tp := &tap{}
	ep.SetReceiveHandler(tp.handle)
	return ep, tp
}

func request(kind protocol.Kind, id uint8) protocol.Message {
	return protocol.Message{Kind: kind, Participant: id}
}

func TestReadyOnlyAfterFourthConnect(t *testing.T) {
	r := newRig(t, true)
	for i, id := range []uint8{3, 1, 0, 2} {
		ep, tp := rawParticipant(t, r, id)
		if err := ep.Send(request(protocol.ConnectRequest, id), transport.Broadcast); err != nil {
			t.Fatalf("Send: %v", err)
		}
		r.hub.Pump()

		acks := tp.find(protocol.ConnectAck, coordAddr)
		if len(acks) != 1 || acks[0].Msg.Participant != id {
			t.Fatalf("participant %d acks = %+v", id, acks)
		}
		want := AwaitingConnections
		if i == 3 {
			want = Ready
		}
		if st := r.coord.Status(); st.State != want || len(st.Members) != i+1 {
			t.Fatalf("after %d connects: state %s with %d members, want %s", i+1, st.State, len(st.Members), want)
		}
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	r := newRig(t, true)
	ep, tp := rawParticipant(t, r, 1)
	for i := 0; i < 5; i++ {
		ep.Send(request(protocol.ConnectRequest, 1), transport.Broadcast)
		r.clock.Advance(time.Second)
		r.hub.Pump()
	}
	st := r.coord.Status()
	if len(st.Members) != 1 || st.Members[0].ID != 1 {
		t.Fatalf("members = %+v, want only id 1", st.Members)
	}
	if got := len(tp.find(protocol.ConnectAck, coordAddr)); got != 5 {
		t.Fatalf("acks = %d, want one per request", got)
	}
	if !st.Members[0].LastHeartbeat.Equal(r.clock.Now()) {
		t.Fatalf("last heartbeat not refreshed: %s", st.Members[0].LastHeartbeat)
	}
}

func TestConnectRejectsBadID(t *testing.T) {
	r := newRig(t, true)
	ep, tp := rawParticipant(t, r, 7)
	ep.Send(request(protocol.ConnectRequest, 7), transport.Broadcast)
	r.hub.Pump()
	if n := len(r.coord.Status().Members); n != 0 {
		t.Fatalf("members = %d, want 0", n)
	}
	if n := len(tp.got); n != 0 {
		t.Fatalf("bad id got %d replies", n)
	}
}

func TestRosterOverflowIsAckedNotRecorded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 2
	r := newRigConfig(t, cfg, true)
	var taps []*tap
	for _, id := range []uint8{0, 1, 3} {
		ep, tp := rawParticipant(t, r, id)
		ep.Send(request(protocol.ConnectRequest, id), transport.Broadcast)
		taps = append(taps, tp)
	}
	r.hub.Pump()

	st := r.coord.Status()
	if len(st.Members) != 2 || st.State != Ready {
		t.Fatalf("status = %s with %+v", st.State, st.Members)
	}
	for _, m := range st.Members {
		if m.ID == 3 {
			t.Fatal("overflow participant recorded")
		}
	}
	if n := len(taps[2].find(protocol.ConnectAck, coordAddr)); n != 1 {
		t.Fatalf("overflow participant acks = %d, want 1", n)
	}
	if r.cdev.logs.FilterMessage("roster full, connect request not recorded").Len() != 1 {
		t.Fatal("overflow not logged")
	}
}

func TestFirstPressWins(t *testing.T) {
	r := newRig(t, true)
	eps := map[uint8]*transport.Endpoint{}
	for _, id := range []uint8{0, 1, 2, 3} {
		eps[id], _ = rawParticipant(t, r, id)
		eps[id].Send(request(protocol.ConnectRequest, id), transport.Broadcast)
	}
	r.hub.Pump()
	r.startRound()

	r.clock.Advance(300 * time.Millisecond)
	eps[2].Send(request(protocol.ButtonPressed, 2), coordAddr)
	r.hub.Pump()
	r.clock.Advance(5 * time.Millisecond)
	eps[0].Send(request(protocol.ButtonPressed, 0), coordAddr)
	r.hub.Pump()
	r.step()

	ann := r.tap.find(protocol.WinnerAnnounce, coordAddr)
	if len(ann) != 1 || ann[0].Msg.Participant != 2 {
		t.Fatalf("announcements = %+v, want exactly one for id 2", ann)
	}
	st := r.coord.Status()
	if st.State != WinnerAnnounced || st.Winner != confirmed(2) {
		t.Fatalf("status = %s winner %+v", st.State, st.Winner)
	}
	dropped := r.cdev.logs.FilterMessage("dropping button press").FilterField(zap.Uint8("participant", 0))
	if dropped.Len() != 1 {
		t.Fatalf("late press notices = %d, want 1", dropped.Len())
	}
	if last := r.cdev.ind.Last(); !last.Equal(indicator.PulsePattern(indicator.Blue)) {
		t.Fatalf("indicator = %s, want pulse of participant 2's color", last)
	}
}

func TestPressOutsideRunningIsDropped(t *testing.T) {
	r := newRig(t, true)
	ep, _ := rawParticipant(t, r, 0)
	for _, id := range []uint8{0, 1, 2, 3} {
		ep.Send(request(protocol.ConnectRequest, id), transport.Broadcast)
	}
	r.hub.Pump()
	ep.Send(request(protocol.ButtonPressed, 0), coordAddr)
	r.hub.Pump()

	if st := r.coord.Status(); st.State != Ready || st.Winner.Known() {
		t.Fatalf("status = %s winner %+v, want ready without winner", st.State, st.Winner)
	}
	if n := len(r.tap.find(protocol.WinnerAnnounce, coordAddr)); n != 0 {
		t.Fatalf("announcements = %d", n)
	}
	if r.cdev.logs.FilterMessage("dropping button press").Len() != 1 {
		t.Fatal("drop not logged")
	}
}

func TestCoordinatorHeartbeatOnlyWhenReadyOrRunning(t *testing.T) {
	r := newRig(t, true)
	ep, _ := rawParticipant(t, r, 0)
	ep.Send(request(protocol.ConnectRequest, 0), transport.Broadcast)
	r.hub.Pump()
	r.run(5 * time.Second)
	if n := len(r.tap.find(protocol.CoordinatorHeartbeat, coordAddr)); n != 0 {
		t.Fatalf("heartbeats while awaiting connections = %d", n)
	}

	for _, id := range []uint8{1, 2, 3} {
		ep.Send(request(protocol.ConnectRequest, id), transport.Broadcast)
	}
	r.hub.Pump()
	r.run(4*time.Second + tick)
	// one on entering Ready, then every 2s
	if n := len(r.tap.find(protocol.CoordinatorHeartbeat, coordAddr)); n != 3 {
		t.Fatalf("heartbeats in ready = %d, want 3", n)
	}
}

func TestResetReturnsToReady(t *testing.T) {
	r := newRig(t, true, 0, 1, 2, 3)
	r.ready()
	r.startRound()
	r.clock.Advance(200 * time.Millisecond)
	r.press(1)
	r.hub.Pump()
	r.step()
	if st := r.coord.Status(); st.State != WinnerAnnounced || st.Winner.ID != 1 {
		t.Fatalf("status = %s winner %+v", st.State, st.Winner)
	}

	r.cdev.btn.Press()
	r.run(tick)
	st := r.coord.Status()
	if st.State != Ready || st.Winner.Known() || !st.RoundStarted.IsZero() {
		t.Fatalf("after reset: %+v", st)
	}
	if last := r.cdev.ind.Last(); !last.Equal(indicator.SolidPattern(indicator.Off)) {
		t.Fatalf("indicator = %s", last)
	}
}

func TestEvictionCancelsRound(t *testing.T) {
	r := newRig(t, true, 0, 1, 2, 3)
	r.ready()
	r.startRound()
	cancelled := testutil.ToFloat64(telemetry.Rounds.WithLabelValues("cancelled"))

	r.stop(r.parts[2], r.pdev[2].ep)
	r.run(9 * time.Second)
	if st := r.coord.Status().State; st != Running {
		t.Fatalf("state before timeout = %s", st)
	}
	r.run(1100 * time.Millisecond)

	st := r.coord.Status()
	if st.State != AwaitingConnections {
		t.Fatalf("state = %s, want awaiting_connections", st.State)
	}
	if st.Winner.Known() || !st.RoundStarted.IsZero() {
		t.Fatalf("round state kept: %+v", st)
	}
	if len(st.Members) != 3 {
		t.Fatalf("members = %+v", st.Members)
	}
	for _, m := range st.Members {
		if m.ID == 2 {
			t.Fatal("participant 2 still registered")
		}
	}
	if got := testutil.ToFloat64(telemetry.Rounds.WithLabelValues("cancelled")) - cancelled; got != 1 {
		t.Fatalf("cancelled rounds delta = %v", got)
	}
	if err := r.cdev.ep.Send(request(protocol.ConnectAck, 2), partAddr(2)); err == nil {
		t.Fatal("evicted participant still registered as a peer")
	}
}

func TestEvictionRecoversFromReadyAndResult(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *rig)
		state  State
		others State // what the remaining participants show before they reconnect
	}{
		{"ready", func(r *rig) {}, Ready, AwaitingStart},
		{"winner announced", func(r *rig) {
			r.startRound()
			r.clock.Advance(200 * time.Millisecond)
			r.press(0)
			r.hub.Pump()
			r.step()
		}, WinnerAnnounced, WinnerAnnounced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, true, 0, 1, 2, 3)
			r.ready()
			tt.setup(r)
			if st := r.coord.Status().State; st != tt.state {
				t.Fatalf("state = %s, want %s", st, tt.state)
			}

			// participant 3 goes quiet long enough to be evicted
			r.pause(r.parts[3])
			r.run(11 * time.Second)
			st := r.coord.Status()
			if st.State != AwaitingConnections || len(st.Members) != 3 || st.Winner.Known() {
				t.Fatalf("after silence: state %s members %d winner %+v", st.State, len(st.Members), st.Winner)
			}
			if ps := r.parts[0].Status(); !ps.Connected || ps.State != tt.others {
				t.Fatalf("participant 0 before reconnect: connected=%v state=%s", ps.Connected, ps.State)
			}

			r.resume(r.parts[3])
			r.run(25 * time.Second)
			st = r.coord.Status()
			if st.State != Ready || len(st.Members) != 4 {
				t.Fatalf("after recovery: state %s members %d", st.State, len(st.Members))
			}
			for id, p := range r.parts {
				if ps := p.Status(); !ps.Connected || ps.State != AwaitingStart || ps.Winner.Known() {
					t.Fatalf("participant %d: connected=%v state=%s winner %+v", id, ps.Connected, ps.State, ps.Winner)
				}
			}
		})
	}
}

func TestWinnerRepeatedUntilReset(t *testing.T) {
	r := newRig(t, true, 0, 1, 2, 3)
	r.ready()
	r.startRound()
	r.clock.Advance(200 * time.Millisecond)
	r.press(1)
	r.hub.Pump()
	r.step()
	beats := len(r.tap.find(protocol.CoordinatorHeartbeat, coordAddr))

	r.run(4*time.Second + tick)
	ann := r.tap.find(protocol.WinnerAnnounce, coordAddr)
	if len(ann) != 3 {
		t.Fatalf("announcements = %d, want the first and two repeats", len(ann))
	}
	for _, ev := range ann {
		if ev.Msg.Participant != 1 {
			t.Fatalf("announced %d, want 1", ev.Msg.Participant)
		}
	}
	if n := len(r.tap.find(protocol.CoordinatorHeartbeat, coordAddr)); n != beats {
		t.Fatalf("heartbeats while announcing = %d", n-beats)
	}

	r.cdev.btn.Press()
	r.run(3 * time.Second)
	if n := len(r.tap.find(protocol.WinnerAnnounce, coordAddr)); n != 3 {
		t.Fatalf("announcements after reset = %d, want none", n-3)
	}
	if n := len(r.tap.find(protocol.CoordinatorHeartbeat, coordAddr)); n <= beats {
		t.Fatal("no heartbeat after reset")
	}
}

func TestFalseStartRelayedToEveryone(t *testing.T) {
	r := newRig(t, true, 0, 1, 2, 3)
	r.ready()
	r.clock.Advance(100 * time.Millisecond)
	r.press(1)
	r.hub.Pump()

	relays := r.tap.find(protocol.FalseStart, coordAddr)
	if len(relays) != 1 || relays[0].Msg.Participant != 1 {
		t.Fatalf("relays = %+v, want one naming participant 1", relays)
	}
	back := r.pdev[1].logs.FilterMessage("false start").FilterField(zap.Stringer("from", coordAddr))
	if back.Len() != 1 {
		t.Fatalf("relay seen by sender %d times, want 1", back.Len())
	}
	if st := r.coord.Status(); st.State != Ready || !st.FalseStart {
		t.Fatalf("coordinator status = %s flashing=%v", st.State, st.FalseStart)
	}
	for id, p := range r.parts {
		if st := p.Status().State; st != AwaitingStart {
			t.Fatalf("participant %d state = %s", id, st)
		}
	}
}

func TestMalformedDatagramIsIgnored(t *testing.T) {
	r := newRig(t, true)
	r.hub.Inject(partAddr(0), coordAddr, []byte{byte(protocol.ConnectRequest), 0})
	r.hub.Inject(partAddr(0), coordAddr, []byte{0x42, 0, 0, 0, 0, 0, 0})
	r.hub.Pump()
	if st := r.coord.Status(); st.State != AwaitingConnections || len(st.Members) != 0 {
		t.Fatalf("status = %+v", st)
	}
}
