package game

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestButtonTakeClears(t *testing.T) {
	var b Button
	if b.Take() {
		t.Fatal("fresh button reported a press")
	}
	b.Press()
	b.Press()
	if !b.Take() {
		t.Fatal("press lost")
	}
	if b.Take() {
		t.Fatal("two presses before a Take should coalesce")
	}
	b.Press()
	b.Clear()
	if b.Take() {
		t.Fatal("Clear did not discard the press")
	}
}

func TestDebouncer(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	d := Debouncer{Min: 50 * time.Millisecond}
	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{10 * time.Millisecond, false},
		{49 * time.Millisecond, false},
		{50 * time.Millisecond, true},
		{90 * time.Millisecond, false},
		{200 * time.Millisecond, true},
	}
	for _, s := range steps {
		if got := d.Allow(t0.Add(s.at)); got != s.want {
			t.Fatalf("Allow(+%s) = %v, want %v", s.at, got, s.want)
		}
	}
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := Config{Role: RoleParticipant, Participant: 3}.withDefaults()
	want := DefaultConfig()
	want.Role = RoleParticipant
	want.Participant = 3
	if cfg != want {
		t.Fatalf("withDefaults = %+v, want %+v", cfg, want)
	}
	if got := cfg.flashWindow(); got != 1200*time.Millisecond {
		t.Fatalf("flashWindow = %s", got)
	}
	bad := DefaultConfig()
	bad.LivenessTimeout = bad.Heartbeat
	if err := bad.validate(); err == nil {
		t.Fatal("liveness timeout equal to heartbeat accepted")
	}
	if _, err := ParseRole("referee"); err == nil {
		t.Fatal("ParseRole accepted an unknown role")
	}
}

type countingMachine struct {
	started atomic.Bool
	ticks   chan struct{}
}

func (m *countingMachine) Start() { m.started.Store(true) }
func (m *countingMachine) Tick() { m.ticks <- struct{}{} }
func (m *countingMachine) Handle(Event) {}
func (m *countingMachine) Status() Status { return Status{} }

func TestRunTicksUntilCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := &countingMachine{ticks: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, clock, m, tick) }()

	for i := 0; i < 3; i++ {
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := clock.BlockUntilContext(wctx, 1); err != nil {
			wcancel()
			t.Fatalf("ticker never armed: %v", err)
		}
		wcancel()
		clock.Advance(tick)
		select {
		case <-m.ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d not delivered", i)
		}
	}
	if !m.started.Load() {
		t.Fatal("Run did not start the machine")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
