package indicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestSelfTestShowsColorThenOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &Recorder{}
	done := make(chan error, 1)
	go func() { done <- SelfTest(context.Background(), rec, clock, Blue, time.Second) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("BlockUntilContext: %v", err)
	}
	if got := rec.Last(); !got.Equal(SolidPattern(Blue)) {
		t.Fatalf("during self test = %s", got)
	}
	clock.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("SelfTest: %v", err)
	}

	got := rec.Patterns()
	if len(got) != 2 || !got[0].Equal(SolidPattern(Blue)) || !got[1].Equal(SolidPattern(Off)) {
		t.Fatalf("patterns = %v", got)
	}
}

func TestSelfTestStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &Recorder{}
	if err := SelfTest(ctx, rec, clockwork.NewFakeClock(), Red, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := rec.Last(); !got.Equal(SolidPattern(Off)) {
		t.Fatalf("indicator left at %s", got)
	}
}
