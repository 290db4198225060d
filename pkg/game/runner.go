package game

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Run starts m and ticks it every interval until ctx is done. Ticks are
// never concurrent.
func Run(ctx context.Context, clock clockwork.Clock, m Machine, every time.Duration) error {
	m.Start()
	t := clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
			m.Tick()
		}
	}
}
