package indicator

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// SelfTest shows c for d and then switches the indicator off, so an
// operator can see a device came up and which color it plays. It returns
// early with ctx's error if ctx ends first.
func SelfTest(ctx context.Context, ind Indicator, clock clockwork.Clock, c Color, d time.Duration) error {
	ind.Show(SolidPattern(c))
	defer ind.Show(SolidPattern(Off))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
