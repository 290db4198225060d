package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/pkg/indicator"
	"github.com/ryandielhenn/buzzer/pkg/roster"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

var ErrConfig = errors.New("game: invalid config")

// Config is fixed for a device's lifetime and injected at construction.
type Config struct {
	Role        Role
	Participant uint8
	Capacity    int

	Debounce             time.Duration
	ConnectRetry         time.Duration
	Heartbeat            time.Duration
	LivenessTimeout      time.Duration
	CoordinatorHeartbeat time.Duration
	Tick                 time.Duration

	// False-start flash: FlashCount on/off cycles of FlashStep each.
	FlashCount int
	FlashStep  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Role:                 RoleCoordinator,
		Capacity:             roster.MaxParticipants,
		Debounce:             50 * time.Millisecond,
		ConnectRetry:         2 * time.Second,
		Heartbeat:            3 * time.Second,
		LivenessTimeout:      10 * time.Second,
		CoordinatorHeartbeat: 2 * time.Second,
		Tick:                 10 * time.Millisecond,
		FlashCount:           3,
		FlashStep:            200 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	for _, f := range []struct{ v, def *time.Duration }{
		{&c.Debounce, &d.Debounce},
		{&c.ConnectRetry, &d.ConnectRetry},
		{&c.Heartbeat, &d.Heartbeat},
		{&c.LivenessTimeout, &d.LivenessTimeout},
		{&c.CoordinatorHeartbeat, &d.CoordinatorHeartbeat},
		{&c.Tick, &d.Tick},
		{&c.FlashStep, &d.FlashStep},
	} {
		if *f.v == 0 {
			*f.v = *f.def
		}
	}
	if c.FlashCount == 0 {
		c.FlashCount = d.FlashCount
	}
	return c
}

func (c Config) validate() error {
	if c.Role == RoleParticipant && int(c.Participant) >= roster.MaxParticipants {
		return fmt.Errorf("%w: participant id %d out of range 0-%d", ErrConfig, c.Participant, roster.MaxParticipants-1)
	}
	if c.Capacity < 1 || c.Capacity > roster.MaxParticipants {
		return fmt.Errorf("%w: capacity %d out of range 1-%d", ErrConfig, c.Capacity, roster.MaxParticipants)
	}
	if c.LivenessTimeout <= c.Heartbeat {
		return fmt.Errorf("%w: liveness timeout %s must exceed heartbeat %s", ErrConfig, c.LivenessTimeout, c.Heartbeat)
	}
	return nil
}

func (c Config) flashWindow() time.Duration {
	return time.Duration(2*c.FlashCount) * c.FlashStep
}

type deps struct {
	ind   indicator.Indicator
	btn   *Button
	clock clockwork.Clock
	log   *zap.Logger
}

type Option func(*deps)

func WithIndicator(ind indicator.Indicator) Option { return func(d *deps) { d.ind = ind } }

// WithButton shares an existing button, so callers can press it.
func WithButton(b *Button) Option { return func(d *deps) { d.btn = b } }

func WithClock(c clockwork.Clock) Option { return func(d *deps) { d.clock = c } }

func WithLogger(log *zap.Logger) Option { return func(d *deps) { d.log = log } }

func newDeps(opts []Option) deps {
	d := deps{ind: indicator.Nop{}, btn: &Button{}, clock: clockwork.NewRealClock(), log: zap.NewNop()}
	for _, o := range opts {
		o(&d)
	}
	return d
}

// New builds the machine for cfg.Role.
func New(cfg Config, tr transport.Transport, opts ...Option) (Machine, error) {
	switch cfg.Role {
	case RoleCoordinator:
		c, err := NewCoordinator(cfg, tr, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case RoleParticipant:
		p, err := NewParticipant(cfg, tr, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown role %s", ErrConfig, cfg.Role)
}
