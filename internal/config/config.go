// Package config loads a device's configuration from an optional YAML file
// and BUZZER_* environment overrides. The result is fixed for the life of
// the process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/buzzer/pkg/game"
	"github.com/ryandielhenn/buzzer/pkg/roster"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Role           string    `yaml:"role"`
	ParticipantID  int       `yaml:"participant_id"`
	RosterCapacity int       `yaml:"roster_capacity"`
	Timing         Timing    `yaml:"timing"`
	Transport      Transport `yaml:"transport"`
	HTTP           HTTP      `yaml:"http"`
	Etcd           Etcd      `yaml:"etcd"`
	Log            Log       `yaml:"log"`
}

type Timing struct {
	Debounce             time.Duration `yaml:"debounce"`
	ConnectRetry         time.Duration `yaml:"connect_retry"`
	Heartbeat            time.Duration `yaml:"heartbeat"`
	LivenessTimeout      time.Duration `yaml:"liveness_timeout"`
	CoordinatorHeartbeat time.Duration `yaml:"coordinator_heartbeat"`
	Tick                 time.Duration `yaml:"tick"`
	FlashCount           int           `yaml:"flash_count"`
	FlashStep            time.Duration `yaml:"flash_step"`
	// SelfTest is how long the device color is shown at boot; 0 skips it.
	SelfTest time.Duration `yaml:"self_test"`
}

type Transport struct {
	Kind        string   `yaml:"kind"` // udp | nats
	Listen      string   `yaml:"listen"`
	Port        int      `yaml:"port"`
	Broadcast   string   `yaml:"broadcast"`
	Seeds       []string `yaml:"seeds"`
	NATSURL     string   `yaml:"nats_url"`
	NATSSubject string   `yaml:"nats_subject"`
}

type HTTP struct {
	Addr string `yaml:"addr"` // empty disables the admin surface
}

type Etcd struct {
	Endpoints []string `yaml:"endpoints"` // empty disables discovery
	Prefix    string   `yaml:"prefix"`
	TTL       int64    `yaml:"ttl"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	g := game.DefaultConfig()
	return Config{
		Role:           g.Role.String(),
		RosterCapacity: g.Capacity,
		Timing: Timing{
			Debounce:             g.Debounce,
			ConnectRetry:         g.ConnectRetry,
			Heartbeat:            g.Heartbeat,
			LivenessTimeout:      g.LivenessTimeout,
			CoordinatorHeartbeat: g.CoordinatorHeartbeat,
			Tick:                 g.Tick,
			FlashCount:           g.FlashCount,
			FlashStep:            g.FlashStep,
			SelfTest:             time.Second,
		},
		Transport: Transport{
			Kind:        "udp",
			Port:        transport.DefaultPort,
			Broadcast:   "255.255.255.255",
			NATSSubject: "buzzer",
		},
		HTTP: HTTP{Addr: ":8080"},
		Etcd: Etcd{Prefix: "/buzzer", TTL: 10},
		Log:  Log{Level: "info"},
	}
}

// Load applies, in order: defaults, the YAML file at path (skipped when
// path is empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	envInt := func(key string, def int) int {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return def
	}
	envList := func(key string, def []string) []string {
		if v := getenv(key); v != "" {
			return splitList(v)
		}
		return def
	}

	c.Role = env("BUZZER_ROLE", c.Role)
	c.ParticipantID = envInt("BUZZER_PARTICIPANT_ID", c.ParticipantID)
	c.Transport.Kind = env("BUZZER_TRANSPORT", c.Transport.Kind)
	c.Transport.Listen = env("BUZZER_LISTEN", c.Transport.Listen)
	c.Transport.Port = envInt("BUZZER_PORT", c.Transport.Port)
	c.Transport.Broadcast = env("BUZZER_BROADCAST", c.Transport.Broadcast)
	c.Transport.Seeds = envList("BUZZER_SEEDS", c.Transport.Seeds)
	c.Transport.NATSURL = env("BUZZER_NATS_URL", c.Transport.NATSURL)
	c.HTTP.Addr = env("BUZZER_HTTP_ADDR", c.HTTP.Addr)
	c.Etcd.Endpoints = envList("BUZZER_ETCD_ENDPOINTS", c.Etcd.Endpoints)
	c.Log.Level = env("BUZZER_LOG_LEVEL", c.Log.Level)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c Config) Validate() error {
	var problems []string
	role, err := game.ParseRole(c.Role)
	if err != nil {
		problems = append(problems, fmt.Sprintf("role %q", c.Role))
	}
	if role == game.RoleParticipant && (c.ParticipantID < 0 || c.ParticipantID >= roster.MaxParticipants) {
		problems = append(problems, fmt.Sprintf("participant_id %d out of range 0-%d", c.ParticipantID, roster.MaxParticipants-1))
	}
	if c.RosterCapacity < 1 || c.RosterCapacity > roster.MaxParticipants {
		problems = append(problems, fmt.Sprintf("roster_capacity %d out of range 1-%d", c.RosterCapacity, roster.MaxParticipants))
	}

	t := c.Timing
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"debounce", t.Debounce},
		{"connect_retry", t.ConnectRetry},
		{"heartbeat", t.Heartbeat},
		{"liveness_timeout", t.LivenessTimeout},
		{"coordinator_heartbeat", t.CoordinatorHeartbeat},
		{"tick", t.Tick},
		{"flash_step", t.FlashStep},
	} {
		if d.v <= 0 {
			problems = append(problems, fmt.Sprintf("timing.%s must be positive", d.name))
		}
	}
	if t.SelfTest < 0 {
		problems = append(problems, "timing.self_test must not be negative")
	}
	if t.FlashCount < 1 {
		problems = append(problems, "timing.flash_count must be at least 1")
	}
	if t.LivenessTimeout <= t.Heartbeat || t.LivenessTimeout <= t.CoordinatorHeartbeat {
		problems = append(problems, "timing.liveness_timeout must exceed both heartbeat intervals")
	}

	switch c.Transport.Kind {
	case "udp":
		if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
			problems = append(problems, fmt.Sprintf("transport.port %d", c.Transport.Port))
		}
	case "nats":
	default:
		problems = append(problems, fmt.Sprintf("transport.kind %q", c.Transport.Kind))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q", c.Log.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Game converts the validated config into the machine's config.
func (c Config) Game() (game.Config, error) {
	role, err := game.ParseRole(c.Role)
	if err != nil {
		return game.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return game.Config{
		Role:                 role,
		Participant:          uint8(c.ParticipantID),
		Capacity:             c.RosterCapacity,
		Debounce:             c.Timing.Debounce,
		ConnectRetry:         c.Timing.ConnectRetry,
		Heartbeat:            c.Timing.Heartbeat,
		LivenessTimeout:      c.Timing.LivenessTimeout,
		CoordinatorHeartbeat: c.Timing.CoordinatorHeartbeat,
		Tick:                 c.Timing.Tick,
		FlashCount:           c.Timing.FlashCount,
		FlashStep:            c.Timing.FlashStep,
	}, nil
}

func (c Config) UDP() transport.UDPConfig {
	return transport.UDPConfig{
		Listen:    c.Transport.Listen,
		Port:      c.Transport.Port,
		Broadcast: c.Transport.Broadcast,
		Seeds:     c.Transport.Seeds,
	}
}

func (c Config) NATS(name string) transport.NATSConfig {
	return transport.NATSConfig{URL: c.Transport.NATSURL, Subject: c.Transport.NATSSubject, Name: name}
}

// Logger builds the process logger from the log section.
func (c Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
