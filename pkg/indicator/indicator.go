// Package indicator defines the declarative presentation intents the role
// machines drive. Rendering (pixels, animation timing) belongs to whatever
// implements Indicator; the machines never touch a frame buffer.
package indicator

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Color is a 24-bit RGB value.
type Color uint32

const (
	Off    Color = 0x000000
	Green  Color = 0x00FF00
	Pink   Color = 0xFF0080
	Yellow Color = 0xFFFF00
	Lime   Color = 0x00FF00
	Blue   Color = 0x0000FF
	Red    Color = 0xFF2000
)

// ParticipantColors is indexed by participant id.
var ParticipantColors = [4]Color{Yellow, Lime, Blue, Red}

// ColorOf returns the participant's color, or Off for an unknown id.
func ColorOf(id uint8) Color {
	if int(id) >= len(ParticipantColors) {
		return Off
	}
	return ParticipantColors[id]
}

func (c Color) String() string { return fmt.Sprintf("#%06X", uint32(c)) }

type Kind uint8

const (
	Idle       Kind = iota // searching / nobody connected
	Solid                  // fixed color
	Pulse                  // breathing color
	Cycle                  // rotate through Colors
	FalseStart             // fixed-count flash sequence
	Error                  // fatal, device halted
)

var kindNames = [...]string{"idle", "solid", "pulse", "cycle", "false_start", "error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

type Pattern struct {
	Kind   Kind
	Color  Color
	Colors []Color
}

func IdlePattern() Pattern { return Pattern{Kind: Idle} }
func SolidPattern(c Color) Pattern { return Pattern{Kind: Solid, Color: c} }
func PulsePattern(c Color) Pattern { return Pattern{Kind: Pulse, Color: c} }
func CyclePattern(cs []Color) Pattern { return Pattern{Kind: Cycle, Colors: slices.Clone(cs)} }
func FalseStartPattern() Pattern { return Pattern{Kind: FalseStart, Color: Red} }
func ErrorPattern() Pattern { return Pattern{Kind: Error, Color: Red} }

func (p Pattern) Equal(o Pattern) bool {
	return p.Kind == o.Kind && p.Color == o.Color && slices.Equal(p.Colors, o.Colors)
}

func (p Pattern) String() string {
	switch p.Kind {
	case Solid, Pulse, FalseStart, Error:
		return fmt.Sprintf("%s(%s)", p.Kind, p.Color)
	case Cycle:
		return fmt.Sprintf("%s%v", p.Kind, p.Colors)
	default:
		return p.Kind.String()
	}
}

type Indicator interface {
	Show(p Pattern)
}

// Nop discards every intent.
type Nop struct{}

func (Nop) Show(Pattern) {}

// Logger renders intents as log lines, for headless devices.
type Logger struct {
	log *zap.Logger
}

func NewLogger(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("indicator")}
}

func (l *Logger) Show(p Pattern) {
	l.log.Info("indicator", zap.Stringer("pattern", p))
}

// Recorder keeps every intent it was shown.
type Recorder struct {
	mu    sync.Mutex
	shown []Pattern
}

func (r *Recorder) Show(p Pattern) {
	r.mu.Lock()
	r.shown = append(r.shown, p)
	r.mu.Unlock()
}

func (r *Recorder) Patterns() []Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.shown)
}

// Last returns the most recent intent, or Idle when nothing was shown.
func (r *Recorder) Last() Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.shown) == 0 {
		return IdlePattern()
	}
	return r.shown[len(r.shown)-1]
}
