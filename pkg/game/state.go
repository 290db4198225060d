package game

import (
	"fmt"
	"time"

	"github.com/ryandielhenn/buzzer/pkg/protocol"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

type Role uint8

const (
	RoleCoordinator Role = iota
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleParticipant:
		return "participant"
	default:
		return fmt.Sprintf("role(%d)", r)
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ParseRole accepts the String form.
func ParseRole(s string) (Role, error) {
	switch s {
	case "coordinator":
		return RoleCoordinator, nil
	case "participant":
		return RoleParticipant, nil
	}
	return 0, fmt.Errorf("game: unknown role %q", s)
}

// State is the round state of one device. Coordinators use
// AwaitingConnections, Ready, Running and WinnerAnnounced; participants use
// AwaitingStart, Running and WinnerAnnounced.
type State uint8

const (
	AwaitingConnections State = iota
	AwaitingStart
	Ready
	Running
	WinnerAnnounced
)

var stateNames = [...]string{"awaiting_connections", "awaiting_start", "ready", "running", "winner_announced"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type WinnerStatus uint8

const (
	NoWinner WinnerStatus = iota
	// Provisional is a participant's own optimistic claim, not yet
	// confirmed by the coordinator.
	Provisional
	// Confirmed came from the coordinator's WinnerAnnounce, or is the
	// coordinator's own decision.
	Confirmed
)

func (s WinnerStatus) String() string {
	switch s {
	case NoWinner:
		return "none"
	case Provisional:
		return "provisional"
	case Confirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

func (s WinnerStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Winner struct {
	ID     uint8        `json:"id"`
	Status WinnerStatus `json:"status"`
}

var noWinner = Winner{ID: protocol.None, Status: NoWinner}

func provisional(id uint8) Winner { return Winner{ID: id, Status: Provisional} }
func confirmed(id uint8) Winner { return Winner{ID: id, Status: Confirmed} }

func (w Winner) Known() bool { return w.Status != NoWinner }

// Event is one inbound datagram together with its sender.
type Event struct {
	Msg  protocol.Message
	From transport.Addr
}

type Member struct {
	ID            uint8     `json:"id"`
	Addr          string    `json:"addr"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Status is a point-in-time copy of a machine's state, safe to hand to
// other goroutines.
type Status struct {
	Role         Role      `json:"role"`
	Participant  uint8     `json:"participant"`
	State        State     `json:"state"`
	Connected    bool      `json:"connected"`
	Members      []Member  `json:"roster,omitempty"`
	Winner       Winner    `json:"winner"`
	RoundStarted time.Time `json:"round_started"`
	FalseStart   bool      `json:"false_start"`
	Pattern      string    `json:"pattern"`
}

// Machine is one role's half of the protocol. Start installs the receive
// handler and performs the initial sends. Tick advances timers and consumes
// button input; it is never called concurrently with itself. Handle may be
// called from the transport's goroutine at any time.
type Machine interface {
	Start()
	Tick()
	Handle(ev Event)
	Status() Status
}
