package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Definitions of the wire protocol: one fixed-size record for every kind.
// Layout: kind(1) | participant(1) | payload(1) | sentAt(4, little-endian).

// Size is the exact length of every datagram on the link.
const Size = 7

// None is the participant sentinel for "all" or "nobody".
const None uint8 = 0xFF

var (
	ErrSize        = errors.New("protocol: datagram size mismatch")
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

type Kind uint8

const (
	ConnectRequest       Kind = 0x01 // participant -> coordinator
	ConnectAck           Kind = 0x02 // coordinator -> one participant
	StartGame            Kind = 0x03 // coordinator -> all
	ButtonPressed        Kind = 0x04 // participant -> coordinator
	WinnerAnnounce       Kind = 0x05 // coordinator -> all
	Heartbeat            Kind = 0x06 // participant -> coordinator
	FalseStart           Kind = 0x07 // either -> all
	CoordinatorHeartbeat Kind = 0x08 // coordinator -> all
)

var kindNames = map[Kind]string{
	ConnectRequest:       "connect_request",
	ConnectAck:           "connect_ack",
	StartGame:            "start_game",
	ButtonPressed:        "button_pressed",
	WinnerAnnounce:       "winner_announce",
	Heartbeat:            "heartbeat",
	FalseStart:           "false_start",
	CoordinatorHeartbeat: "coordinator_heartbeat",
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// Message is the record transmitted verbatim. SentAt is sender-local
// monotonic milliseconds; receivers must not compare it across devices.
type Message struct {
	Kind        Kind
	Participant uint8
	Payload     uint8
	SentAt      uint32
}

func (m Message) MarshalBinary() ([]byte, error) {
	return Encode(m), nil
}

func (m *Message) UnmarshalBinary(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// Encode writes m into a new Size-byte slice.
func Encode(m Message) []byte {
	buf := make([]byte, Size)
	buf[0] = byte(m.Kind)
	buf[1] = m.Participant
	buf[2] = m.Payload
	binary.LittleEndian.PutUint32(buf[3:], m.SentAt)
	return buf
}

// Decode parses one datagram. Any length other than Size is rejected, as
// is a kind outside the known set; the partially decoded message is still
// returned with ErrUnknownKind so callers can log what arrived.
func Decode(data []byte) (Message, error) {
	if len(data) != Size {
		return Message{}, fmt.Errorf("%w: got %d bytes, want %d", ErrSize, len(data), Size)
	}
	m := Message{
		Kind:        Kind(data[0]),
		Participant: data[1],
		Payload:     data[2],
		SentAt:      binary.LittleEndian.Uint32(data[3:]),
	}
	if !m.Kind.Valid() {
		return m, fmt.Errorf("%w: %s", ErrUnknownKind, m.Kind)
	}
	return m, nil
}
