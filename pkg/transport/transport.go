package transport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/protocol"
)

// Interface for sending/receiving buzzer datagrams over a one-hop,
// connectionless, lossy link. Concrete implementations: UDP, NATS, Loopback.
// No retransmission or acknowledgement tracking happens here; the role
// machines cover loss with periodic resends and idempotent handling.

var (
	ErrPeerExists  = errors.New("transport: peer already registered")
	ErrUnknownPeer = errors.New("transport: peer not registered")
	ErrClosed      = errors.New("transport: closed")
)

// Addr is an opaque 6-byte link address.
type Addr [6]byte

// Broadcast reaches every device on the link.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (a Addr) IsBroadcast() bool { return a == Broadcast }

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Hex is the address without separators, safe for subject tokens.
func (a Addr) Hex() string { return hex.EncodeToString(a[:]) }

// ParseAddr accepts both the String and Hex forms.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return a, fmt.Errorf("transport: parse addr %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("transport: parse addr %q: want %d bytes, got %d", s, len(a), len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// Handler receives every well-formed datagram exactly once, in arrival
// order. It runs on the transport's goroutine and must not block.
type Handler func(msg protocol.Message, from Addr)

type Transport interface {
	// Send is best-effort and non-blocking. A nil error only means the
	// datagram was handed to the link, never that a peer received it.
	Send(msg protocol.Message, to Addr) error
	AddPeer(addr Addr) error
	RemovePeer(addr Addr) error
	SetReceiveHandler(h Handler)
	LocalAddr() Addr
	Close() error
}

// receiver is the decode-and-dispatch step every transport shares.
type receiver struct {
	mu  sync.RWMutex
	h   Handler
	log *zap.Logger
}

func (r *receiver) set(h Handler) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

func (r *receiver) deliver(from Addr, data []byte) {
	msg, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrSize):
		r.log.Warn("dropping malformed datagram", zap.Stringer("from", from), zap.Int("len", len(data)))
		telemetry.Dropped("size")
		return
	case errors.Is(err, protocol.ErrUnknownKind):
		r.log.Warn("dropping unknown message kind", zap.Stringer("from", from), zap.Stringer("kind", msg.Kind))
		telemetry.Dropped("unknown_kind")
		return
	}

	r.mu.RLock()
	h := r.h
	r.mu.RUnlock()
	if h == nil {
		telemetry.Dropped("no_handler")
		return
	}
	telemetry.MessagesReceived.WithLabelValues(msg.Kind.String()).Inc()
	h(msg, from)
}

type peerSet struct {
	mu sync.RWMutex
	m  map[Addr]struct{}
}

func (p *peerSet) add(a Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[Addr]struct{})
	}
	if _, ok := p.m[a]; ok {
		return ErrPeerExists
	}
	p.m[a] = struct{}{}
	return nil
}

func (p *peerSet) remove(a Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[a]; !ok {
		return ErrUnknownPeer
	}
	delete(p.m, a)
	return nil
}

func (p *peerSet) has(a Addr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.m[a]
	return ok
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
