package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/protocol"
)

// HeaderFrom carries the sender's link address on every NATS datagram.
const HeaderFrom = "Buzzer-From"

type NATSConfig struct {
	URL     string
	Subject string // subject prefix, "buzzer" when empty
	Name    string // client name shown by the server
}

// NATS emulates the broadcast link with core (non-JetStream) subjects:
// <prefix>.all for broadcast and <prefix>.dev.<addr> per device. Core NATS
// is fire-and-forget, which matches the link's delivery guarantees.
type NATS struct {
	nc     *nats.Conn
	subs   []*nats.Subscription
	prefix string
	local  Addr
	peers  peerSet
	recv   receiver
	log    *zap.Logger
	closed atomic.Bool
}

func NewNATS(cfg NATSConfig, log *zap.Logger) (*NATS, error) {
	log = orNop(log).Named("nats")
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "buzzer"
	}

	id := uuid.New()
	var local Addr
	copy(local[:], id[:6])
	local[0] &^= 0x01 // never a group address

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	t := &NATS{
		nc:     nc,
		prefix: cfg.Subject,
		local:  local,
		recv:   receiver{log: log},
		log:    log,
	}
	for _, subj := range []string{t.broadcastSubject(), t.deviceSubject(local)} {
		sub, err := nc.Subscribe(subj, t.onMsg)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subj, err)
		}
		t.subs = append(t.subs, sub)
	}

	log.Info("nats transport started", zap.String("url", nc.ConnectedUrl()), zap.Stringer("local", local))
	return t, nil
}

func (t *NATS) broadcastSubject() string { return t.prefix + ".all" }

func (t *NATS) deviceSubject(a Addr) string { return t.prefix + ".dev." + a.Hex() }

func (t *NATS) onMsg(m *nats.Msg) {
	from, err := ParseAddr(m.Header.Get(HeaderFrom))
	if err != nil {
		t.log.Warn("dropping datagram without sender", zap.String("subject", m.Subject), zap.Error(err))
		telemetry.Dropped("bad_sender")
		return
	}
	if from == t.local {
		return
	}
	t.recv.deliver(from, m.Data)
}

func (t *NATS) Send(msg protocol.Message, to Addr) error {
	if t.closed.Load() {
		return ErrClosed
	}
	subj := t.broadcastSubject()
	if !to.IsBroadcast() {
		if !t.peers.has(to) {
			return ErrUnknownPeer
		}
		subj = t.deviceSubject(to)
	}
	out := nats.NewMsg(subj)
	out.Header.Set(HeaderFrom, t.local.String())
	out.Data = protocol.Encode(msg)
	if err := t.nc.PublishMsg(out); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subj, err)
	}
	return nil
}

func (t *NATS) AddPeer(addr Addr) error { return t.peers.add(addr) }
func (t *NATS) RemovePeer(addr Addr) error { return t.peers.remove(addr) }
func (t *NATS) SetReceiveHandler(h Handler) { t.recv.set(h) }
func (t *NATS) LocalAddr() Addr { return t.local }

func (t *NATS) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	for _, s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.nc.Close()
	t.log.Info("nats transport stopped")
	return nil
}
