package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/pkg/protocol"
)

// maxPumpPasses bounds Pump when handlers keep replying to each other.
const maxPumpPasses = 1000

type datagram struct {
	from, to Addr
	data     []byte
}

// Loopback is an in-process link. Sends are queued and only delivered by
// Pump, so tests and simulations decide exactly when the receive side runs
// and never re-enter a sender's critical section.
type Loopback struct {
	mu        sync.Mutex
	endpoints map[Addr]*Endpoint
	queue     []datagram

	rng  *rand.Rand
	drop float64
	dup  float64
	log  *zap.Logger
}

type LoopbackOption func(*Loopback)

// WithLoss makes the link drop and duplicate datagrams with the given
// probabilities, reproducibly for a seed.
func WithLoss(drop, dup float64, seed int64) LoopbackOption {
	return func(l *Loopback) {
		l.drop = drop
		l.dup = dup
		l.rng = rand.New(rand.NewSource(seed))
	}
}

func WithLogger(log *zap.Logger) LoopbackOption {
	return func(l *Loopback) { l.log = log }
}

func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{endpoints: make(map[Addr]*Endpoint), log: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.Named("loopback")
	return l
}

// Join attaches a device at addr.
func (l *Loopback) Join(addr Addr) (*Endpoint, error) {
	if addr.IsBroadcast() {
		return nil, fmt.Errorf("loopback: cannot join at broadcast address")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.endpoints[addr]; ok {
		return nil, fmt.Errorf("loopback: address %s in use", addr)
	}
	ep := &Endpoint{hub: l, addr: addr, recv: receiver{log: l.log}}
	l.endpoints[addr] = ep
	return ep, nil
}

// Inject queues raw bytes as if they had arrived from the link.
func (l *Loopback) Inject(from, to Addr, data []byte) {
	l.mu.Lock()
	l.queue = append(l.queue, datagram{from: from, to: to, data: append([]byte(nil), data...)})
	l.mu.Unlock()
}

// Pending is the number of queued datagrams.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Pump delivers queued datagrams, including ones queued by handlers while
// pumping, and returns how many were delivered.
func (l *Loopback) Pump() int {
	delivered := 0
	for pass := 0; pass < maxPumpPasses; pass++ {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return delivered
		}
		for _, d := range batch {
			l.mu.Lock()
			ep, ok := l.endpoints[d.to]
			l.mu.Unlock()
			if !ok || ep.isClosed() {
				continue
			}
			ep.recv.deliver(d.from, d.data)
			delivered++
		}
	}
	l.log.Warn("pump pass limit reached", zap.Int("pending", l.Pending()))
	return delivered
}

// Run pumps every interval until ctx is done, for callers that want the
// link to behave asynchronously.
func (l *Loopback) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Pump()
		}
	}
}

func (l *Loopback) enqueueLocked(from, to Addr, data []byte) {
	copies := 1
	if l.rng != nil {
		if l.rng.Float64() < l.drop {
			return
		}
		if l.rng.Float64() < l.dup {
			copies = 2
		}
	}
	for i := 0; i < copies; i++ {
		l.queue = append(l.queue, datagram{from: from, to: to, data: data})
	}
}

func (l *Loopback) send(from, to Addr, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !to.IsBroadcast() {
		l.enqueueLocked(from, to, data)
		return
	}
	for addr := range l.endpoints {
		if addr != from {
			l.enqueueLocked(from, addr, data)
		}
	}
}

// Endpoint is one device's Transport on a Loopback link.
type Endpoint struct {
	hub   *Loopback
	addr  Addr
	peers peerSet
	recv  receiver

	mu     sync.Mutex
	closed bool
}

func (e *Endpoint) Send(msg protocol.Message, to Addr) error {
	if e.isClosed() {
		return ErrClosed
	}
	if !to.IsBroadcast() && !e.peers.has(to) {
		return ErrUnknownPeer
	}
	e.hub.send(e.addr, to, protocol.Encode(msg))
	return nil
}

func (e *Endpoint) AddPeer(addr Addr) error { return e.peers.add(addr) }
func (e *Endpoint) RemovePeer(addr Addr) error { return e.peers.remove(addr) }
func (e *Endpoint) SetReceiveHandler(h Handler) { e.recv.set(h) }
func (e *Endpoint) LocalAddr() Addr { return e.addr }

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
