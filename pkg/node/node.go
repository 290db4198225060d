package node

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/internal/telemetry"
	"github.com/ryandielhenn/buzzer/pkg/game"
)

// Device is what the admin surface needs from a role machine.
type Device interface {
	Status() game.Status
}

// Node is one device's local HTTP admin surface.
type Node struct {
	dev      Device
	btn      *game.Button
	instance string
	linkAddr string
	log      *zap.Logger
	stream   StreamConfig
}

type Option func(*Node)

func WithLogger(log *zap.Logger) Option { return func(n *Node) { n.log = log } }

// WithInstance overrides the random instance id reported by /info.
func WithInstance(id string) Option { return func(n *Node) { n.instance = id } }

// WithLinkAddr sets the transport address reported by /info.
func WithLinkAddr(addr string) Option { return func(n *Node) { n.linkAddr = addr } }

func WithStreamConfig(c StreamConfig) Option { return func(n *Node) { n.stream = c } }

func NewNode(dev Device, btn *game.Button, opts ...Option) *Node {
	n := &Node{
		dev:      dev,
		btn:      btn,
		instance: uuid.NewString(),
		log:      zap.NewNop(),
		stream:   DefaultStreamConfig(),
	}
	for _, o := range opts {
		o(n)
	}
	n.log = n.log.Named("node")
	return n
}

func (n *Node) Instance() string { return n.instance }

// Handler wires every admin route.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/press", telemetry.Instrument("press", http.HandlerFunc(n.Press)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	// websocket upgrades need the raw ResponseWriter, so no Instrument here
	mux.HandleFunc("/ws", n.Stream)
	return mux
}
