package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/pkg/protocol"
)

const (
	// DefaultPort is the UDP port every device listens and broadcasts on.
	DefaultPort = 47474
	// readSlack lets an oversized datagram be read whole so it can be rejected.
	readSlack = 64
)

type UDPConfig struct {
	Listen    string   // local IPv4, empty for all interfaces
	Port      int      // DefaultPort when zero
	Broadcast string   // IPv4 broadcast address, 255.255.255.255 when empty
	Seeds     []string // host:port peers that also receive broadcasts (cross-subnet)
}

// UDP carries datagrams over IPv4 broadcast. A link address is the sender's
// IPv4 address followed by its big-endian port.
type UDP struct {
	conn      *net.UDPConn
	port      int
	local     Addr
	localIPs  map[[4]byte]struct{}
	broadcast *net.UDPAddr

	seedsMu sync.RWMutex
	seeds   []*net.UDPAddr

	peers  peerSet
	recv   receiver
	log    *zap.Logger
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewUDP binds the socket and starts the read loop. A failure here is the
// transport init failure devices must treat as fatal.
func NewUDP(cfg UDPConfig, log *zap.Logger) (*UDP, error) {
	log = orNop(log).Named("udp")
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	listenIP := net.IPv4zero
	if cfg.Listen != "" {
		listenIP = net.ParseIP(cfg.Listen).To4()
		if listenIP == nil {
			return nil, fmt.Errorf("udp: invalid listen address %q", cfg.Listen)
		}
	}
	bcastIP := net.IPv4bcast
	if cfg.Broadcast != "" {
		bcastIP = net.ParseIP(cfg.Broadcast).To4()
		if bcastIP == nil {
			return nil, fmt.Errorf("udp: invalid broadcast address %q", cfg.Broadcast)
		}
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: listenIP, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("udp: bind port %d: %w", cfg.Port, err)
	}

	t := &UDP{
		conn:      conn,
		port:      conn.LocalAddr().(*net.UDPAddr).Port,
		localIPs:  localIPv4s(listenIP),
		broadcast: &net.UDPAddr{IP: bcastIP, Port: cfg.Port},
		recv:      receiver{log: log},
		log:       log,
	}
	t.local = t.pickLocal(listenIP)
	for _, s := range cfg.Seeds {
		if err := t.AddSeed(s); err != nil {
			conn.Close()
			return nil, err
		}
	}

	t.wg.Add(1)
	go t.readLoop()

	log.Info("udp transport started",
		zap.Int("port", t.port),
		zap.Stringer("local", t.local),
		zap.Stringer("broadcast", t.broadcast))
	return t, nil
}

// AddrFromUDP converts an IPv4 socket address to a link address.
func AddrFromUDP(u *net.UDPAddr) (Addr, bool) {
	var a Addr
	ip4 := u.IP.To4()
	if ip4 == nil || u.Port < 0 || u.Port > 0xFFFF {
		return a, false
	}
	copy(a[:4], ip4)
	a[4] = byte(u.Port >> 8)
	a[5] = byte(u.Port)
	return a, true
}

// UDPAddr is the inverse of AddrFromUDP.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(a[0], a[1], a[2], a[3]),
		Port: int(a[4])<<8 | int(a[5]),
	}
}

// NormalizeHostPort cuts the udp:// prefix from the input address and adds
// a default port.
func NormalizeHostPort(addr string, defPort int) string {
	if rest, ok := strings.CutPrefix(addr, "udp://"); ok {
		addr = rest
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(defPort))
}

// AddSeed adds a peer that receives a unicast copy of every broadcast.
func (t *UDP) AddSeed(hostport string) error {
	ua, err := net.ResolveUDPAddr("udp4", NormalizeHostPort(hostport, t.broadcast.Port))
	if err != nil {
		return fmt.Errorf("udp: invalid seed %q: %w", hostport, err)
	}
	if a, ok := AddrFromUDP(ua); ok && t.isSelf(a) {
		return nil
	}
	t.seedsMu.Lock()
	defer t.seedsMu.Unlock()
	for _, s := range t.seeds {
		if s.String() == ua.String() {
			return nil
		}
	}
	t.seeds = append(t.seeds, ua)
	return nil
}

// SetSeeds replaces the seed list, e.g. from a directory watch.
func (t *UDP) SetSeeds(hostports []string) error {
	seeds := make([]*net.UDPAddr, 0, len(hostports))
	for _, hp := range hostports {
		ua, err := net.ResolveUDPAddr("udp4", NormalizeHostPort(hp, t.broadcast.Port))
		if err != nil {
			return fmt.Errorf("udp: invalid seed %q: %w", hp, err)
		}
		if a, ok := AddrFromUDP(ua); ok && t.isSelf(a) {
			continue
		}
		seeds = append(seeds, ua)
	}
	t.seedsMu.Lock()
	t.seeds = seeds
	t.seedsMu.Unlock()
	return nil
}

func (t *UDP) Send(msg protocol.Message, to Addr) error {
	if t.closed.Load() {
		return ErrClosed
	}
	data := protocol.Encode(msg)

	if to.IsBroadcast() {
		_, err := t.conn.WriteToUDP(data, t.broadcast)
		t.seedsMu.RLock()
		seeds := t.seeds
		t.seedsMu.RUnlock()
		for _, s := range seeds {
			if _, serr := t.conn.WriteToUDP(data, s); serr != nil {
				t.log.Debug("send to seed failed", zap.Stringer("seed", s), zap.Error(serr))
			}
		}
		if err != nil {
			return fmt.Errorf("udp: broadcast: %w", err)
		}
		return nil
	}

	if !t.peers.has(to) {
		return ErrUnknownPeer
	}
	if _, err := t.conn.WriteToUDP(data, to.UDPAddr()); err != nil {
		return fmt.Errorf("udp: send to %s: %w", to, err)
	}
	return nil
}

func (t *UDP) AddPeer(addr Addr) error { return t.peers.add(addr) }
func (t *UDP) RemovePeer(addr Addr) error { return t.peers.remove(addr) }
func (t *UDP) SetReceiveHandler(h Handler) { t.recv.set(h) }
func (t *UDP) LocalAddr() Addr { return t.local }

// Port is the bound port, useful when Port was left to the system.
func (t *UDP) Port() int { return t.port }

func (t *UDP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	t.log.Info("udp transport stopped")
	return err
}

func (t *UDP) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, protocol.Size+readSlack)
	for {
		// Set read deadline to allow a periodic closed check
		t.conn.SetReadDeadline(time.Now().Add(time.Second))

		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if t.closed.Load() {
					return
				}
				continue
			}
			if t.closed.Load() {
				return
			}
			t.log.Warn("read error", zap.Error(err))
			continue
		}

		addr, ok := AddrFromUDP(from)
		if !ok || t.isSelf(addr) {
			continue
		}
		t.recv.deliver(addr, buf[:n])
	}
}

// isSelf reports whether a datagram came back from our own broadcast.
func (t *UDP) isSelf(a Addr) bool {
	if int(a[4])<<8|int(a[5]) != t.port {
		return false
	}
	_, ok := t.localIPs[[4]byte{a[0], a[1], a[2], a[3]}]
	return ok
}

func (t *UDP) pickLocal(listenIP net.IP) Addr {
	ip := listenIP
	if ip.Equal(net.IPv4zero) {
		ip = net.IPv4(127, 0, 0, 1)
		for raw := range t.localIPs {
			cand := net.IPv4(raw[0], raw[1], raw[2], raw[3])
			if !cand.IsLoopback() {
				ip = cand
				break
			}
		}
	}
	a, _ := AddrFromUDP(&net.UDPAddr{IP: ip, Port: t.port})
	return a
}

func localIPv4s(listenIP net.IP) map[[4]byte]struct{} {
	out := make(map[[4]byte]struct{})
	add := func(ip net.IP) {
		if ip4 := ip.To4(); ip4 != nil {
			out[[4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}] = struct{}{}
		}
	}
	if !listenIP.Equal(net.IPv4zero) {
		add(listenIP)
		return out
	}
	add(net.IPv4(127, 0, 0, 1))
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			add(ipn.IP)
		}
	}
	return out
}
