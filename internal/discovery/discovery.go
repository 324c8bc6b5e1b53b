package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prxssh/parakeet/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// readBufSize bounds a single announcement datagram. Announcements are a
// few hundred bytes; anything bigger is not ours.
const readBufSize = 1024

type Config struct {
	// Port is the UDP port announcements are sent to and received on.
	// Every peer on the LAN must share it.
	Port uint16

	// BroadcastInterval is how often the local identity is announced.
	BroadcastInterval time.Duration

	// PeerTimeout is how long a peer stays active after its last
	// announcement. Expired peers are evicted by ActivePeers.
	PeerTimeout time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		Port:              50000,
		BroadcastInterval: 3 * time.Second,
		PeerTimeout:       10 * time.Second,
	}
}

// Peer is one remote session as last announced. Values are snapshots;
// callers never share memory with the table.
type Peer struct {
	SessionID string
	Nickname  string
	Addr      netip.Addr
	TCPPort   uint16
	RoomName  string
	IsPrivate bool
	LastSeen  time.Time
}

type Opts struct {
	// Nickname is the human-facing name announced to the LAN. It can be
	// changed later with SetNickname.
	Nickname string

	// TCPPort is the port this host's packet listener is bound to; peers
	// connect to it for chat and transfers.
	TCPPort uint16

	RoomName  string
	IsPrivate bool

	Config *Config
	Logger *slog.Logger
}

// Discovery announces the local session over UDP broadcast and tracks every
// other session it hears. The session id is minted here: eight hex chars of
// a fresh UUID, stable for the lifetime of the engine.
type Discovery struct {
	cfg *Config
	log *slog.Logger

	sessionID string
	localAddr netip.Addr
	tcpPort   uint16
	roomName  string
	isPrivate bool

	nickMu   sync.RWMutex
	nickname string

	conn  *net.UDPConn
	bcast *net.UDPAddr

	peerMu sync.RWMutex
	peers  map[string]*Peer

	stopOnce sync.Once
	stopped  atomic.Bool
}

func New(opts *Opts) (*Discovery, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("discovery: bind udp port %d: %w", cfg.Port, err)
	}

	d := &Discovery{
		cfg:       cfg,
		log:       logger.With("source", "discovery"),
		sessionID: uuid.NewString()[:8],
		localAddr: detectLocalAddr(),
		tcpPort:   opts.TCPPort,
		roomName:  opts.RoomName,
		isPrivate: opts.IsPrivate,
		nickname:  opts.Nickname,
		conn:      pc.(*net.UDPConn),
		bcast:     &net.UDPAddr{IP: net.IPv4bcast, Port: int(cfg.Port)},
		peers:     make(map[string]*Peer),
	}

	d.log.Info("discovery ready",
		"session", d.sessionID,
		"udp_port", cfg.Port,
		"local_addr", d.localAddr,
	)
	return d, nil
}

// Run drives the announce and listen loops until ctx is cancelled or Stop
// is called. Cancellation closes the socket so the blocked reader exits.
func (d *Discovery) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.announceLoop(gctx) })
	g.Go(func() error { return d.listenLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		d.Stop()
		return nil
	})

	return g.Wait()
}

func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		d.conn.Close()
		d.log.Info("discovery stopped")
	})
}

func (d *Discovery) SessionID() string { return d.sessionID }

// LocalAddr is the LAN interface address peers should see this host under.
func (d *Discovery) LocalAddr() netip.Addr { return d.localAddr }

// Port is the UDP port actually bound, which differs from the configured
// one only when the config asked for an ephemeral port (0).
func (d *Discovery) Port() uint16 {
	return uint16(d.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (d *Discovery) Nickname() string {
	d.nickMu.RLock()
	defer d.nickMu.RUnlock()
	return d.nickname
}

// SetNickname renames the local session. The new name rides on the next
// announcement; peers update their tables from it.
func (d *Discovery) SetNickname(nickname string) {
	d.nickMu.Lock()
	d.nickname = nickname
	d.nickMu.Unlock()
}

// ActivePeers snapshots every peer announced within PeerTimeout, evicting
// the rest. Eviction happens here deliberately: liveness is only judged
// when someone asks for the list.
func (d *Discovery) ActivePeers() map[string]Peer {
	now := time.Now()

	d.peerMu.Lock()
	defer d.peerMu.Unlock()

	active := make(map[string]Peer, len(d.peers))
	for sid, p := range d.peers {
		if now.Sub(p.LastSeen) <= d.cfg.PeerTimeout {
			active[sid] = *p
			continue
		}

		delete(d.peers, sid)
		d.log.Debug("peer timed out", "session", sid, "nickname", p.Nickname)
	}

	return active
}

func (d *Discovery) announceLoop(ctx context.Context) error {
	l := d.log.With("component", "announce loop")
	l.Debug("started", "interval", d.cfg.BroadcastInterval)

	ticker := time.NewTicker(d.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		d.announce(l)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Discovery) announce(l *slog.Logger) {
	data, err := d.buildAnnouncement().Encode()
	if err != nil {
		l.Error("encode announcement", "error", err)
		return
	}

	if _, err := d.conn.WriteToUDP(data, d.bcast); err != nil && !d.stopped.Load() {
		l.Debug("broadcast failed", "error", err)
	}
}

// buildAnnouncement reads the mutable fields fresh each time so a nickname
// change is visible on the very next broadcast.
func (d *Discovery) buildAnnouncement() *protocol.Announcement {
	return &protocol.Announcement{
		Type:      protocol.TypeDiscovery,
		Nickname:  d.Nickname(),
		SessionID: d.sessionID,
		TCPPort:   d.tcpPort,
		RoomName:  d.roomName,
		IsPrivate: d.isPrivate,
	}
}

func (d *Discovery) listenLoop(ctx context.Context) error {
	l := d.log.With("component", "listen loop")
	l.Debug("started")

	buf := make([]byte, readBufSize)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if d.stopped.Load() || ctx.Err() != nil {
				return nil
			}
			l.Warn("announce read failed", "error", err)
			continue
		}

		d.handleAnnouncement(buf[:n], from, l)
	}
}

func (d *Discovery) handleAnnouncement(data []byte, from *net.UDPAddr, l *slog.Logger) {
	ann, err := protocol.DecodeAnnouncement(data)
	if err != nil {
		l.Debug("ignoring datagram", "from", from, "error", err)
		return
	}

	// Broadcasts loop back; our own are not peers.
	if ann.SessionID == d.sessionID {
		return
	}

	addr, ok := netip.AddrFromSlice(from.IP)
	if !ok {
		return
	}
	addr = addr.Unmap()

	d.peerMu.Lock()
	_, known := d.peers[ann.SessionID]
	d.peers[ann.SessionID] = &Peer{
		SessionID: ann.SessionID,
		Nickname:  ann.Nickname,
		Addr:      addr,
		TCPPort:   ann.TCPPort,
		RoomName:  ann.RoomName,
		IsPrivate: ann.IsPrivate,
		LastSeen:  time.Now(),
	}
	d.peerMu.Unlock()

	if !known {
		l.Debug("peer discovered",
			"session", ann.SessionID,
			"nickname", ann.Nickname,
			"addr", addr,
			"room", ann.RoomName,
		)
	}
}

// detectLocalAddr finds the address of the interface that routes out. The
// UDP "connection" never sends a packet; it only makes the kernel pick a
// source address. Falls back to loopback on hosts with no route.
func detectLocalAddr() netip.Addr {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}

	return addr.Unmap()
}

// ShortID renders the last two IPv4 octets as the zero-padded tag shown
// next to nicknames ("192.168.0.121" -> "000.121"). Non-IPv4 addresses get
// the placeholder tag.
func ShortID(addr netip.Addr) string {
	addr = addr.Unmap()
	if !addr.Is4() {
		return "???.???"
	}

	b := addr.As4()
	return fmt.Sprintf("%03d.%03d", b[2], b[3])
}
