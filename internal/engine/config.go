package engine

import "time"

// LobbyRoom is the sentinel room every engine starts in when the user has
// not joined anything yet. The lobby has no conversation: history is never
// pushed to lobby peers and peers in it are only interesting as a directory
// of actual rooms.
const LobbyRoom = "__LOBBY__"

// Config defines one engine's identity and tuning. It is passed by value:
// an engine's room, password, and derived key are immutable for its
// lifetime, and changing rooms means building a new engine.
type Config struct {
	// ========== Identity ==========

	// Nickname is the name announced to the LAN. It can be changed later
	// with SetNickname; the session id cannot.
	Nickname string

	// Password protects the room. Empty means an open room: traffic
	// travels in plaintext and the room is announced as public.
	Password string

	// RoomName scopes chat and file transfers. Peers in other rooms are
	// visible through discovery but never receive this engine's traffic.
	RoomName string

	// ========== Discovery ==========

	// DiscoveryPort is the shared UDP port presence announcements use.
	// Every peer on the LAN must agree on it.
	DiscoveryPort uint16

	// BroadcastInterval is how often the local identity is announced.
	BroadcastInterval time.Duration

	// PeerTimeout is how long a silent peer stays in the active set.
	PeerTimeout time.Duration

	// ========== Transport ==========

	// TCPPortMin and TCPPortMax bound the packet listener's port walk.
	// The bound port rides on discovery announcements, so neighbors on
	// one host coexist on neighboring ports.
	TCPPortMin uint16
	TCPPortMax uint16

	// DialTimeout bounds connection setup for one-shot control sends.
	DialTimeout time.Duration

	// ControlReadTimeout is how long an accepted connection may take to
	// deliver its control frame before being dropped.
	ControlReadTimeout time.Duration

	// StreamTimeout is the per-operation deadline while streaming a file
	// out. Receiving has no deadline: the sender's close is authoritative.
	StreamTimeout time.Duration

	// ========== Engine ==========

	// MonitorInterval is the cadence of the peer monitor loop that diffs
	// the active peer set and pushes history to room newcomers.
	MonitorInterval time.Duration

	// StagingDir is where multi-file shares are staged as zip archives
	// before streaming. Staged archives are deleted on cancel and stop.
	StagingDir string

	// CallbackBacklog sizes the event queue between network goroutines
	// and the callback dispatcher. When the consumer falls this far
	// behind, events are dropped with a warning rather than blocking the
	// engine.
	CallbackBacklog int
}

func WithDefaultConfig() Config {
	return Config{
		Nickname:           "Anonymous",
		RoomName:           LobbyRoom,
		DiscoveryPort:      50000,
		BroadcastInterval:  3 * time.Second,
		PeerTimeout:        10 * time.Second,
		TCPPortMin:         50001,
		TCPPortMax:         50100,
		DialTimeout:        5 * time.Second,
		ControlReadTimeout: 10 * time.Second,
		StreamTimeout:      30 * time.Second,
		MonitorInterval:    2 * time.Second,
		StagingDir:         ".",
		CallbackBacklog:    256,
	}
}

// normalize fills in the zero values a hand-built Config may have left out.
// Port and name fields are taken as given; only fields where zero would
// wedge a loop or queue are defaulted.
func (c *Config) normalize() {
	def := WithDefaultConfig()

	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = def.BroadcastInterval
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = def.PeerTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ControlReadTimeout <= 0 {
		c.ControlReadTimeout = def.ControlReadTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = def.StreamTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.CallbackBacklog <= 0 {
		c.CallbackBacklog = def.CallbackBacklog
	}
	if c.StagingDir == "" {
		c.StagingDir = def.StagingDir
	}
}
