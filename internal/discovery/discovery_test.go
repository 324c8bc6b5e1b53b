package discovery

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/parakeet/internal/protocol"
)

func TestShortID(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.0.121", "000.121"},
		{"10.1.2.3", "002.003"},
		{"172.16.254.1", "254.001"},
		{"127.0.0.1", "000.001"},
		{"::ffff:192.168.7.9", "007.009"}, // 4-in-6 mapped
		{"fe80::1", "???.???"},
		{"2001:db8::8a2e:370:7334", "???.???"},
	}

	for _, tt := range tests {
		addr := netip.MustParseAddr(tt.addr)
		if got := ShortID(addr); got != tt.want {
			t.Errorf("ShortID(%s) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func testDiscovery(t *testing.T) *Discovery {
	t.Helper()

	cfg := WithDefaultConfig()
	cfg.Port = 0 // ephemeral; these tests never broadcast
	d, err := New(&Opts{
		Nickname: "tester",
		TCPPort:  50001,
		RoomName: "general",
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestDiscovery_HandleAnnouncement_Upsert(t *testing.T) {
	d := testDiscovery(t)

	ann, err := (&protocol.Announcement{
		Type:      protocol.TypeDiscovery,
		Nickname:  "remote",
		SessionID: "feedf00d",
		TCPPort:   50002,
		RoomName:  "general",
		IsPrivate: true,
	}).Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 42), Port: 50000}
	d.handleAnnouncement(ann, from, d.log)

	peers := d.ActivePeers()
	p, ok := peers["feedf00d"]
	if !ok {
		t.Fatalf("announced peer missing: %v", peers)
	}
	if p.Nickname != "remote" || p.TCPPort != 50002 || !p.IsPrivate {
		t.Fatalf("peer = %+v", p)
	}
	if want := netip.AddrFrom4([4]byte{192, 168, 1, 42}); p.Addr != want {
		t.Fatalf("peer addr = %v, want %v", p.Addr, want)
	}

	// Re-announcement with a new nickname updates in place.
	ann2, _ := (&protocol.Announcement{
		Type:      protocol.TypeDiscovery,
		Nickname:  "renamed",
		SessionID: "feedf00d",
		TCPPort:   50002,
		RoomName:  "general",
	}).Encode()
	d.handleAnnouncement(ann2, from, d.log)

	if got := d.ActivePeers()["feedf00d"].Nickname; got != "renamed" {
		t.Fatalf("nickname after re-announce = %q", got)
	}
	if n := len(d.ActivePeers()); n != 1 {
		t.Fatalf("peer count = %d, want 1", n)
	}
}

func TestDiscovery_HandleAnnouncement_IgnoresSelfAndGarbage(t *testing.T) {
	d := testDiscovery(t)
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 50000}

	// Own session id looped back.
	own, _ := (&protocol.Announcement{
		Type:      protocol.TypeDiscovery,
		SessionID: d.SessionID(),
		Nickname:  "me",
	}).Encode()
	d.handleAnnouncement(own, from, d.log)

	// Not JSON at all.
	d.handleAnnouncement([]byte("not json"), from, d.log)

	// Valid JSON, wrong type.
	chat, _ := (&protocol.Packet{Type: protocol.TypeMessage, Content: "hi"}).Encode()
	d.handleAnnouncement(chat, from, d.log)

	if n := len(d.ActivePeers()); n != 0 {
		t.Fatalf("peer count = %d, want 0", n)
	}
}

func TestDiscovery_ActivePeers_EvictsStale(t *testing.T) {
	d := testDiscovery(t)

	d.peerMu.Lock()
	d.peers["fresh123"] = &Peer{
		SessionID: "fresh123",
		Nickname:  "fresh",
		LastSeen:  time.Now(),
	}
	d.peers["stale456"] = &Peer{
		SessionID: "stale456",
		Nickname:  "stale",
		LastSeen:  time.Now().Add(-d.cfg.PeerTimeout - time.Second),
	}
	d.peerMu.Unlock()

	active := d.ActivePeers()
	if _, ok := active["fresh123"]; !ok {
		t.Errorf("fresh peer evicted")
	}
	if _, ok := active["stale456"]; ok {
		t.Errorf("stale peer still active")
	}

	// Eviction is permanent: the stale entry is gone from the table.
	d.peerMu.RLock()
	_, still := d.peers["stale456"]
	d.peerMu.RUnlock()
	if still {
		t.Errorf("stale peer not removed from table")
	}
}

func TestDiscovery_SetNickname_NextAnnouncement(t *testing.T) {
	d := testDiscovery(t)

	if got := d.buildAnnouncement().Nickname; got != "tester" {
		t.Fatalf("initial announcement nickname = %q", got)
	}

	d.SetNickname("renamed")
	ann := d.buildAnnouncement()
	if ann.Nickname != "renamed" {
		t.Fatalf("announcement nickname = %q after rename", ann.Nickname)
	}
	if ann.SessionID != d.SessionID() {
		t.Fatalf("rename changed session id")
	}
}

func TestDiscovery_RunStop(t *testing.T) {
	d := testDiscovery(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	d.Stop() // idempotent
}

func TestDiscovery_SessionIDShape(t *testing.T) {
	d := testDiscovery(t)
	if len(d.SessionID()) != 8 {
		t.Fatalf("session id %q, want 8 chars", d.SessionID())
	}
}
