package history

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prxssh/parakeet/internal/protocol"
)

// Log is one session's view of the room conversation: every gossip packet
// it produced or received, deduplicated by msg_id and kept ordered by
// sender timestamp. Peers exchange snapshots of it so late joiners converge
// to the same transcript.
type Log struct {
	session string
	clock   *VectorClock

	mu       sync.Mutex
	messages []*protocol.Packet
	seen     map[string]struct{}
}

func NewLog(sessionID string) *Log {
	return &Log{
		session: sessionID,
		clock:   NewVectorClock(sessionID),
		seen:    make(map[string]struct{}),
	}
}

// AddLocal records a packet this session is about to send. The caller fills
// the type-specific fields (content, nickname, short id, file metadata);
// AddLocal stamps identity and ordering: msg_id, sender_session, timestamp,
// and a fresh vector clock snapshot. An empty Type defaults to MESSAGE.
//
// The returned packet is the same pointer, ready for broadcast.
func (l *Log) AddLocal(pkt *protocol.Packet) *protocol.Packet {
	if pkt.Type == "" {
		pkt.Type = protocol.TypeMessage
	}

	vclock := l.clock.Increment()
	pkt.MsgID = fmt.Sprintf("%s_%d", l.session, vclock[l.session])
	pkt.SenderSession = l.session
	pkt.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	pkt.VClock = vclock

	l.mu.Lock()
	l.messages = append(l.messages, pkt)
	l.seen[pkt.MsgID] = struct{}{}
	l.mu.Unlock()

	return pkt
}

// ReceiveRemote records a packet from another peer. Returns false for
// duplicates (same msg_id seen before, via any path). New packets are
// inserted in timestamp order; the remote vector clock is merged after the
// log lock is released so the two locks never nest.
func (l *Log) ReceiveRemote(pkt *protocol.Packet) bool {
	l.mu.Lock()
	if _, dup := l.seen[pkt.MsgID]; dup {
		l.mu.Unlock()
		return false
	}

	l.messages = append(l.messages, pkt)
	l.seen[pkt.MsgID] = struct{}{}
	sort.SliceStable(l.messages, func(i, j int) bool {
		return l.messages[i].Timestamp < l.messages[j].Timestamp
	})
	l.mu.Unlock()

	if len(pkt.VClock) > 0 {
		l.clock.Merge(pkt.VClock)
	}
	return true
}

// Snapshot returns a copy of the message list. The packets themselves are
// shared; they are treated as immutable once logged.
func (l *Log) Snapshot() []*protocol.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]*protocol.Packet(nil), l.messages...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.messages)
}

// Clock exposes the session's vector clock snapshot, mainly for tests and
// diagnostics.
func (l *Log) Clock() map[string]uint64 {
	return l.clock.Snapshot()
}
