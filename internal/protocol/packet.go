package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates the JSON packets exchanged between peers. The values
// travel on the wire, so they are stable strings rather than iota.
type Type string

const (
	// TypeDiscovery is the UDP presence announcement. It never travels
	// over TCP.
	TypeDiscovery Type = "DISCOVERY"

	// TypeMessage is a plain chat line.
	TypeMessage Type = "MESSAGE"

	// TypeFileReq offers a file (or staged archive) to the room.
	TypeFileReq Type = "FILE_REQ"

	// TypeFileAccept is sent point-to-point from a downloader back to the
	// offering peer.
	TypeFileAccept Type = "FILE_ACCEPT"

	// TypeFileCancel withdraws an earlier offer.
	TypeFileCancel Type = "FILE_CANCEL"

	// TypeFileDownloaded announces a completed transfer to the room.
	TypeFileDownloaded Type = "FILE_DOWNLOADED"

	// TypeFileStreamStart is the header frame that precedes raw chunk
	// frames on a dedicated streaming connection.
	TypeFileStreamStart Type = "FILE_STREAM_START"

	// TypeChatHistory carries a full history snapshot to a peer that just
	// joined the room.
	TypeChatHistory Type = "CHAT_HISTORY"
)

var ErrBadPacket = errors.New("protocol: malformed packet")

// Packet is the single wire structure for all TCP control traffic. Only the
// fields relevant to a given Type are populated; the rest are omitted from
// the JSON encoding.
//
// Gossip packets (MESSAGE, FILE_REQ, FILE_CANCEL, FILE_DOWNLOADED) carry the
// identity block: MsgID, SenderSession, SenderNickname, SenderShortID,
// Content, Timestamp, and VClock. Control packets (FILE_ACCEPT,
// FILE_STREAM_START, CHAT_HISTORY) carry only their own fields.
type Packet struct {
	Type Type `json:"type"`

	// MsgID is "<session>_<counter>", unique across the room for one
	// sender session.
	MsgID string `json:"msg_id,omitempty"`

	// SenderSession identifies the originating session. On FILE_ACCEPT it
	// holds the ACCEPTING session so the offer holder knows where to
	// stream.
	SenderSession  string `json:"sender_session,omitempty"`
	SenderNickname string `json:"sender_nickname,omitempty"`

	// SenderShortID is the human-facing tag derived from the sender's
	// IPv4 address ("000.121").
	SenderShortID string `json:"sender_short_id,omitempty"`

	Content string `json:"content,omitempty"`

	// Timestamp is wall-clock seconds since the Unix epoch, fractional.
	// History ordering sorts on it.
	Timestamp float64 `json:"timestamp,omitempty"`

	// VClock is the sender's vector clock snapshot taken when the packet
	// was created.
	VClock map[string]uint64 `json:"vclock,omitempty"`

	// ReqID correlates every packet of one file transfer.
	ReqID string `json:"req_id,omitempty"`

	// File offer metadata (FILE_REQ).
	FileName   string `json:"file_name,omitempty"`
	FileSize   int64  `json:"file_size,omitempty"`
	FileSHA256 string `json:"file_sha256,omitempty"`
	IsZip      bool   `json:"is_zip,omitempty"`

	// Stream header expectations (FILE_STREAM_START). They duplicate the
	// offer metadata so a receiver can still validate if its own record
	// is incomplete.
	ExpectedSize   int64  `json:"expected_size,omitempty"`
	ExpectedSHA256 string `json:"expected_sha256,omitempty"`

	// Transfer completion details (FILE_DOWNLOADED).
	DownloaderNickname string `json:"downloader_nickname,omitempty"`
	DownloaderShortID  string `json:"downloader_short_id,omitempty"`

	// Messages is the snapshot payload of a CHAT_HISTORY packet.
	Messages []*Packet `json:"messages,omitempty"`
}

// Gossip reports whether packets of this type enter the chat history and
// propagate to the room at large.
func (t Type) Gossip() bool {
	switch t {
	case TypeMessage, TypeFileReq, TypeFileCancel, TypeFileDownloaded:
		return true
	default:
		return false
	}
}

func (p *Packet) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s packet: %w", p.Type, err)
	}
	return b, nil
}

func Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadPacket)
	}
	return &p, nil
}

// Announcement is the UDP discovery datagram. It is deliberately separate
// from Packet: it never mixes with TCP traffic and is never encrypted, so
// a room's presence is visible even when its content is not.
type Announcement struct {
	Type      Type   `json:"type"`
	Nickname  string `json:"nickname"`
	SessionID string `json:"session_id"`
	TCPPort   uint16 `json:"tcp_port"`
	RoomName  string `json:"room_name"`
	IsPrivate bool   `json:"is_private"`
}

func (a *Announcement) Encode() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode announcement: %w", err)
	}
	return b, nil
}

func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	if a.Type != TypeDiscovery {
		return nil, fmt.Errorf("%w: not a discovery announcement", ErrBadPacket)
	}
	return &a, nil
}
