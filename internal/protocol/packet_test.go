package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPacket_EncodeDecode_RoundTrip(t *testing.T) {
	src := &Packet{
		Type:           TypeMessage,
		MsgID:          "a1b2c3d4_7",
		SenderSession:  "a1b2c3d4",
		SenderNickname: "mina",
		SenderShortID:  "000.121",
		Content:        "hello room",
		Timestamp:      1724212345.1234,
		VClock:         map[string]uint64{"a1b2c3d4": 7, "ffee0011": 2},
	}

	b, err := src.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got.Type != src.Type || got.MsgID != src.MsgID || got.Content != src.Content {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, src)
	}
	if got.VClock["a1b2c3d4"] != 7 || got.VClock["ffee0011"] != 2 {
		t.Fatalf("vclock mismatch: %v", got.VClock)
	}
	if got.Timestamp != src.Timestamp {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, src.Timestamp)
	}
}

// Control packets leave every unused field out of the JSON so the wire stays
// compatible with readers that treat absent and empty differently.
func TestPacket_Encode_OmitsUnusedFields(t *testing.T) {
	p := &Packet{Type: TypeFileAccept, ReqID: "req-1", SenderSession: "beefcafe"}

	b, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("encoded %d fields, want 3: %s", len(raw), b)
	}
	for _, key := range []string{"type", "req_id", "sender_session"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("missing %q in %s", key, b)
		}
	}
}

func TestDecode_ForeignProducedJSON(t *testing.T) {
	// Shape produced by other implementations: snake_case keys, float
	// timestamp, integer vclock values.
	raw := `{"type": "FILE_REQ", "msg_id": "deadbeef_3", "sender_session": "deadbeef",
		"sender_nickname": "june", "sender_short_id": "001.042",
		"content": "File share: Archive.zip", "timestamp": 1724212345.5,
		"vclock": {"deadbeef": 3}, "req_id": "r-77", "file_name": "Archive.zip",
		"file_size": 1048576, "file_sha256": "ab12", "is_zip": true}`

	p, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if p.Type != TypeFileReq || !p.IsZip || p.FileSize != 1048576 {
		t.Fatalf("decoded mismatch: %+v", p)
	}
	if p.VClock["deadbeef"] != 3 {
		t.Fatalf("vclock = %v", p.VClock)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"content": "no type field"}`,
		``,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrBadPacket) {
			t.Fatalf("Decode(%q): got %v, want ErrBadPacket", raw, err)
		}
	}
}

func TestType_Gossip(t *testing.T) {
	gossip := []Type{TypeMessage, TypeFileReq, TypeFileCancel, TypeFileDownloaded}
	control := []Type{TypeDiscovery, TypeFileAccept, TypeFileStreamStart, TypeChatHistory}

	for _, typ := range gossip {
		if !typ.Gossip() {
			t.Errorf("%s.Gossip() = false, want true", typ)
		}
	}
	for _, typ := range control {
		if typ.Gossip() {
			t.Errorf("%s.Gossip() = true, want false", typ)
		}
	}
}

func TestPacket_ChatHistoryNesting(t *testing.T) {
	hist := &Packet{
		Type: TypeChatHistory,
		Messages: []*Packet{
			{Type: TypeMessage, MsgID: "s1_1", Content: "a", Timestamp: 1},
			{Type: TypeFileReq, MsgID: "s1_2", ReqID: "r1", Timestamp: 2},
		},
	}

	b, err := hist.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[1].ReqID != "r1" {
		t.Fatalf("nested packet lost fields: %+v", got.Messages[1])
	}
}

func TestAnnouncement_EncodeDecode(t *testing.T) {
	src := &Announcement{
		Type:      TypeDiscovery,
		Nickname:  "mina",
		SessionID: "a1b2c3d4",
		TCPPort:   50002,
		RoomName:  "general",
		IsPrivate: true,
	}

	b, err := src.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	got, err := DecodeAnnouncement(b)
	if err != nil {
		t.Fatalf("DecodeAnnouncement error: %v", err)
	}
	if *got != *src {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, src)
	}
}

func TestDecodeAnnouncement_RejectsOtherTypes(t *testing.T) {
	b, err := (&Packet{Type: TypeMessage, Content: "hi"}).Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if _, err := DecodeAnnouncement(b); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("got %v, want ErrBadPacket", err)
	}
}
