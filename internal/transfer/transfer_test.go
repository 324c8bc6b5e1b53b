package transfer

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/parakeet/internal/protocol"
	"github.com/prxssh/parakeet/internal/security"
)

func newTestCoordinator(sess *security.Session) *Coordinator {
	if sess == nil {
		sess = security.NewSession("", "")
	}
	return NewCoordinator(&Opts{Security: sess})
}

// offerPacket builds the FILE_REQ a peer would have gossiped for data.
func offerPacket(reqID string, data []byte, isZip bool) *protocol.Packet {
	sum := sha256.Sum256(data)
	return &protocol.Packet{
		Type:          protocol.TypeFileReq,
		ReqID:         reqID,
		SenderSession: "aaaa0000",
		FileName:      "payload.bin",
		FileSize:      int64(len(data)),
		FileSHA256:    hex.EncodeToString(sum[:]),
		IsZip:         isZip,
	}
}

// buildStream frames data the way a sender would: encrypted chunks, each in
// its own length-prefixed frame. The buffer's end plays the role of the
// connection close.
func buildStream(t *testing.T, sess *security.Session, data []byte, chunk int) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		enc, err := sess.Encrypt(data[:n])
		if err != nil {
			t.Fatalf("encrypt chunk: %v", err)
		}
		if err := protocol.WriteFrame(&buf, enc); err != nil {
			t.Fatalf("frame chunk: %v", err)
		}
		data = data[n:]
	}
	return &buf
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return data
}

func TestReceiveStream_WritesAndValidates(t *testing.T) {
	sess := security.NewSession("pw", "room")
	c := newTestCoordinator(sess)

	data := randomBytes(t, 100_000)
	req := offerPacket("req1", data, false)
	c.RememberRequest(req)

	savePath := filepath.Join(t.TempDir(), "temp_req1.part")
	if !c.Accept("req1", savePath) {
		t.Fatalf("Accept failed for remembered request")
	}

	stream := buildStream(t, sess, data, 32*1024)
	finalPath, err := c.ReceiveStream(stream, &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	})
	if err != nil {
		t.Fatalf("ReceiveStream error: %v", err)
	}
	if finalPath != savePath {
		t.Fatalf("finalPath = %q, want %q", finalPath, savePath)
	}

	got, err := os.ReadFile(savePath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("received bytes differ from source")
	}

	// The accepted-download entry is consumed: a replayed stream is
	// rejected.
	if _, err := c.ReceiveStream(buildStream(t, sess, data, 32*1024), &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	}); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("replayed stream error = %v, want ErrNotAccepted", err)
	}
}

func TestReceiveStream_RejectsUnacceptedRequest(t *testing.T) {
	c := newTestCoordinator(nil)

	data := []byte("never asked for this")
	c.RememberRequest(offerPacket("req1", data, false))

	// Remembered but never accepted.
	_, err := c.ReceiveStream(buildStream(t, c.sess, data, 64), &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	})
	if !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("error = %v, want ErrNotAccepted", err)
	}

	// Entirely unknown request id.
	_, err = c.ReceiveStream(buildStream(t, c.sess, data, 64), &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "ghost",
	})
	if !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("error = %v, want ErrNotAccepted", err)
	}

	// Header without a request id at all.
	_, err = c.ReceiveStream(&bytes.Buffer{}, &protocol.Packet{
		Type: protocol.TypeFileStreamStart,
	})
	if !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("error = %v, want ErrNotAccepted", err)
	}
}

func TestReceiveStream_SizeMismatchDeletesPartial(t *testing.T) {
	c := newTestCoordinator(nil)

	data := randomBytes(t, 4096)
	c.RememberRequest(offerPacket("req1", data, false))

	savePath := filepath.Join(t.TempDir(), "temp_req1.part")
	c.Accept("req1", savePath)

	// Stream only half of what the offer promised.
	_, err := c.ReceiveStream(buildStream(t, c.sess, data[:2048], 512), &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	})
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("error = %v, want ErrSizeMismatch", err)
	}
	if _, err := os.Stat(savePath); !os.IsNotExist(err) {
		t.Fatalf("partial file survived size mismatch")
	}
}

func TestReceiveStream_DigestMismatchDeletesPartial(t *testing.T) {
	c := newTestCoordinator(nil)

	data := randomBytes(t, 4096)
	tampered := append([]byte(nil), data...)
	tampered[100] ^= 0xff

	// Offer advertises the original digest; the stream carries tampered
	// bytes of the right length.
	c.RememberRequest(offerPacket("req1", data, false))

	savePath := filepath.Join(t.TempDir(), "temp_req1.part")
	c.Accept("req1", savePath)

	_, err := c.ReceiveStream(buildStream(t, c.sess, tampered, 512), &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("error = %v, want ErrDigestMismatch", err)
	}
	if _, err := os.Stat(savePath); !os.IsNotExist(err) {
		t.Fatalf("partial file survived digest mismatch")
	}
}

func TestReceiveStream_UndecryptableChunkDeletesPartial(t *testing.T) {
	sess := security.NewSession("pw", "room")
	c := newTestCoordinator(sess)

	data := randomBytes(t, 1024)
	c.RememberRequest(offerPacket("req1", data, false))

	savePath := filepath.Join(t.TempDir(), "temp_req1.part")
	c.Accept("req1", savePath)

	// One valid chunk, then a frame that is not a Fernet token.
	stream := buildStream(t, sess, data[:512], 512)
	if err := protocol.WriteFrame(stream, []byte("garbage, not a token")); err != nil {
		t.Fatalf("frame garbage: %v", err)
	}

	_, err := c.ReceiveStream(stream, &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	})
	if !errors.Is(err, security.ErrDecrypt) {
		t.Fatalf("error = %v, want ErrDecrypt", err)
	}
	if _, err := os.Stat(savePath); !os.IsNotExist(err) {
		t.Fatalf("partial file survived decrypt failure")
	}
}

func TestReceiveStream_FallsBackToHeaderExpectations(t *testing.T) {
	c := newTestCoordinator(nil)

	data := randomBytes(t, 2048)
	sum := sha256.Sum256(data)

	// A request remembered without offer metadata: validation must use
	// the stream header instead.
	c.RememberRequest(&protocol.Packet{
		Type:          protocol.TypeFileReq,
		ReqID:         "req1",
		SenderSession: "aaaa0000",
	})

	savePath := filepath.Join(t.TempDir(), "temp_req1.part")
	c.Accept("req1", savePath)

	finalPath, err := c.ReceiveStream(buildStream(t, c.sess, data, 512), &protocol.Packet{
		Type:           protocol.TypeFileStreamStart,
		ReqID:          "req1",
		ExpectedSize:   int64(len(data)),
		ExpectedSHA256: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		t.Fatalf("ReceiveStream error: %v", err)
	}
	if finalPath != savePath {
		t.Fatalf("finalPath = %q, want %q", finalPath, savePath)
	}
}

func TestReceiveStream_ExtractsArchive(t *testing.T) {
	c := newTestCoordinator(nil)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	for name, content := range map[string]string{
		"docs/readme.txt": "hello",
		"docs/sub/b.txt":  "world",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	zipBytes := zipBuf.Bytes()

	c.RememberRequest(offerPacket("req1", zipBytes, true))
	savePath := filepath.Join(t.TempDir(), "temp_req1.part")
	c.Accept("req1", savePath)

	finalPath, err := c.ReceiveStream(buildStream(t, c.sess, zipBytes, 1024), &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	})
	if err != nil {
		t.Fatalf("ReceiveStream error: %v", err)
	}
	if want := savePath + "_extracted"; finalPath != want {
		t.Fatalf("finalPath = %q, want %q", finalPath, want)
	}

	got, err := os.ReadFile(filepath.Join(finalPath, "docs", "readme.txt"))
	if err != nil {
		t.Fatalf("read extracted member: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("member content = %q", got)
	}
	// The transport archive itself is consumed by extraction.
	if _, err := os.Stat(savePath); !os.IsNotExist(err) {
		t.Fatalf("transport archive survived extraction")
	}
}

func TestReceiveStream_BadArchiveDiscarded(t *testing.T) {
	c := newTestCoordinator(nil)

	// An offer flagged as an archive whose bytes are not a zip.
	junk := randomBytes(t, 1024)
	c.RememberRequest(offerPacket("req1", junk, true))

	savePath := filepath.Join(t.TempDir(), "temp_req1.part")
	c.Accept("req1", savePath)

	_, err := c.ReceiveStream(buildStream(t, c.sess, junk, 512), &protocol.Packet{
		Type:  protocol.TypeFileStreamStart,
		ReqID: "req1",
	})
	if err == nil {
		t.Fatalf("corrupt archive extracted without error")
	}
	if _, err := os.Stat(savePath); !os.IsNotExist(err) {
		t.Fatalf("corrupt archive survived on disk")
	}
	if _, err := os.Stat(savePath + "_extracted"); !os.IsNotExist(err) {
		t.Fatalf("partial extraction directory survived")
	}
}

func TestCancelOffer_RemovesOnlyStagedArchives(t *testing.T) {
	c := newTestCoordinator(nil)
	dir := t.TempDir()

	staged := filepath.Join(dir, "temp_zip.zip")
	if err := os.WriteFile(staged, []byte("zipdata"), 0o644); err != nil {
		t.Fatalf("write staged: %v", err)
	}
	original := filepath.Join(dir, "holiday.jpg")
	if err := os.WriteFile(original, []byte("jpegdata"), 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}

	c.RegisterOffer(&Offer{ReqID: "zip", Path: staged, IsZip: true})
	c.RegisterOffer(&Offer{ReqID: "plain", Path: original})

	if !c.CancelOffer("zip") {
		t.Fatalf("CancelOffer(zip) = false")
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("staged archive not removed")
	}

	// Cancelling a plain-file offer must never touch the user's file.
	if !c.CancelOffer("plain") {
		t.Fatalf("CancelOffer(plain) = false")
	}
	if _, err := os.Stat(original); err != nil {
		t.Fatalf("original file removed on cancel: %v", err)
	}

	if c.CancelOffer("zip") {
		t.Fatalf("second CancelOffer(zip) = true")
	}
}

func TestCleanupOffers_DropsEverything(t *testing.T) {
	c := newTestCoordinator(nil)
	dir := t.TempDir()

	for _, id := range []string{"a", "b"} {
		staged := filepath.Join(dir, "temp_"+id+".zip")
		if err := os.WriteFile(staged, []byte("x"), 0o644); err != nil {
			t.Fatalf("write staged: %v", err)
		}
		c.RegisterOffer(&Offer{ReqID: id, Path: staged, IsZip: true})
	}

	c.CleanupOffers()

	if n := len(c.OfferIDs()); n != 0 {
		t.Fatalf("offers remaining after cleanup: %d", n)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := os.Stat(filepath.Join(dir, "temp_"+id+".zip")); !os.IsNotExist(err) {
			t.Fatalf("staged archive temp_%s.zip survived cleanup", id)
		}
	}
}

func TestAccept_RequiresRememberedRequest(t *testing.T) {
	c := newTestCoordinator(nil)

	if c.Accept("unknown", "/tmp/x.part") {
		t.Fatalf("Accept succeeded for unknown request")
	}

	c.RememberRequest(offerPacket("req1", []byte("x"), false))
	if !c.Accept("req1", "/tmp/x.part") {
		t.Fatalf("Accept failed for remembered request")
	}

	pending := c.PendingDownloads()
	if pending["req1"] != "/tmp/x.part" {
		t.Fatalf("pending downloads = %v", pending)
	}

	c.DropDownload("req1")
	if len(c.PendingDownloads()) != 0 {
		t.Fatalf("download survived drop")
	}
}

func TestRememberRequest_IgnoresEmptyID(t *testing.T) {
	c := newTestCoordinator(nil)

	c.RememberRequest(&protocol.Packet{Type: protocol.TypeFileReq})
	if _, ok := c.Request(""); ok {
		t.Fatalf("empty request id was remembered")
	}
}
