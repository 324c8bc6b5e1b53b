package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prxssh/parakeet/internal/protocol"
	"github.com/prxssh/parakeet/internal/security"
	"github.com/prxssh/parakeet/internal/storage"
	"github.com/prxssh/parakeet/pkg/syncmap"
)

var (
	// ErrNotAccepted rejects a stream for a request that was never
	// offered to us or never accepted locally. Nothing touches disk.
	ErrNotAccepted = errors.New("transfer: stream for a request that was not accepted")

	ErrSizeMismatch   = errors.New("transfer: received size does not match offer")
	ErrDigestMismatch = errors.New("transfer: received sha-256 does not match offer")
)

// Offer is one outgoing share: where the bytes live and what the receiver
// should validate against.
type Offer struct {
	ReqID      string
	Path       string // file to stream; the staged archive for IsZip offers
	Name       string
	Size       int64
	SHA256     string
	IsZip      bool
	SpeedLimit int64 // bytes/sec, 0 = unlimited
}

type Opts struct {
	Security *security.Session
	Logger   *slog.Logger
}

// Coordinator tracks both directions of every file transfer this session
// participates in:
//
//	offers    - req_id -> what we are sharing (we sent FILE_REQ)
//	requests  - req_id -> FILE_REQ packets peers sent us
//	downloads - req_id -> save path for requests we accepted
//
// A download must pass through requests and downloads before a stream for
// it is honored; everything else is rejected before the first disk write.
type Coordinator struct {
	log  *slog.Logger
	sess *security.Session

	offers    *syncmap.Map[string, *Offer]
	requests  *syncmap.Map[string, *protocol.Packet]
	downloads *syncmap.Map[string, string]
}

func NewCoordinator(opts *Opts) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		log:       logger.With("source", "transfer"),
		sess:      opts.Security,
		offers:    syncmap.New[string, *Offer](),
		requests:  syncmap.New[string, *protocol.Packet](),
		downloads: syncmap.New[string, string](),
	}
}

// ---------- sender side ----------

func (c *Coordinator) RegisterOffer(o *Offer) {
	c.offers.Put(o.ReqID, o)
	c.log.Debug("offer registered", "req_id", o.ReqID, "name", o.Name, "size", o.Size)
}

func (c *Coordinator) Offer(reqID string) (*Offer, bool) {
	return c.offers.Get(reqID)
}

// CancelOffer forgets an offer and deletes its staged archive. Reports
// whether the offer existed; cancels for unknown ids are still broadcast by
// the engine, so peers drop stale entries either way.
func (c *Coordinator) CancelOffer(reqID string) bool {
	o, ok := c.offers.Pop(reqID)
	if !ok {
		return false
	}

	c.removeStaged(o)
	return true
}

func (c *Coordinator) OfferIDs() []string {
	return c.offers.Keys()
}

// CleanupOffers drops every remaining offer and staged archive. Called on
// engine shutdown after the cancel broadcasts went out.
func (c *Coordinator) CleanupOffers() {
	for _, reqID := range c.offers.Keys() {
		if o, ok := c.offers.Pop(reqID); ok {
			c.removeStaged(o)
		}
	}
}

func (c *Coordinator) removeStaged(o *Offer) {
	if !o.IsZip || o.Path == "" {
		return
	}
	if err := os.Remove(o.Path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("staged archive cleanup failed", "req_id", o.ReqID, "error", err)
	}
}

// ---------- receiver side ----------

func (c *Coordinator) RememberRequest(pkt *protocol.Packet) {
	if pkt.ReqID == "" {
		return
	}
	c.requests.Put(pkt.ReqID, pkt)
}

func (c *Coordinator) Request(reqID string) (*protocol.Packet, bool) {
	return c.requests.Get(reqID)
}

// DropRequest forgets a remembered FILE_REQ (local reject, or the sender
// cancelled).
func (c *Coordinator) DropRequest(reqID string) {
	c.requests.Delete(reqID)
}

// Accept marks a remembered request as accepted and records where the
// stream should land. False if the request was never offered to us.
func (c *Coordinator) Accept(reqID, savePath string) bool {
	if _, ok := c.requests.Get(reqID); !ok {
		return false
	}
	c.downloads.Put(reqID, savePath)
	return true
}

func (c *Coordinator) DropDownload(reqID string) {
	c.downloads.Delete(reqID)
}

// PendingDownloads snapshots accepted-but-unfinished downloads, for
// shutdown cleanup of their partial files.
func (c *Coordinator) PendingDownloads() map[string]string {
	pending := make(map[string]string)
	c.downloads.Range(func(reqID, path string) bool {
		pending[reqID] = path
		return true
	})
	return pending
}

// ReceiveStream consumes encrypted chunk frames from r until clean EOF and
// finalizes the download for hdr.ReqID.
//
// Validation order: the request must be remembered AND accepted (the
// engine has already matched the connection's source address against the
// offer's sender). Expected size and digest come from our own FILE_REQ
// record, falling back to the stream header. After EOF the byte count and
// SHA-256 must match exactly; archives are then extracted next to the save
// path. Any failure deletes the partial file and the partially extracted
// directory. The accepted-download entry is consumed either way.
func (c *Coordinator) ReceiveStream(r io.Reader, hdr *protocol.Packet) (string, error) {
	reqID := hdr.ReqID
	if reqID == "" {
		return "", fmt.Errorf("%w: header missing req_id", ErrNotAccepted)
	}

	savePath, accepted := c.downloads.Get(reqID)
	req, remembered := c.requests.Get(reqID)
	if !accepted || !remembered {
		return "", ErrNotAccepted
	}
	defer c.downloads.Delete(reqID)

	expectedSize := req.FileSize
	if expectedSize == 0 {
		expectedSize = hdr.ExpectedSize
	}
	expectedSHA := strings.ToLower(req.FileSHA256)
	if expectedSHA == "" {
		expectedSHA = strings.ToLower(hdr.ExpectedSHA256)
	}

	l := c.log.With("req_id", reqID, "save_path", savePath)
	l.Info("stream started", "expected_size", expectedSize)

	if dir := filepath.Dir(savePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("transfer: create save directory: %w", err)
		}
	}

	received, digest, err := c.writeStream(r, savePath)
	if err != nil {
		c.discardPartial(savePath)
		l.Warn("stream failed", "error", err)
		return "", err
	}

	if received != expectedSize {
		c.discardPartial(savePath)
		l.Warn("stream size mismatch", "expected", expectedSize, "received", received)
		return "", fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, expectedSize, received)
	}
	if expectedSHA != "" && digest != expectedSHA {
		c.discardPartial(savePath)
		l.Warn("stream digest mismatch")
		return "", ErrDigestMismatch
	}

	finalPath := savePath
	if req.IsZip {
		extractDir := savePath + "_extracted"
		if err := storage.ExtractZip(savePath, extractDir); err != nil {
			os.RemoveAll(extractDir)
			// A traversal attempt is the one failure where the archive
			// stays on disk, for inspection.
			if !errors.Is(err, storage.ErrZipSlip) {
				c.discardPartial(savePath)
			}
			l.Warn("archive extraction failed", "error", err)
			return "", fmt.Errorf("transfer: extract archive: %w", err)
		}
		finalPath = extractDir
	}

	l.Info("stream completed", "final_path", finalPath, "bytes", received)
	return finalPath, nil
}

func (c *Coordinator) writeStream(r io.Reader, savePath string) (int64, string, error) {
	out, err := os.Create(savePath)
	if err != nil {
		return 0, "", fmt.Errorf("transfer: create partial file: %w", err)
	}

	hasher := sha256.New()
	var received int64

	for {
		frame, err := protocol.ReadFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return 0, "", fmt.Errorf("transfer: read chunk: %w", err)
		}

		plain, err := c.sess.Decrypt(frame)
		if err != nil {
			out.Close()
			return 0, "", err
		}

		if _, err := out.Write(plain); err != nil {
			out.Close()
			return 0, "", fmt.Errorf("transfer: write partial file: %w", err)
		}
		hasher.Write(plain)
		received += int64(len(plain))
	}

	if err := out.Close(); err != nil {
		return 0, "", fmt.Errorf("transfer: close partial file: %w", err)
	}

	return received, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (c *Coordinator) discardPartial(savePath string) {
	fi, err := os.Stat(savePath)
	if err != nil {
		return
	}

	if fi.IsDir() {
		os.RemoveAll(savePath)
		return
	}
	os.Remove(savePath)
}
