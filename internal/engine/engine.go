// Package engine wires discovery, transport, history, and transfers into
// the peer-to-peer messenger core. One Engine is one session in one room;
// the front-end drives it through a handful of methods and observes it
// through the Callbacks surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prxssh/parakeet/internal/discovery"
	"github.com/prxssh/parakeet/internal/history"
	"github.com/prxssh/parakeet/internal/protocol"
	"github.com/prxssh/parakeet/internal/security"
	"github.com/prxssh/parakeet/internal/storage"
	"github.com/prxssh/parakeet/internal/transfer"
	"github.com/prxssh/parakeet/internal/transport"
	"golang.org/x/sync/errgroup"
)

// Callbacks is the engine's outbound surface. All four are invoked from the
// single dispatcher goroutine, in the order the triggering events were
// observed; none are ever called concurrently with another. Implementations
// that need another thread (a UI loop) do their own marshaling.
//
// A nil callback simply drops its events.
type Callbacks struct {
	// OnMessageReceived fires once per new gossip packet: chat lines,
	// file offers, cancellations, and download notices.
	OnMessageReceived func(pkt *protocol.Packet)

	// OnPeerUpdated fires when the set of active peers changes, with the
	// full snapshot sorted by nickname.
	OnPeerUpdated func(peers []discovery.Peer)

	// OnChatHistoryReceived fires once per history push from a peer,
	// carrying only the messages this engine had not seen yet.
	OnChatHistoryReceived func(batch []*protocol.Packet)

	// OnFileTransferCompleted fires when an accepted download has been
	// fully received and validated. finalPath is the extracted directory
	// for archive transfers, the save path itself otherwise.
	OnFileTransferCompleted func(reqID, finalPath string)
}

type Opts struct {
	Callbacks Callbacks
	Logger    *slog.Logger
}

// ShareResult reports what an offer turned into: the id peers will accept
// under, the wire-visible name, and how many room members the offer reached.
type ShareResult struct {
	ReqID     string
	Name      string
	Size      int64
	IsZip     bool
	Delivered int
}

// Engine is the orchestrator: it owns the TCP listener, the discovery
// loops, the room history, and the transfer state, and demultiplexes every
// inbound packet to one of them.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	callbacks Callbacks

	sess      *security.Session
	server    *transport.Server
	disc      *discovery.Discovery
	history   *history.Log
	transfers *transfer.Coordinator

	// events decouples callback invocation from network goroutines: the
	// dispatcher drains it in order, so a slow front-end can never stall
	// an accept handler.
	events chan func()

	runMu    sync.Mutex
	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  atomic.Bool
}

// New builds an engine bound to its sockets but not yet running: the TCP
// listener claims the first free port in the configured range and discovery
// binds the announcement socket, so construction fails early when the host
// is out of ports. Call Run to start the loops.
func New(cfg Config, opts *Opts) (*Engine, error) {
	if opts == nil {
		opts = &Opts{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()

	e := &Engine{
		cfg:       cfg,
		log:       logger.With("source", "engine"),
		callbacks: opts.Callbacks,
		sess:      security.NewSession(cfg.Password, cfg.RoomName),
		events:    make(chan func(), cfg.CallbackBacklog),
	}

	server, err := transport.NewServer(&transport.Opts{
		Handler: e.handleConn,
		Config:  &transport.Config{PortMin: cfg.TCPPortMin, PortMax: cfg.TCPPortMax},
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	e.server = server

	disc, err := discovery.New(&discovery.Opts{
		Nickname:  cfg.Nickname,
		TCPPort:   server.Port(),
		RoomName:  cfg.RoomName,
		IsPrivate: e.sess.Encrypted(),
		Config: &discovery.Config{
			Port:              cfg.DiscoveryPort,
			BroadcastInterval: cfg.BroadcastInterval,
			PeerTimeout:       cfg.PeerTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		server.Stop()
		return nil, err
	}
	e.disc = disc

	e.history = history.NewLog(disc.SessionID())
	e.transfers = transfer.NewCoordinator(&transfer.Opts{
		Security: e.sess,
		Logger:   logger,
	})

	e.log.Info("engine ready",
		"session", disc.SessionID(),
		"room", cfg.RoomName,
		"tcp_port", server.Port(),
		"encrypted", e.sess.Encrypted(),
	)
	return e, nil
}

// Run drives every engine loop until ctx is cancelled or Stop is called,
// then performs the Stop cleanup regardless of which way it went down.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.runMu.Lock()
	e.runCtx = ctx
	e.cancel = cancel
	e.runMu.Unlock()

	// Stop may have raced ahead of us; its cancel read found nil, so
	// honor the stop here instead of starting the loops.
	if e.stopped.Load() {
		cancel()
		return nil
	}
	defer e.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.server.Run(gctx) })
	g.Go(func() error { return e.disc.Run(gctx) })
	g.Go(func() error { return e.monitorLoop(gctx) })
	g.Go(func() error { return e.dispatchLoop(gctx) })

	return g.Wait()
}

// Stop withdraws every outstanding offer (FILE_CANCEL still reaches the
// room through the peer table), shuts the sockets, and removes staged
// archives and unfinished .part files. Safe to call from any goroutine,
// idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)

		for _, reqID := range e.transfers.OfferIDs() {
			e.CancelShare(reqID)
		}

		e.runMu.Lock()
		cancel := e.cancel
		e.runMu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.disc.Stop()
		e.server.Stop()

		e.transfers.CleanupOffers()
		e.cleanupDownloads()

		e.log.Info("engine stopped")
	})
}

// runContext is the lifetime context long outbound operations (file
// streams) inherit, so stopping the engine aborts them. Background when Run
// was never called.
func (e *Engine) runContext() context.Context {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// cleanupDownloads removes accepted-but-unfinished partial files and prunes
// their temp directories when that empties them. Failures are logged and
// never propagated: shutdown always completes.
func (e *Engine) cleanupDownloads() {
	dirs := make(map[string]struct{})
	for reqID, path := range e.transfers.PendingDownloads() {
		e.transfers.DropDownload(reqID)
		if path == "" || !strings.HasSuffix(path, ".part") {
			continue
		}

		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				e.log.Warn("partial file cleanup failed", "req_id", reqID, "error", err)
			}
			continue
		}
		e.log.Debug("removed partial file", "req_id", reqID, "path", path)
		dirs[filepath.Dir(path)] = struct{}{}
	}

	// Rmdir only succeeds on empty directories, which is exactly the
	// wanted behavior: a directory shared with anything else survives.
	for dir := range dirs {
		os.Remove(dir)
	}
}

// ---------- identity ----------

func (e *Engine) SessionID() string { return e.disc.SessionID() }
func (e *Engine) Nickname() string  { return e.disc.Nickname() }
func (e *Engine) RoomName() string  { return e.cfg.RoomName }
func (e *Engine) Encrypted() bool   { return e.sess.Encrypted() }

// Port is the TCP port peers reach this engine on.
func (e *Engine) Port() uint16 { return e.server.Port() }

// ShortID is the display tag derived from the local address, the same one
// stamped on outgoing messages.
func (e *Engine) ShortID() string {
	return discovery.ShortID(e.disc.LocalAddr())
}

// SetNickname renames the session from the next announcement onward.
// Messages already in peers' histories keep the old name.
func (e *Engine) SetNickname(nickname string) {
	e.disc.SetNickname(nickname)
}

// Peers snapshots the active peer set, sorted by nickname for stable
// display.
func (e *Engine) Peers() []discovery.Peer {
	return sortPeers(e.disc.ActivePeers())
}

// History returns the room transcript in timestamp order.
func (e *Engine) History() []*protocol.Packet {
	return e.history.Snapshot()
}

// ---------- chat ----------

// BroadcastChat sends a chat line to every active peer in the room and
// reports whether at least one delivery succeeded. The message enters local
// history but does not come back through OnMessageReceived; the caller
// already knows what it sent.
func (e *Engine) BroadcastChat(text string) bool {
	pkt := e.history.AddLocal(&protocol.Packet{
		Type:           protocol.TypeMessage,
		SenderNickname: e.Nickname(),
		SenderShortID:  e.ShortID(),
		Content:        text,
	})
	return e.broadcastToRoom(pkt) > 0
}

// SendChat delivers a chat line to a single session. The message still
// enters history and the room-wide vector clock advances, so a later
// history push will replay it to everyone else.
func (e *Engine) SendChat(targetSession, text string) bool {
	peer, ok := e.disc.ActivePeers()[targetSession]
	if !ok {
		e.log.Warn("chat target not active", "session", targetSession)
		return false
	}

	pkt := e.history.AddLocal(&protocol.Packet{
		Type:           protocol.TypeMessage,
		SenderNickname: e.Nickname(),
		SenderShortID:  e.ShortID(),
		Content:        text,
	})
	return e.sendToPeer(peer, pkt) == nil
}

// ---------- file transfer, sender side ----------

// ShareFiles offers files to the room. A single regular file is offered
// as-is; anything else is staged into a zip archive under StagingDir first.
// The offer stays open (and the staged archive on disk) until CancelShare
// or Stop.
func (e *Engine) ShareFiles(paths []string, speedLimit int64) (*ShareResult, error) {
	reqID := uuid.NewString()

	if err := os.MkdirAll(e.cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create staging dir: %w", err)
	}
	staging := filepath.Join(e.cfg.StagingDir, "temp_"+reqID+".zip")

	meta, err := storage.PrepareTransfer(paths, staging)
	if err != nil {
		return nil, err
	}
	digest, err := storage.SHA256File(meta.Path)
	if err != nil {
		if meta.IsZip {
			os.Remove(meta.Path)
		}
		return nil, err
	}

	e.transfers.RegisterOffer(&transfer.Offer{
		ReqID:      reqID,
		Path:       meta.Path,
		Name:       meta.Name,
		Size:       meta.Size,
		SHA256:     digest,
		IsZip:      meta.IsZip,
		SpeedLimit: speedLimit,
	})

	pkt := e.history.AddLocal(&protocol.Packet{
		Type:           protocol.TypeFileReq,
		SenderNickname: e.Nickname(),
		SenderShortID:  e.ShortID(),
		Content:        "File share: " + meta.Name,
		ReqID:          reqID,
		FileName:       meta.Name,
		FileSize:       meta.Size,
		FileSHA256:     digest,
		IsZip:          meta.IsZip,
	})

	return &ShareResult{
		ReqID:     reqID,
		Name:      meta.Name,
		Size:      meta.Size,
		IsZip:     meta.IsZip,
		Delivered: e.broadcastToRoom(pkt),
	}, nil
}

// CancelShare withdraws an offer and deletes its staged archive. The
// FILE_CANCEL goes out even for ids this engine no longer tracks, so peers
// holding a stale offer drop it either way.
func (e *Engine) CancelShare(reqID string) {
	e.transfers.CancelOffer(reqID)

	pkt := e.history.AddLocal(&protocol.Packet{
		Type:           protocol.TypeFileCancel,
		SenderNickname: e.Nickname(),
		SenderShortID:  e.ShortID(),
		Content:        "File sharing canceled.",
		ReqID:          reqID,
	})
	e.broadcastToRoom(pkt)
}

// ---------- file transfer, receiver side ----------

// AcceptTransfer accepts a received file offer and tells the offering peer
// where it may stream. savePath is where the bytes land (conventionally a
// .part file in a temp directory); for archive offers the content is
// extracted next to it. False when the offer is unknown or its sender has
// gone quiet.
func (e *Engine) AcceptTransfer(reqID, savePath string) bool {
	req, ok := e.transfers.Request(reqID)
	if !ok {
		e.log.Warn("accept for unknown request", "req_id", reqID)
		return false
	}
	peer, ok := e.disc.ActivePeers()[req.SenderSession]
	if !ok {
		e.log.Warn("accept but offerer inactive",
			"req_id", reqID, "session", req.SenderSession)
		return false
	}

	e.transfers.Accept(reqID, savePath)

	// SenderSession here is OUR session: the offerer uses it to look up
	// where to stream.
	pkt := &protocol.Packet{
		Type:          protocol.TypeFileAccept,
		ReqID:         reqID,
		SenderSession: e.SessionID(),
	}
	if err := e.sendToPeer(peer, pkt); err != nil {
		e.log.Warn("file accept send failed", "req_id", reqID, "error", err)
		return false
	}
	return true
}

// RejectTransfer forgets a received offer. Nothing is sent: the offerer
// only ever learns about acceptance.
func (e *Engine) RejectTransfer(reqID string) {
	e.transfers.DropRequest(reqID)
}

// ---------- outbound plumbing ----------

// broadcastToRoom serializes and encrypts once, then fires one connection
// per same-room peer. Returns the number of successful deliveries; failures
// are logged and skipped, never retried.
func (e *Engine) broadcastToRoom(pkt *protocol.Packet) int {
	data, err := e.sealPacket(pkt)
	if err != nil {
		e.log.Error("broadcast encode failed", "type", pkt.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, peer := range e.disc.ActivePeers() {
		if peer.RoomName != e.cfg.RoomName {
			continue
		}
		if err := transport.Send(peerAddr(peer), data, e.cfg.DialTimeout); err != nil {
			e.log.Debug("broadcast delivery failed",
				"peer", peer.SessionID, "error", err)
			continue
		}
		delivered++
	}

	e.log.Debug("room broadcast", "type", pkt.Type, "delivered", delivered)
	return delivered
}

func (e *Engine) sendToPeer(peer discovery.Peer, pkt *protocol.Packet) error {
	data, err := e.sealPacket(pkt)
	if err != nil {
		return err
	}
	return transport.Send(peerAddr(peer), data, e.cfg.DialTimeout)
}

func (e *Engine) sealPacket(pkt *protocol.Packet) ([]byte, error) {
	raw, err := pkt.Encode()
	if err != nil {
		return nil, err
	}
	return e.sess.Encrypt(raw)
}

func peerAddr(p discovery.Peer) netip.AddrPort {
	return netip.AddrPortFrom(p.Addr, p.TCPPort)
}

func sortPeers(peers map[string]discovery.Peer) []discovery.Peer {
	list := make([]discovery.Peer, 0, len(peers))
	for _, p := range peers {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Nickname != list[j].Nickname {
			return list[i].Nickname < list[j].Nickname
		}
		return list[i].SessionID < list[j].SessionID
	})
	return list
}

// ---------- peer monitor ----------

// monitorLoop diffs the active peer set every MonitorInterval. On any
// change it reports the new snapshot; newcomers in the same room get the
// full history so late joiners converge without asking. The lobby is
// excluded: it has no conversation to sync.
func (e *Engine) monitorLoop(ctx context.Context) error {
	l := e.log.With("component", "peer monitor")
	l.Debug("started", "interval", e.cfg.MonitorInterval)

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	known := make(map[string]struct{})
	for {
		known = e.checkPeers(known)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) checkPeers(known map[string]struct{}) map[string]struct{} {
	peers := e.disc.ActivePeers()

	changed := len(peers) != len(known)
	current := make(map[string]struct{}, len(peers))
	for sid, peer := range peers {
		current[sid] = struct{}{}
		if _, seen := known[sid]; seen {
			continue
		}
		changed = true

		if e.cfg.RoomName != LobbyRoom && peer.RoomName == e.cfg.RoomName {
			go e.pushHistory(peer)
		}
	}

	if changed {
		e.emitPeerUpdate(sortPeers(peers))
	}
	return current
}

// pushHistory sends the whole transcript to one peer as a single
// CHAT_HISTORY frame. The receiver deduplicates, so re-pushing after a peer
// flaps is harmless.
func (e *Engine) pushHistory(peer discovery.Peer) {
	messages := e.history.Snapshot()
	if len(messages) == 0 {
		return
	}

	pkt := &protocol.Packet{Type: protocol.TypeChatHistory, Messages: messages}
	if err := e.sendToPeer(peer, pkt); err != nil {
		e.log.Debug("history push failed", "peer", peer.SessionID, "error", err)
		return
	}
	e.log.Debug("history pushed",
		"peer", peer.SessionID, "messages", len(messages))
}

// ---------- callback dispatch ----------

func (e *Engine) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.events:
			fn()
		}
	}
}

// emit queues one callback invocation. The queue absorbs bursts; when the
// front-end stops draining, events are dropped rather than blocking the
// network goroutines.
func (e *Engine) emit(fn func()) {
	select {
	case e.events <- fn:
	default:
		e.log.Warn("callback queue full, dropping event")
	}
}

func (e *Engine) emitMessage(pkt *protocol.Packet) {
	if cb := e.callbacks.OnMessageReceived; cb != nil {
		e.emit(func() { cb(pkt) })
	}
}

func (e *Engine) emitPeerUpdate(peers []discovery.Peer) {
	if cb := e.callbacks.OnPeerUpdated; cb != nil {
		e.emit(func() { cb(peers) })
	}
}

func (e *Engine) emitChatHistory(batch []*protocol.Packet) {
	if cb := e.callbacks.OnChatHistoryReceived; cb != nil {
		e.emit(func() { cb(batch) })
	}
}

func (e *Engine) emitTransferCompleted(reqID, finalPath string) {
	if cb := e.callbacks.OnFileTransferCompleted; cb != nil {
		e.emit(func() { cb(reqID, finalPath) })
	}
}
