package engine

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prxssh/parakeet/internal/discovery"
	"github.com/prxssh/parakeet/internal/protocol"
	"github.com/prxssh/parakeet/internal/throttle"
	"github.com/prxssh/parakeet/internal/transfer"
	"github.com/prxssh/parakeet/internal/transport"
)

// handleConn is the per-connection demultiplexer. Every inbound connection
// carries exactly one control frame; FILE_STREAM_START then keeps the
// connection open for the chunk frames that follow. Anything that fails to
// decrypt or decode is dropped without a callback: to an engine with the
// wrong room key, traffic from another room must look like noise.
func (e *Engine) handleConn(conn net.Conn) {
	defer conn.Close()
	l := e.log.With("remote", conn.RemoteAddr().String())

	conn.SetReadDeadline(time.Now().Add(e.cfg.ControlReadTimeout))
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			l.Warn("control frame read failed", "error", err)
		}
		return
	}

	plain, err := e.sess.Decrypt(frame)
	if err != nil {
		l.Warn("dropping undecryptable packet", "error", err)
		return
	}
	pkt, err := protocol.Decode(plain)
	if err != nil {
		l.Warn("dropping malformed packet", "error", err)
		return
	}

	switch {
	case pkt.Type.Gossip():
		e.handleGossip(pkt, l)
	case pkt.Type == protocol.TypeChatHistory:
		e.handleChatHistory(pkt, l)
	case pkt.Type == protocol.TypeFileAccept:
		e.handleFileAccept(pkt, l)
	case pkt.Type == protocol.TypeFileStreamStart:
		e.handleStreamStart(conn, pkt, l)
	default:
		l.Warn("dropping packet of unknown type", "type", pkt.Type)
	}
}

// handleGossip runs every room-wide packet through history dedup first: a
// replayed or double-delivered packet has no side effect at all, not even a
// callback. New file offers and withdrawals additionally update the
// transfer tables before the front-end hears about them.
func (e *Engine) handleGossip(pkt *protocol.Packet, l *slog.Logger) {
	if !e.history.ReceiveRemote(pkt) {
		l.Debug("duplicate suppressed", "msg_id", pkt.MsgID)
		return
	}

	switch pkt.Type {
	case protocol.TypeFileReq:
		e.transfers.RememberRequest(pkt)
	case protocol.TypeFileCancel:
		e.transfers.DropRequest(pkt.ReqID)
		e.transfers.DropDownload(pkt.ReqID)
	}

	e.emitMessage(pkt)
}

// handleChatHistory folds a peer's transcript into ours. Only messages this
// engine had not seen reach the callback; a second push from another room
// member usually contributes nothing.
func (e *Engine) handleChatHistory(pkt *protocol.Packet, l *slog.Logger) {
	var fresh []*protocol.Packet
	for _, msg := range pkt.Messages {
		if msg == nil {
			continue
		}
		if e.history.ReceiveRemote(msg) {
			fresh = append(fresh, msg)
		}
	}

	l.Info("chat history received",
		"total", len(pkt.Messages), "new", len(fresh))
	if len(fresh) > 0 {
		e.emitChatHistory(fresh)
	}
}

// handleFileAccept starts one outbound stream per acceptance. Several peers
// may accept the same offer; each gets its own goroutine, connection, and
// throttle bucket.
func (e *Engine) handleFileAccept(pkt *protocol.Packet, l *slog.Logger) {
	offer, ok := e.transfers.Offer(pkt.ReqID)
	if !ok {
		l.Warn("accept for unknown offer", "req_id", pkt.ReqID)
		return
	}

	peer, ok := e.disc.ActivePeers()[pkt.SenderSession]
	if !ok {
		l.Warn("accepting peer not active",
			"req_id", pkt.ReqID, "session", pkt.SenderSession)
		return
	}

	go e.streamOffer(offer, peer)
}

// streamOffer pushes one offer to one acceptor and, on success, gossips the
// FILE_DOWNLOADED notice so the whole room sees who took the file.
func (e *Engine) streamOffer(offer *transfer.Offer, peer discovery.Peer) {
	l := e.log.With("req_id", offer.ReqID, "peer", peer.SessionID)

	header, err := e.sealPacket(&protocol.Packet{
		Type:           protocol.TypeFileStreamStart,
		ReqID:          offer.ReqID,
		ExpectedSize:   offer.Size,
		ExpectedSHA256: offer.SHA256,
	})
	if err != nil {
		l.Error("stream header encode failed", "error", err)
		return
	}

	l.Info("streaming file", "name", offer.Name, "size", offer.Size,
		"limit", offer.SpeedLimit)
	err = transport.StreamFile(e.runContext(), peerAddr(peer), offer.Path,
		header, e.sess, throttle.NewBucket(offer.SpeedLimit),
		e.cfg.StreamTimeout)
	if err != nil {
		l.Warn("file stream failed", "error", err)
		return
	}

	done := e.history.AddLocal(&protocol.Packet{
		Type:               protocol.TypeFileDownloaded,
		SenderNickname:     e.Nickname(),
		SenderShortID:      e.ShortID(),
		Content:            "Downloaded: " + offer.ReqID,
		ReqID:              offer.ReqID,
		DownloaderNickname: peer.Nickname,
		DownloaderShortID:  discovery.ShortID(peer.Addr),
	})
	e.broadcastToRoom(done)
	e.emitMessage(done)
}

// handleStreamStart validates a stream prelude and, only then, lets the
// transfer coordinator consume the connection. Two gates: the request must
// have been accepted here, and the bytes must come from the address the
// offer's sender announced. A stream failing either gate never touches
// disk.
func (e *Engine) handleStreamStart(conn net.Conn, hdr *protocol.Packet, l *slog.Logger) {
	// Streaming can legitimately take far longer than a control read.
	conn.SetReadDeadline(time.Time{})

	if hdr.ReqID == "" {
		l.Warn("stream header missing req_id")
		return
	}
	l = l.With("req_id", hdr.ReqID)

	req, ok := e.transfers.Request(hdr.ReqID)
	if !ok {
		l.Warn("rejected stream for unknown request")
		return
	}
	sender, ok := e.disc.ActivePeers()[req.SenderSession]
	if !ok {
		l.Warn("rejected stream, offerer not active",
			"session", req.SenderSession)
		return
	}
	if source := connAddr(conn); source != sender.Addr {
		l.Warn("rejected stream from address other than offerer",
			"source", source, "offerer", sender.Addr)
		return
	}

	finalPath, err := e.transfers.ReceiveStream(conn, hdr)
	if err != nil {
		// The coordinator already deleted any partial data.
		l.Warn("stream receive failed", "error", err)
		return
	}

	e.emitTransferCompleted(hdr.ReqID, finalPath)
}

func connAddr(conn net.Conn) netip.Addr {
	tcp, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
