package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prxssh/parakeet/internal/config"
	"github.com/prxssh/parakeet/internal/discovery"
	"github.com/prxssh/parakeet/internal/engine"
	"github.com/prxssh/parakeet/internal/protocol"
)

// tempDirName is the dot-directory created under the download directory to
// hold in-flight .part files. The engine prunes it when a failed or stopped
// download leaves it empty.
const tempDirName = ".temp_parakeet"

// offerInfo is what the client remembers about a file offer it heard, enough
// to accept it later and to narrate cancellations and completions.
type offerInfo struct {
	name          string
	size          int64
	isZip         bool
	senderNick    string
	senderShort   string
	senderSession string
}

// pendingDownload tracks an accepted offer until its completion callback:
// the wire name we will save under and the directory the user picked.
type pendingDownload struct {
	name string
	dir  string
}

// client owns one engine at a time and swaps it out wholesale to change
// rooms: the room key, session history, and transfer state all belong to the
// engine, so a fresh room means a fresh engine.
type client struct {
	cfgPath string
	out     *renderer

	mu      sync.RWMutex
	cfg     config.Config
	eng     *engine.Engine
	engDone chan error
	limit   int64                      // bytes/sec for subsequent shares
	offers  map[string]offerInfo       // req_id -> offers peers made to us
	shares  map[string]string          // req_id -> name of our own offers
	pending map[string]pendingDownload // req_id -> accepted, not yet complete

	lastPeerLine string
}

func newClient(cfgPath string, cfg config.Config) *client {
	return &client{
		cfgPath: cfgPath,
		out:     newRenderer(os.Stdout),
		cfg:     cfg,
		offers:  make(map[string]offerInfo),
		shares:  make(map[string]string),
		pending: make(map[string]pendingDownload),
	}
}

func (c *client) engine() *engine.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eng
}

// requireEngine is the guard for commands that need a live engine. The
// engine is only nil after a failed room change left us disconnected.
func (c *client) requireEngine() (*engine.Engine, bool) {
	eng := c.engine()
	if eng == nil {
		c.out.warn("not connected; /join a room to reconnect")
		return nil, false
	}
	return eng, true
}

// joinRoom tears down the current engine (if any) and starts a new one in
// the given room. Offer bookkeeping is reset along with it: requests and
// history never survive a room change.
func (c *client) joinRoom(room, password string) error {
	c.stopEngine()

	cfg := engine.WithDefaultConfig()
	cfg.RoomName = room
	cfg.Password = password
	c.mu.RLock()
	if c.cfg.Nickname != "" {
		cfg.Nickname = c.cfg.Nickname
	}
	cfg.DiscoveryPort = c.cfg.Port
	c.mu.RUnlock()

	eng, err := engine.New(cfg, &engine.Opts{Callbacks: c.callbacks(room)})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	c.mu.Lock()
	c.eng = eng
	c.engDone = done
	c.offers = make(map[string]offerInfo)
	c.shares = make(map[string]string)
	c.pending = make(map[string]pendingDownload)
	c.lastPeerLine = ""
	c.mu.Unlock()

	go func() { done <- eng.Run(context.Background()) }()

	if room == engine.LobbyRoom {
		c.out.system("in the lobby as %s#%s; /rooms lists active rooms, /join <room> [password] enters one",
			eng.Nickname(), eng.ShortID())
		return nil
	}

	mode := "open"
	if eng.Encrypted() {
		mode = "encrypted"
	}
	c.out.system("joined room %q (%s) as %s#%s; /leave returns to the lobby",
		room, mode, eng.Nickname(), eng.ShortID())
	return nil
}

// createRoom joins a brand-new room, renaming it when the LAN already has
// one by that name so two groups never collide on a key by accident.
func (c *client) createRoom(name, password string) error {
	taken := make(map[string]bool)
	if eng := c.engine(); eng != nil {
		for room := range aggregateRooms(eng.Peers()) {
			taken[room] = true
		}
	}

	deduped := dedupeRoomName(name, taken)
	if deduped != name {
		c.out.system("room %q already exists here, creating %q instead", name, deduped)
	}
	return c.joinRoom(deduped, password)
}

func (c *client) stopEngine() {
	c.mu.Lock()
	eng, done := c.eng, c.engDone
	c.eng, c.engDone = nil, nil
	c.mu.Unlock()
	if eng == nil {
		return
	}

	eng.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("engine did not stop in time")
	}
}

func (c *client) close() {
	c.stopEngine()
}

// ---------- engine callbacks ----------

// callbacks binds the engine's event surface to the terminal. The room is
// captured here because callbacks from a dying engine may still trickle in
// while a new room is being joined.
func (c *client) callbacks(room string) engine.Callbacks {
	return engine.Callbacks{
		OnMessageReceived:       c.onMessage,
		OnPeerUpdated:           func(peers []discovery.Peer) { c.onPeers(room, peers) },
		OnChatHistoryReceived:   c.onHistory,
		OnFileTransferCompleted: c.completeTransfer,
	}
}

func (c *client) onMessage(pkt *protocol.Packet) {
	c.renderPacket(pkt)
}

// onPeers narrates presence changes. In the lobby the interesting view is
// the room list; inside a room it is the member list. Identical consecutive
// summaries are suppressed so nickname churn elsewhere on the LAN stays
// quiet.
func (c *client) onPeers(room string, peers []discovery.Peer) {
	var line string
	if room == engine.LobbyRoom {
		line = roomsSummary(aggregateRooms(peers))
	} else {
		var members []string
		for _, p := range peers {
			if p.RoomName == room {
				members = append(members, p.Nickname+"#"+discovery.ShortID(p.Addr))
			}
		}
		if len(members) == 0 {
			line = "nobody else is here yet"
		} else {
			line = fmt.Sprintf("here now: %s", strings.Join(members, ", "))
		}
	}

	c.mu.Lock()
	changed := line != c.lastPeerLine
	c.lastPeerLine = line
	c.mu.Unlock()

	if changed {
		c.out.system("%s", line)
	}
}

func (c *client) onHistory(batch []*protocol.Packet) {
	c.out.system("catching up on %d earlier message(s)", len(batch))
	for _, pkt := range batch {
		c.renderPacket(pkt)
	}
}

// renderPacket turns one gossip packet into a terminal line, maintaining the
// offer table as a side effect so /accept and /cancel have something to
// match against.
func (c *client) renderPacket(pkt *protocol.Packet) {
	eng := c.engine()
	mine := eng != nil && pkt.SenderSession == eng.SessionID()

	sender := pkt.SenderNickname
	if pkt.SenderShortID != "" {
		sender += "#" + pkt.SenderShortID
	}
	ts := packetTime(pkt.Timestamp)

	switch pkt.Type {
	case protocol.TypeFileReq:
		if !mine {
			c.mu.Lock()
			c.offers[pkt.ReqID] = offerInfo{
				name:          pkt.FileName,
				size:          pkt.FileSize,
				isZip:         pkt.IsZip,
				senderNick:    pkt.SenderNickname,
				senderShort:   pkt.SenderShortID,
				senderSession: pkt.SenderSession,
			}
			c.mu.Unlock()
		}
		c.out.offer(ts, sender, pkt.FileName, pkt.FileSize, pkt.ReqID, mine)

	case protocol.TypeFileCancel:
		c.mu.Lock()
		name := c.offers[pkt.ReqID].name
		delete(c.offers, pkt.ReqID)
		delete(c.pending, pkt.ReqID)
		c.mu.Unlock()
		if name == "" {
			name = "a file"
		}
		c.out.withdrawn(ts, sender, name)

	case protocol.TypeFileDownloaded:
		downloader := pkt.DownloaderNickname
		if pkt.DownloaderShortID != "" {
			downloader += "#" + pkt.DownloaderShortID
		}
		c.out.downloaded(ts, c.offerName(pkt.ReqID), downloader)

	default:
		c.out.message(ts, sender, pkt.Content, mine)
	}
}

func (c *client) offerName(reqID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if o, ok := c.offers[reqID]; ok {
		return o.name
	}
	if name, ok := c.shares[reqID]; ok {
		return name
	}
	return "file"
}

// completeTransfer lands a finished download: the engine leaves a validated
// .part file (or extracted directory) in the temp dir, and the client moves
// it under the offered name in the directory the user chose on /accept.
func (c *client) completeTransfer(reqID, finalPath string) {
	c.mu.Lock()
	dl, ok := c.pending[reqID]
	delete(c.pending, reqID)
	c.mu.Unlock()

	if !ok {
		c.out.system("download complete: %s", finalPath)
		return
	}

	name := dl.name
	if fi, err := os.Stat(finalPath); err == nil && fi.IsDir() {
		// Extracted archives land as a directory; "Archive.zip" would be
		// a strange directory name.
		name = strings.TrimSuffix(name, ".zip")
	}

	dest := uniquePath(filepath.Join(dl.dir, name))
	if err := os.Rename(finalPath, dest); err != nil {
		c.out.warn("downloaded %q but could not move it: %v (left at %s)",
			dl.name, err, finalPath)
		return
	}
	// The temp dir only disappears when this was its last download.
	os.Remove(filepath.Dir(finalPath))

	c.out.system("download complete: %s", dest)
}

// ---------- REPL ----------

func (c *client) repl(in io.Reader) error {
	c.out.system("type messages to chat, /help for commands")

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			c.say(line)
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			c.out.help()
		case "/peers":
			c.showPeers()
		case "/rooms":
			c.showRooms()
		case "/join":
			c.cmdJoin(args, false)
		case "/create":
			c.cmdJoin(args, true)
		case "/leave":
			if err := c.joinRoom(engine.LobbyRoom, ""); err != nil {
				c.out.warn("leave failed: %v", err)
			}
		case "/msg":
			c.cmdMsg(args)
		case "/share":
			c.cmdShare(args)
		case "/limit":
			c.cmdLimit(args)
		case "/accept":
			c.cmdAccept(args)
		case "/reject":
			c.cmdReject(args)
		case "/cancel":
			c.cmdCancel(args)
		case "/nick":
			c.cmdNick(args)
		case "/history":
			c.showHistory()
		default:
			c.out.warn("unknown command %s (try /help)", cmd)
		}
	}
	return sc.Err()
}

// say broadcasts a chat line. The echo is immediate and delivery runs in the
// background: dial timeouts to a half-gone peer must not freeze the prompt.
func (c *client) say(text string) {
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	if eng.RoomName() == engine.LobbyRoom {
		c.out.warn("the lobby has no chat; /join a room first")
		return
	}

	c.out.message(time.Now(), eng.Nickname(), text, true)
	go func() {
		if !eng.BroadcastChat(text) {
			c.out.warn("send failed: no available peers in the current room")
		}
	}()
}

func (c *client) cmdJoin(args []string, create bool) {
	if len(args) == 0 {
		c.out.warn("usage: /join <room> [password]")
		return
	}
	room := args[0]
	password := ""
	if len(args) > 1 {
		password = strings.Join(args[1:], " ")
	}

	var err error
	if create {
		err = c.createRoom(room, password)
	} else {
		err = c.joinRoom(room, password)
	}
	if err == nil {
		return
	}
	c.out.warn("room change failed: %v", err)

	// The old engine is already gone at this point; fall back to the
	// lobby rather than sit disconnected.
	if c.engine() == nil {
		if err := c.joinRoom(engine.LobbyRoom, ""); err != nil {
			c.out.warn("lobby fallback failed too: %v", err)
		}
	}
}

func (c *client) cmdMsg(args []string) {
	if len(args) < 2 {
		c.out.warn("usage: /msg <peer> <text>")
		return
	}
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	if eng.RoomName() == engine.LobbyRoom {
		c.out.warn("the lobby has no chat; /join a room first")
		return
	}

	peer, ok := c.resolvePeer(args[0])
	if !ok {
		c.out.warn("no unique peer matches %q (see /peers)", args[0])
		return
	}
	text := strings.Join(args[1:], " ")

	c.out.message(time.Now(), eng.Nickname()+" -> "+peer.Nickname, text, true)
	go func() {
		if !eng.SendChat(peer.SessionID, text) {
			c.out.warn("send to %s failed", peer.Nickname)
		}
	}()
}

func (c *client) cmdShare(args []string) {
	if len(args) == 0 {
		c.out.warn("usage: /share <path> [path...]")
		return
	}
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	if eng.RoomName() == engine.LobbyRoom {
		c.out.warn("file sharing needs a room; /join one first")
		return
	}

	for _, path := range args {
		if _, err := os.Stat(path); err != nil {
			c.out.warn("cannot share %s: %v", path, err)
			return
		}
	}

	c.mu.RLock()
	limit := c.limit
	c.mu.RUnlock()

	// Staging and hashing a big directory takes a while; keep the prompt
	// alive meanwhile.
	go func() {
		res, err := eng.ShareFiles(args, limit)
		if err != nil {
			c.out.warn("share failed: %v", err)
			return
		}

		c.mu.Lock()
		c.shares[res.ReqID] = res.Name
		c.mu.Unlock()

		c.out.system("sharing %q (%s) as %s, offered to %d peer(s); /cancel %s withdraws",
			res.Name, humanSize(res.Size), shortReq(res.ReqID), res.Delivered, shortReq(res.ReqID))
	}()
}

func (c *client) cmdLimit(args []string) {
	if len(args) != 1 {
		c.out.warn("usage: /limit <bytes-per-second>  (0 removes the cap)")
		return
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n < 0 {
		c.out.warn("not a byte rate: %q", args[0])
		return
	}

	c.mu.Lock()
	c.limit = n
	c.mu.Unlock()

	if n == 0 {
		c.out.system("upload throttle removed for new shares")
		return
	}
	c.out.system("new shares will stream at most %s/s per receiver", humanSize(n))
}

func (c *client) cmdAccept(args []string) {
	if len(args) == 0 {
		c.out.warn("usage: /accept <req> [dir]")
		return
	}
	eng, ok := c.requireEngine()
	if !ok {
		return
	}

	reqID, offer, ok := c.matchOffer(args[0])
	if !ok {
		c.out.warn("no unique offer matches %q", args[0])
		return
	}

	dir := defaultDownloadDir()
	if len(args) > 1 {
		dir = args[1]
	}
	tempDir := filepath.Join(dir, tempDirName)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		c.out.warn("cannot create %s: %v", tempDir, err)
		return
	}
	savePath := filepath.Join(tempDir, "temp_"+reqID+".part")

	c.mu.Lock()
	c.pending[reqID] = pendingDownload{name: offer.name, dir: dir}
	c.mu.Unlock()

	go func() {
		if !eng.AcceptTransfer(reqID, savePath) {
			c.mu.Lock()
			delete(c.pending, reqID)
			c.mu.Unlock()
			c.out.warn("accept failed: %q is gone or its sender left", offer.name)
			return
		}

		// One download per offer; accepting again would clobber the
		// stream in flight.
		c.mu.Lock()
		delete(c.offers, reqID)
		c.mu.Unlock()

		c.out.system("downloading %q (%s) from %s#%s into %s",
			offer.name, humanSize(offer.size), offer.senderNick, offer.senderShort, dir)
	}()
}

func (c *client) cmdReject(args []string) {
	if len(args) != 1 {
		c.out.warn("usage: /reject <req>")
		return
	}
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	reqID, offer, ok := c.matchOffer(args[0])
	if !ok {
		c.out.warn("no unique offer matches %q", args[0])
		return
	}

	eng.RejectTransfer(reqID)
	c.mu.Lock()
	delete(c.offers, reqID)
	c.mu.Unlock()
	c.out.system("rejected %q", offer.name)
}

func (c *client) cmdCancel(args []string) {
	if len(args) != 1 {
		c.out.warn("usage: /cancel <req>")
		return
	}
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	reqID, name, ok := c.matchShare(args[0])
	if !ok {
		c.out.warn("no share of yours matches %q", args[0])
		return
	}

	c.mu.Lock()
	delete(c.shares, reqID)
	c.mu.Unlock()

	go func() {
		eng.CancelShare(reqID)
		c.out.system("withdrew %q", name)
	}()
}

// cmdNick renames the session live and persists the name for the next run.
func (c *client) cmdNick(args []string) {
	if len(args) == 0 {
		c.out.warn("usage: /nick <name>")
		return
	}
	nick := strings.Join(args, " ")

	if eng := c.engine(); eng != nil {
		eng.SetNickname(nick)
	}

	c.mu.Lock()
	c.cfg.Nickname = nick
	cfg, path := c.cfg, c.cfgPath
	c.mu.Unlock()

	if err := cfg.Save(path); err != nil {
		c.out.warn("nickname set, but saving settings failed: %v", err)
		return
	}
	c.out.system("you are now %q", nick)
}

func (c *client) showPeers() {
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	peers := eng.Peers()
	if len(peers) == 0 {
		c.out.system("no peers on the LAN right now")
		return
	}

	lines := make([]peerLine, 0, len(peers))
	for _, p := range peers {
		lines = append(lines, peerLine{
			Name:    p.Nickname + "#" + discovery.ShortID(p.Addr),
			Session: p.SessionID,
			Room:    p.RoomName,
			Private: p.IsPrivate,
		})
	}
	c.out.peerTable(lines)
}

func (c *client) showRooms() {
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	rooms := aggregateRooms(eng.Peers())
	if len(rooms) == 0 {
		c.out.system("no rooms on the LAN; /create <name> [password] starts one")
		return
	}
	c.out.roomTable(rooms)
}

func (c *client) showHistory() {
	eng, ok := c.requireEngine()
	if !ok {
		return
	}
	msgs := eng.History()
	if len(msgs) == 0 {
		c.out.system("nothing in this room's history yet")
		return
	}
	for _, pkt := range msgs {
		c.renderPacket(pkt)
	}
}

// ---------- matching helpers ----------

// matchOffer resolves a user-typed request id, accepting any unique prefix
// so nobody has to paste a whole UUID.
func (c *client) matchOffer(token string) (string, offerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if o, ok := c.offers[token]; ok {
		return token, o, true
	}

	var matchID string
	var matched offerInfo
	n := 0
	for id, o := range c.offers {
		if strings.HasPrefix(id, token) {
			matchID, matched = id, o
			n++
		}
	}
	if n != 1 {
		return "", offerInfo{}, false
	}
	return matchID, matched, true
}

func (c *client) matchShare(token string) (string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if name, ok := c.shares[token]; ok {
		return token, name, true
	}

	var matchID, matchName string
	n := 0
	for id, name := range c.shares {
		if strings.HasPrefix(id, token) {
			matchID, matchName = id, name
			n++
		}
	}
	if n != 1 {
		return "", "", false
	}
	return matchID, matchName, true
}

// resolvePeer finds an active peer by session id, session prefix, or
// nickname, in that order of strictness.
func (c *client) resolvePeer(token string) (discovery.Peer, bool) {
	eng := c.engine()
	if eng == nil {
		return discovery.Peer{}, false
	}
	peers := eng.Peers()

	for _, p := range peers {
		if p.SessionID == token {
			return p, true
		}
	}

	var match discovery.Peer
	n := 0
	for _, p := range peers {
		if strings.HasPrefix(p.SessionID, token) {
			match = p
			n++
		}
	}
	if n == 1 {
		return match, true
	}

	n = 0
	for _, p := range peers {
		if p.Nickname == token {
			match = p
			n++
		}
	}
	return match, n == 1
}

// ---------- pure helpers ----------

// dedupeRoomName appends " 2", " 3", ... until the name is free, so creating
// "standup" twice yields "standup" and "standup 2".
func dedupeRoomName(base string, taken map[string]bool) string {
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s %d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

type roomInfo struct {
	Private bool
	Count   int
}

// aggregateRooms folds the peer table into the lobby's room directory. The
// lobby itself is not a room and peers idling there are not listed.
func aggregateRooms(peers []discovery.Peer) map[string]roomInfo {
	rooms := make(map[string]roomInfo)
	for _, p := range peers {
		if p.RoomName == "" || p.RoomName == engine.LobbyRoom {
			continue
		}
		info, seen := rooms[p.RoomName]
		if !seen {
			info.Private = p.IsPrivate
		}
		info.Count++
		rooms[p.RoomName] = info
	}
	return rooms
}

// uniquePath dodges collisions the way desktop file managers do: "name.txt"
// becomes "name (2).txt", then "name (3).txt".
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

// packetTime converts a wire timestamp (fractional Unix seconds) back to a
// local time for display; zero means "now" (locally produced lines).
func packetTime(ts float64) time.Time {
	if ts <= 0 {
		return time.Now()
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

func shortReq(reqID string) string {
	if len(reqID) <= 8 {
		return reqID
	}
	return reqID[:8]
}
