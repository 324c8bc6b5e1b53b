package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// renderer serializes terminal output. Engine callbacks, REPL handlers, and
// background send goroutines all print through here, so every write takes
// the lock and emits exactly one line.
type renderer struct {
	mu sync.Mutex
	w  io.Writer

	dim    func(a ...interface{}) string
	self   func(a ...interface{}) string
	peer   func(a ...interface{}) string
	accent func(a ...interface{}) string
	alert  func(a ...interface{}) string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{
		w:      w,
		dim:    color.New(color.Faint).SprintFunc(),
		self:   color.New(color.FgGreen).SprintFunc(),
		peer:   color.New(color.FgCyan).SprintFunc(),
		accent: color.New(color.FgYellow).SprintFunc(),
		alert:  color.New(color.FgRed).SprintFunc(),
	}
}

func (r *renderer) line(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, s)
}

func (r *renderer) system(format string, args ...interface{}) {
	r.line(r.dim("-- " + fmt.Sprintf(format, args...)))
}

func (r *renderer) warn(format string, args ...interface{}) {
	r.line(r.alert("!! " + fmt.Sprintf(format, args...)))
}

func (r *renderer) message(ts time.Time, sender, content string, mine bool) {
	name := r.peer(sender)
	if mine {
		name = r.self(sender)
	}
	r.line(fmt.Sprintf("%s %s: %s", r.dim(ts.Format("15:04")), name, content))
}

func (r *renderer) offer(ts time.Time, sender, name string, size int64, reqID string, mine bool) {
	who := r.peer(sender)
	if mine {
		who = r.self(sender)
	}
	line := fmt.Sprintf("%s * %s offers %q (%s)",
		r.dim(ts.Format("15:04")), who, name, humanSize(size))
	if !mine {
		line += r.dim(fmt.Sprintf("  /accept %s", shortReq(reqID)))
	}
	r.line(line)
}

func (r *renderer) withdrawn(ts time.Time, sender, name string) {
	r.line(fmt.Sprintf("%s * %s withdrew %q",
		r.dim(ts.Format("15:04")), r.peer(sender), name))
}

func (r *renderer) downloaded(ts time.Time, name, downloader string) {
	r.line(fmt.Sprintf("%s * %s got %q",
		r.dim(ts.Format("15:04")), r.peer(downloader), name))
}

type peerLine struct {
	Name    string
	Session string
	Room    string
	Private bool
}

func (r *renderer) peerTable(peers []peerLine) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	var b strings.Builder
	fmt.Fprintf(&b, "%d peer(s) on the LAN:", len(peers))
	for _, p := range peers {
		room := p.Room
		if p.Private {
			room += " (locked)"
		}
		fmt.Fprintf(&b, "\n  %-24s %s  %s",
			r.peer(p.Name), r.dim(p.Session[:8]), r.accent(room))
	}
	r.line(b.String())
}

func (r *renderer) roomTable(rooms map[string]roomInfo) {
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d room(s) on the LAN:", len(names))
	for _, name := range names {
		info := rooms[name]
		mode := "open"
		if info.Private {
			mode = "locked"
		}
		fmt.Fprintf(&b, "\n  %-24s %s, %d member(s)", r.accent(name), mode, info.Count)
	}
	r.line(b.String())
}

// roomsSummary is the one-line lobby variant of roomTable, printed whenever
// the LAN's room directory changes.
func roomsSummary(rooms map[string]roomInfo) string {
	if len(rooms) == 0 {
		return "no rooms yet; /create <name> [password] starts one"
	}

	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		info := rooms[name]
		mode := "open"
		if info.Private {
			mode = "locked"
		}
		parts = append(parts, fmt.Sprintf("%s (%s, %d)", name, mode, info.Count))
	}
	return "rooms: " + strings.Join(parts, ", ")
}

func (r *renderer) help() {
	r.line(r.dim(strings.TrimSpace(`
commands:
  <text>                 send a chat message to the room
  /msg <peer> <text>     send a private message (resolves nick or session id)
  /peers                 list everyone announcing on the LAN
  /rooms                 list active rooms
  /join <room> [pass]    enter a room (password makes it end-to-end encrypted)
  /create <room> [pass]  start a room, renaming it if the name is taken
  /leave                 return to the lobby
  /share <path>...       offer files or directories to the room
  /limit <bytes/sec>     throttle future shares (0 removes the cap)
  /accept <req> [dir]    download an offer (default dir: ~/Downloads)
  /reject <req>          decline an offer
  /cancel <req>          withdraw one of your shares
  /nick <name>           rename yourself, persisted across runs
  /history               replay this room's message history
  /quit                  exit
`)))
}

// humanSize renders byte counts the way the transfer pane does: binary
// units, one decimal once past kibibytes.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
