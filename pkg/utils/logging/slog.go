// Package logging provides a human-oriented slog handler for terminal
// output: colored level tags, a compact timestamp, and key=value fields on
// one line.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

type PrettyHandlerOptions struct {
	SlogOpts slog.HandlerOptions

	// UseColor toggles ANSI colors. Off when writing to a file.
	UseColor bool

	// TimeFormat for the leading timestamp; empty means time.Kitchen.
	TimeFormat string

	// DisableTimestamp drops the timestamp column entirely, for wrappers
	// that stamp their own.
	DisableTimestamp bool
}

func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
		UseColor:   true,
		TimeFormat: "15:04:05.000",
	}
}

// PrettyHandler renders records as
//
//	15:04:05.000 INFO  listener bound port=50001 source=transport
//
// It is safe for concurrent use; handlers split off via WithAttrs/WithGroup
// share the writer and its mutex so lines never interleave.
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex

	// prefix is the dotted group path applied to record attrs; attrs are
	// the pre-bound fields from WithAttrs, already rendered.
	prefix string
	attrs  string

	colorTime  func(...any) string
	colorMsg   func(...any) string
	colorField func(...any) string
	colorLevel map[slog.Level]func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.Kitchen
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()
	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = plain
		h.colorMsg = plain
		h.colorField = plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMsg = color.New(color.FgWhite).SprintFunc()
	h.colorField = color.New(color.FgHiBlack).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	if !h.opts.DisableTimestamp {
		buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteByte(' ')
	}
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(h.colorMsg(r.Message))

	if h.attrs != "" {
		buf.WriteByte(' ')
		buf.WriteString(h.colorField(h.attrs))
	}
	r.Attrs(func(attr slog.Attr) bool {
		rendered := renderAttr(h.prefix, attr)
		if rendered != "" {
			buf.WriteByte(' ')
			buf.WriteString(h.colorField(rendered))
		}
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	rendered := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		if s := renderAttr(h.prefix, attr); s != "" {
			rendered = append(rendered, s)
		}
	}

	clone := *h
	if clone.attrs == "" {
		clone.attrs = strings.Join(rendered, " ")
	} else {
		clone.attrs += " " + strings.Join(rendered, " ")
	}
	return &clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	if clone.prefix == "" {
		clone.prefix = name
	} else {
		clone.prefix += "." + name
	}
	return &clone
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	tag := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if colorFunc, ok := h.colorLevel[level]; ok {
		return colorFunc(tag)
	}
	return tag
}

// renderAttr flattens one attribute (and any nested group) to
// "prefix.key=value" pairs. Values with spaces are quoted so lines stay
// machine-greppable.
func renderAttr(prefix string, attr slog.Attr) string {
	value := attr.Value.Resolve()

	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	if value.Kind() == slog.KindGroup {
		members := value.Group()
		parts := make([]string, 0, len(members))
		for _, member := range members {
			if s := renderAttr(key, member); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	if key == "" {
		return ""
	}

	var rendered string
	switch value.Kind() {
	case slog.KindTime:
		rendered = value.Time().Format(time.RFC3339)
	case slog.KindDuration:
		rendered = value.Duration().String()
	default:
		rendered = value.String()
	}

	if strings.ContainsAny(rendered, " \t\"") {
		rendered = strconv.Quote(rendered)
	}
	return key + "=" + rendered
}
