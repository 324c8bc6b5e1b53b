package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.DisableTimestamp = true
	opts.SlogOpts.Level = level

	return slog.New(NewPrettyHandler(&buf, &opts)), &buf
}

func TestHandle_RendersFieldsAsKeyValue(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)

	logger.Info("listener bound", "port", 50001, "room", "dev team")

	got := strings.TrimRight(buf.String(), "\n")
	want := `INFO  listener bound port=50001 room="dev team"`
	if got != want {
		t.Fatalf("line = %q, want %q", got, want)
	}
}

func TestHandle_LevelFilter(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)

	logger.Debug("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked below level: %q", out)
	}
	if !strings.Contains(out, "WARN  visible") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestWithAttrs_PrependsBoundFields(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)

	logger.With("source", "engine").Info("ready", "session", "cafe0001")

	got := strings.TrimRight(buf.String(), "\n")
	want := "INFO  ready source=engine session=cafe0001"
	if got != want {
		t.Fatalf("line = %q, want %q", got, want)
	}
}

func TestWithGroup_PrefixesKeys(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)

	logger.WithGroup("peer").Info("discovered", "session", "cafe0001")

	if !strings.Contains(buf.String(), "peer.session=cafe0001") {
		t.Fatalf("group prefix missing: %q", buf.String())
	}
}

func TestHandle_GroupValuedAttr(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)

	logger.Info("offer", slog.Group("file", "name", "a.txt", "size", 42))

	out := buf.String()
	if !strings.Contains(out, "file.name=a.txt") || !strings.Contains(out, "file.size=42") {
		t.Fatalf("nested group rendering wrong: %q", out)
	}
}
