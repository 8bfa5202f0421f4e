package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestNewWritesJSONAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("session.saved", "path", "a.pptx")
	if buf.Len() != 0 {
		t.Fatalf("expected info record to be filtered, got %q", buf.String())
	}
	logger.Warn("filelock.stale_cleared", "marker", "a.pptx.lock")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON record: %v", err)
	}
	if rec["msg"] != "filelock.stale_cleared" || rec["marker"] != "a.pptx.lock" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("abcdefghijkl"); got != "abcd****" {
		t.Fatalf("expected abcd****, got %q", got)
	}
	if got := Redact("short"); got != "****" {
		t.Fatalf("expected ****, got %q", got)
	}
	if got := Redact("  "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
