package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/deckguard/internal/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("DECKGUARD_TEST_INT", "42")
	got := intEnv("DECKGUARD_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("DECKGUARD_TEST_INT_BAD", "not-a-number")
	got := intEnv("DECKGUARD_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("DECKGUARD_TEST_DURATION", "150ms")
	got := durationEnv("DECKGUARD_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("DECKGUARD_TEST_DURATION_BAD", "soon")
	got := durationEnv("DECKGUARD_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("DECKGUARD_TEST_INT_UNSET")
	_ = os.Unsetenv("DECKGUARD_TEST_DURATION_UNSET")

	if got := intEnv("DECKGUARD_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("DECKGUARD_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
	if got := int64Env("DECKGUARD_TEST_INT64_UNSET", 11); got != 11 {
		t.Fatalf("expected fallback 11, got %d", got)
	}
}

func TestListEnvSplitsAndTrims(t *testing.T) {
	t.Setenv("DECKGUARD_TEST_LIST", " /a , /b"+string(os.PathListSeparator)+"/c,,")
	got := listEnv("DECKGUARD_TEST_LIST")
	if strings.Join(got, "|") != "/a|/b|/c" {
		t.Fatalf("expected [/a /b /c], got %v", got)
	}
	if got := listEnv("DECKGUARD_TEST_LIST_UNSET"); got != nil {
		t.Fatalf("expected nil for unset list, got %v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DECKGUARD_ROOTS", "/srv/decks")
	t.Setenv("DECKGUARD_APPROVAL_SECRET", testSecret)
	t.Setenv("DECKGUARD_ADDR", "")
	t.Setenv("DECKGUARD_EXTENSIONS", "")
	t.Setenv("DECKGUARD_LEDGER_DSN", "")
	t.Setenv("DECKGUARD_LOCK_TIMEOUT", "")
	t.Setenv("DECKGUARD_LOCK_STALE_AFTER", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.LedgerDSN != "memory://" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Extensions) != 1 || cfg.Extensions[0] != ".pptx" {
		t.Fatalf("expected .pptx default extension, got %v", cfg.Extensions)
	}
	if cfg.LockStaleAfter != 100*time.Second {
		t.Fatalf("expected stale bound of 10 x 10s, got %s", cfg.LockStaleAfter)
	}
}

func TestLoadConfigRequiresRootsAndSecret(t *testing.T) {
	t.Setenv("DECKGUARD_ROOTS", "")
	t.Setenv("DECKGUARD_APPROVAL_SECRET", testSecret)
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "DECKGUARD_ROOTS") {
		t.Fatalf("expected roots error, got %v", err)
	}

	t.Setenv("DECKGUARD_ROOTS", "/srv/decks")
	t.Setenv("DECKGUARD_APPROVAL_SECRET", "short")
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "DECKGUARD_APPROVAL_SECRET") {
		t.Fatalf("expected secret error, got %v", err)
	}
}

func TestStaleAfter(t *testing.T) {
	if got := staleAfter(time.Second, 0); got != minLockStaleAfter {
		t.Fatalf("expected floor %s, got %s", minLockStaleAfter, got)
	}
	if got := staleAfter(time.Minute, 0); got != 10*time.Minute {
		t.Fatalf("expected 10m, got %s", got)
	}
	if got := staleAfter(time.Minute, 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected configured 5s, got %s", got)
	}
}

func TestLedgerScheme(t *testing.T) {
	cases := map[string]string{
		"memory://":                         "memory",
		"postgres://user:pass@db/deckguard": "postgres",
		"/var/lib/deckguard/ledger.json":    "file",
	}
	for dsn, want := range cases {
		if got := ledgerScheme(dsn); got != want {
			t.Fatalf("%s: expected %s, got %s", dsn, want, got)
		}
	}
}

func TestRunServesHealthAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := config{
		Addr:           addr,
		Roots:          []string{t.TempDir()},
		Extensions:     []string{".pptx"},
		LockStaleAfter: time.Minute,
		ApprovalSecret: testSecret,
		LedgerDSN:      "file://" + filepath.Join(t.TempDir(), "ledger.json"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, logging.Nop())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
