package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/deckguard/internal/deckguard"
	"github.com/agentworkforce/deckguard/internal/httpapi"
	"github.com/agentworkforce/deckguard/internal/logging"
)

const minLockStaleAfter = 30 * time.Second

type config struct {
	Addr            string
	Roots           []string
	Extensions      []string
	LockTimeout     time.Duration
	LockStaleAfter  time.Duration
	ApprovalSecret  string
	LedgerDSN       string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	LogLevel        string
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("deckguard.failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	locks := deckguard.NewLockRegistry(deckguard.LockOptions{
		Logger:     logger,
		StaleAfter: cfg.LockStaleAfter,
	})
	ledger, err := deckguard.BuildLedgerFromDSN(cfg.LedgerDSN, locks)
	if err != nil {
		return fmt.Errorf("initialize consumption ledger: %w", err)
	}
	defer ledger.Close()

	approvals, err := deckguard.NewApprovalTokenService([]byte(cfg.ApprovalSecret), ledger, deckguard.WithApprovalLogger(logger))
	if err != nil {
		return fmt.Errorf("initialize approvals: %w", err)
	}
	events := deckguard.NewEventHub()

	server := httpapi.NewServerWithConfig(httpapi.Backend{
		Approvals: approvals,
		Locks:     locks,
		Events:    events,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		Roots:           cfg.Roots,
		Extensions:      cfg.Extensions,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		LockTimeout:     cfg.LockTimeout,
		Logger:          logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("deckguard.listening",
		"addr", cfg.Addr,
		"roots", cfg.Roots,
		"ledger", ledgerScheme(cfg.LedgerDSN),
		"approval_secret", logging.Redact(cfg.ApprovalSecret),
		"lock_timeout", cfg.LockTimeout.String(),
		"lock_stale_after", cfg.LockStaleAfter.String(),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("deckguard.shutting_down")
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig() (config, error) {
	cfg := config{
		Addr:            os.Getenv("DECKGUARD_ADDR"),
		Roots:           listEnv("DECKGUARD_ROOTS"),
		Extensions:      listEnv("DECKGUARD_EXTENSIONS"),
		LockTimeout:     durationEnv("DECKGUARD_LOCK_TIMEOUT", deckguard.DefaultLockTimeout),
		LockStaleAfter:  durationEnv("DECKGUARD_LOCK_STALE_AFTER", 0),
		ApprovalSecret:  os.Getenv("DECKGUARD_APPROVAL_SECRET"),
		LedgerDSN:       strings.TrimSpace(os.Getenv("DECKGUARD_LEDGER_DSN")),
		JWTSecret:       os.Getenv("DECKGUARD_JWT_SECRET"),
		RateLimitMax:    intEnv("DECKGUARD_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("DECKGUARD_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("DECKGUARD_MAX_BODY_BYTES", 0),
		LogLevel:        os.Getenv("DECKGUARD_LOG_LEVEL"),
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".pptx"}
	}
	if cfg.LedgerDSN == "" {
		cfg.LedgerDSN = "memory://"
	}
	if len(cfg.Roots) == 0 {
		return cfg, errors.New("DECKGUARD_ROOTS is required")
	}
	if len(cfg.ApprovalSecret) < deckguard.MinSecretLen {
		return cfg, fmt.Errorf("DECKGUARD_APPROVAL_SECRET must be at least %d bytes", deckguard.MinSecretLen)
	}
	cfg.LockStaleAfter = staleAfter(cfg.LockTimeout, cfg.LockStaleAfter)
	return cfg, nil
}

// staleAfter is the marker age past which a lock is treated as abandoned
// when no explicit bound is configured.
func staleAfter(lockTimeout, configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	bound := 10 * lockTimeout
	if bound < minLockStaleAfter {
		bound = minLockStaleAfter
	}
	return bound
}

func ledgerScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "file"
}

func listEnv(name string) []string {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, string(os.PathListSeparator)) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
