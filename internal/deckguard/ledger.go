package deckguard

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ConsumptionLedger records consumed token IDs. Consume must be atomic: of
// any number of concurrent calls with the same id, exactly one reports
// true.
type ConsumptionLedger interface {
	Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	Close() error
}

type LedgerFactory func(dsn string, locks *LockRegistry) (ConsumptionLedger, error)

var ledgerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LedgerFactory
}{
	factories: map[string]LedgerFactory{},
}

func RegisterLedgerFactory(scheme string, factory LedgerFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	ledgerFactoryRegistry.mu.Lock()
	defer ledgerFactoryRegistry.mu.Unlock()
	ledgerFactoryRegistry.factories[scheme] = factory
}

func lookupLedgerFactory(scheme string) (LedgerFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	ledgerFactoryRegistry.mu.RLock()
	defer ledgerFactoryRegistry.mu.RUnlock()
	factory, ok := ledgerFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildLedgerFromDSN selects a ledger backend by DSN scheme. An empty DSN
// means memory. The file backend serializes writers with locks.
func BuildLedgerFromDSN(dsn string, locks *LockRegistry) (ConsumptionLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLedger(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupLedgerFactory(scheme); ok {
		return factory(dsn, locks)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLedger(path, locks)
	case "memory", "mem", "inmem":
		return NewMemoryLedger(), nil
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// MemoryLedger is a process-local ledger. Entries are dropped once the
// token they record has expired, since expiry rejects the token anyway.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: map[string]time.Time{}, now: time.Now}
}

func (l *MemoryLedger) Consume(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupLocked(l.now())
	if _, seen := l.entries[id]; seen {
		return false, nil
	}
	l.entries[id] = expiresAt
	return true, nil
}

// Len returns the number of live entries.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLedger) cleanupLocked(now time.Time) {
	for id, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, id)
		}
	}
}

func (l *MemoryLedger) Close() error {
	return nil
}
