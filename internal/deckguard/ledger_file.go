package deckguard

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileLedgerLockTimeout = 5 * time.Second

type fileLedgerState struct {
	Consumed map[string]time.Time `json:"consumed"`
}

// FileLedger keeps consumed token IDs in a JSON file. Every Consume runs
// read-check-write under the path's file lock, so separate processes
// sharing the file see each other's consumptions.
type FileLedger struct {
	path  string
	locks *LockRegistry
	mu    sync.Mutex
	now   func() time.Time
}

func NewFileLedger(path string, locks *LockRegistry) (*FileLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if locks == nil {
		locks = NewLockRegistry(LockOptions{})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileLedger{path: path, locks: locks, now: time.Now}, nil
}

func (l *FileLedger) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.locks.Acquire(ctx, l.path, fileLedgerLockTimeout)
	if err != nil {
		return false, err
	}
	defer func() { _ = l.locks.Release(rec) }()

	state, err := l.load()
	if err != nil {
		return false, err
	}
	now := l.now()
	for key, exp := range state.Consumed {
		if !now.Before(exp) {
			delete(state.Consumed, key)
		}
	}
	if _, seen := state.Consumed[id]; seen {
		return false, nil
	}
	state.Consumed[id] = expiresAt.UTC()
	if err := l.save(state); err != nil {
		return false, err
	}
	return true, nil
}

func (l *FileLedger) load() (*fileLedgerState, error) {
	state := &fileLedgerState{Consumed: map[string]time.Time{}}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Consumed == nil {
		state.Consumed = map[string]time.Time{}
	}
	return state, nil
}

func (l *FileLedger) save(state *fileLedgerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(l.path, data, 0o600)
}

func (l *FileLedger) Close() error {
	return nil
}
