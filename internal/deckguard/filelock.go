package deckguard

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/agentworkforce/deckguard/internal/logging"
	"github.com/google/uuid"
)

const (
	DefaultLockTimeout   = 10 * time.Second
	defaultLockRetryBase = 10 * time.Millisecond
	defaultLockRetryMax  = 250 * time.Millisecond
	minLockStaleAfter    = 30 * time.Second

	LockReasonContention = "contention"
	LockReasonCanceled   = "canceled"
	LockReasonIO         = "io"
)

// LockRecord is the content of a marker file and the handle returned to
// the holder.
type LockRecord struct {
	Path       string        `json:"path"`
	MarkerPath string        `json:"marker_path"`
	HolderID   string        `json:"holder_id"`
	PID        int           `json:"pid"`
	Hostname   string        `json:"hostname"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Timeout    time.Duration `json:"timeout"`
}

// LockStatus describes the marker of a path as seen by Inspect.
type LockStatus struct {
	Path        string        `json:"path"`
	MarkerPath  string        `json:"markerPath"`
	Held        bool          `json:"held"`
	Holder      *LockRecord   `json:"holder,omitempty"`
	Age         time.Duration `json:"age"`
	Stale       bool          `json:"stale"`
	StaleReason string        `json:"staleReason,omitempty"`
}

type LockOptions struct {
	FS     LockFS
	Logger *slog.Logger
	// StaleAfter bounds marker age. Zero means max(10 x timeout, 30s).
	StaleAfter time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	Now        func() time.Time
}

// LockRegistry hands out exclusive, marker-file based locks keyed by path.
// Exclusion is between processes; the registry itself holds no lock table.
type LockRegistry struct {
	fs         LockFS
	logger     *slog.Logger
	staleAfter time.Duration
	retryBase  time.Duration
	retryMax   time.Duration
	now        func() time.Time
	hostname   string
	pid        int
	alive      func(pid int) bool
}

func NewLockRegistry(opts LockOptions) *LockRegistry {
	r := &LockRegistry{
		fs:         opts.FS,
		logger:     opts.Logger,
		staleAfter: opts.StaleAfter,
		retryBase:  opts.RetryBase,
		retryMax:   opts.RetryMax,
		now:        opts.Now,
		pid:        os.Getpid(),
		alive:      processAlive,
	}
	if r.fs == nil {
		r.fs = OSLockFS{}
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	if r.retryBase <= 0 {
		r.retryBase = defaultLockRetryBase
	}
	if r.retryMax <= 0 {
		r.retryMax = defaultLockRetryMax
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.hostname, _ = os.Hostname()
	return r
}

func markerPath(path string) string {
	return path + ".lock"
}

// Acquire creates the marker for path, retrying with backoff until timeout
// elapses. A non-positive timeout makes a single attempt.
func (r *LockRegistry) Acquire(ctx context.Context, path string, timeout time.Duration) (*LockRecord, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	marker := markerPath(path)
	rec := &LockRecord{
		Path:       path,
		MarkerPath: marker,
		HolderID:   uuid.NewString(),
		PID:        r.pid,
		Hostname:   r.hostname,
		Timeout:    timeout,
	}
	start := time.Now()
	deadline := start.Add(timeout)
	var (
		attempts  int
		wake      <-chan struct{}
		stopWatch func()
		watched   bool
		holder    string
	)
	defer func() {
		if stopWatch != nil {
			stopWatch()
		}
	}()
	for {
		attempts++
		rec.AcquiredAt = r.now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		err = r.fs.CreateExclusive(marker, data)
		if err == nil {
			r.logger.Debug("filelock.acquired", "path", path, "holder", rec.HolderID, "attempts", attempts)
			return rec, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, &FileLockError{Path: path, Reason: LockReasonIO, Attempts: attempts, Waited: time.Since(start), Err: err}
		}
		cleared, current := r.clearIfStale(marker, timeout)
		if cleared {
			continue
		}
		if current != nil {
			holder = current.HolderID
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &FileLockError{Path: path, Reason: LockReasonContention, Holder: holder, Attempts: attempts, Waited: time.Since(start)}
		}
		if !watched {
			watched = true
			if ch, stop, werr := r.fs.Watch(marker); werr == nil {
				wake, stopWatch = ch, stop
			} else {
				r.logger.Debug("filelock.watch_unavailable", "path", path, "error", werr)
			}
		}
		delay := r.retryDelay(attempts)
		if delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &FileLockError{Path: path, Reason: LockReasonCanceled, Holder: holder, Attempts: attempts, Waited: time.Since(start), Err: ctx.Err()}
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Release removes the marker if it still belongs to rec. Calling it again,
// or after the marker was cleared by someone else, is a no-op.
func (r *LockRegistry) Release(rec *LockRecord) error {
	if rec == nil {
		return nil
	}
	data, err := r.fs.ReadFile(rec.MarkerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var current LockRecord
	if json.Unmarshal(data, &current) == nil && current.HolderID != rec.HolderID {
		r.logger.Warn("filelock.release_foreign", "path", rec.Path, "holder", rec.HolderID, "current", current.HolderID)
		return nil
	}
	if err := r.fs.Remove(rec.MarkerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	r.logger.Debug("filelock.released", "path", rec.Path, "holder", rec.HolderID)
	return nil
}

// Inspect reports the current marker state without changing it.
func (r *LockRegistry) Inspect(path string) (LockStatus, error) {
	marker := markerPath(path)
	status := LockStatus{Path: path, MarkerPath: marker}
	data, err := r.fs.ReadFile(marker)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return status, nil
		}
		return status, err
	}
	status.Held = true
	verdict := r.evaluate(marker, data, 0)
	status.Holder = verdict.holder
	status.Age = verdict.age
	status.Stale = verdict.reason != ""
	status.StaleReason = verdict.reason
	return status, nil
}

type staleVerdict struct {
	holder *LockRecord
	age    time.Duration
	reason string
}

func (r *LockRegistry) staleBound(timeout time.Duration) time.Duration {
	if r.staleAfter > 0 {
		return r.staleAfter
	}
	bound := 10 * timeout
	if bound < minLockStaleAfter {
		bound = minLockStaleAfter
	}
	return bound
}

func (r *LockRegistry) evaluate(marker string, data []byte, timeout time.Duration) staleVerdict {
	bound := r.staleBound(timeout)
	now := r.now()
	var holder LockRecord
	if err := json.Unmarshal(data, &holder); err != nil || holder.HolderID == "" {
		var v staleVerdict
		if mod, err := r.fs.ModTime(marker); err == nil {
			v.age = now.Sub(mod)
			if v.age > bound {
				v.reason = "unparseable"
			}
		}
		return v
	}
	if timeout <= 0 && holder.Timeout > 0 && r.staleAfter <= 0 {
		bound = r.staleBound(holder.Timeout)
	}
	v := staleVerdict{holder: &holder, age: now.Sub(holder.AcquiredAt)}
	switch {
	case holder.Hostname != "" && holder.Hostname == r.hostname && holder.PID != r.pid && !r.alive(holder.PID):
		v.reason = "holder_exited"
	case v.age > bound:
		v.reason = "expired"
	}
	return v
}

// clearIfStale force-removes a stale marker. It reports whether the marker
// is gone and, when it is not, the record currently holding it.
func (r *LockRegistry) clearIfStale(marker string, timeout time.Duration) (bool, *LockRecord) {
	data, err := r.fs.ReadFile(marker)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist), nil
	}
	verdict := r.evaluate(marker, data, timeout)
	if verdict.reason == "" {
		return false, verdict.holder
	}
	// Only remove the marker we judged; a fresh one may have replaced it.
	again, err := r.fs.ReadFile(marker)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist), nil
	}
	if string(again) != string(data) {
		return false, nil
	}
	if err := r.fs.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("filelock.stale_clear_failed", "marker", marker, "error", err)
		return false, verdict.holder
	}
	holderID := ""
	if verdict.holder != nil {
		holderID = verdict.holder.HolderID
	}
	r.logger.Warn("filelock.stale_cleared", "marker", marker, "reason", verdict.reason, "holder", holderID, "age", verdict.age)
	return true, nil
}

func (r *LockRegistry) retryDelay(attempt int) time.Duration {
	delay := r.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.retryMax {
			return r.retryMax
		}
	}
	if delay > r.retryMax {
		return r.retryMax
	}
	return delay
}
