package deckguard

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/agentworkforce/deckguard/internal/deck"
	"github.com/agentworkforce/deckguard/internal/logging"
)

type SessionState int

const (
	StateCreated SessionState = iota
	StatePathValidated
	StateLocked
	StateOpened
	StateFingerprintedBefore
	StateMutating
	StateFingerprintedAfter
	StateSaved
	StateUnlocked
	StateClosed
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePathValidated:
		return "path_validated"
	case StateLocked:
		return "locked"
	case StateOpened:
		return "opened"
	case StateFingerprintedBefore:
		return "fingerprinted_before"
	case StateMutating:
		return "mutating"
	case StateFingerprintedAfter:
		return "fingerprinted_after"
	case StateSaved:
		return "saved"
	case StateUnlocked:
		return "unlocked"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	StatusSaved     = "saved"
	StatusUnchanged = "unchanged"
	StatusReadOnly  = "read_only"
	StatusAborted   = "aborted"
)

// MutationResult is what a session reports when it ends. FingerprintAfter
// is taken before persisting; FingerprintSaved covers the written file and
// is what the next session will compute as its before fingerprint.
type MutationResult struct {
	Status            string   `json:"status"`
	FingerprintBefore string   `json:"fingerprintBefore,omitempty"`
	FingerprintAfter  string   `json:"fingerprintAfter,omitempty"`
	FingerprintSaved  string   `json:"fingerprintSaved,omitempty"`
	Warnings          []string `json:"warnings"`
	Changes           []Change `json:"changes"`
}

// DocumentHandle is the open document owned by one session.
type DocumentHandle struct {
	Path    string
	ModTime time.Time
	Doc     *deck.Presentation
	dirty   bool
}

// MarkDirty forces a save for changes the fingerprint does not cover.
func (h *DocumentHandle) MarkDirty() {
	h.dirty = true
}

func (h *DocumentHandle) Dirty() bool {
	return h.dirty
}

type SessionOptions struct {
	Roots       []string
	Extensions  []string
	Locks       *LockRegistry
	LockTimeout time.Duration
	Approvals   *ApprovalTokenService
	// ExpectedFingerprint aborts the session when the document on disk no
	// longer matches.
	ExpectedFingerprint string
	ReadOnly            bool
	Events              EventSink
	Logger              *slog.Logger
	DeckOptions         []deck.Option
}

// MutationSession validates, locks, opens and fingerprints one document,
// hands it to the caller and persists it atomically on a successful exit.
// A session is not safe for concurrent use.
type MutationSession struct {
	opts    SessionOptions
	path    string
	state   SessionState
	lock    *LockRecord
	handle  *DocumentHandle
	mode    fs.FileMode
	before  Fingerprint
	opened  []byte
	journal *changeJournal
	patch   *FormatPatchEngine
	charts  *ChartDataUpdater
	sandbox *Sandbox
	logger  *slog.Logger
	result  *MutationResult
}

// Open runs the session up to its before fingerprint.
func Open(ctx context.Context, path string, opts SessionOptions) (*MutationSession, error) {
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".pptx"}
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Locks == nil {
		opts.Locks = NewLockRegistry(LockOptions{Logger: opts.Logger})
	}
	s := &MutationSession{opts: opts, state: StateCreated, logger: opts.Logger, journal: &changeJournal{}}

	canonical, err := ValidatePath(path, opts.Roots, opts.Extensions)
	if err != nil {
		return nil, err
	}
	s.path = canonical
	s.state = StatePathValidated

	rec, err := opts.Locks.Acquire(ctx, canonical, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	s.lock = rec
	s.state = StateLocked

	info, err := os.Stat(canonical)
	if err != nil {
		s.abort(err)
		return nil, err
	}
	doc, err := deck.Open(canonical, opts.DeckOptions...)
	if err != nil {
		s.abort(err)
		return nil, fmt.Errorf("open %s: %w", canonical, err)
	}
	if err := doc.Package().ParseAll(); err != nil {
		s.abort(err)
		return nil, fmt.Errorf("open %s: %w", canonical, err)
	}
	opened, err := doc.Bytes()
	if err != nil {
		s.abort(err)
		return nil, fmt.Errorf("serialize %s: %w", canonical, err)
	}
	s.opened = opened
	s.mode = info.Mode().Perm()
	s.handle = &DocumentHandle{Path: canonical, ModTime: info.ModTime(), Doc: doc}
	s.state = StateOpened

	s.before = ComputeFingerprint(doc, info.ModTime())
	s.state = StateFingerprintedBefore
	if opts.ExpectedFingerprint != "" && opts.ExpectedFingerprint != s.before.Digest {
		err := &FingerprintConflictError{Expected: opts.ExpectedFingerprint, Current: s.before.Digest}
		s.abort(err)
		return nil, err
	}

	s.patch = &FormatPatchEngine{doc: doc, journal: s.journal}
	s.charts = &ChartDataUpdater{doc: doc, journal: s.journal, logger: s.logger}
	s.sandbox = NewSandbox(doc, s.logger)
	s.logger.Info("session.opened", "path", canonical, "fingerprint", s.before.Digest, "read_only", opts.ReadOnly)
	s.publish(EventSessionOpened, "", s.before.Digest)
	return s, nil
}

// Run opens a session, calls fn and exits with success when fn returned
// nil. A panic in fn aborts the session and is re-raised.
func Run(ctx context.Context, path string, opts SessionOptions, fn func(*MutationSession) error) (MutationResult, error) {
	s, err := Open(ctx, path, opts)
	if err != nil {
		return MutationResult{Status: StatusAborted, Warnings: []string{}, Changes: []Change{}}, err
	}
	finished := false
	defer func() {
		if !finished {
			_, _ = s.Exit(false)
		}
	}()
	ferr := fn(s)
	finished = true
	if ferr != nil {
		res, _ := s.Exit(false)
		return res, ferr
	}
	return s.Exit(true)
}

func (s *MutationSession) Path() string        { return s.path }
func (s *MutationSession) State() SessionState { return s.state }
func (s *MutationSession) Before() Fingerprint { return s.before }
func (s *MutationSession) Lock() *LockRecord   { return s.lock }

func (s *MutationSession) Handle() *DocumentHandle {
	return s.handle
}

// Document returns the open presentation for direct object-model edits.
func (s *MutationSession) Document() *deck.Presentation {
	s.mutating()
	return s.handle.Doc
}

func (s *MutationSession) Patch() *FormatPatchEngine {
	s.mutating()
	return s.patch
}

func (s *MutationSession) Charts() *ChartDataUpdater {
	s.mutating()
	return s.charts
}

func (s *MutationSession) Sandbox() *Sandbox {
	s.mutating()
	return s.sandbox
}

func (s *MutationSession) mutating() {
	if s.state == StateFingerprintedBefore {
		s.state = StateMutating
	}
}

func (s *MutationSession) open() error {
	if s.state != StateFingerprintedBefore && s.state != StateMutating {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.state)
	}
	return nil
}

// DeleteSlide removes a slide. It needs an approval token for
// deck:slide:delete issued for this document's canonical path.
func (s *MutationSession) DeleteSlide(ctx context.Context, index int, token string) error {
	if err := s.destructive(); err != nil {
		return err
	}
	slide, err := resolveSlide(s.handle.Doc, index)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, token, ScopeDeleteSlide); err != nil {
		return err
	}
	if err := s.handle.Doc.RemoveSlide(slide); err != nil {
		return err
	}
	s.journal.record(Change{Op: "delete_slide", Slide: index, Shape: -1})
	s.journal.warn("slide indices changed by delete_slide; re-query slides before addressing them by index")
	return nil
}

// RemoveShape removes a top-level shape under a deck:shape:remove token.
func (s *MutationSession) RemoveShape(ctx context.Context, slide, shape int, token string) error {
	if err := s.destructive(); err != nil {
		return err
	}
	sh, err := resolveShape(s.handle.Doc, slide, shape)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, token, ScopeRemoveShape); err != nil {
		return err
	}
	if err := sh.Slide().RemoveShape(sh); err != nil {
		return err
	}
	s.journal.record(Change{Op: "remove_shape", Slide: slide, Shape: shape, Detail: sh.Name()})
	s.journal.warn(fmt.Sprintf("slide %d: shape indices changed by remove_shape; re-query shapes before addressing them by index", slide))
	return nil
}

func (s *MutationSession) destructive() error {
	if err := s.open(); err != nil {
		return err
	}
	if s.opts.ReadOnly {
		return fmt.Errorf("%w: read-only session", ErrInvalidState)
	}
	s.mutating()
	return nil
}

func (s *MutationSession) authorize(ctx context.Context, token, scope string) error {
	if s.opts.Approvals == nil {
		return &ApprovalTokenError{Reason: TokenMissing, Scope: scope}
	}
	_, err := s.opts.Approvals.VerifyFor(ctx, token, scope, s.path)
	return err
}

// Exit ends the session. On success it fingerprints, saves when the package
// no longer serializes to what was opened and unlocks; otherwise it aborts.
// The lock is released exactly once whichever way the session ends.
func (s *MutationSession) Exit(success bool) (MutationResult, error) {
	if s.result != nil {
		return *s.result, fmt.Errorf("%w: session already %s", ErrInvalidState, s.state)
	}
	if !success {
		return s.abort(nil), nil
	}
	if s.sandbox != nil && s.sandbox.Active() {
		return s.abort(ErrTransientActive), ErrTransientActive
	}
	if err := s.open(); err != nil {
		return s.abort(err), err
	}
	doc := s.handle.Doc
	after := ComputeFingerprint(doc, s.handle.ModTime)
	s.state = StateFingerprintedAfter

	res := s.baseResult()
	res.FingerprintAfter = after.Digest
	if s.opts.ReadOnly {
		res.Status = StatusReadOnly
		return s.close(res), nil
	}
	data, err := doc.Bytes()
	if err != nil {
		s.logger.Error("session.serialize_failed", "path", s.path, "error", err)
		return s.abort(err), err
	}
	switch {
	case s.handle.dirty || s.journal.dirty || after.Digest != s.before.Digest || !bytes.Equal(data, s.opened):
		saved, err := s.save(doc, data)
		if err != nil {
			s.logger.Error("session.save_failed", "path", s.path, "error", err)
			return s.abort(err), err
		}
		res.Status = StatusSaved
		res.FingerprintSaved = saved.Digest
		s.state = StateSaved
	default:
		res.Status = StatusUnchanged
	}
	return s.close(res), nil
}

func (s *MutationSession) close(res MutationResult) MutationResult {
	s.unlock()
	s.state = StateClosed
	s.result = &res

	if res.Status == StatusSaved {
		s.logger.Info("session.saved", "path", s.path, "before", res.FingerprintBefore, "after", res.FingerprintAfter, "changes", len(res.Changes))
		s.publish(EventSessionSaved, res.Status, res.FingerprintSaved)
	}
	s.publish(EventSessionClosed, res.Status, res.FingerprintAfter)
	return res
}

func (s *MutationSession) save(doc *deck.Presentation, data []byte) (Fingerprint, error) {
	if err := writeFileAtomic(s.path, data, s.mode); err != nil {
		return Fingerprint{}, err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return Fingerprint{}, err
	}
	return ComputeFingerprint(doc, info.ModTime()), nil
}

func (s *MutationSession) baseResult() MutationResult {
	res := MutationResult{
		Warnings: append([]string{}, s.journal.warnings...),
		Changes:  append([]Change{}, s.journal.changes...),
	}
	if s.state >= StateFingerprintedBefore {
		res.FingerprintBefore = s.before.Digest
	}
	return res
}

// abort ends the session without saving. The on-disk file is untouched.
func (s *MutationSession) abort(cause error) MutationResult {
	res := s.baseResult()
	res.Status = StatusAborted
	s.unlock()
	s.state = StateAborted
	s.result = &res
	if cause != nil {
		s.logger.Warn("session.aborted", "path", s.path, "error", cause)
	} else {
		s.logger.Info("session.aborted", "path", s.path)
	}
	s.publish(EventSessionAborted, StatusAborted, res.FingerprintBefore)
	return res
}

func (s *MutationSession) unlock() {
	if s.lock == nil {
		return
	}
	rec := s.lock
	s.lock = nil
	if err := s.opts.Locks.Release(rec); err != nil {
		s.logger.Warn("session.unlock_failed", "path", s.path, "error", err)
	}
	if s.state != StateAborted {
		s.state = StateUnlocked
	}
}

func (s *MutationSession) publish(typ, status, fingerprint string) {
	if s.opts.Events == nil {
		return
	}
	s.opts.Events.Publish(Event{
		Type:        typ,
		Path:        s.path,
		Status:      status,
		Fingerprint: fingerprint,
		Changes:     len(s.journal.changes),
		Time:        time.Now().UTC(),
	})
}
