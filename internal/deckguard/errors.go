// Package deckguard is the safety-and-mutation core for editing .pptx
// packages on behalf of automated callers: path allow-listing, a
// cross-process file lock, content fingerprints, single-use approval
// tokens, direct XML patches, chart data updates, a speculative sandbox and
// the session that ties them together.
package deckguard

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPathValidation      = errors.New("path validation failed")
	ErrFileLock            = errors.New("file lock unavailable")
	ErrApprovalToken       = errors.New("approval token rejected")
	ErrStructuralNotFound  = errors.New("structural element not found")
	ErrPatchPrerequisite   = errors.New("patch prerequisite missing")
	ErrFingerprintConflict = errors.New("fingerprint conflict")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidState        = errors.New("invalid state")
	ErrTransientActive     = errors.New("speculative mutation active")
	ErrNotImplemented      = errors.New("not implemented")
)

type PathValidationError struct {
	Path   string
	Reason string
}

func (e *PathValidationError) Error() string {
	return fmt.Sprintf("path validation failed (%s): %s", e.Reason, e.Path)
}

func (e *PathValidationError) Is(target error) bool {
	return target == ErrPathValidation
}

// FileLockError reports a lock that could not be taken. Contention is
// retryable by the caller.
type FileLockError struct {
	Path     string
	Reason   string
	Holder   string
	Waited   time.Duration
	Attempts int
	Err      error
}

func (e *FileLockError) Error() string {
	msg := fmt.Sprintf("file lock %s: %s (waited=%s attempts=%d)", e.Reason, e.Path, e.Waited, e.Attempts)
	if e.Holder != "" {
		msg += " holder=" + e.Holder
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FileLockError) Is(target error) bool {
	return target == ErrFileLock
}

func (e *FileLockError) Unwrap() error {
	return e.Err
}

const (
	TokenMissing   = "missing"
	TokenMalformed = "malformed"
	TokenSignature = "signature"
	TokenExpired   = "expired"
	TokenScope     = "scope"
	TokenSubject   = "subject"
	TokenConsumed  = "consumed"
)

type ApprovalTokenError struct {
	Reason string
	Scope  string
}

func (e *ApprovalTokenError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("approval token rejected: %s (required scope %s)", e.Reason, e.Scope)
	}
	return "approval token rejected: " + e.Reason
}

func (e *ApprovalTokenError) Is(target error) bool {
	return target == ErrApprovalToken
}

type StructuralNotFoundError struct {
	Kind  string
	Index int
	Count int
}

func (e *StructuralNotFoundError) Error() string {
	return fmt.Sprintf("%s index %d out of range [0,%d)", e.Kind, e.Index, e.Count)
}

func (e *StructuralNotFoundError) Is(target error) bool {
	return target == ErrStructuralNotFound
}

type PatchPrerequisiteError struct {
	Slide  int
	Shape  int
	Detail string
}

func (e *PatchPrerequisiteError) Error() string {
	return fmt.Sprintf("slide %d shape %d: %s", e.Slide, e.Shape, e.Detail)
}

func (e *PatchPrerequisiteError) Is(target error) bool {
	return target == ErrPatchPrerequisite
}

type FingerprintConflictError struct {
	Expected string
	Current  string
}

func (e *FingerprintConflictError) Error() string {
	return fmt.Sprintf("fingerprint conflict: expected %s, found %s", e.Expected, e.Current)
}

func (e *FingerprintConflictError) Is(target error) bool {
	return target == ErrFingerprintConflict
}
