package deckguard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/deckguard/internal/logging"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// MinSecretLen is the shortest signing secret the service accepts.
const MinSecretLen = 32

const (
	ScopeDeleteSlide = "deck:slide:delete"
	ScopeRemoveShape = "deck:shape:remove"
)

// ApprovalToken is the verified content of a token.
type ApprovalToken struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	SingleUse bool      `json:"singleUse"`
}

type tokenPayload struct {
	ID        string `cbor:"1,keyasint"`
	Scope     string `cbor:"2,keyasint"`
	Subject   string `cbor:"3,keyasint,omitempty"`
	IssuedAt  int64  `cbor:"4,keyasint"`
	ExpiresAt int64  `cbor:"5,keyasint"`
	SingleUse bool   `cbor:"6,keyasint"`
}

type ApprovalOption func(*ApprovalTokenService)

func WithApprovalClock(now func() time.Time) ApprovalOption {
	return func(s *ApprovalTokenService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithApprovalLogger(logger *slog.Logger) ApprovalOption {
	return func(s *ApprovalTokenService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// ApprovalTokenService issues and verifies HMAC-signed, scoped, expiring
// tokens. Single-use tokens are consumed in the ledger at verify time.
type ApprovalTokenService struct {
	secret []byte
	ledger ConsumptionLedger
	enc    cbor.EncMode
	now    func() time.Time
	logger *slog.Logger
}

func NewApprovalTokenService(secret []byte, ledger ConsumptionLedger, opts ...ApprovalOption) (*ApprovalTokenService, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: approval secret must be at least %d bytes", ErrInvalidInput, MinSecretLen)
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	s := &ApprovalTokenService{
		secret: append([]byte(nil), secret...),
		ledger: ledger,
		enc:    enc,
		now:    time.Now,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints a single-use token for scope, bound to subject when it is
// non-empty.
func (s *ApprovalTokenService) Issue(scope, subject string, ttl time.Duration) (string, ApprovalToken, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" || ttl <= 0 {
		return "", ApprovalToken{}, ErrInvalidInput
	}
	now := s.now().UTC()
	payload := tokenPayload{
		ID:        uuid.NewString(),
		Scope:     scope,
		Subject:   subject,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		SingleUse: true,
	}
	raw, err := s.enc.Marshal(payload)
	if err != nil {
		return "", ApprovalToken{}, fmt.Errorf("encode approval token: %w", err)
	}
	wire := base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(s.sign(raw))
	tok := payload.token()
	s.logger.Info("approval.issued", "id", tok.ID, "scope", tok.Scope, "subject", tok.Subject, "expires_at", tok.ExpiresAt)
	return wire, tok, nil
}

// Verify checks token against requiredScope and consumes it.
func (s *ApprovalTokenService) Verify(ctx context.Context, token, requiredScope string) (ApprovalToken, error) {
	return s.VerifyFor(ctx, token, requiredScope, "")
}

// VerifyFor additionally requires the token subject to equal subject when
// subject is non-empty. Checks run signature, expiry, scope, subject, and
// only a token passing all of them is consumed.
func (s *ApprovalTokenService) VerifyFor(ctx context.Context, token, requiredScope, subject string) (ApprovalToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ApprovalToken{}, &ApprovalTokenError{Reason: TokenMissing, Scope: requiredScope}
	}
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return ApprovalToken{}, &ApprovalTokenError{Reason: TokenMalformed, Scope: requiredScope}
	}
	raw, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return ApprovalToken{}, &ApprovalTokenError{Reason: TokenMalformed, Scope: requiredScope}
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return ApprovalToken{}, &ApprovalTokenError{Reason: TokenMalformed, Scope: requiredScope}
	}
	if !hmac.Equal(sig, s.sign(raw)) {
		return ApprovalToken{}, &ApprovalTokenError{Reason: TokenSignature, Scope: requiredScope}
	}
	var payload tokenPayload
	if err := cbor.Unmarshal(raw, &payload); err != nil || payload.ID == "" {
		return ApprovalToken{}, &ApprovalTokenError{Reason: TokenMalformed, Scope: requiredScope}
	}
	tok := payload.token()
	if !s.now().Before(tok.ExpiresAt) {
		return tok, &ApprovalTokenError{Reason: TokenExpired, Scope: requiredScope}
	}
	if !ScopeMatches(tok.Scope, requiredScope) {
		return tok, &ApprovalTokenError{Reason: TokenScope, Scope: requiredScope}
	}
	if subject != "" && tok.Subject != subject {
		return tok, &ApprovalTokenError{Reason: TokenSubject, Scope: requiredScope}
	}
	if tok.SingleUse {
		fresh, err := s.ledger.Consume(ctx, tok.ID, tok.ExpiresAt)
		if err != nil {
			return tok, fmt.Errorf("consume approval token: %w", err)
		}
		if !fresh {
			s.logger.Warn("approval.replayed", "id", tok.ID, "scope", requiredScope)
			return tok, &ApprovalTokenError{Reason: TokenConsumed, Scope: requiredScope}
		}
	}
	s.logger.Info("approval.consumed", "id", tok.ID, "scope", requiredScope, "subject", tok.Subject)
	return tok, nil
}

func (s *ApprovalTokenService) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (p tokenPayload) token() ApprovalToken {
	return ApprovalToken{
		ID:        p.ID,
		Scope:     p.Scope,
		Subject:   p.Subject,
		IssuedAt:  time.UnixMilli(p.IssuedAt).UTC(),
		ExpiresAt: time.UnixMilli(p.ExpiresAt).UTC(),
		SingleUse: p.SingleUse,
	}
}

// ScopeMatches reports whether a granted scope covers a required one.
// "*" covers everything and "a:b:*" covers "a:b:c" and anything below it.
func ScopeMatches(granted, required string) bool {
	granted = strings.TrimSpace(granted)
	required = strings.TrimSpace(required)
	if granted == "" || required == "" {
		return false
	}
	if granted == "*" || granted == required {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, "*"); ok && strings.HasSuffix(prefix, ":") {
		return strings.HasPrefix(required, prefix) && len(required) > len(prefix)
	}
	return false
}
