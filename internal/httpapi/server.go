package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/deckguard/internal/deck"
	"github.com/agentworkforce/deckguard/internal/deckguard"
	"github.com/agentworkforce/deckguard/internal/logging"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	ScopeApprovalsIssue = "approvals:issue"
	ScopeDocumentsRead  = "documents:read"
	ScopeDocumentsWrite = "documents:write"
	ScopeEventsRead     = "events:read"
)

type ServerConfig struct {
	JWTSecret          string
	Roots              []string
	Extensions         []string
	DefaultApprovalTTL time.Duration
	MaxApprovalTTL     time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	LockTimeout        time.Duration
	EventWriteTimeout  time.Duration
	Logger             *slog.Logger
}

// Backend is what the HTTP surface serves from. Events may be nil, which
// disables the event feed.
type Backend struct {
	Approvals *deckguard.ApprovalTokenService
	Locks     *deckguard.LockRegistry
	Events    *deckguard.EventHub
}

type Server struct {
	backend     Backend
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".pptx"}
	}
	if cfg.DefaultApprovalTTL <= 0 {
		cfg.DefaultApprovalTTL = 5 * time.Minute
	}
	if cfg.MaxApprovalTTL <= 0 {
		cfg.MaxApprovalTTL = time.Hour
	}
	if cfg.DefaultApprovalTTL > cfg.MaxApprovalTTL {
		cfg.DefaultApprovalTTL = cfg.MaxApprovalTTL
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = deckguard.DefaultLockTimeout
	}
	if cfg.EventWriteTimeout <= 0 {
		cfg.EventWriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if backend.Locks == nil {
		backend.Locks = deckguard.NewLockRegistry(deckguard.LockOptions{Logger: cfg.Logger})
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:     backend,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var requiredScope, route string
	switch {
	case r.URL.Path == "/v1/approvals" && r.Method == http.MethodPost:
		requiredScope = ScopeApprovalsIssue
		route = "issue_approval"
	case r.URL.Path == "/v1/documents/fingerprint" && r.Method == http.MethodGet:
		requiredScope = ScopeDocumentsRead
		route = "fingerprint"
	case r.URL.Path == "/v1/documents/lock" && r.Method == http.MethodGet:
		requiredScope = ScopeDocumentsRead
		route = "lock_status"
	case r.URL.Path == "/v1/documents/patch" && r.Method == http.MethodPost:
		requiredScope = ScopeDocumentsWrite
		route = "patch"
	case r.URL.Path == "/v1/documents/chart" && r.Method == http.MethodPost:
		requiredScope = ScopeDocumentsWrite
		route = "chart"
	case r.URL.Path == "/v1/documents/slides/delete" && r.Method == http.MethodPost:
		requiredScope = ScopeDocumentsWrite
		route = "delete_slide"
	case r.URL.Path == "/v1/documents/shapes/remove" && r.Method == http.MethodPost:
		requiredScope = ScopeDocumentsWrite
		route = "remove_shape"
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		requiredScope = ScopeEventsRead
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if route == "events" {
		s.handleEvents(w, r, claims)
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "issue_approval":
		s.handleIssueApproval(w, r, claims, correlationID)
	case "fingerprint":
		s.handleFingerprint(w, r, correlationID)
	case "lock_status":
		s.handleLockStatus(w, r, correlationID)
	case "patch":
		s.handlePatch(w, r, claims, correlationID)
	case "chart":
		s.handleChart(w, r, claims, correlationID)
	case "delete_slide":
		s.handleDeleteSlide(w, r, claims, correlationID)
	case "remove_shape":
		s.handleRemoveShape(w, r, claims, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type approvalRequest struct {
	Scope      string `json:"scope"`
	Path       string `json:"path"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type approvalResponse struct {
	Token string `json:"token"`
	deckguard.ApprovalToken
}

func (s *Server) handleIssueApproval(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.backend.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals_unavailable", "approval service is not configured", correlationID)
		return
	}
	var req approvalRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Scope) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "scope is required", correlationID)
		return
	}
	ttl := s.cfg.DefaultApprovalTTL
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ttlSeconds must not be negative", correlationID)
		return
	}
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > s.cfg.MaxApprovalTTL {
		writeError(w, http.StatusBadRequest, "bad_request", "ttlSeconds exceeds the configured maximum", correlationID)
		return
	}
	// Sessions compare the subject with the canonical document path.
	subject, err := deckguard.ValidatePath(req.Path, s.cfg.Roots, s.cfg.Extensions)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	wire, tok, err := s.backend.Approvals.Issue(req.Scope, subject, ttl)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	s.logger.Info("http.approval_issued", "id", tok.ID, "scope", tok.Scope, "subject", tok.Subject, "issued_by", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusCreated, approvalResponse{Token: wire, ApprovalToken: tok})
}

type fingerprintResponse struct {
	Path        string                `json:"path"`
	Fingerprint deckguard.Fingerprint `json:"fingerprint"`
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request, correlationID string) {
	path, err := deckguard.ValidatePath(r.URL.Query().Get("path"), s.cfg.Roots, s.cfg.Extensions)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	doc, err := deck.Open(path)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, fingerprintResponse{Path: path, Fingerprint: deckguard.ComputeFingerprint(doc, info.ModTime())})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	path, err := deckguard.ValidatePath(r.URL.Query().Get("path"), s.cfg.Roots, s.cfg.Extensions)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	status, err := s.backend.Locks.Inspect(path)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleEvents streams session events as JSON text messages until the
// client goes away. Messages from the client are discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	if s.backend.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable", "event feed is not configured", getCorrelationID(r))
		return
	}
	buffer := parseBoundedInt(r.URL.Query().Get("buffer"), 64, 1, 1024)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("http.events_accept_failed", "subject", claims.Subject, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.backend.Events.Subscribe(buffer)
	defer cancel()
	s.logger.Debug("http.events_subscribed", "subject", claims.Subject)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, s.cfg.EventWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				s.logger.Debug("http.events_write_failed", "subject", claims.Subject, "error", err)
				return
			}
		}
	}
}

func writeDeckError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, deckguard.ErrPathValidation):
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
	case errors.Is(err, deck.ErrMalformed):
		writeError(w, http.StatusUnprocessableEntity, "malformed_document", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrFileLock):
		writeError(w, http.StatusConflict, "locked", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrFingerprintConflict):
		writeError(w, http.StatusConflict, "fingerprint_conflict", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrApprovalToken):
		writeError(w, http.StatusForbidden, "approval_rejected", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrStructuralNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrPatchPrerequisite):
		writeError(w, http.StatusUnprocessableEntity, "patch_prerequisite", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrInvalidState), errors.Is(err, deckguard.ErrTransientActive):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, deckguard.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
