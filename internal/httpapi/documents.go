package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentworkforce/deckguard/internal/deckguard"
)

const (
	opSetFillOpacity = "set_fill_opacity"
	opSetLineOpacity = "set_line_opacity"
	opReorder        = "reorder"
)

type patchOperation struct {
	Op      string   `json:"op"`
	Slide   int      `json:"slide"`
	Shape   int      `json:"shape"`
	Opacity *float64 `json:"opacity,omitempty"`
	Action  string   `json:"action,omitempty"`
}

type patchRequest struct {
	Path                string           `json:"path"`
	ExpectedFingerprint string           `json:"expectedFingerprint"`
	Operations          []patchOperation `json:"operations"`
}

type operationResult struct {
	Op     string                  `json:"op"`
	Alpha  int                     `json:"alpha,omitempty"`
	ZOrder *deckguard.ZOrderResult `json:"zOrder,omitempty"`
}

type chartRequest struct {
	Path                string          `json:"path"`
	ExpectedFingerprint string          `json:"expectedFingerprint"`
	Slide               int             `json:"slide"`
	Shape               int             `json:"shape"`
	Data                json.RawMessage `json:"data"`
}

// destructiveRequest addresses a slide, or a shape on it, removed under an
// approval token issued for the document.
type destructiveRequest struct {
	Path                string `json:"path"`
	ExpectedFingerprint string `json:"expectedFingerprint"`
	Slide               int    `json:"slide"`
	Shape               int    `json:"shape"`
	ApprovalToken       string `json:"approvalToken"`
}

type mutationResponse struct {
	deckguard.MutationResult
	Operations []operationResult            `json:"operations,omitempty"`
	Chart      *deckguard.ChartUpdateResult `json:"chart,omitempty"`
}

func (s *Server) sessionOptions(expected string) deckguard.SessionOptions {
	opts := deckguard.SessionOptions{
		Roots:               s.cfg.Roots,
		Extensions:          s.cfg.Extensions,
		Locks:               s.backend.Locks,
		LockTimeout:         s.cfg.LockTimeout,
		Approvals:           s.backend.Approvals,
		ExpectedFingerprint: strings.TrimSpace(expected),
		Logger:              s.logger,
	}
	if s.backend.Events != nil {
		opts.Events = s.backend.Events
	}
	return opts
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req patchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "operations must not be empty", correlationID)
		return
	}
	for _, op := range req.Operations {
		switch op.Op {
		case opSetFillOpacity, opSetLineOpacity:
			if op.Opacity == nil {
				writeError(w, http.StatusBadRequest, "bad_request", op.Op+" requires opacity", correlationID)
				return
			}
		case opReorder:
			if op.Action == "" {
				writeError(w, http.StatusBadRequest, "bad_request", "reorder requires action", correlationID)
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "unknown operation: "+op.Op, correlationID)
			return
		}
	}

	results := make([]operationResult, 0, len(req.Operations))
	res, err := deckguard.Run(r.Context(), req.Path, s.sessionOptions(req.ExpectedFingerprint), func(ms *deckguard.MutationSession) error {
		engine := ms.Patch()
		for _, op := range req.Operations {
			out := operationResult{Op: op.Op}
			var err error
			switch op.Op {
			case opSetFillOpacity:
				out.Alpha, err = engine.SetFillOpacity(op.Slide, op.Shape, *op.Opacity)
			case opSetLineOpacity:
				out.Alpha, err = engine.SetLineOpacity(op.Slide, op.Shape, *op.Opacity)
			case opReorder:
				var z deckguard.ZOrderResult
				z, err = engine.Reorder(op.Slide, op.Shape, deckguard.ZOrderAction(op.Action))
				out.ZOrder = &z
			}
			if err != nil {
				return err
			}
			results = append(results, out)
		}
		return nil
	})
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	s.logger.Info("http.document_patched", "path", req.Path, "status", res.Status, "operations", len(results), "subject", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, mutationResponse{MutationResult: res, Operations: results})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req chartRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "data is required", correlationID)
		return
	}
	data, err := deckguard.DecodeChartData(req.Data)
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	var chart deckguard.ChartUpdateResult
	res, err := deckguard.Run(r.Context(), req.Path, s.sessionOptions(req.ExpectedFingerprint), func(ms *deckguard.MutationSession) error {
		var err error
		chart, err = ms.Charts().Update(req.Slide, req.Shape, data)
		return err
	})
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	s.logger.Info("http.chart_updated", "path", req.Path, "strategy", chart.Strategy, "subject", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, mutationResponse{MutationResult: res, Chart: &chart})
}

func (s *Server) handleDeleteSlide(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req destructiveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	res, err := deckguard.Run(r.Context(), req.Path, s.sessionOptions(req.ExpectedFingerprint), func(ms *deckguard.MutationSession) error {
		return ms.DeleteSlide(r.Context(), req.Slide, req.ApprovalToken)
	})
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	s.logger.Info("http.slide_deleted", "path", req.Path, "slide", req.Slide, "subject", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, mutationResponse{MutationResult: res})
}

func (s *Server) handleRemoveShape(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req destructiveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	res, err := deckguard.Run(r.Context(), req.Path, s.sessionOptions(req.ExpectedFingerprint), func(ms *deckguard.MutationSession) error {
		return ms.RemoveShape(r.Context(), req.Slide, req.Shape, req.ApprovalToken)
	})
	if err != nil {
		writeDeckError(w, err, correlationID)
		return
	}
	s.logger.Info("http.shape_removed", "path", req.Path, "slide", req.Slide, "shape", req.Shape, "subject", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, mutationResponse{MutationResult: res})
}
