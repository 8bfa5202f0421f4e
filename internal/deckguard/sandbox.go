package deckguard

import (
	"fmt"
	"log/slog"

	"github.com/agentworkforce/deckguard/internal/deck"
	"github.com/agentworkforce/deckguard/internal/logging"
)

// Sandbox instantiates layouts speculatively so that values resolved only
// at instantiation can be measured. Every addition is recorded as an undo
// step and undone before Speculate returns. The session also refuses to
// save while a speculation is running.
type Sandbox struct {
	doc    *deck.Presentation
	logger *slog.Logger
	active int
}

func NewSandbox(doc *deck.Presentation, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sandbox{doc: doc, logger: logger}
}

// Active reports whether a speculation is in progress.
func (sb *Sandbox) Active() bool {
	return sb.active > 0
}

type undoStep struct {
	name string
	fn   func() error
}

// Speculate adds a slide from layout, runs analyze on it and removes the
// slide again, also when analyze fails or panics. Cleanup failures are
// logged, never returned.
func Speculate[T any](sb *Sandbox, layout *deck.Layout, analyze func(*deck.Slide) (T, error)) (T, error) {
	var zero T
	if layout == nil || analyze == nil {
		return zero, ErrInvalidInput
	}
	sb.active++
	var undo []undoStep
	defer func() {
		for i := len(undo) - 1; i >= 0; i-- {
			sb.runUndo(undo[i])
		}
		sb.active--
	}()

	slide, err := sb.doc.AddSlide(layout)
	if err != nil {
		return zero, fmt.Errorf("speculative slide: %w", err)
	}
	undo = append(undo, undoStep{name: "remove_slide", fn: func() error { return sb.doc.RemoveSlide(slide) }})
	return analyze(slide)
}

func (sb *Sandbox) runUndo(step undoStep) {
	defer func() {
		if r := recover(); r != nil {
			sb.logger.Warn("sandbox.cleanup_failed", "step", step.name, "panic", fmt.Sprint(r))
		}
	}()
	if err := step.fn(); err != nil {
		sb.logger.Warn("sandbox.cleanup_failed", "step", step.name, "error", err)
	}
}

// WithSpeculative is Speculate for analyses that only report an error.
func (sb *Sandbox) WithSpeculative(layout *deck.Layout, fn func(*deck.Slide) error) error {
	_, err := Speculate(sb, layout, func(s *deck.Slide) (struct{}, error) {
		return struct{}{}, fn(s)
	})
	return err
}

type PlaceholderGeometry struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Idx      string    `json:"idx,omitempty"`
	Rect     deck.Rect `json:"rect"`
	Resolved bool      `json:"resolved"`
}

// MeasureLayout reports the geometry each placeholder of layout takes once
// instantiated, including geometry inherited from the master.
func (sb *Sandbox) MeasureLayout(layout *deck.Layout) ([]PlaceholderGeometry, error) {
	return Speculate(sb, layout, func(s *deck.Slide) ([]PlaceholderGeometry, error) {
		var out []PlaceholderGeometry
		for _, sh := range s.Shapes() {
			typ, idx, ok := sh.Placeholder()
			if !ok {
				continue
			}
			rect, resolved := sh.Rect()
			out = append(out, PlaceholderGeometry{Name: sh.Name(), Type: typ, Idx: idx, Rect: rect, Resolved: resolved})
		}
		return out, nil
	})
}
