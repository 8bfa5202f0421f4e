package deckguard

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentworkforce/deckguard/internal/deck"
)

// fixtureDeck builds the deck used across tests:
//
//	slide 0 (Title Slide):       title "Quarterly review", subtitle, "Red box" (red fill, black line), "Plain box" (no fill)
//	slide 1 (Title and Content): title, body, "Sales" column chart
func fixtureDeck(t *testing.T, opts ...deck.Option) *deck.Presentation {
	t.Helper()
	p, err := deck.New(opts...)
	if err != nil {
		t.Fatalf("new deck: %v", err)
	}
	titleLayout, _ := p.LayoutByName("Title Slide")
	contentLayout, _ := p.LayoutByName("Title and Content")

	s0, err := p.AddSlide(titleLayout)
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	if err := s0.Shapes()[0].SetText("Quarterly review"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	if _, err := s0.AddShape(deck.ShapeSpec{Name: "Red box", Rect: deck.Rect{X: 100, Y: 100, CX: 1000, CY: 1000}, FillColor: "FF0000", LineColor: "000000"}); err != nil {
		t.Fatalf("add red box: %v", err)
	}
	if _, err := s0.AddShape(deck.ShapeSpec{Name: "Plain box", Rect: deck.Rect{X: 200, Y: 200, CX: 500, CY: 500}}); err != nil {
		t.Fatalf("add plain box: %v", err)
	}

	s1, err := p.AddSlide(contentLayout)
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	if _, err := s1.AddChart(deck.ChartSpec{
		Name:  "Sales",
		Type:  deck.ChartColumn,
		Rect:  deck.Rect{X: 500, Y: 600, CX: 4000, CY: 3000},
		Title: "Sales",
		Data: deck.ChartData{
			Categories: []string{"Q1", "Q2"},
			Series:     []deck.Series{{Name: "2025", Values: []float64{10, 20}}},
		},
	}); err != nil {
		t.Fatalf("add chart: %v", err)
	}
	return p
}

func deckBytes(t *testing.T, p *deck.Presentation) []byte {
	t.Helper()
	data, err := p.Bytes()
	if err != nil {
		t.Fatalf("serialize deck: %v", err)
	}
	return data
}

// writeFixture writes the fixture deck into a fresh root and returns the
// root and the deck path.
func writeFixture(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "deck.pptx")
	if err := os.WriteFile(path, deckBytes(t, fixtureDeck(t)), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return root, path
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func mustReopen(t *testing.T, path string) *deck.Presentation {
	t.Helper()
	p, err := deck.Open(path)
	if err != nil {
		t.Fatalf("reopen %s: %v", path, err)
	}
	return p
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
