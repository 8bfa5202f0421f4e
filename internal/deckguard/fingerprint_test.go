package deckguard

import (
	"bytes"
	"testing"
	"time"

	"github.com/agentworkforce/deckguard/internal/deck"
)

func TestComputeFingerprintIsStableAndReadOnly(t *testing.T) {
	doc := fixtureDeck(t)
	mod := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before := deckBytes(t, doc)

	first := ComputeFingerprint(doc, mod)
	second := ComputeFingerprint(doc, mod)
	if first.Digest != second.Digest {
		t.Fatalf("expected identical digests, got %s and %s", first.Digest, second.Digest)
	}
	if len(first.Digest) != FingerprintLength {
		t.Fatalf("expected %d hex chars, got %q", FingerprintLength, first.Digest)
	}
	if !bytes.Equal(before, deckBytes(t, doc)) {
		t.Fatalf("expected fingerprinting not to modify the document")
	}
	if first.Input.SlideCount != 2 {
		t.Fatalf("expected 2 slides, got %d", first.Input.SlideCount)
	}
	// slide 0: title, subtitle, two boxes; slide 1: title, body, chart
	if first.Input.ShapeCount != 7 {
		t.Fatalf("expected 7 shapes, got %d", first.Input.ShapeCount)
	}
}

func TestComputeFingerprintMatchesAcrossRoundTrip(t *testing.T) {
	doc := fixtureDeck(t)
	mod := time.Unix(1700000000, 0)
	reread, err := deck.Read(deckBytes(t, doc))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if a, b := ComputeFingerprint(doc, mod), ComputeFingerprint(reread, mod); a.Digest != b.Digest {
		t.Fatalf("expected round trip to keep fingerprint, got %s and %s", a.Digest, b.Digest)
	}
}

func TestComputeFingerprintDetectsChanges(t *testing.T) {
	mod := time.Unix(1700000000, 0)
	base := ComputeFingerprint(fixtureDeck(t), mod).Digest

	cases := []struct {
		name   string
		mutate func(t *testing.T, doc *deck.Presentation) time.Time
	}{
		{"geometry", func(t *testing.T, doc *deck.Presentation) time.Time {
			sh := doc.Slides()[0].Shapes()[2]
			if err := sh.SetRect(deck.Rect{X: 101, Y: 100, CX: 1000, CY: 1000}); err != nil {
				t.Fatalf("set rect: %v", err)
			}
			return mod
		}},
		{"text", func(t *testing.T, doc *deck.Presentation) time.Time {
			if err := doc.Slides()[0].Shapes()[0].SetText("Annual review"); err != nil {
				t.Fatalf("set text: %v", err)
			}
			return mod
		}},
		{"slide count", func(t *testing.T, doc *deck.Presentation) time.Time {
			if err := doc.RemoveSlide(doc.Slides()[1]); err != nil {
				t.Fatalf("remove slide: %v", err)
			}
			return mod
		}},
		{"shape count", func(t *testing.T, doc *deck.Presentation) time.Time {
			if _, err := doc.Slides()[1].AddTextBox(deck.Rect{CX: 10, CY: 10}, ""); err != nil {
				t.Fatalf("add text box: %v", err)
			}
			return mod
		}},
		{"mtime", func(t *testing.T, doc *deck.Presentation) time.Time {
			return mod.Add(time.Nanosecond)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := fixtureDeck(t)
			at := tc.mutate(t, doc)
			if got := ComputeFingerprint(doc, at).Digest; got == base {
				t.Fatalf("expected fingerprint to change after %s", tc.name)
			}
		})
	}
}

func TestComputeFingerprintIgnoresFormatting(t *testing.T) {
	mod := time.Unix(1700000000, 0)
	doc := fixtureDeck(t)
	base := ComputeFingerprint(doc, mod).Digest
	if _, err := NewFormatPatchEngine(doc).SetFillOpacity(0, 2, 0.5); err != nil {
		t.Fatalf("set opacity: %v", err)
	}
	if got := ComputeFingerprint(doc, mod).Digest; got != base {
		t.Fatalf("expected formatting change to leave fingerprint alone, got %s vs %s", got, base)
	}
}

func TestComputeFingerprintSeesTextMovedBetweenShapes(t *testing.T) {
	mod := time.Unix(1700000000, 0)
	build := func(a, b string) string {
		doc := fixtureDeck(t)
		s := doc.Slides()[0]
		if _, err := s.AddTextBox(deck.Rect{X: 10, Y: 10, CX: 100, CY: 100}, a); err != nil {
			t.Fatalf("add text box: %v", err)
		}
		if _, err := s.AddTextBox(deck.Rect{X: 10, Y: 200, CX: 100, CY: 100}, b); err != nil {
			t.Fatalf("add text box: %v", err)
		}
		return ComputeFingerprint(doc, mod).Digest
	}
	first := build("x\ny", "z")
	second := build("x", "y\nz")
	if first == second {
		t.Fatalf("expected moving a paragraph between shapes to change the digest, got %s twice", first)
	}
	if joined := build("xy", "z"); joined == first {
		t.Fatalf("expected merging paragraphs to change the digest, got %s twice", joined)
	}
}
