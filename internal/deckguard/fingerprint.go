package deckguard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/deckguard/internal/deck"
)

// FingerprintLength is the number of hex characters kept from the digest.
const FingerprintLength = 16

type FingerprintInput struct {
	SlideCount int       `json:"slideCount"`
	ShapeCount int       `json:"shapeCount"`
	TextDigest string    `json:"textDigest"`
	ModTime    time.Time `json:"modTime"`
}

// Fingerprint is a short digest of a document's structure, geometry, text
// and file modification time. It detects change; it is not a MAC.
type Fingerprint struct {
	Digest string           `json:"digest"`
	Input  FingerprintInput `json:"input"`
}

func (f Fingerprint) String() string {
	return f.Digest
}

// ComputeFingerprint walks slides in presentation order and shapes in tree
// order, groups depth-first. Each shape contributes its geometry and a digest
// of its own paragraphs, so text moved between shapes or paragraphs changes
// the result. It only reads the document.
func ComputeFingerprint(doc *deck.Presentation, modTime time.Time) Fingerprint {
	var (
		b      strings.Builder
		runs   []string
		shapes int
	)
	slides := doc.Slides()
	fmt.Fprintf(&b, "slides=%d\n", len(slides))
	for _, s := range slides {
		if l := s.Layout(); l != nil {
			fmt.Fprintf(&b, "layout=%s|%s\n", l.PartName(), l.Name())
		} else {
			b.WriteString("layout=-\n")
		}
		for _, sh := range s.Shapes() {
			shapes += writeShapeGeometry(&b, sh)
			runs = append(runs, sh.TextRuns()...)
		}
	}
	text := sha256.Sum256([]byte(strings.Join(runs, "\x1f")))
	textDigest := hex.EncodeToString(text[:])
	fmt.Fprintf(&b, "text=%s\n", textDigest)
	fmt.Fprintf(&b, "mtime=%d\n", modTime.UnixNano())

	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint{
		Digest: hex.EncodeToString(sum[:])[:FingerprintLength],
		Input: FingerprintInput{
			SlideCount: len(slides),
			ShapeCount: shapes,
			TextDigest: textDigest,
			ModTime:    modTime,
		},
	}
}

func writeShapeGeometry(b *strings.Builder, sh *deck.Shape) int {
	if r, ok := sh.Rect(); ok {
		fmt.Fprintf(b, "shape=%s:%d,%d,%d,%d\n", sh.Kind(), r.X, r.Y, r.CX, r.CY)
	} else {
		fmt.Fprintf(b, "shape=%s:-\n", sh.Kind())
	}
	if paras := sh.Paragraphs(); len(paras) > 0 {
		fmt.Fprintf(b, "text=%s\n", paragraphDigest(paras))
	}
	n := 1
	for _, child := range sh.Children() {
		n += writeShapeGeometry(b, child)
	}
	return n
}

// paragraphDigest separates runs with US and paragraphs with RS.
func paragraphDigest(paras [][]string) string {
	joined := make([]string, len(paras))
	for i, runs := range paras {
		joined[i] = strings.Join(runs, "\x1f")
	}
	sum := sha256.Sum256([]byte(strings.Join(joined, "\x1e")))
	return hex.EncodeToString(sum[:])
}
