package deck

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func mustNew(t *testing.T, opts ...Option) *Presentation {
	t.Helper()
	p, err := New(opts...)
	if err != nil {
		t.Fatalf("new presentation: %v", err)
	}
	return p
}

func mustLayout(t *testing.T, p *Presentation, name string) *Layout {
	t.Helper()
	l, ok := p.LayoutByName(name)
	if !ok {
		t.Fatalf("expected layout %q", name)
	}
	return l
}

func roundTrip(t *testing.T, p *Presentation, opts ...Option) *Presentation {
	t.Helper()
	data, err := p.Bytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out, err := Read(data, opts...)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	return out
}

func TestNewPresentationHasLayoutsAndNoSlides(t *testing.T) {
	p := mustNew(t)
	if got := len(p.Layouts()); got != 2 {
		t.Fatalf("expected 2 layouts, got %d", got)
	}
	if p.SlideCount() != 0 {
		t.Fatalf("expected no slides, got %d", p.SlideCount())
	}
	mustLayout(t, p, "Title Slide")
	mustLayout(t, p, "Title and Content")
	cx, cy := p.SlideSize()
	if cx != 12192000 || cy != 6858000 {
		t.Fatalf("unexpected slide size %dx%d", cx, cy)
	}
	if p.doc.Root().SelectElement("p:sldIdLst") != nil {
		t.Fatalf("expected blank presentation without sldIdLst")
	}
}

func TestAddSlideResolvesInheritedPlaceholderGeometry(t *testing.T) {
	p := mustNew(t)
	s, err := p.AddSlide(mustLayout(t, p, "Title and Content"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	shapes := s.Shapes()
	if len(shapes) != 2 {
		t.Fatalf("expected 2 placeholders, got %d", len(shapes))
	}
	title, ok := shapes[0].Rect()
	if !ok {
		t.Fatalf("expected title geometry to be resolved")
	}
	if title != (Rect{X: 838200, Y: 365125, CX: 10515600, CY: 1325563}) {
		t.Fatalf("unexpected title rect %+v", title)
	}
	body, ok := shapes[1].Rect()
	if !ok || body.Y != 1825625 {
		t.Fatalf("unexpected body rect %+v (ok=%v)", body, ok)
	}
	if typ, _, ok := shapes[0].Placeholder(); !ok || typ != "title" {
		t.Fatalf("expected title placeholder, got %q", typ)
	}
	if shapes[0].ID() != 2 || shapes[1].ID() != 3 {
		t.Fatalf("unexpected shape ids %d, %d", shapes[0].ID(), shapes[1].ID())
	}
}

func TestAddSlideUsesLayoutOwnGeometry(t *testing.T) {
	p := mustNew(t)
	s, err := p.AddSlide(mustLayout(t, p, "Title Slide"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	r, ok := s.Shapes()[0].Rect()
	if !ok || r.X != 1524000 || r.Y != 1122363 {
		t.Fatalf("unexpected title rect %+v", r)
	}
}

func TestRoundTripPreservesSlidesAndText(t *testing.T) {
	p := mustNew(t)
	layout := mustLayout(t, p, "Title Slide")
	for _, text := range []string{"first", "second"} {
		s, err := p.AddSlide(layout)
		if err != nil {
			t.Fatalf("add slide: %v", err)
		}
		if err := s.Shapes()[0].SetText(text); err != nil {
			t.Fatalf("set text: %v", err)
		}
	}
	if _, err := p.Slides()[1].AddTextBox(Rect{X: 10, Y: 20, CX: 30, CY: 40}, "line one\nline two"); err != nil {
		t.Fatalf("add text box: %v", err)
	}

	out := roundTrip(t, p)
	if out.SlideCount() != 2 {
		t.Fatalf("expected 2 slides, got %d", out.SlideCount())
	}
	if got := out.Slides()[0].Shapes()[0].Text(); got != "first" {
		t.Fatalf("expected first slide title %q, got %q", "first", got)
	}
	second := out.Slides()[1]
	if second.Layout() == nil || second.Layout().Name() != "Title Slide" {
		t.Fatalf("expected layout to survive round trip")
	}
	shapes := second.Shapes()
	if len(shapes) != 3 {
		t.Fatalf("expected 3 shapes, got %d", len(shapes))
	}
	if got := shapes[2].Text(); got != "line one\nline two" {
		t.Fatalf("unexpected text box text %q", got)
	}
	if runs := shapes[2].TextRuns(); len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %v", runs)
	}
}

func TestOpenReadsFromDisk(t *testing.T) {
	p := mustNew(t)
	if _, err := p.AddSlide(mustLayout(t, p, "Title Slide")); err != nil {
		t.Fatalf("add slide: %v", err)
	}
	data, err := p.Bytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	path := filepath.Join(t.TempDir(), "deck.pptx")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out.SlideCount() != 1 {
		t.Fatalf("expected 1 slide, got %d", out.SlideCount())
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read([]byte("not a zip"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	p := mustNew(t)
	if _, err := p.AddSlide(mustLayout(t, p, "Title Slide")); err != nil {
		t.Fatalf("add slide: %v", err)
	}
	a, err := p.Bytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	b, err := p.Bytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical output for identical trees")
	}
}

func TestRemoveSlideDropsPartsAndReferences(t *testing.T) {
	p := mustNew(t)
	layout := mustLayout(t, p, "Title and Content")
	s, err := p.AddSlide(layout)
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	if _, err := s.AddChart(ChartSpec{Type: ChartColumn, Data: ChartData{
		Categories: []string{"a"},
		Series:     []Series{{Name: "s", Values: []float64{1}}},
	}}); err != nil {
		t.Fatalf("add chart: %v", err)
	}
	if !p.Package().Has("ppt/charts/chart1.xml") {
		t.Fatalf("expected chart part to exist")
	}
	if err := p.RemoveSlide(s); err != nil {
		t.Fatalf("remove slide: %v", err)
	}
	for _, name := range []string{"ppt/slides/slide1.xml", "ppt/slides/_rels/slide1.xml.rels", "ppt/charts/chart1.xml"} {
		if p.Package().Has(name) {
			t.Fatalf("expected %s to be removed", name)
		}
	}
	if p.doc.Root().SelectElement("p:sldIdLst") != nil {
		t.Fatalf("expected empty sldIdLst to be removed")
	}
	if err := p.RemoveSlide(s); !errors.Is(err, ErrPartNotFound) {
		t.Fatalf("expected ErrPartNotFound on second removal, got %v", err)
	}
	if out := roundTrip(t, p); out.SlideCount() != 0 {
		t.Fatalf("expected 0 slides after round trip, got %d", out.SlideCount())
	}
}

func TestSlideIDsIncrease(t *testing.T) {
	p := mustNew(t)
	layout := mustLayout(t, p, "Title Slide")
	for i := 0; i < 3; i++ {
		if _, err := p.AddSlide(layout); err != nil {
			t.Fatalf("add slide: %v", err)
		}
	}
	ids := p.doc.Root().SelectElement("p:sldIdLst").SelectElements("p:sldId")
	for i, ref := range ids {
		if got := attrInt(ref, "id"); got != int64(256+i) {
			t.Fatalf("expected slide id %d, got %d", 256+i, got)
		}
	}
}

func TestAddShapeStaysBeforeExtLst(t *testing.T) {
	p := mustNew(t)
	s, err := p.AddSlide(mustLayout(t, p, "Title Slide"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	s.ShapeTree().CreateElement("p:extLst")
	sh, err := s.AddShape(ShapeSpec{Name: "box", FillColor: "FF0000", Rect: Rect{CX: 5, CY: 5}})
	if err != nil {
		t.Fatalf("add shape: %v", err)
	}
	children := s.ShapeTree().ChildElements()
	if children[len(children)-1].FullTag() != "p:extLst" {
		t.Fatalf("expected extLst to remain last")
	}
	if children[len(children)-2] != sh.Element() {
		t.Fatalf("expected new shape directly before extLst")
	}
	if sh.Kind() != KindAutoShape || sh.Name() != "box" {
		t.Fatalf("unexpected shape kind %v name %q", sh.Kind(), sh.Name())
	}
}
