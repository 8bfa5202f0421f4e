package deck

import (
	"testing"

	"github.com/beevik/etree"
)

const (
	relNotesSlide  = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/notesSlide"
	relNotesMaster = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/notesMaster"
	relImage       = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"
	relPackage     = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/package"

	ctNotesSlide  = "application/vnd.openxmlformats-officedocument.presentationml.notesSlide+xml"
	ctNotesMaster = "application/vnd.openxmlformats-officedocument.presentationml.notesMaster+xml"

	notesMasterPart = "ppt/notesMasters/notesMaster1.xml"
	notesSlidePart  = "ppt/notesSlides/notesSlide1.xml"
	embeddingPart   = "ppt/embeddings/Microsoft_Excel_Worksheet1.xlsx"
	imagePart       = "ppt/media/image1.png"
)

func putBinary(p *Package, name string, data []byte) {
	if !p.Has(name) {
		p.order = append(p.order, name)
	}
	p.parts[name] = &part{data: data}
}

func xmlPart(t *testing.T, src string) *etree.Document {
	t.Helper()
	doc := newXMLDocument()
	if err := doc.ReadFromString(src); err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return doc
}

// attachNotes gives s a notes slide that points back at it and at a notes
// master owned by the presentation.
func attachNotes(t *testing.T, p *Presentation, s *Slide) {
	t.Helper()
	if !p.pkg.Has(notesMasterPart) {
		p.pkg.putXML(notesMasterPart, xmlPart(t, `<p:notesMaster xmlns:p="`+nsP+`"/>`), ctNotesMaster)
		p.rels.add(relNotesMaster, notesMasterPart)
	}
	p.pkg.putXML(notesSlidePart, xmlPart(t, `<p:notes xmlns:p="`+nsP+`"/>`), ctNotesSlide)
	rels, err := loadRelationships(p.pkg, notesSlidePart)
	if err != nil {
		t.Fatalf("notes rels: %v", err)
	}
	rels.add(relNotesMaster, notesMasterPart)
	rels.add(relSlide, s.part)
	s.rels.add(relNotesSlide, notesSlidePart)
}

func attachEmbedding(t *testing.T, p *Presentation, sh *Shape) {
	t.Helper()
	c, err := sh.Chart()
	if err != nil {
		t.Fatalf("chart: %v", err)
	}
	putBinary(p.pkg, embeddingPart, []byte("PK\x03\x04"))
	rels, err := loadRelationships(p.pkg, c.PartName())
	if err != nil {
		t.Fatalf("chart rels: %v", err)
	}
	rels.add(relPackage, embeddingPart)
}

// assertNoDanglingRels fails when a relationship of a part still in the
// package targets a part that is gone.
func assertNoDanglingRels(t *testing.T, p *Package) {
	t.Helper()
	for _, name := range p.Parts() {
		source, ok := sourceOfRels(name)
		if !ok {
			continue
		}
		if source != "" && !p.Has(source) {
			t.Fatalf("expected %s to go with %s", name, source)
		}
		rels, err := loadRelationships(p, source)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		for _, rel := range rels.all() {
			if !rel.External && !p.Has(rel.Target) {
				t.Fatalf("expected %s target %s to exist", name, rel.Target)
			}
		}
	}
}

func TestSourceOfRels(t *testing.T) {
	cases := map[string]string{
		"_rels/.rels":                           "",
		"ppt/_rels/presentation.xml.rels":       "ppt/presentation.xml",
		"ppt/slides/_rels/slide3.xml.rels":      "ppt/slides/slide3.xml",
		"ppt/charts/_rels/chart1.xml.rels":      "ppt/charts/chart1.xml",
		"ppt/notesSlides/_rels/notes1.xml.rels": "ppt/notesSlides/notes1.xml",
	}
	for name, want := range cases {
		got, ok := sourceOfRels(name)
		if !ok || got != want {
			t.Fatalf("expected %s to describe %q, got %q (%v)", name, want, got, ok)
		}
		if relsPartFor(got) != name {
			t.Fatalf("expected %q to map back to %s, got %s", got, name, relsPartFor(got))
		}
	}
	if _, ok := sourceOfRels("ppt/slides/slide1.xml"); ok {
		t.Fatalf("expected a plain part not to be treated as relationships")
	}
}

func TestRemoveSlideDropsNotesAndEmbeddedParts(t *testing.T) {
	p := mustNew(t)
	keep, err := p.AddSlide(mustLayout(t, p, "Title Slide"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	s, sh := addChartSlide(t, p, ChartColumn)
	attachNotes(t, p, s)
	attachEmbedding(t, p, sh)
	chartPart := "ppt/charts/chart1.xml"

	if err := p.RemoveSlide(s); err != nil {
		t.Fatalf("remove slide: %v", err)
	}
	for _, name := range []string{
		s.part, relsPartFor(s.part),
		notesSlidePart, relsPartFor(notesSlidePart),
		chartPart, relsPartFor(chartPart),
		embeddingPart,
	} {
		if p.pkg.Has(name) {
			t.Fatalf("expected %s to be removed", name)
		}
	}
	for _, name := range []string{notesMasterPart, keep.part, keep.Layout().PartName(), "ppt/slideLayouts/slideLayout2.xml"} {
		if !p.pkg.Has(name) {
			t.Fatalf("expected %s to remain", name)
		}
	}
	assertNoDanglingRels(t, p.pkg)
	if out := roundTrip(t, p); out.SlideCount() != 1 {
		t.Fatalf("expected 1 slide after round trip, got %d", out.SlideCount())
	}
}

func TestRemoveChartShapeDropsEmbeddedWorkbook(t *testing.T) {
	p := mustNew(t)
	s, sh := addChartSlide(t, p, ChartBar)
	attachEmbedding(t, p, sh)
	if err := s.RemoveShape(sh); err != nil {
		t.Fatalf("remove shape: %v", err)
	}
	for _, name := range []string{"ppt/charts/chart1.xml", "ppt/charts/_rels/chart1.xml.rels", embeddingPart} {
		if p.pkg.Has(name) {
			t.Fatalf("expected %s to be removed", name)
		}
	}
	assertNoDanglingRels(t, p.pkg)
}

func TestRemovePictureKeepsSharedImage(t *testing.T) {
	p := mustNew(t)
	s, err := p.AddSlide(mustLayout(t, p, "Title Slide"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	putBinary(p.pkg, imagePart, []byte("\x89PNG"))
	rID := s.rels.add(relImage, imagePart)
	tree := s.ShapeTree()
	for _, name := range []string{"Logo", "Logo copy"} {
		pic := xmlPart(t, `<p:pic xmlns:p="`+nsP+`" xmlns:a="`+nsA+`" xmlns:r="`+nsR+`">`+
			`<p:nvPicPr><p:cNvPr id="9" name="`+name+`"/><p:cNvPicPr/><p:nvPr/></p:nvPicPr>`+
			`<p:blipFill><a:blip r:embed="`+rID+`"/></p:blipFill>`+
			`<p:spPr/></p:pic>`).Root()
		insertShapeElement(tree, pic)
	}
	shapes := s.Shapes()
	first, second := shapes[len(shapes)-2], shapes[len(shapes)-1]

	if err := s.RemoveShape(first); err != nil {
		t.Fatalf("remove first picture: %v", err)
	}
	if !p.pkg.Has(imagePart) {
		t.Fatalf("expected shared image to remain while a picture uses it")
	}
	if _, ok := s.rels.target(rID); !ok {
		t.Fatalf("expected image relationship %s to remain", rID)
	}

	if err := s.RemoveShape(second); err != nil {
		t.Fatalf("remove second picture: %v", err)
	}
	if p.pkg.Has(imagePart) {
		t.Fatalf("expected image to be removed with its last picture")
	}
	if _, ok := s.rels.target(rID); ok {
		t.Fatalf("expected image relationship %s to be removed", rID)
	}
	assertNoDanglingRels(t, p.pkg)
}
