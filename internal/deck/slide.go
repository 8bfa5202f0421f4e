package deck

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// Layout is a slide layout part.
type Layout struct {
	pres   *Presentation
	part   string
	doc    *etree.Document
	rels   *relationships
	master *master
}

// Name returns the layout name, e.g. "Title Slide".
func (l *Layout) Name() string {
	if cSld := l.doc.Root().SelectElement("p:cSld"); cSld != nil {
		return cSld.SelectAttrValue("name", "")
	}
	return ""
}

func (l *Layout) PartName() string {
	return l.part
}

// Placeholders returns the placeholder shapes declared by the layout.
func (l *Layout) Placeholders() []*Shape {
	tree := spTree(l.doc)
	if tree == nil {
		return nil
	}
	var out []*Shape
	for _, el := range tree.ChildElements() {
		if placeholderElement(el) != nil {
			out = append(out, &Shape{el: el})
		}
	}
	return out
}

// Slide is one slide part.
type Slide struct {
	pres   *Presentation
	part   string
	rID    string
	doc    *etree.Document
	rels   *relationships
	layout *Layout
}

func (s *Slide) PartName() string {
	return s.part
}

// Layout returns the layout the slide was built from, or nil when the
// layout relationship is missing.
func (s *Slide) Layout() *Layout {
	return s.layout
}

func (s *Slide) Document() *etree.Document {
	return s.doc
}

// ShapeTree returns the p:spTree element.
func (s *Slide) ShapeTree() *etree.Element {
	return spTree(s.doc)
}

// Shapes returns the top-level shapes in z-order, back to front.
func (s *Slide) Shapes() []*Shape {
	tree := s.ShapeTree()
	if tree == nil {
		return nil
	}
	var out []*Shape
	for _, el := range tree.ChildElements() {
		if isShapeElement(el) {
			out = append(out, &Shape{slide: s, el: el})
		}
	}
	return out
}

// ShapeSpec describes an autoshape to add.
type ShapeSpec struct {
	Name      string
	Rect      Rect
	Geometry  string // preset geometry, "rect" when empty
	FillColor string // hex RGB, no fill element when empty
	LineColor string
	Text      string
}

// AddShape appends an autoshape on top of the z-order.
func (s *Slide) AddShape(spec ShapeSpec) (*Shape, error) {
	tree := s.ShapeTree()
	if tree == nil {
		return nil, fmt.Errorf("%w: %s has no shape tree", ErrMalformed, s.part)
	}
	id := s.nextShapeID()
	name := spec.Name
	if name == "" {
		name = "Shape " + strconv.Itoa(id-1)
	}
	geom := spec.Geometry
	if geom == "" {
		geom = "rect"
	}
	sp := etree.NewElement("p:sp")
	nv := sp.CreateElement("p:nvSpPr")
	cNvPr := nv.CreateElement("p:cNvPr")
	cNvPr.CreateAttr("id", strconv.Itoa(id))
	cNvPr.CreateAttr("name", name)
	nv.CreateElement("p:cNvSpPr")
	nv.CreateElement("p:nvPr")
	spPr := sp.CreateElement("p:spPr")
	writeXfrm(spPr.CreateElement("a:xfrm"), spec.Rect)
	prst := spPr.CreateElement("a:prstGeom")
	prst.CreateAttr("prst", geom)
	prst.CreateElement("a:avLst")
	if spec.FillColor != "" {
		solidFill(spPr, spec.FillColor)
	}
	if spec.LineColor != "" {
		solidFill(spPr.CreateElement("a:ln"), spec.LineColor)
	}
	body := sp.CreateElement("p:txBody")
	body.CreateElement("a:bodyPr")
	body.CreateElement("a:lstStyle")
	writeParagraphs(body, spec.Text)
	insertShapeElement(tree, sp)
	return &Shape{slide: s, el: sp}, nil
}

// AddTextBox appends a text box with no fill.
func (s *Slide) AddTextBox(rect Rect, text string) (*Shape, error) {
	sh, err := s.AddShape(ShapeSpec{Name: "TextBox " + strconv.Itoa(s.nextShapeID()-1), Rect: rect, Text: text})
	if err != nil {
		return nil, err
	}
	sh.el.SelectElement("p:nvSpPr").SelectElement("p:cNvSpPr").CreateAttr("txBox", "1")
	spPr := sh.el.SelectElement("p:spPr")
	spPr.CreateElement("a:noFill")
	body := sh.el.SelectElement("p:txBody").SelectElement("a:bodyPr")
	body.CreateAttr("wrap", "none")
	return sh, nil
}

// RemoveShape detaches a shape from its parent. Relationships only the shape
// used are dropped, and chart, image or embedded parts nothing else
// references go with them.
func (s *Slide) RemoveShape(sh *Shape) error {
	parent := sh.el.Parent()
	if parent == nil || sh.slide != s {
		return fmt.Errorf("%w: shape is not on %s", ErrPartNotFound, s.part)
	}
	parent.RemoveChild(sh.el)
	var owned []string
	for _, rID := range shapeRelIDs(sh.el) {
		if s.elementUsesRel(rID) {
			continue
		}
		if target, ok := s.rels.target(rID); ok {
			owned = append(owned, target)
		}
		s.rels.remove(rID)
	}
	return s.pres.pkg.prune(owned)
}

// elementUsesRel reports whether anything left on the slide still points at
// the relationship.
func (s *Slide) elementUsesRel(rID string) bool {
	for _, id := range shapeRelIDs(s.doc.Root()) {
		if id == rID {
			return true
		}
	}
	return false
}

// shapeRelIDs collects the r:id, r:embed and r:link references under el.
func shapeRelIDs(el *etree.Element) []string {
	var out []string
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		for _, a := range e.Attr {
			if a.Space == "r" && (a.Key == "id" || a.Key == "embed" || a.Key == "link" || a.Key == "pict") {
				out = append(out, a.Value)
			}
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	walk(el)
	return out
}

func (s *Slide) nextShapeID() int {
	max := 1
	for _, el := range s.doc.FindElements("//p:cNvPr") {
		if id, err := strconv.Atoi(el.SelectAttrValue("id", "0")); err == nil && id > max {
			max = id
		}
	}
	return max + 1
}

func spTree(doc *etree.Document) *etree.Element {
	cSld := doc.Root().SelectElement("p:cSld")
	if cSld == nil {
		return nil
	}
	return cSld.SelectElement("p:spTree")
}

func isShapeElement(el *etree.Element) bool {
	switch el.FullTag() {
	case "p:sp", "p:pic", "p:graphicFrame", "p:grpSp", "p:cxnSp", "p:contentPart", "mc:AlternateContent":
		return true
	}
	return false
}

// insertShapeElement adds el to a shape tree, keeping a trailing
// p:extLst last.
func insertShapeElement(tree, el *etree.Element) {
	if ext := tree.SelectElement("p:extLst"); ext != nil {
		tree.InsertChildAt(ext.Index(), el)
		return
	}
	tree.AddChild(el)
}

func newSlideDocument(layout *Layout) *etree.Document {
	doc := newXMLDocument()
	root := doc.CreateElement("p:sld")
	root.CreateAttr("xmlns:a", nsA)
	root.CreateAttr("xmlns:r", nsR)
	root.CreateAttr("xmlns:p", nsP)
	tree := root.CreateElement("p:cSld").CreateElement("p:spTree")
	appendGroupHeader(tree)
	id := 2
	for _, ph := range layout.Placeholders() {
		if ph.el.FullTag() != "p:sp" {
			continue
		}
		sp := etree.NewElement("p:sp")
		nv := ph.el.SelectElement("p:nvSpPr").Copy()
		if cNvPr := nv.SelectElement("p:cNvPr"); cNvPr != nil {
			cNvPr.CreateAttr("id", strconv.Itoa(id))
		}
		sp.AddChild(nv)
		spPr := sp.CreateElement("p:spPr")
		if rect, ok := layout.placeholderRect(ph); ok {
			writeXfrm(spPr.CreateElement("a:xfrm"), rect)
		}
		body := sp.CreateElement("p:txBody")
		body.CreateElement("a:bodyPr")
		body.CreateElement("a:lstStyle")
		body.CreateElement("a:p")
		tree.AddChild(sp)
		id++
	}
	clr := root.CreateElement("p:clrMapOvr")
	clr.CreateElement("a:masterClrMapping")
	return doc
}

func appendGroupHeader(tree *etree.Element) {
	nv := tree.CreateElement("p:nvGrpSpPr")
	cNvPr := nv.CreateElement("p:cNvPr")
	cNvPr.CreateAttr("id", "1")
	cNvPr.CreateAttr("name", "")
	nv.CreateElement("p:cNvGrpSpPr")
	nv.CreateElement("p:nvPr")
	xfrm := tree.CreateElement("p:grpSpPr").CreateElement("a:xfrm")
	writeXfrm(xfrm, Rect{})
	off := xfrm.CreateElement("a:chOff")
	off.CreateAttr("x", "0")
	off.CreateAttr("y", "0")
	ext := xfrm.CreateElement("a:chExt")
	ext.CreateAttr("cx", "0")
	ext.CreateAttr("cy", "0")
}

// placeholderRect resolves the geometry of a layout placeholder, falling
// back to the matching master placeholder.
func (l *Layout) placeholderRect(ph *Shape) (Rect, bool) {
	if xfrm := ph.xfrm(); xfrm != nil {
		return readXfrm(xfrm), true
	}
	if l.master == nil {
		return Rect{}, false
	}
	typ, idx := ph.placeholderKey()
	tree := spTree(l.master.doc)
	if tree == nil {
		return Rect{}, false
	}
	var byIdx *Shape
	for _, el := range tree.ChildElements() {
		if placeholderElement(el) == nil {
			continue
		}
		cand := &Shape{el: el}
		ctyp, cidx := cand.placeholderKey()
		xfrm := cand.xfrm()
		if xfrm == nil {
			continue
		}
		if masterPlaceholderType(ctyp) == masterPlaceholderType(typ) {
			return readXfrm(xfrm), true
		}
		if idx != "" && cidx == idx && byIdx == nil {
			byIdx = cand
		}
	}
	if byIdx != nil {
		return readXfrm(byIdx.xfrm()), true
	}
	return Rect{}, false
}

// masterPlaceholderType maps a layout placeholder type to the master
// placeholder it inherits from.
func masterPlaceholderType(typ string) string {
	switch typ {
	case "ctrTitle", "title":
		return "title"
	case "subTitle", "obj", "body", "":
		return "body"
	}
	return typ
}

func placeholderElement(el *etree.Element) *etree.Element {
	for _, nvTag := range []string{"p:nvSpPr", "p:nvPicPr", "p:nvGraphicFramePr"} {
		if nv := el.SelectElement(nvTag); nv != nil {
			if nvPr := nv.SelectElement("p:nvPr"); nvPr != nil {
				return nvPr.SelectElement("p:ph")
			}
		}
	}
	return nil
}

func writeXfrm(xfrm *etree.Element, r Rect) {
	off := xfrm.SelectElement("a:off")
	if off == nil {
		off = etree.NewElement("a:off")
		xfrm.InsertChildAt(0, off)
	}
	off.CreateAttr("x", strconv.FormatInt(r.X, 10))
	off.CreateAttr("y", strconv.FormatInt(r.Y, 10))
	ext := xfrm.SelectElement("a:ext")
	if ext == nil {
		ext = etree.NewElement("a:ext")
		xfrm.InsertChildAt(off.Index()+1, ext)
	}
	ext.CreateAttr("cx", strconv.FormatInt(r.CX, 10))
	ext.CreateAttr("cy", strconv.FormatInt(r.CY, 10))
}

func readXfrm(xfrm *etree.Element) Rect {
	var r Rect
	if off := xfrm.SelectElement("a:off"); off != nil {
		r.X, r.Y = attrInt(off, "x"), attrInt(off, "y")
	}
	if ext := xfrm.SelectElement("a:ext"); ext != nil {
		r.CX, r.CY = attrInt(ext, "cx"), attrInt(ext, "cy")
	}
	return r
}

func solidFill(parent *etree.Element, rgb string) *etree.Element {
	fill := parent.CreateElement("a:solidFill")
	clr := fill.CreateElement("a:srgbClr")
	clr.CreateAttr("val", rgb)
	return fill
}
