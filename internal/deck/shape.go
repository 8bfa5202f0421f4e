package deck

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Kind is the structural kind of a shape element.
type Kind int

const (
	KindOther Kind = iota
	KindAutoShape
	KindPicture
	KindGraphicFrame
	KindGroup
	KindConnector
)

func (k Kind) String() string {
	switch k {
	case KindAutoShape:
		return "sp"
	case KindPicture:
		return "pic"
	case KindGraphicFrame:
		return "graphicFrame"
	case KindGroup:
		return "grpSp"
	case KindConnector:
		return "cxnSp"
	}
	return "other"
}

// Rect is a position and size in EMU.
type Rect struct {
	X, Y, CX, CY int64
}

// Shape wraps one shape element of a slide. Shapes are views: they stay
// valid while the element stays in the tree.
type Shape struct {
	slide *Slide
	el    *etree.Element
}

func (sh *Shape) Element() *etree.Element {
	return sh.el
}

func (sh *Shape) Slide() *Slide {
	return sh.slide
}

func (sh *Shape) Kind() Kind {
	switch sh.el.FullTag() {
	case "p:sp":
		return KindAutoShape
	case "p:pic":
		return KindPicture
	case "p:graphicFrame":
		return KindGraphicFrame
	case "p:grpSp":
		return KindGroup
	case "p:cxnSp":
		return KindConnector
	}
	return KindOther
}

func (sh *Shape) cNvPr() *etree.Element {
	for _, nv := range sh.el.ChildElements() {
		if strings.HasPrefix(nv.Tag, "nv") {
			return nv.SelectElement("p:cNvPr")
		}
	}
	return nil
}

// ID returns the shape id, or 0 when absent.
func (sh *Shape) ID() int {
	c := sh.cNvPr()
	if c == nil {
		return 0
	}
	id, _ := strconv.Atoi(c.SelectAttrValue("id", "0"))
	return id
}

func (sh *Shape) Name() string {
	if c := sh.cNvPr(); c != nil {
		return c.SelectAttrValue("name", "")
	}
	return ""
}

func (sh *Shape) xfrm() *etree.Element {
	switch sh.el.FullTag() {
	case "p:graphicFrame":
		return sh.el.SelectElement("p:xfrm")
	case "p:grpSp":
		if pr := sh.el.SelectElement("p:grpSpPr"); pr != nil {
			return pr.SelectElement("a:xfrm")
		}
	default:
		if pr := sh.el.SelectElement("p:spPr"); pr != nil {
			return pr.SelectElement("a:xfrm")
		}
	}
	return nil
}

// Rect returns the shape geometry. ok is false when the shape inherits its
// position (placeholders without an xfrm).
func (sh *Shape) Rect() (Rect, bool) {
	xfrm := sh.xfrm()
	if xfrm == nil {
		return Rect{}, false
	}
	return readXfrm(xfrm), true
}

// SetRect writes an explicit position and size.
func (sh *Shape) SetRect(r Rect) error {
	xfrm := sh.xfrm()
	if xfrm == nil {
		switch sh.el.FullTag() {
		case "p:graphicFrame":
			xfrm = etree.NewElement("p:xfrm")
			at := len(sh.el.Child)
			if g := sh.el.SelectElement("a:graphic"); g != nil {
				at = g.Index()
			}
			sh.el.InsertChildAt(at, xfrm)
		case "p:grpSp":
			pr := sh.el.SelectElement("p:grpSpPr")
			if pr == nil {
				return fmt.Errorf("%w: group without grpSpPr", ErrMalformed)
			}
			xfrm = etree.NewElement("a:xfrm")
			pr.InsertChildAt(0, xfrm)
		default:
			pr := sh.el.SelectElement("p:spPr")
			if pr == nil {
				return fmt.Errorf("%w: %s has no spPr", ErrUnsupported, sh.el.FullTag())
			}
			xfrm = etree.NewElement("a:xfrm")
			pr.InsertChildAt(0, xfrm)
		}
	}
	writeXfrm(xfrm, r)
	return nil
}

// TextRuns returns the text of every a:t run in document order.
func (sh *Shape) TextRuns() []string {
	var out []string
	for _, t := range sh.el.FindElements(".//a:t") {
		out = append(out, t.Text())
	}
	return out
}

// Paragraphs returns the runs of each paragraph the shape itself holds.
// Groups hold none; their children are shapes of their own. Graphic frames
// report the paragraphs of any table they carry.
func (sh *Shape) Paragraphs() [][]string {
	var paras []*etree.Element
	switch sh.el.FullTag() {
	case "p:grpSp":
		return nil
	case "p:sp", "p:cxnSp":
		if body := sh.el.SelectElement("p:txBody"); body != nil {
			paras = body.SelectElements("a:p")
		}
	default:
		paras = sh.el.FindElements(".//a:p")
	}
	out := make([][]string, 0, len(paras))
	for _, p := range paras {
		runs := []string{}
		for _, t := range p.FindElements(".//a:t") {
			runs = append(runs, t.Text())
		}
		out = append(out, runs)
	}
	return out
}

// Text returns the shape text with paragraphs separated by newlines.
func (sh *Shape) Text() string {
	body := sh.el.SelectElement("p:txBody")
	if body == nil {
		return ""
	}
	var paras []string
	for _, p := range body.SelectElements("a:p") {
		var b strings.Builder
		for _, t := range p.FindElements(".//a:t") {
			b.WriteString(t.Text())
		}
		paras = append(paras, b.String())
	}
	return strings.Join(paras, "\n")
}

// SetText replaces the paragraphs of the shape text body.
func (sh *Shape) SetText(text string) error {
	body := sh.el.SelectElement("p:txBody")
	if body == nil {
		return fmt.Errorf("%w: %s has no text body", ErrUnsupported, sh.el.FullTag())
	}
	for _, p := range body.SelectElements("a:p") {
		body.RemoveChild(p)
	}
	writeParagraphs(body, text)
	return nil
}

// Placeholder reports the placeholder type and idx when the shape is one.
func (sh *Shape) Placeholder() (typ, idx string, ok bool) {
	ph := placeholderElement(sh.el)
	if ph == nil {
		return "", "", false
	}
	return ph.SelectAttrValue("type", "obj"), ph.SelectAttrValue("idx", ""), true
}

func (sh *Shape) placeholderKey() (string, string) {
	typ, idx, _ := sh.Placeholder()
	return typ, idx
}

// Children returns the member shapes of a group.
func (sh *Shape) Children() []*Shape {
	if sh.Kind() != KindGroup {
		return nil
	}
	var out []*Shape
	for _, el := range sh.el.ChildElements() {
		if isShapeElement(el) {
			out = append(out, &Shape{slide: sh.slide, el: el})
		}
	}
	return out
}

// IsChart reports whether the shape is a graphic frame holding a chart.
func (sh *Shape) IsChart() bool {
	return chartRelID(sh.el) != ""
}

// Chart loads the chart part referenced by a chart frame.
func (sh *Shape) Chart() (*Chart, error) {
	rID := chartRelID(sh.el)
	if rID == "" {
		return nil, ErrNotChart
	}
	if sh.slide == nil {
		return nil, fmt.Errorf("%w: detached chart frame", ErrPartNotFound)
	}
	target, ok := sh.slide.rels.target(rID)
	if !ok {
		return nil, fmt.Errorf("%w: chart relationship %s", ErrPartNotFound, rID)
	}
	doc, err := sh.slide.pres.pkg.XML(target)
	if err != nil {
		return nil, err
	}
	return &Chart{shape: sh, part: target, rID: rID, doc: doc}, nil
}

func chartRelID(el *etree.Element) string {
	if el.FullTag() != "p:graphicFrame" {
		return ""
	}
	data := el.FindElement("./a:graphic/a:graphicData")
	if data == nil || data.SelectAttrValue("uri", "") != chartGraphicURI {
		return ""
	}
	ref := data.SelectElement("c:chart")
	if ref == nil {
		return ""
	}
	return ref.SelectAttrValue("r:id", "")
}

func writeParagraphs(body *etree.Element, text string) {
	at := len(body.Child)
	if ext := body.SelectElement("a:extLst"); ext != nil {
		at = ext.Index()
	}
	for _, line := range strings.Split(text, "\n") {
		p := etree.NewElement("a:p")
		if line != "" {
			r := p.CreateElement("a:r")
			rPr := r.CreateElement("a:rPr")
			rPr.CreateAttr("lang", "en-US")
			r.CreateElement("a:t").SetText(line)
		}
		body.InsertChildAt(at, p)
		at = p.Index() + 1
	}
}
