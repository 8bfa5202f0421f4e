package deckguard

import (
	"fmt"
	"math"
	"strconv"

	"github.com/agentworkforce/deckguard/internal/deck"
	"github.com/beevik/etree"
)

// ShapeClass is the closed set of shape kinds the patch engine knows.
type ShapeClass int

const (
	ClassOther ShapeClass = iota
	ClassAutoShape
	ClassPicture
	ClassConnector
	ClassChartFrame
	ClassGraphicFrame
	ClassGroup
)

func (c ShapeClass) String() string {
	switch c {
	case ClassAutoShape:
		return "autoshape"
	case ClassPicture:
		return "picture"
	case ClassConnector:
		return "connector"
	case ClassChartFrame:
		return "chart_frame"
	case ClassGraphicFrame:
		return "graphic_frame"
	case ClassGroup:
		return "group"
	case ClassOther:
		return "other"
	}
	return "class(" + strconv.Itoa(int(c)) + ")"
}

type Capabilities struct {
	HasFill bool `json:"hasFill"`
	HasLine bool `json:"hasLine"`
	IsChart bool `json:"isChart"`
	IsGroup bool `json:"isGroup"`
}

func (c ShapeClass) Capabilities() Capabilities {
	switch c {
	case ClassAutoShape, ClassPicture:
		return Capabilities{HasFill: true, HasLine: true}
	case ClassConnector:
		return Capabilities{HasLine: true}
	case ClassChartFrame:
		return Capabilities{IsChart: true}
	case ClassGroup:
		return Capabilities{IsGroup: true}
	case ClassGraphicFrame, ClassOther:
		return Capabilities{}
	}
	panic("deckguard: unhandled shape class " + c.String())
}

func classify(sh *deck.Shape) ShapeClass {
	switch sh.Kind() {
	case deck.KindAutoShape:
		return ClassAutoShape
	case deck.KindPicture:
		return ClassPicture
	case deck.KindConnector:
		return ClassConnector
	case deck.KindGraphicFrame:
		if sh.IsChart() {
			return ClassChartFrame
		}
		return ClassGraphicFrame
	case deck.KindGroup:
		return ClassGroup
	}
	return ClassOther
}

// PatchTarget is one shape resolved for a single patch call.
type PatchTarget struct {
	SlideIndex int
	ShapeIndex int
	Class      ShapeClass
	Caps       Capabilities
	Shape      *deck.Shape
	Element    *etree.Element
}

type ZOrderAction string

const (
	BringToFront ZOrderAction = "bring_to_front"
	SendToBack   ZOrderAction = "send_to_back"
	BringForward ZOrderAction = "bring_forward"
	SendBackward ZOrderAction = "send_backward"
)

type ZOrderResult struct {
	From    int    `json:"from"`
	To      int    `json:"to"`
	Moved   bool   `json:"moved"`
	Warning string `json:"warning,omitempty"`
}

// Change describes one applied mutation.
type Change struct {
	Op     string `json:"op"`
	Slide  int    `json:"slide"`
	Shape  int    `json:"shape"`
	Detail string `json:"detail,omitempty"`
}

// changeJournal collects what a session reports on exit.
type changeJournal struct {
	changes  []Change
	warnings []string
	dirty    bool
}

func (j *changeJournal) record(c Change) {
	j.changes = append(j.changes, c)
	j.dirty = true
}

func (j *changeJournal) warn(msg string) {
	j.warnings = append(j.warnings, msg)
}

// FormatPatchEngine edits the XML of shapes for what the object model does
// not offer: fill and line opacity, and z-order. Edits stay in memory.
type FormatPatchEngine struct {
	doc     *deck.Presentation
	journal *changeJournal
}

func NewFormatPatchEngine(doc *deck.Presentation) *FormatPatchEngine {
	return &FormatPatchEngine{doc: doc, journal: &changeJournal{}}
}

// Changes returns the mutations applied so far.
func (e *FormatPatchEngine) Changes() []Change {
	return append([]Change(nil), e.journal.changes...)
}

func (e *FormatPatchEngine) Target(slide, shape int) (PatchTarget, error) {
	sh, err := resolveShape(e.doc, slide, shape)
	if err != nil {
		return PatchTarget{}, err
	}
	class := classify(sh)
	return PatchTarget{
		SlideIndex: slide,
		ShapeIndex: shape,
		Class:      class,
		Caps:       class.Capabilities(),
		Shape:      sh,
		Element:    sh.Element(),
	}, nil
}

func resolveSlide(doc *deck.Presentation, slide int) (*deck.Slide, error) {
	slides := doc.Slides()
	if slide < 0 || slide >= len(slides) {
		return nil, &StructuralNotFoundError{Kind: "slide", Index: slide, Count: len(slides)}
	}
	return slides[slide], nil
}

func resolveShape(doc *deck.Presentation, slide, shape int) (*deck.Shape, error) {
	s, err := resolveSlide(doc, slide)
	if err != nil {
		return nil, err
	}
	shapes := s.Shapes()
	if shape < 0 || shape >= len(shapes) {
		return nil, &StructuralNotFoundError{Kind: "shape", Index: shape, Count: len(shapes)}
	}
	return shapes[shape], nil
}

// AlphaValue converts an opacity in [0,1] to the DrawingML alpha scale.
func AlphaValue(opacity float64) (int, error) {
	if math.IsNaN(opacity) || opacity < 0 || opacity > 1 {
		return 0, fmt.Errorf("%w: opacity %v outside [0,1]", ErrInvalidInput, opacity)
	}
	return int(math.Round(opacity * 100000)), nil
}

// SetFillOpacity writes an alpha onto every color of the shape's existing
// solid or gradient fill. It never creates a fill.
func (e *FormatPatchEngine) SetFillOpacity(slide, shape int, opacity float64) (int, error) {
	alpha, err := AlphaValue(opacity)
	if err != nil {
		return 0, err
	}
	t, err := e.Target(slide, shape)
	if err != nil {
		return 0, err
	}
	if !t.Caps.HasFill {
		return 0, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: t.Class.String() + " has no fill"}
	}
	spPr := t.Element.SelectElement("p:spPr")
	if spPr == nil {
		return 0, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: "shape has no spPr"}
	}
	fill := spPr.SelectElement("a:solidFill")
	if fill == nil {
		fill = spPr.SelectElement("a:gradFill")
	}
	if fill == nil {
		return 0, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: "no solid or gradient fill defined"}
	}
	if err := applyAlpha(fill, alpha); err != nil {
		return 0, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: err.Error()}
	}
	e.journal.record(Change{Op: "set_fill_opacity", Slide: slide, Shape: shape, Detail: "alpha=" + strconv.Itoa(alpha)})
	return alpha, nil
}

// SetLineOpacity does the same for the solid fill of the outline.
func (e *FormatPatchEngine) SetLineOpacity(slide, shape int, opacity float64) (int, error) {
	alpha, err := AlphaValue(opacity)
	if err != nil {
		return 0, err
	}
	t, err := e.Target(slide, shape)
	if err != nil {
		return 0, err
	}
	if !t.Caps.HasLine {
		return 0, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: t.Class.String() + " has no line"}
	}
	fill := t.Element.FindElement("./p:spPr/a:ln/a:solidFill")
	if fill == nil {
		return 0, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: "no solid line fill defined"}
	}
	if err := applyAlpha(fill, alpha); err != nil {
		return 0, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: err.Error()}
	}
	e.journal.record(Change{Op: "set_line_opacity", Slide: slide, Shape: shape, Detail: "alpha=" + strconv.Itoa(alpha)})
	return alpha, nil
}

var colorTags = map[string]bool{
	"srgbClr": true, "schemeClr": true, "sysClr": true,
	"prstClr": true, "hslClr": true, "scrgbClr": true,
}

func colorNodes(fill *etree.Element) []*etree.Element {
	var out []*etree.Element
	switch fill.Tag {
	case "solidFill":
		for _, c := range fill.ChildElements() {
			if colorTags[c.Tag] {
				out = append(out, c)
			}
		}
	case "gradFill":
		for _, gs := range fill.FindElements("./a:gsLst/a:gs") {
			for _, c := range gs.ChildElements() {
				if colorTags[c.Tag] {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

func applyAlpha(fill *etree.Element, alpha int) error {
	colors := colorNodes(fill)
	if len(colors) == 0 {
		return fmt.Errorf("%s has no color", fill.Tag)
	}
	for _, c := range colors {
		for _, old := range c.SelectElements("a:alpha") {
			c.RemoveChild(old)
		}
		c.CreateElement("a:alpha").CreateAttr("val", strconv.Itoa(alpha))
	}
	return nil
}

// Reorder moves a top-level shape within its slide's shape tree. The group
// header stays first and a trailing extLst stays last. A move invalidates
// every shape index previously reported for that slide.
func (e *FormatPatchEngine) Reorder(slide, shape int, action ZOrderAction) (ZOrderResult, error) {
	t, err := e.Target(slide, shape)
	if err != nil {
		return ZOrderResult{}, err
	}
	tree := t.Element.Parent()
	if tree == nil {
		return ZOrderResult{}, fmt.Errorf("%w: shape is detached", ErrInvalidState)
	}
	elems := tree.ChildElements()
	lo := 0
	for lo < len(elems) && (elems[lo].FullTag() == "p:nvGrpSpPr" || elems[lo].FullTag() == "p:grpSpPr") {
		lo++
	}
	hi := len(elems)
	if hi > lo && elems[hi-1].FullTag() == "p:extLst" {
		hi--
	}
	body := elems[lo:hi]
	from := -1
	for i, el := range body {
		if el == t.Element {
			from = i
			break
		}
	}
	if from < 0 {
		return ZOrderResult{}, fmt.Errorf("%w: shape not in its container", ErrInvalidState)
	}
	to := from
	switch action {
	case BringToFront:
		to = len(body) - 1
	case SendToBack:
		to = 0
	case BringForward:
		if from < len(body)-1 {
			to = from + 1
		}
	case SendBackward:
		if from > 0 {
			to = from - 1
		}
	default:
		return ZOrderResult{}, fmt.Errorf("%w: z-order action %q", ErrInvalidInput, action)
	}
	if to == from {
		return ZOrderResult{From: shape, To: shape}, nil
	}

	rest := make([]*etree.Element, 0, len(body)-1)
	for _, el := range body {
		if el != t.Element {
			rest = append(rest, el)
		}
	}
	tree.RemoveChild(t.Element)
	if to < len(rest) {
		tree.InsertChildAt(rest[to].Index(), t.Element)
	} else {
		tree.InsertChildAt(rest[len(rest)-1].Index()+1, t.Element)
	}

	newIndex := shape
	if s, err := resolveSlide(e.doc, slide); err == nil {
		for i, sh := range s.Shapes() {
			if sh.Element() == t.Element {
				newIndex = i
				break
			}
		}
	}
	res := ZOrderResult{
		From:    shape,
		To:      newIndex,
		Moved:   true,
		Warning: fmt.Sprintf("slide %d: shape indices changed by %s; re-query shapes before addressing them by index", slide, action),
	}
	e.journal.record(Change{Op: string(action), Slide: slide, Shape: shape, Detail: fmt.Sprintf("index %d -> %d", shape, newIndex)})
	e.journal.warn(res.Warning)
	return res, nil
}
