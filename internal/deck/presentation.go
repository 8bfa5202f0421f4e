package deck

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/beevik/etree"
)

type options struct {
	nativeChartReplace bool
}

// Option configures a Presentation at open time.
type Option func(*options)

// WithoutNativeChartReplace makes Chart.ReplaceData report ErrUnsupported,
// matching object models that cannot rewrite series data in place.
func WithoutNativeChartReplace() Option {
	return func(o *options) {
		o.nativeChartReplace = false
	}
}

// Presentation is an open .pptx package.
type Presentation struct {
	pkg     *Package
	part    string
	doc     *etree.Document
	rels    *relationships
	masters []*master
	layouts []*Layout
	slides  []*Slide
	opts    options
}

type master struct {
	part string
	doc  *etree.Document
	rels *relationships
}

// Open reads a presentation from disk.
func Open(path string, opts ...Option) (*Presentation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Read(data, opts...)
}

// Read parses a presentation from the bytes of a .pptx package.
func Read(data []byte, opts ...Option) (*Presentation, error) {
	pkg, err := readPackage(data)
	if err != nil {
		return nil, err
	}
	return load(pkg, opts)
}

// New returns an empty presentation with one master and two layouts
// ("Title Slide" and "Title and Content").
func New(opts ...Option) (*Presentation, error) {
	pkg, err := newBlankPackage()
	if err != nil {
		return nil, err
	}
	return load(pkg, opts)
}

func load(pkg *Package, opts []Option) (*Presentation, error) {
	o := options{nativeChartReplace: true}
	for _, opt := range opts {
		opt(&o)
	}
	rootRels, err := loadRelationships(pkg, "")
	if err != nil {
		return nil, err
	}
	docs := rootRels.byType(relOfficeDocument)
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no officeDocument relationship", ErrMalformed)
	}
	p := &Presentation{pkg: pkg, part: docs[0].Target, opts: o}
	if p.doc, err = pkg.XML(p.part); err != nil {
		return nil, err
	}
	if p.doc.Root().Tag != "presentation" {
		return nil, fmt.Errorf("%w: %s is not a presentation", ErrMalformed, p.part)
	}
	if p.rels, err = loadRelationships(pkg, p.part); err != nil {
		return nil, err
	}
	if err := p.loadMasters(); err != nil {
		return nil, err
	}
	if err := p.loadSlides(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Presentation) loadMasters() error {
	lst := p.doc.Root().SelectElement("p:sldMasterIdLst")
	if lst == nil {
		return nil
	}
	for _, ref := range lst.SelectElements("p:sldMasterId") {
		target, ok := p.rels.target(ref.SelectAttrValue("r:id", ""))
		if !ok {
			return fmt.Errorf("%w: dangling slide master reference", ErrMalformed)
		}
		doc, err := p.pkg.XML(target)
		if err != nil {
			return err
		}
		rels, err := loadRelationships(p.pkg, target)
		if err != nil {
			return err
		}
		m := &master{part: target, doc: doc, rels: rels}
		p.masters = append(p.masters, m)
		for _, rel := range rels.byType(relSlideLayout) {
			ldoc, err := p.pkg.XML(rel.Target)
			if err != nil {
				return err
			}
			lrels, err := loadRelationships(p.pkg, rel.Target)
			if err != nil {
				return err
			}
			p.layouts = append(p.layouts, &Layout{pres: p, part: rel.Target, doc: ldoc, rels: lrels, master: m})
		}
	}
	return nil
}

func (p *Presentation) loadSlides() error {
	lst := p.doc.Root().SelectElement("p:sldIdLst")
	if lst == nil {
		return nil
	}
	for _, ref := range lst.SelectElements("p:sldId") {
		rID := ref.SelectAttrValue("r:id", "")
		target, ok := p.rels.target(rID)
		if !ok {
			return fmt.Errorf("%w: dangling slide reference %s", ErrMalformed, rID)
		}
		doc, err := p.pkg.XML(target)
		if err != nil {
			return err
		}
		rels, err := loadRelationships(p.pkg, target)
		if err != nil {
			return err
		}
		s := &Slide{pres: p, part: target, rID: rID, doc: doc, rels: rels}
		if layouts := rels.byType(relSlideLayout); len(layouts) > 0 {
			s.layout = p.layoutByPart(layouts[0].Target)
		}
		p.slides = append(p.slides, s)
	}
	return nil
}

// Package exposes the underlying OPC container.
func (p *Presentation) Package() *Package {
	return p.pkg
}

// WriteTo writes the package as a .pptx zip archive.
func (p *Presentation) WriteTo(w io.Writer) (int64, error) {
	return p.pkg.WriteTo(w)
}

// Bytes returns the serialized package.
func (p *Presentation) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Slides returns the slides in presentation order.
func (p *Presentation) Slides() []*Slide {
	return append([]*Slide(nil), p.slides...)
}

func (p *Presentation) SlideCount() int {
	return len(p.slides)
}

// Layouts returns every layout of every master, in master order.
func (p *Presentation) Layouts() []*Layout {
	return append([]*Layout(nil), p.layouts...)
}

// LayoutByName returns the first layout whose name matches.
func (p *Presentation) LayoutByName(name string) (*Layout, bool) {
	for _, l := range p.layouts {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

func (p *Presentation) layoutByPart(part string) *Layout {
	for _, l := range p.layouts {
		if l.part == part {
			return l
		}
	}
	return nil
}

// SlideSize returns the slide dimensions in EMU.
func (p *Presentation) SlideSize() (int64, int64) {
	sz := p.doc.Root().SelectElement("p:sldSz")
	if sz == nil {
		return 0, 0
	}
	return attrInt(sz, "cx"), attrInt(sz, "cy")
}

// AddSlide appends a slide instantiated from layout. Placeholder geometry
// inherited from the master is resolved onto the new slide.
func (p *Presentation) AddSlide(layout *Layout) (*Slide, error) {
	if layout == nil || layout.pres != p {
		return nil, fmt.Errorf("%w: layout does not belong to this presentation", ErrUnsupported)
	}
	part := p.pkg.nextPartName("ppt/slides/slide", ".xml")
	doc := newSlideDocument(layout)
	p.pkg.putXML(part, doc, ctSlide)
	rels, err := loadRelationships(p.pkg, part)
	if err != nil {
		return nil, err
	}
	rels.add(relSlideLayout, layout.part)
	rID := p.rels.add(relSlide, part)

	lst := p.ensureSlideIDList()
	ref := lst.CreateElement("p:sldId")
	ref.CreateAttr("id", strconv.FormatInt(p.nextSlideID(), 10))
	ref.CreateAttr("r:id", rID)

	s := &Slide{pres: p, part: part, rID: rID, doc: doc, rels: rels, layout: layout}
	p.slides = append(p.slides, s)
	return s, nil
}

// RemoveSlide deletes a slide and its relationship entries. Parts only the
// slide referenced, such as its notes slide, charts, images and embedded
// workbooks, go with it.
func (p *Presentation) RemoveSlide(s *Slide) error {
	idx := -1
	for i, cur := range p.slides {
		if cur == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: slide %s", ErrPartNotFound, s.part)
	}
	if lst := p.doc.Root().SelectElement("p:sldIdLst"); lst != nil {
		for _, ref := range lst.SelectElements("p:sldId") {
			if ref.SelectAttrValue("r:id", "") == s.rID {
				lst.RemoveChild(ref)
			}
		}
		if len(lst.ChildElements()) == 0 {
			p.doc.Root().RemoveChild(lst)
		}
	}
	p.rels.remove(s.rID)
	var owned []string
	for _, rel := range s.rels.all() {
		if !rel.External {
			owned = append(owned, rel.Target)
		}
	}
	p.pkg.remove(s.rels.part)
	p.pkg.remove(s.part)
	p.slides = append(p.slides[:idx], p.slides[idx+1:]...)
	return p.pkg.prune(owned)
}

func (p *Presentation) ensureSlideIDList() *etree.Element {
	root := p.doc.Root()
	if lst := root.SelectElement("p:sldIdLst"); lst != nil {
		return lst
	}
	lst := etree.NewElement("p:sldIdLst")
	// sldIdLst precedes sldSz and everything after it.
	for _, child := range root.ChildElements() {
		switch child.Tag {
		case "sldSz", "notesSz", "smartTags", "embeddedFontLst", "custShowLst",
			"photoAlbum", "custDataLst", "kinsoku", "defaultTextStyle", "modifyVerifier", "extLst":
			root.InsertChildAt(child.Index(), lst)
			return lst
		}
	}
	root.AddChild(lst)
	return lst
}

func (p *Presentation) nextSlideID() int64 {
	next := int64(256)
	if lst := p.doc.Root().SelectElement("p:sldIdLst"); lst != nil {
		for _, ref := range lst.SelectElements("p:sldId") {
			if id := attrInt(ref, "id"); id >= next {
				next = id + 1
			}
		}
	}
	return next
}

func attrInt(el *etree.Element, key string) int64 {
	v, err := strconv.ParseInt(el.SelectAttrValue(key, "0"), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
