// Package deck is a small PresentationML object model. It opens a .pptx
// package, exposes slides, layouts, shapes and charts, and writes the
// package back out. Every object gives access to its underlying XML element
// so that callers can reach what the model does not cover.
//
// The model assumes the conventional namespace prefixes written by
// PowerPoint (p, a, r, c).
package deck

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/zip"
)

var (
	ErrMalformed    = errors.New("malformed package")
	ErrPartNotFound = errors.New("part not found")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrNotChart     = errors.New("shape is not a chart")
	ErrInvalidData  = errors.New("invalid chart data")
)

const (
	nsP    = "http://schemas.openxmlformats.org/presentationml/2006/main"
	nsA    = "http://schemas.openxmlformats.org/drawingml/2006/main"
	nsR    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	nsC    = "http://schemas.openxmlformats.org/drawingml/2006/chart"
	nsRels = "http://schemas.openxmlformats.org/package/2006/relationships"
	nsCT   = "http://schemas.openxmlformats.org/package/2006/content-types"

	relOfficeDocument = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument"
	relSlide          = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/slide"
	relSlideLayout    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideLayout"
	relSlideMaster    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideMaster"
	relTheme          = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/theme"
	relChart          = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/chart"

	ctPresentation = "application/vnd.openxmlformats-officedocument.presentationml.presentation.main+xml"
	ctSlide        = "application/vnd.openxmlformats-officedocument.presentationml.slide+xml"
	ctSlideLayout  = "application/vnd.openxmlformats-officedocument.presentationml.slideLayout+xml"
	ctSlideMaster  = "application/vnd.openxmlformats-officedocument.presentationml.slideMaster+xml"
	ctTheme        = "application/vnd.openxmlformats-officedocument.theme+xml"
	ctChart        = "application/vnd.openxmlformats-officedocument.drawingml.chart+xml"
	ctRels         = "application/vnd.openxmlformats-package.relationships+xml"

	contentTypesPart = "[Content_Types].xml"
	packageRelsPart  = "_rels/.rels"

	chartGraphicURI = "http://schemas.openxmlformats.org/drawingml/2006/chart"
)

type part struct {
	data []byte
	doc  *etree.Document
}

// Package is an Open Packaging Conventions container: a zip of named parts
// plus the content type map. XML parts are parsed on first access and
// serialized from the parsed tree on write.
type Package struct {
	parts map[string]*part
	order []string
	types *etree.Document
}

func readPackage(data []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pkg := &Package{parts: map[string]*part{}}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		name := strings.TrimPrefix(f.Name, "/")
		if _, dup := pkg.parts[name]; dup {
			return nil, fmt.Errorf("%w: duplicate part %s", ErrMalformed, name)
		}
		pkg.parts[name] = &part{data: b}
		pkg.order = append(pkg.order, name)
	}
	types, err := pkg.XML(contentTypesPart)
	if err != nil {
		return nil, fmt.Errorf("%w: missing content types", ErrMalformed)
	}
	pkg.types = types
	return pkg, nil
}

// Has reports whether the package contains the named part.
func (p *Package) Has(name string) bool {
	_, ok := p.parts[name]
	return ok
}

// Parts returns the part names in write order.
func (p *Package) Parts() []string {
	return append([]string(nil), p.order...)
}

// XML returns the parsed tree of an XML part, parsing it on first use.
func (p *Package) XML(name string) (*etree.Document, error) {
	pt, ok := p.parts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartNotFound, name)
	}
	if pt.doc == nil {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(pt.data); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, name, err)
		}
		if doc.Root() == nil {
			return nil, fmt.Errorf("%w: %s has no root element", ErrMalformed, name)
		}
		pt.doc = doc
		pt.data = nil
	}
	return pt.doc, nil
}

// ParseAll parses every XML part so that the package serializes entirely
// from parsed trees. Two serializations of an unmodified, fully parsed
// package are byte-identical.
func (p *Package) ParseAll() error {
	for _, name := range p.order {
		if !isXMLPart(name) {
			continue
		}
		if _, err := p.XML(name); err != nil {
			return err
		}
	}
	return nil
}

func isXMLPart(name string) bool {
	return strings.HasSuffix(name, ".xml") || strings.HasSuffix(name, ".rels")
}

func (p *Package) putXML(name string, doc *etree.Document, contentType string) {
	if _, ok := p.parts[name]; !ok {
		p.order = append(p.order, name)
	}
	p.parts[name] = &part{doc: doc}
	if contentType != "" {
		p.setOverride(name, contentType)
	}
}

func (p *Package) remove(name string) {
	if _, ok := p.parts[name]; !ok {
		return
	}
	delete(p.parts, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.removeOverride(name)
}

func (p *Package) setOverride(name, contentType string) {
	root := p.types.Root()
	partName := "/" + name
	for _, o := range root.SelectElements("Override") {
		if o.SelectAttrValue("PartName", "") == partName {
			o.CreateAttr("ContentType", contentType)
			return
		}
	}
	o := root.CreateElement("Override")
	o.CreateAttr("PartName", partName)
	o.CreateAttr("ContentType", contentType)
}

func (p *Package) removeOverride(name string) {
	root := p.types.Root()
	partName := "/" + name
	for _, o := range root.SelectElements("Override") {
		if o.SelectAttrValue("PartName", "") == partName {
			root.RemoveChild(o)
		}
	}
}

// numberedParts returns the numbers N of parts named prefix+N+suffix.
func (p *Package) numberedParts(prefix, suffix string) []int {
	var nums []int
	for name := range p.parts {
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix), "%d", &n); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	return nums
}

func (p *Package) nextPartName(prefix, suffix string) string {
	next := 1
	if nums := p.numberedParts(prefix, suffix); len(nums) > 0 {
		next = nums[len(nums)-1] + 1
	}
	return fmt.Sprintf("%s%d%s", prefix, next, suffix)
}

// WriteTo writes the package as a zip archive. Entries carry no timestamps,
// so identical trees produce identical bytes.
func (p *Package) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	for _, name := range p.order {
		pt := p.parts[name]
		data := pt.data
		if pt.doc != nil {
			b, err := pt.doc.WriteToBytes()
			if err != nil {
				return cw.n, fmt.Errorf("serialize %s: %w", name, err)
			}
			data = b
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return cw.n, err
		}
		if _, err := fw.Write(data); err != nil {
			return cw.n, err
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

func newXMLDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="yes"`)
	return doc
}
