package deck

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// ChartType names the chart kinds the model can build and rewrite.
type ChartType string

const (
	ChartColumn ChartType = "column"
	ChartBar    ChartType = "bar"
	ChartLine   ChartType = "line"
	ChartPie    ChartType = "pie"
	ChartArea   ChartType = "area"
)

func (t ChartType) valid() bool {
	switch t {
	case ChartColumn, ChartBar, ChartLine, ChartPie, ChartArea:
		return true
	}
	return false
}

type Series struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// ChartData is a category axis plus one or more value series of the same
// length.
type ChartData struct {
	Categories []string `json:"categories"`
	Series     []Series `json:"series"`
}

func (d ChartData) Validate() error {
	if len(d.Categories) == 0 {
		return fmt.Errorf("%w: no categories", ErrInvalidData)
	}
	if len(d.Series) == 0 {
		return fmt.Errorf("%w: no series", ErrInvalidData)
	}
	for i, s := range d.Series {
		if len(s.Values) != len(d.Categories) {
			return fmt.Errorf("%w: series %d has %d values for %d categories", ErrInvalidData, i, len(s.Values), len(d.Categories))
		}
		for _, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: series %d holds a non-finite value", ErrInvalidData, i)
			}
		}
	}
	return nil
}

// ChartSpec describes a chart to add to a slide.
type ChartSpec struct {
	Name  string
	Type  ChartType
	Rect  Rect
	Title string
	Data  ChartData
}

// Chart is a chart part reached through its graphic frame.
type Chart struct {
	shape *Shape
	part  string
	rID   string
	doc   *etree.Document
}

func (c *Chart) Shape() *Shape {
	return c.shape
}

func (c *Chart) PartName() string {
	return c.part
}

func (c *Chart) Document() *etree.Document {
	return c.doc
}

func (c *Chart) plotElement() *etree.Element {
	area := c.doc.Root().FindElement("./c:chart/c:plotArea")
	if area == nil {
		return nil
	}
	for _, el := range area.ChildElements() {
		if el.Space == "c" && strings.HasSuffix(el.Tag, "Chart") {
			return el
		}
	}
	return nil
}

// Type returns the chart kind, or "" when the plot is of a kind the model
// does not know.
func (c *Chart) Type() ChartType {
	plot := c.plotElement()
	if plot == nil {
		return ""
	}
	switch plot.Tag {
	case "barChart":
		if dir := plot.SelectElement("c:barDir"); dir != nil && dir.SelectAttrValue("val", "col") == "bar" {
			return ChartBar
		}
		return ChartColumn
	case "lineChart":
		return ChartLine
	case "pieChart":
		return ChartPie
	case "areaChart":
		return ChartArea
	}
	return ""
}

// Title returns the literal chart title text, if any.
func (c *Chart) Title() string {
	title := c.doc.Root().FindElement("./c:chart/c:title")
	if title == nil {
		return ""
	}
	var b strings.Builder
	for _, t := range title.FindElements(".//a:t") {
		b.WriteString(t.Text())
	}
	return b.String()
}

// Data reads categories and series from the cached or literal values.
func (c *Chart) Data() ChartData {
	var d ChartData
	plot := c.plotElement()
	if plot == nil {
		return d
	}
	for i, ser := range plot.SelectElements("c:ser") {
		if i == 0 {
			if cat := ser.SelectElement("c:cat"); cat != nil {
				d.Categories = readPoints(cat)
			}
		}
		s := Series{Name: seriesName(ser)}
		if val := ser.SelectElement("c:val"); val != nil {
			for _, v := range readPoints(val) {
				f, _ := strconv.ParseFloat(v, 64)
				s.Values = append(s.Values, f)
			}
		}
		d.Series = append(d.Series, s)
	}
	return d
}

// ReplaceData rewrites the series of the chart in place. Cell references
// are left untouched; only cached and literal values change. It returns
// ErrUnsupported when the chart kind cannot be rewritten.
func (c *Chart) ReplaceData(data ChartData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	if c.shape != nil && c.shape.slide != nil && !c.shape.slide.pres.opts.nativeChartReplace {
		return fmt.Errorf("%w: native chart data replacement disabled", ErrUnsupported)
	}
	if !c.Type().valid() {
		return fmt.Errorf("%w: chart kind not recognised", ErrUnsupported)
	}
	plot := c.plotElement()
	sers := plot.SelectElements("c:ser")
	if len(sers) == 0 {
		return fmt.Errorf("%w: chart has no series to use as a template", ErrUnsupported)
	}
	for len(sers) < len(data.Series) {
		last := sers[len(sers)-1]
		clone := last.Copy()
		plot.InsertChildAt(last.Index()+1, clone)
		sers = append(sers, clone)
	}
	for _, extra := range sers[len(data.Series):] {
		plot.RemoveChild(extra)
	}
	sers = sers[:len(data.Series)]
	for i, ser := range sers {
		s := data.Series[i]
		setVal(ser.SelectElement("c:idx"), strconv.Itoa(i))
		setVal(ser.SelectElement("c:order"), strconv.Itoa(i))
		writeSeriesName(ser, s.Name)
		cat := ser.SelectElement("c:cat")
		if cat == nil {
			cat = etree.NewElement("c:cat")
			at := len(ser.Child)
			if val := ser.SelectElement("c:val"); val != nil {
				at = val.Index()
			}
			ser.InsertChildAt(at, cat)
		}
		writeStrPoints(cat, data.Categories)
		val := ser.SelectElement("c:val")
		if val == nil {
			val = etree.NewElement("c:val")
			ser.InsertChildAt(cat.Index()+1, val)
		}
		writeNumPoints(val, s.Values)
	}
	return nil
}

// AddChart creates a chart part and a graphic frame referencing it.
func (s *Slide) AddChart(spec ChartSpec) (*Shape, error) {
	if !spec.Type.valid() {
		return nil, fmt.Errorf("%w: chart type %q", ErrUnsupported, spec.Type)
	}
	if err := spec.Data.Validate(); err != nil {
		return nil, err
	}
	tree := s.ShapeTree()
	if tree == nil {
		return nil, fmt.Errorf("%w: %s has no shape tree", ErrMalformed, s.part)
	}
	part := s.pres.pkg.nextPartName("ppt/charts/chart", ".xml")
	s.pres.pkg.putXML(part, buildChartDocument(spec), ctChart)
	rID := s.rels.add(relChart, part)

	id := s.nextShapeID()
	name := spec.Name
	if name == "" {
		name = "Chart " + strconv.Itoa(id-1)
	}
	frame := etree.NewElement("p:graphicFrame")
	nv := frame.CreateElement("p:nvGraphicFramePr")
	cNvPr := nv.CreateElement("p:cNvPr")
	cNvPr.CreateAttr("id", strconv.Itoa(id))
	cNvPr.CreateAttr("name", name)
	nv.CreateElement("p:cNvGraphicFramePr")
	nv.CreateElement("p:nvPr")
	writeXfrm(frame.CreateElement("p:xfrm"), spec.Rect)
	gd := frame.CreateElement("a:graphic").CreateElement("a:graphicData")
	gd.CreateAttr("uri", chartGraphicURI)
	ref := gd.CreateElement("c:chart")
	ref.CreateAttr("xmlns:c", nsC)
	ref.CreateAttr("xmlns:r", nsR)
	ref.CreateAttr("r:id", rID)
	insertShapeElement(tree, frame)
	return &Shape{slide: s, el: frame}, nil
}

func buildChartDocument(spec ChartSpec) *etree.Document {
	doc := newXMLDocument()
	space := doc.CreateElement("c:chartSpace")
	space.CreateAttr("xmlns:c", nsC)
	space.CreateAttr("xmlns:a", nsA)
	space.CreateAttr("xmlns:r", nsR)
	chart := space.CreateElement("c:chart")
	if spec.Title != "" {
		title := chart.CreateElement("c:title")
		rich := title.CreateElement("c:tx").CreateElement("c:rich")
		rich.CreateElement("a:bodyPr")
		rich.CreateElement("a:p").CreateElement("a:r").CreateElement("a:t").SetText(spec.Title)
		setVal(title.CreateElement("c:overlay"), "0")
		setVal(chart.CreateElement("c:autoTitleDeleted"), "0")
	} else {
		setVal(chart.CreateElement("c:autoTitleDeleted"), "1")
	}
	area := chart.CreateElement("c:plotArea")
	area.CreateElement("c:layout")

	var plot *etree.Element
	switch spec.Type {
	case ChartColumn, ChartBar:
		plot = area.CreateElement("c:barChart")
		dir := "col"
		if spec.Type == ChartBar {
			dir = "bar"
		}
		setVal(plot.CreateElement("c:barDir"), dir)
		setVal(plot.CreateElement("c:grouping"), "clustered")
	case ChartLine:
		plot = area.CreateElement("c:lineChart")
		setVal(plot.CreateElement("c:grouping"), "standard")
	case ChartArea:
		plot = area.CreateElement("c:areaChart")
		setVal(plot.CreateElement("c:grouping"), "standard")
	case ChartPie:
		plot = area.CreateElement("c:pieChart")
	}
	setVal(plot.CreateElement("c:varyColors"), boolVal(spec.Type == ChartPie))
	for i, s := range spec.Data.Series {
		ser := plot.CreateElement("c:ser")
		setVal(ser.CreateElement("c:idx"), strconv.Itoa(i))
		setVal(ser.CreateElement("c:order"), strconv.Itoa(i))
		writeSeriesName(ser, s.Name)
		writeStrPoints(ser.CreateElement("c:cat"), spec.Data.Categories)
		writeNumPoints(ser.CreateElement("c:val"), s.Values)
	}
	switch spec.Type {
	case ChartPie:
		setVal(plot.CreateElement("c:firstSliceAng"), "0")
	default:
		if spec.Type == ChartColumn || spec.Type == ChartBar {
			setVal(plot.CreateElement("c:gapWidth"), "150")
		}
		if spec.Type == ChartLine {
			setVal(plot.CreateElement("c:marker"), "1")
		}
		setVal(plot.CreateElement("c:axId"), "111")
		setVal(plot.CreateElement("c:axId"), "222")
		axisPos := [2]string{"b", "l"}
		if spec.Type == ChartBar {
			axisPos = [2]string{"l", "b"}
		}
		cat := area.CreateElement("c:catAx")
		writeAxis(cat, "111", "222", axisPos[0])
		val := area.CreateElement("c:valAx")
		writeAxis(val, "222", "111", axisPos[1])
	}
	legend := chart.CreateElement("c:legend")
	setVal(legend.CreateElement("c:legendPos"), "r")
	setVal(legend.CreateElement("c:overlay"), "0")
	setVal(chart.CreateElement("c:plotVisOnly"), "1")
	return doc
}

func writeAxis(ax *etree.Element, id, cross, pos string) {
	setVal(ax.CreateElement("c:axId"), id)
	setVal(ax.CreateElement("c:scaling").CreateElement("c:orientation"), "minMax")
	setVal(ax.CreateElement("c:delete"), "0")
	setVal(ax.CreateElement("c:axPos"), pos)
	setVal(ax.CreateElement("c:crossAx"), cross)
}

func setVal(el *etree.Element, v string) {
	if el != nil {
		el.CreateAttr("val", v)
	}
}

func boolVal(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func seriesName(ser *etree.Element) string {
	tx := ser.SelectElement("c:tx")
	if tx == nil {
		return ""
	}
	if v := tx.SelectElement("c:v"); v != nil {
		return v.Text()
	}
	if v := tx.FindElement(".//c:pt/c:v"); v != nil {
		return v.Text()
	}
	return ""
}

func writeSeriesName(ser *etree.Element, name string) {
	tx := ser.SelectElement("c:tx")
	if tx != nil {
		if cache := tx.FindElement("./c:strRef/c:strCache"); cache != nil {
			writePoints(cache, []string{name})
			return
		}
		ser.RemoveChild(tx)
	}
	if name == "" {
		return
	}
	tx = etree.NewElement("c:tx")
	tx.CreateElement("c:v").SetText(name)
	at := 0
	if order := ser.SelectElement("c:order"); order != nil {
		at = order.Index() + 1
	}
	ser.InsertChildAt(at, tx)
}

// readPoints returns point values of a c:cat or c:val container by idx.
func readPoints(container *etree.Element) []string {
	var src *etree.Element
	for _, p := range []string{"./c:strRef/c:strCache", "./c:numRef/c:numCache", "./c:strLit", "./c:numLit", "./c:multiLvlStrRef/c:multiLvlStrCache/c:lvl"} {
		if src = container.FindElement(p); src != nil {
			break
		}
	}
	if src == nil {
		return nil
	}
	n := int(attrInt(orEmpty(src.SelectElement("c:ptCount")), "val"))
	pts := src.SelectElements("c:pt")
	if n < len(pts) {
		n = 0
		for _, pt := range pts {
			if idx := int(attrInt(pt, "idx")); idx+1 > n {
				n = idx + 1
			}
		}
	}
	out := make([]string, n)
	for _, pt := range pts {
		idx := int(attrInt(pt, "idx"))
		if idx < 0 || idx >= n {
			continue
		}
		if v := pt.SelectElement("c:v"); v != nil {
			out[idx] = v.Text()
		}
	}
	return out
}

func orEmpty(el *etree.Element) *etree.Element {
	if el == nil {
		return etree.NewElement("empty")
	}
	return el
}

func writeStrPoints(container *etree.Element, values []string) {
	if cache := container.FindElement("./c:strRef/c:strCache"); cache != nil {
		writePoints(cache, values)
		return
	}
	clearChildren(container)
	writePoints(container.CreateElement("c:strLit"), values)
}

func writeNumPoints(container *etree.Element, values []float64) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	if cache := container.FindElement("./c:numRef/c:numCache"); cache != nil {
		writePoints(cache, strs)
		return
	}
	clearChildren(container)
	lit := container.CreateElement("c:numLit")
	lit.CreateElement("c:formatCode").SetText("General")
	writePoints(lit, strs)
}

// writePoints replaces ptCount and pt children, keeping formatCode first
// and any extLst last.
func writePoints(cache *etree.Element, values []string) {
	for _, el := range cache.ChildElements() {
		if el.Tag == "ptCount" || el.Tag == "pt" {
			cache.RemoveChild(el)
		}
	}
	at := len(cache.Child)
	if ext := cache.SelectElement("c:extLst"); ext != nil {
		at = ext.Index()
	}
	count := etree.NewElement("c:ptCount")
	setVal(count, strconv.Itoa(len(values)))
	cache.InsertChildAt(at, count)
	at = count.Index() + 1
	for i, v := range values {
		pt := etree.NewElement("c:pt")
		pt.CreateAttr("idx", strconv.Itoa(i))
		pt.CreateElement("c:v").SetText(v)
		cache.InsertChildAt(at, pt)
		at = pt.Index() + 1
	}
}

func clearChildren(el *etree.Element) {
	for _, c := range el.ChildElements() {
		el.RemoveChild(c)
	}
}
