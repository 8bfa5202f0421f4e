package deck

import (
	"errors"
	"reflect"
	"testing"
)

func sampleData() ChartData {
	return ChartData{
		Categories: []string{"Q1", "Q2", "Q3"},
		Series: []Series{
			{Name: "Revenue", Values: []float64{1, 2.5, 3}},
		},
	}
}

func addChartSlide(t *testing.T, p *Presentation, typ ChartType) (*Slide, *Shape) {
	t.Helper()
	s, err := p.AddSlide(mustLayout(t, p, "Title Slide"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	sh, err := s.AddChart(ChartSpec{
		Name:  "Sales",
		Type:  typ,
		Rect:  Rect{X: 100, Y: 200, CX: 3000, CY: 2000},
		Title: "Sales by quarter",
		Data:  sampleData(),
	})
	if err != nil {
		t.Fatalf("add chart: %v", err)
	}
	return s, sh
}

func TestAddChartRoundTrip(t *testing.T) {
	p := mustNew(t)
	addChartSlide(t, p, ChartColumn)

	out := roundTrip(t, p)
	shapes := out.Slides()[0].Shapes()
	frame := shapes[len(shapes)-1]
	if !frame.IsChart() || frame.Kind() != KindGraphicFrame {
		t.Fatalf("expected chart frame, got kind %v", frame.Kind())
	}
	r, ok := frame.Rect()
	if !ok || r != (Rect{X: 100, Y: 200, CX: 3000, CY: 2000}) {
		t.Fatalf("unexpected frame rect %+v", r)
	}
	chart, err := frame.Chart()
	if err != nil {
		t.Fatalf("load chart: %v", err)
	}
	if chart.Type() != ChartColumn {
		t.Fatalf("expected column chart, got %q", chart.Type())
	}
	if chart.Title() != "Sales by quarter" {
		t.Fatalf("unexpected title %q", chart.Title())
	}
	if got := chart.Data(); !reflect.DeepEqual(got, sampleData()) {
		t.Fatalf("unexpected data %+v", got)
	}
}

func TestChartTypesAreRecognised(t *testing.T) {
	for _, typ := range []ChartType{ChartColumn, ChartBar, ChartLine, ChartPie, ChartArea} {
		p := mustNew(t)
		_, sh := addChartSlide(t, p, typ)
		chart, err := sh.Chart()
		if err != nil {
			t.Fatalf("%s: load chart: %v", typ, err)
		}
		if chart.Type() != typ {
			t.Fatalf("expected %q, got %q", typ, chart.Type())
		}
	}
}

func TestReplaceDataGrowsSeries(t *testing.T) {
	p := mustNew(t)
	_, sh := addChartSlide(t, p, ChartLine)
	chart, err := sh.Chart()
	if err != nil {
		t.Fatalf("load chart: %v", err)
	}
	next := ChartData{
		Categories: []string{"Jan", "Feb"},
		Series: []Series{
			{Name: "North", Values: []float64{4, 5}},
			{Name: "South", Values: []float64{6, 7}},
		},
	}
	if err := chart.ReplaceData(next); err != nil {
		t.Fatalf("replace data: %v", err)
	}
	if got := chart.Data(); !reflect.DeepEqual(got, next) {
		t.Fatalf("unexpected data %+v", got)
	}
	out := roundTrip(t, p)
	shapes := out.Slides()[0].Shapes()
	reloaded, err := shapes[len(shapes)-1].Chart()
	if err != nil {
		t.Fatalf("reload chart: %v", err)
	}
	if got := reloaded.Data(); !reflect.DeepEqual(got, next) {
		t.Fatalf("unexpected data after round trip %+v", got)
	}
}

func TestReplaceDataShrinksSeries(t *testing.T) {
	p := mustNew(t)
	s, err := p.AddSlide(mustLayout(t, p, "Title Slide"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	two := ChartData{Categories: []string{"a"}, Series: []Series{{Name: "x", Values: []float64{1}}, {Name: "y", Values: []float64{2}}}}
	sh, err := s.AddChart(ChartSpec{Type: ChartBar, Data: two})
	if err != nil {
		t.Fatalf("add chart: %v", err)
	}
	chart, _ := sh.Chart()
	one := ChartData{Categories: []string{"b", "c"}, Series: []Series{{Name: "z", Values: []float64{8, 9}}}}
	if err := chart.ReplaceData(one); err != nil {
		t.Fatalf("replace data: %v", err)
	}
	if got := chart.Data(); !reflect.DeepEqual(got, one) {
		t.Fatalf("unexpected data %+v", got)
	}
}

func TestReplaceDataUnsupportedWhenDisabled(t *testing.T) {
	p := mustNew(t, WithoutNativeChartReplace())
	_, sh := addChartSlide(t, p, ChartColumn)
	chart, err := sh.Chart()
	if err != nil {
		t.Fatalf("load chart: %v", err)
	}
	if err := chart.ReplaceData(sampleData()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestReplaceDataRejectsInvalidData(t *testing.T) {
	p := mustNew(t)
	_, sh := addChartSlide(t, p, ChartColumn)
	chart, _ := sh.Chart()
	bad := ChartData{Categories: []string{"a", "b"}, Series: []Series{{Name: "s", Values: []float64{1}}}}
	if err := chart.ReplaceData(bad); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestChartOnPlainShapeFails(t *testing.T) {
	p := mustNew(t)
	s, err := p.AddSlide(mustLayout(t, p, "Title Slide"))
	if err != nil {
		t.Fatalf("add slide: %v", err)
	}
	if _, err := s.Shapes()[0].Chart(); !errors.Is(err, ErrNotChart) {
		t.Fatalf("expected ErrNotChart, got %v", err)
	}
}

func TestRemoveChartShapeDropsPart(t *testing.T) {
	p := mustNew(t)
	s, sh := addChartSlide(t, p, ChartPie)
	if err := s.RemoveShape(sh); err != nil {
		t.Fatalf("remove shape: %v", err)
	}
	if p.Package().Has("ppt/charts/chart1.xml") {
		t.Fatalf("expected chart part to be removed")
	}
	if len(s.rels.byType(relChart)) != 0 {
		t.Fatalf("expected chart relationship to be removed")
	}
}
