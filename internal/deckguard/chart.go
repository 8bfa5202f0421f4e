package deckguard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentworkforce/deckguard/internal/deck"
	"github.com/agentworkforce/deckguard/internal/logging"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	StrategyNative   = "native"
	StrategyRecreate = "recreate"
)

// ChartUpdateWarning is attached to a successful update that lost
// something on the way.
type ChartUpdateWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ChartUpdateResult struct {
	Strategy string               `json:"strategy"`
	Warnings []ChartUpdateWarning `json:"warnings,omitempty"`
}

// ChartDataUpdater replaces chart data natively when the object model can,
// and otherwise recreates the chart in the same place, size and title.
type ChartDataUpdater struct {
	doc     *deck.Presentation
	journal *changeJournal
	logger  *slog.Logger
}

func NewChartDataUpdater(doc *deck.Presentation, logger *slog.Logger) *ChartDataUpdater {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ChartDataUpdater{doc: doc, journal: &changeJournal{}, logger: logger}
}

func (u *ChartDataUpdater) Update(slide, shape int, data deck.ChartData) (ChartUpdateResult, error) {
	sh, err := resolveShape(u.doc, slide, shape)
	if err != nil {
		return ChartUpdateResult{}, err
	}
	if !sh.IsChart() {
		return ChartUpdateResult{}, &PatchPrerequisiteError{Slide: slide, Shape: shape, Detail: "shape is not a chart"}
	}
	chart, err := sh.Chart()
	if err != nil {
		return ChartUpdateResult{}, err
	}
	err = chart.ReplaceData(data)
	if err == nil {
		u.journal.record(Change{Op: "chart_update", Slide: slide, Shape: shape, Detail: "strategy=" + StrategyNative})
		return ChartUpdateResult{Strategy: StrategyNative}, nil
	}
	if errors.Is(err, deck.ErrInvalidData) {
		return ChartUpdateResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !errors.Is(err, deck.ErrUnsupported) {
		return ChartUpdateResult{}, err
	}
	u.logger.Debug("chart.native_unsupported", "slide", slide, "shape", shape, "error", err)
	return u.recreate(slide, shape, sh, chart, data)
}

func (u *ChartDataUpdater) recreate(slide, shape int, sh *deck.Shape, chart *deck.Chart, data deck.ChartData) (ChartUpdateResult, error) {
	res := ChartUpdateResult{Strategy: StrategyRecreate}
	rect, _ := sh.Rect()
	spec := deck.ChartSpec{
		Name:  sh.Name(),
		Type:  chart.Type(),
		Rect:  rect,
		Title: chart.Title(),
		Data:  data,
	}
	if spec.Type == "" {
		spec.Type = deck.ChartColumn
		res.Warnings = append(res.Warnings, ChartUpdateWarning{
			Code:    "type_substituted",
			Message: "chart type not recognised; recreated as a column chart",
		})
	}
	if _, err := replaceChartFrame(sh, spec); err != nil {
		return ChartUpdateResult{}, err
	}

	res.Warnings = append(res.Warnings, ChartUpdateWarning{
		Code:    "formatting_reset",
		Message: "chart was recreated; custom series colors and formatting were reset to theme defaults",
	})
	for _, w := range res.Warnings {
		u.journal.warn(fmt.Sprintf("slide %d shape %d: %s", slide, shape, w.Message))
	}
	u.journal.record(Change{Op: "chart_update", Slide: slide, Shape: shape, Detail: "strategy=" + StrategyRecreate})
	u.logger.Info("chart.recreated", "slide", slide, "shape", shape, "type", string(spec.Type))
	return res, nil
}

// replaceChartFrame adds a chart built from spec in the z-order slot of sh,
// then removes sh. The slide is left as it was when either step fails.
func replaceChartFrame(sh *deck.Shape, spec deck.ChartSpec) (*deck.Shape, error) {
	s := sh.Slide()
	tree := sh.Element().Parent()
	added, err := s.AddChart(spec)
	if err != nil {
		return nil, err
	}
	added.Element().Parent().RemoveChild(added.Element())
	tree.InsertChildAt(sh.Element().Index(), added.Element())
	if err := s.RemoveShape(sh); err != nil {
		if rerr := s.RemoveShape(added); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	return added, nil
}

const chartDataSchemaURL = "https://schemas.deckguard.dev/chart-data.json"

const chartDataSchema = `{
	"type": "object",
	"required": ["categories", "series"],
	"additionalProperties": false,
	"properties": {
		"categories": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string"}
		},
		"series": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "values"],
				"additionalProperties": false,
				"properties": {
					"name": {"type": "string"},
					"values": {"type": "array", "items": {"type": "number"}}
				}
			}
		}
	}
}`

var (
	chartSchemaOnce sync.Once
	chartSchema     *jsonschema.Schema
	chartSchemaErr  error
)

func compiledChartSchema() (*jsonschema.Schema, error) {
	chartSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chartDataSchema))
		if err != nil {
			chartSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(chartDataSchemaURL, doc); err != nil {
			chartSchemaErr = err
			return
		}
		chartSchema, chartSchemaErr = c.Compile(chartDataSchemaURL)
	})
	return chartSchema, chartSchemaErr
}

// DecodeChartData parses caller JSON into chart data, checking its shape
// and that every series has one value per category.
func DecodeChartData(raw []byte) (deck.ChartData, error) {
	sch, err := compiledChartSchema()
	if err != nil {
		return deck.ChartData{}, fmt.Errorf("compile chart data schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return deck.ChartData{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(inst); err != nil {
		return deck.ChartData{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var data deck.ChartData
	if err := json.Unmarshal(raw, &data); err != nil {
		return deck.ChartData{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := data.Validate(); err != nil {
		return deck.ChartData{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return data, nil
}
