// Package viz picks a chart for a tabular result and renders it as a
// Vega-Lite chart definition.
package viz

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/dbgenie/internal/sqldb"
)

// ErrInsufficientData is returned when a result has no rows or no numeric
// column to plot.
var ErrInsufficientData = errors.New("insufficient data for chart")

// Kind is a chart type.
type Kind string

const (
	KindAuto    Kind = "auto"
	KindBar     Kind = "bar"
	KindLine    Kind = "line"
	KindPie     Kind = "pie"
	KindScatter Kind = "scatter"
)

// ParseKind accepts a chart kind name; empty means auto.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindAuto, nil
	case KindAuto, KindBar, KindLine, KindPie, KindScatter:
		return k, nil
	}
	return "", fmt.Errorf("unknown chart type %q", s)
}

// rowIndexField is the synthetic x field used when a result has a single
// numeric column and nothing to group it by.
const rowIndexField = "row"

const vegaLiteSchema = "https://vega.github.io/schema/vega-lite/v5.json"

// Request describes what to plot.
type Request struct {
	Columns []string
	Rows    []map[string]any
	Kind    Kind
	Title   string
	// X and Y optionally pin the fields; they are ignored when absent from
	// Columns or when Y is not numeric.
	X, Y      string
	Statement string
}

// Artifact is a renderable chart.
type Artifact struct {
	Kind      Kind            `json:"chart_type"`
	Title     string          `json:"title"`
	X         string          `json:"x"`
	Y         string          `json:"y"`
	Spec      json.RawMessage `json:"spec"`
	RowCount  int             `json:"row_count"`
	Statement string          `json:"source_statement,omitempty"`
}

// FromResult plans a chart for a database result.
func FromResult(res *sqldb.Result, hint Kind, title string) (*Artifact, error) {
	if res == nil {
		return nil, ErrInsufficientData
	}
	return Plan(Request{
		Columns:   res.Columns,
		Rows:      res.Rows,
		Kind:      hint,
		Title:     title,
		Statement: res.Statement,
	})
}

type choice struct {
	kind Kind
	x, y column
}

// Plan selects a chart kind and encodes the data. A requested kind is
// honored when the columns support it; otherwise the automatic choice is
// used.
func Plan(req Request) (*Artifact, error) {
	if len(req.Rows) == 0 {
		return nil, fmt.Errorf("%w: result has no rows", ErrInsufficientData)
	}
	columns := req.Columns
	if len(columns) == 0 {
		columns = columnsOf(req.Rows[0])
	}
	cols := classify(columns, req.Rows)

	var measures, dims, times []column
	for _, c := range cols {
		switch c.Class {
		case classNumeric:
			measures = append(measures, c)
		case classTime:
			times = append(times, c)
		default:
			dims = append(dims, c)
		}
	}
	measures = preferNonID(measures)
	if len(measures) == 0 {
		return nil, fmt.Errorf("%w: no numeric column", ErrInsufficientData)
	}

	ch, ok := pinned(req, cols)
	if !ok {
		ch, ok = byHint(req.Kind, measures, dims, times)
	}
	if !ok {
		ch = auto(measures, dims, times)
	}

	title := req.Title
	if title == "" {
		title = fmt.Sprintf("%s by %s", ch.y.Name, ch.x.Name)
	}
	spec, err := vegaLite(ch, title, req.Rows)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Kind:      ch.kind,
		Title:     title,
		X:         ch.x.Name,
		Y:         ch.y.Name,
		Spec:      spec,
		RowCount:  len(req.Rows),
		Statement: req.Statement,
	}, nil
}

func columnsOf(row map[string]any) []string {
	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func preferNonID(measures []column) []column {
	var out []column
	for _, m := range measures {
		if !m.IDLike {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return measures
	}
	return out
}

func pinned(req Request, cols []column) (choice, bool) {
	if req.X == "" || req.Y == "" {
		return choice{}, false
	}
	var x, y column
	var okX, okY bool
	for _, c := range cols {
		if c.Name == req.X {
			x, okX = c, true
		}
		if c.Name == req.Y {
			y, okY = c, true
		}
	}
	if !okX || !okY || y.Class != classNumeric {
		return choice{}, false
	}
	kind := req.Kind
	if kind == "" || kind == KindAuto {
		switch x.Class {
		case classTime:
			kind = KindLine
		case classNumeric:
			kind = KindScatter
		default:
			kind = KindBar
		}
	}
	if kind == KindScatter && x.Class != classNumeric {
		kind = KindBar
	}
	return choice{kind: kind, x: x, y: y}, true
}

func byHint(kind Kind, measures, dims, times []column) (choice, bool) {
	switch kind {
	case KindPie:
		if g, ok := first(dims, times); ok {
			return choice{KindPie, g, measures[0]}, true
		}
	case KindLine:
		if g, ok := first(times, dims); ok {
			return choice{KindLine, g, measures[0]}, true
		}
		if len(measures) >= 2 {
			return choice{KindLine, measures[0], measures[1]}, true
		}
	case KindScatter:
		if len(measures) >= 2 {
			return choice{KindScatter, measures[0], measures[1]}, true
		}
	case KindBar:
		if g, ok := first(dims, times); ok {
			return choice{KindBar, g, measures[0]}, true
		}
		return choice{KindBar, indexColumn(), measures[0]}, true
	}
	return choice{}, false
}

func auto(measures, dims, times []column) choice {
	switch {
	case len(times) > 0:
		return choice{KindLine, times[0], measures[0]}
	case len(dims) > 0:
		return choice{KindBar, dims[0], measures[0]}
	case len(measures) >= 2:
		return choice{KindScatter, measures[0], measures[1]}
	}
	return choice{KindBar, indexColumn(), measures[0]}
}

func first(groups ...[]column) (column, bool) {
	for _, g := range groups {
		if len(g) > 0 {
			return g[0], true
		}
	}
	return column{}, false
}

func indexColumn() column {
	return column{Name: rowIndexField, Class: classCategorical}
}

func encodingType(c column) string {
	switch c.Class {
	case classNumeric:
		return "quantitative"
	case classTime:
		if c.Temporal {
			return "temporal"
		}
		return "ordinal"
	}
	if c.Name == rowIndexField {
		return "ordinal"
	}
	return "nominal"
}

func vegaLite(ch choice, title string, rows []map[string]any) (json.RawMessage, error) {
	values := make([]map[string]any, len(rows))
	for i, row := range rows {
		v := map[string]any{ch.y.Name: jsonValue(row[ch.y.Name])}
		if ch.x.Name == rowIndexField {
			v[rowIndexField] = i + 1
		} else {
			v[ch.x.Name] = jsonValue(row[ch.x.Name])
		}
		values[i] = v
	}

	x := map[string]any{"field": ch.x.Name, "type": encodingType(ch.x)}
	y := map[string]any{"field": ch.y.Name, "type": "quantitative"}
	tooltip := []map[string]any{x, y}

	spec := map[string]any{
		"$schema": vegaLiteSchema,
		"title":   title,
		"data":    map[string]any{"values": values},
	}
	switch ch.kind {
	case KindPie:
		spec["mark"] = map[string]any{"type": "arc"}
		spec["encoding"] = map[string]any{
			"theta":   y,
			"color":   map[string]any{"field": ch.x.Name, "type": "nominal"},
			"tooltip": tooltip,
		}
	case KindLine:
		spec["mark"] = map[string]any{"type": "line", "point": true}
		spec["encoding"] = map[string]any{"x": x, "y": y, "tooltip": tooltip}
	case KindScatter:
		spec["mark"] = map[string]any{"type": "point"}
		spec["encoding"] = map[string]any{"x": x, "y": y, "tooltip": tooltip}
	default:
		spec["mark"] = map[string]any{"type": "bar"}
		spec["encoding"] = map[string]any{"x": x, "y": y, "tooltip": tooltip}
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding chart spec: %w", err)
	}
	return raw, nil
}

func jsonValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return string(val)
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}
