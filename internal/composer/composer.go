// Package composer turns the evidence gathered by the fired routes into a
// streamed answer.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/intent"
	"github.com/kalambet/dbgenie/internal/retrieval"
	"github.com/kalambet/dbgenie/internal/sqlgen"
	"github.com/kalambet/dbgenie/internal/viz"
)

// DefaultMaxContextTokens bounds the evidence handed to the model.
const DefaultMaxContextTokens = 3000

// ErrAllRoutesFailed is returned when no fired route produced evidence.
var ErrAllRoutesFailed = errors.New("all routes failed")

// errNotExecuted marks a selected route that reported neither a result nor an error.
var errNotExecuted = errors.New("route was not executed")

// RouteFailureError carries the diagnostics of a turn where every route failed.
type RouteFailureError struct {
	Diagnostics []Diagnostic
}

func (e *RouteFailureError) Error() string {
	parts := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		parts[i] = fmt.Sprintf("%s: %s", d.Route, d.Error)
	}
	return "all routes failed: " + strings.Join(parts, "; ")
}

func (e *RouteFailureError) Is(target error) bool { return target == ErrAllRoutesFailed }

// Evidence is everything the fired routes produced for one turn. A route that
// was selected reports either its result or its error.
type Evidence struct {
	Question string
	History  []engine.Message
	Decision intent.Decision

	Passages    []retrieval.Passage
	DocumentErr error

	Query       *sqlgen.Outcome
	DatabaseErr error

	Chart            *viz.Artifact
	VisualizationErr error
}

// Diagnostic describes a route-local failure.
type Diagnostic struct {
	Route   intent.Route `json:"route"`
	Kind    string       `json:"kind"`
	Message string       `json:"message"`
	Error   string       `json:"error"`
}

// Source is a document passage cited by an answer.
type Source struct {
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Page       int     `json:"page,omitempty"`
	Score      float32 `json:"score"`
	Excerpt    string  `json:"excerpt"`
}

// QueryResult is the database evidence attached to an answer.
type QueryResult struct {
	Statement string           `json:"sql"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"data"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
}

// Answer is the fully materialized assistant response.
type Answer struct {
	Text        string         `json:"answer"`
	Routes      []intent.Route `json:"routes"`
	Sources     []Source       `json:"sources,omitempty"`
	Query       *QueryResult   `json:"query,omitempty"`
	Chart       *viz.Artifact  `json:"visualization,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
}

// FinalizeFunc runs after the last delta and before the end marker. An error
// turns the end marker into an error event.
type FinalizeFunc func(ctx context.Context, a *Answer) error

// StreamChatter is the subset of engine.Engine the LLM generator needs.
type StreamChatter interface {
	ChatStream(ctx context.Context, model string, messages []engine.Message, onDelta func(string) error) error
}

// Options configures a Composer.
type Options struct {
	Model            string
	MaxContextTokens int
	UseLLM           bool
}

// Composer builds answers from route evidence.
type Composer struct {
	chat StreamChatter
	opts Options
}

// New creates a Composer. chat may be nil, in which case answers are always
// rendered from templates.
func New(chat StreamChatter, opts Options) *Composer {
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = DefaultMaxContextTokens
	}
	return &Composer{chat: chat, opts: opts}
}

// Compose starts streaming the answer for ev. It fails with an error matching
// ErrAllRoutesFailed when no selected route succeeded; otherwise failures are
// acknowledged in the answer. finalize may be nil.
func (c *Composer) Compose(ctx context.Context, ev Evidence, finalize FinalizeFunc) (*Stream, error) {
	if len(ev.Decision.Selections) == 0 {
		return nil, fmt.Errorf("composing answer: empty route decision")
	}
	ev = scoped(ev)
	diags, succeeded := assess(ev)
	if succeeded == 0 {
		return nil, &RouteFailureError{Diagnostics: diags}
	}

	ans := &Answer{
		Routes:      ev.Decision.Routes(),
		Sources:     sourcesOf(ev.Passages),
		Query:       queryResultOf(ev.Query),
		Chart:       ev.Chart,
		Diagnostics: diags,
	}
	primary, fallback := c.generators(ev)

	return NewStream(ctx, func(ctx context.Context, emit func(Event) bool) {
		if ans.Chart != nil {
			if !emit(Event{Type: EventArtifact, Chart: ans.Chart}) {
				return
			}
		}

		var text strings.Builder
		seq := 0
		push := func(s string) error {
			if s == "" {
				return nil
			}
			seq++
			text.WriteString(s)
			if !emit(Event{Type: EventDelta, Seq: seq, Text: s}) {
				return context.Cause(ctx)
			}
			return nil
		}

		err := primary.generate(ctx, ev, diags, push)
		if err != nil && seq == 0 && fallback != nil && ctx.Err() == nil {
			slog.Warn("answer generation failed, using template", "error", err)
			err = fallback.generate(ctx, ev, diags, push)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			emit(Event{Type: EventError, Err: fmt.Errorf("composing answer: %w", err)})
			return
		}

		ans.Text = text.String()
		if finalize != nil {
			if err := finalize(ctx, ans); err != nil {
				emit(Event{Type: EventError, Err: err})
				return
			}
		}
		emit(Event{Type: EventDone, Answer: ans})
	}), nil
}

func (c *Composer) generators(ev Evidence) (primary, fallback generator) {
	tmpl := templateGenerator{}
	if c.chat == nil || !c.opts.UseLLM || !hasMaterial(ev) {
		return tmpl, nil
	}
	return llmGenerator{chat: c.chat, model: c.opts.Model, budget: c.opts.MaxContextTokens}, tmpl
}

// hasMaterial reports whether there is anything for a model to summarize.
// Without material the template states what is missing instead.
func hasMaterial(ev Evidence) bool {
	return len(ev.Passages) > 0 || ev.Query != nil || ev.Chart != nil
}

// scoped drops outputs of routes that were not selected.
func scoped(ev Evidence) Evidence {
	if !ev.Decision.Has(intent.RouteDocument) {
		ev.Passages, ev.DocumentErr = nil, nil
	}
	if !ev.Decision.Has(intent.RouteDatabase) {
		ev.Query, ev.DatabaseErr = nil, nil
	}
	if !ev.Decision.Has(intent.RouteVisualization) {
		ev.Chart, ev.VisualizationErr = nil, nil
	}
	return ev
}

// assess returns one diagnostic per failed route and the number of routes
// that succeeded.
func assess(ev Evidence) ([]Diagnostic, int) {
	var diags []Diagnostic
	succeeded := 0
	for _, r := range ev.Decision.Routes() {
		var err error
		switch r {
		case intent.RouteDocument:
			err = ev.DocumentErr
		case intent.RouteDatabase:
			err = ev.DatabaseErr
			if err == nil && ev.Query == nil {
				err = errNotExecuted
			}
		case intent.RouteVisualization:
			err = ev.VisualizationErr
			if err == nil && ev.Chart == nil {
				err = errNotExecuted
			}
		}
		if err != nil {
			diags = append(diags, diagnose(r, err))
			continue
		}
		succeeded++
	}
	return diags, succeeded
}

func diagnose(r intent.Route, err error) Diagnostic {
	d := Diagnostic{Route: r, Kind: "failed", Message: "the lookup failed", Error: err.Error()}
	switch {
	case errors.Is(err, sqlgen.ErrMutationRejected):
		d.Kind, d.Message = "mutation_rejected", "the generated query was rejected by the read-only safety check"
	case errors.Is(err, sqlgen.ErrPolicyDenied):
		d.Kind, d.Message = "policy_denied", "the query touched data that is not accessible"
	case errors.Is(err, sqlgen.ErrQueryUnresolvable):
		d.Kind, d.Message = "query_unresolvable", "the question could not be translated into a valid database query"
	case errors.Is(err, viz.ErrInsufficientData):
		d.Kind, d.Message = "insufficient_data", "the data did not contain enough values for a chart"
	case errors.Is(err, context.DeadlineExceeded):
		d.Kind, d.Message = "timeout", "the lookup timed out"
	case errors.Is(err, errNotExecuted):
		d.Kind, d.Message = "not_executed", "the lookup did not run"
	}
	return d
}

func sourcesOf(passages []retrieval.Passage) []Source {
	if len(passages) == 0 {
		return nil
	}
	out := make([]Source, len(passages))
	for i, p := range passages {
		out[i] = Source{
			DocumentID: p.DocumentID,
			Source:     p.Source,
			Page:       p.Page,
			Score:      p.Score,
			Excerpt:    excerpt(p.Text, 300),
		}
	}
	return out
}

func queryResultOf(o *sqlgen.Outcome) *QueryResult {
	if o == nil || o.Result == nil {
		return nil
	}
	stmt := o.Statement
	if stmt == "" {
		stmt = o.Result.Statement
	}
	return &QueryResult{
		Statement: stmt,
		Columns:   o.Result.Columns,
		Rows:      o.Result.Rows,
		RowCount:  o.Result.RowCount,
		Truncated: o.Result.Truncated,
	}
}

// excerpt shortens s to at most n runes, cutting at a word boundary.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
