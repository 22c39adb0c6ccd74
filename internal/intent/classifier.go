package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/dbgenie/internal/engine"
)

const fallbackTimeout = 3 * time.Second

// ErrEmptyUtterance is returned for empty or whitespace-only input.
var ErrEmptyUtterance = errors.New("utterance is empty")

// Route identifies an execution path for a question.
type Route string

const (
	RouteDocument      Route = "document"
	RouteDatabase      Route = "database"
	RouteVisualization Route = "visualization"
)

// routeOrder is the canonical order selections are reported in.
var routeOrder = []Route{RouteDocument, RouteDatabase, RouteVisualization}

// Valid reports whether r is a known route.
func (r Route) Valid() bool {
	switch r {
	case RouteDocument, RouteDatabase, RouteVisualization:
		return true
	}
	return false
}

// How a route came to be selected.
const (
	SourceRule     = "rule"
	SourceModel    = "model"
	SourceImplicit = "implicit"
	SourceDefault  = "default"
)

// Selection is one route in a Decision together with why it was chosen.
type Selection struct {
	Route      Route   `json:"route"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Trigger    string  `json:"trigger,omitempty"`
	Rationale  string  `json:"rationale"`
}

// Decision is the non-empty set of routes chosen for one utterance.
type Decision struct {
	Selections []Selection `json:"routes"`
	ChartHint  string      `json:"chart_hint,omitempty"`
}

// Has reports whether the decision includes r.
func (d Decision) Has(r Route) bool {
	for _, s := range d.Selections {
		if s.Route == r {
			return true
		}
	}
	return false
}

// Routes returns the selected routes in canonical order.
func (d Decision) Routes() []Route {
	out := make([]Route, len(d.Selections))
	for i, s := range d.Selections {
		out[i] = s.Route
	}
	return out
}

// Hybrid reports whether more than one route fired.
func (d Decision) Hybrid() bool { return len(d.Selections) > 1 }

// Chatter is the subset of engine.Engine the model fallback needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Input is everything the classifier looks at.
type Input struct {
	Utterance string
	// History is the recent conversation window, forwarded to the model
	// fallback so follow-ups like "chart that" can be resolved.
	History []engine.Message
	// Entities are table names known to the relational source.
	Entities []string
	// DatabaseAvailable is false when no relational source is configured;
	// database and visualization routes are then never selected.
	DatabaseAvailable bool
}

// Classifier runs the rule table and, when no rule fires, a model fallback.
type Classifier struct {
	rules []Rule
	chat  Chatter
	model string
}

// NewClassifier creates a Classifier. chat may be nil, in which case
// unmatched utterances go straight to the document route.
func NewClassifier(rules []Rule, chat Chatter, model string) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules, chat: chat, model: model}
}

// Classify maps an utterance to a non-empty Decision. The only error is
// ErrEmptyUtterance.
func (c *Classifier) Classify(ctx context.Context, in Input) (Decision, error) {
	utterance := strings.TrimSpace(in.Utterance)
	if utterance == "" {
		return Decision{}, ErrEmptyUtterance
	}

	entity := findEntity(utterance, in.Entities)
	picked := make(map[Route]Selection)
	for i := range c.rules {
		r := &c.rules[i]
		trigger := r.fire(utterance, entity)
		if trigger == "" {
			continue
		}
		if prev, ok := picked[r.Route]; ok && prev.Confidence >= r.Confidence {
			continue
		}
		rationale := fmt.Sprintf("rule %s matched %q", r.Name, trigger)
		if r.RequireEntity {
			rationale += fmt.Sprintf(" with entity %q", entity)
		}
		picked[r.Route] = Selection{
			Route:      r.Route,
			Confidence: r.Confidence,
			Source:     SourceRule,
			Trigger:    trigger,
			Rationale:  rationale,
		}
	}
	if !in.DatabaseAvailable {
		dropDatabaseRoutes(picked)
	}

	if len(picked) == 0 {
		for _, s := range c.fallback(ctx, utterance, in.History) {
			picked[s.Route] = s
		}
		if !in.DatabaseAvailable {
			dropDatabaseRoutes(picked)
		}
	}

	if picked[RouteVisualization].Route != "" {
		if _, ok := picked[RouteDatabase]; !ok {
			picked[RouteDatabase] = Selection{
				Route:      RouteDatabase,
				Confidence: picked[RouteVisualization].Confidence,
				Source:     SourceImplicit,
				Rationale:  "required by visualization",
			}
		}
	}

	if len(picked) == 0 {
		picked[RouteDocument] = Selection{
			Route:      RouteDocument,
			Confidence: 0.5,
			Source:     SourceDefault,
			Rationale:  "no route matched; defaulting to document search",
		}
	}

	d := Decision{ChartHint: HintFromText(utterance)}
	for _, r := range routeOrder {
		if s, ok := picked[r]; ok {
			d.Selections = append(d.Selections, s)
		}
	}
	return d, nil
}

func dropDatabaseRoutes(picked map[Route]Selection) {
	delete(picked, RouteDatabase)
	delete(picked, RouteVisualization)
}

func findEntity(utterance string, entities []string) string {
	variants := entityVariants(entities)
	if len(variants) == 0 {
		return ""
	}
	m := phraseRegexp(variants).FindString(utterance)
	return strings.ToLower(m)
}

const fallbackPrompt = `You route questions for an HR assistant that can (a) search policy documents, (b) query the HR database, (c) draw charts from database results.
Reply with a JSON object {"routes": [...]} using one or more of: "document", "database", "visualization".
Use "document" for policies, rules and anything described in prose. Use "database" for facts about specific employees, departments, counts or aggregates. Add "visualization" only when the user asks for a chart or plot.`

var routesSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"routes": {
			Type:        "array",
			Description: "routes that should answer the question",
			Items:       &engine.SchemaProperty{Type: "string", Enum: []string{"document", "database", "visualization"}},
		},
	},
	Required: []string{"routes"},
}

type routesReply struct {
	Routes []string `json:"routes"`
}

// fallback asks the model. Any failure yields no selections.
func (c *Classifier) fallback(ctx context.Context, utterance string, history []engine.Message) []Selection {
	if c.chat == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, fallbackTimeout)
	defer cancel()

	messages := make([]engine.Message, 0, len(history)+2)
	messages = append(messages, engine.Message{Role: engine.RoleSystem, Content: fallbackPrompt})
	messages = append(messages, history...)
	messages = append(messages, engine.Message{Role: engine.RoleUser, Content: utterance})

	raw, err := c.chat.Chat(ctx, c.model, messages, routesSchema)
	if err != nil {
		slog.Warn("route classification fallback failed", "error", err)
		return nil
	}

	var reply routesReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		slog.Warn("unparseable route classification", "error", err, "response", raw)
		return nil
	}

	var out []Selection
	for _, name := range reply.Routes {
		r := Route(strings.ToLower(strings.TrimSpace(name)))
		if !r.Valid() {
			continue
		}
		out = append(out, Selection{
			Route:      r,
			Confidence: 0.6,
			Source:     SourceModel,
			Rationale:  "model classification",
		})
	}
	return out
}

var chartHints = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"pie", regexp.MustCompile(`(?i)\b(?:pie|donut|doughnut|share|proportion)\b`)},
	{"scatter", regexp.MustCompile(`(?i)\b(?:scatter|correlation|correlate|versus|vs\.?)\b`)},
	{"line", regexp.MustCompile(`(?i)\b(?:line|trend|over\s+time|timeline|monthly|per\s+month|by\s+month|by\s+year)\b`)},
	{"bar", regexp.MustCompile(`(?i)\b(?:bar|bars|histogram|column\s+chart)\b`)},
}

// HintFromText returns the chart kind the utterance asks for, or "".
func HintFromText(utterance string) string {
	for _, h := range chartHints {
		if h.re.MatchString(utterance) {
			return h.kind
		}
	}
	return ""
}
