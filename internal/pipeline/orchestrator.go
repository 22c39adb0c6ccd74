// Package pipeline runs one chat turn end to end: classification, the
// fired routes, answer composition and the session append.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/intent"
	"github.com/kalambet/dbgenie/internal/retrieval"
	"github.com/kalambet/dbgenie/internal/session"
	"github.com/kalambet/dbgenie/internal/sqldb"
	"github.com/kalambet/dbgenie/internal/sqlgen"
	"github.com/kalambet/dbgenie/internal/viz"
)

const (
	defaultHistoryWindow    = 10
	defaultRetrievalTimeout = 10 * time.Second
	defaultQueryTimeout     = 30 * time.Second
	schemaLookupTimeout     = 2 * time.Second
	maxMessageRunes         = 4000
)

// ErrValidation marks requests rejected before routing.
var ErrValidation = errors.New("invalid request")

// Route outcomes reported to the Recorder.
const (
	outcomeOK      = "ok"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
)

// DocumentSearcher finds passages relevant to a question.
type DocumentSearcher interface {
	Retrieve(ctx context.Context, question string, topK int) ([]retrieval.Passage, error)
}

// QueryAnswerer synthesizes and runs a read-only query for a question.
type QueryAnswerer interface {
	Answer(ctx context.Context, question string, history []engine.Message) (*sqlgen.Outcome, error)
}

// SchemaProvider supplies the table names the classifier treats as entities.
type SchemaProvider interface {
	Get(ctx context.Context) (*sqldb.Schema, error)
}

// Recorder receives turn and route metrics.
type Recorder interface {
	ObserveRoute(route, outcome string, d time.Duration)
	ObserveTurn(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRoute(string, string, time.Duration) {}
func (nopRecorder) ObserveTurn(string)                         {}

// Deps wires the orchestrator. Documents, Database and Schema may be nil;
// without Database no database or visualization route is ever selected.
type Deps struct {
	Classifier *intent.Classifier
	Documents  DocumentSearcher
	Database   QueryAnswerer
	Schema     SchemaProvider
	Composer   *composer.Composer
	Sessions   session.Store
	Recorder   Recorder
}

// Config holds per-turn limits. Zero values use the defaults.
type Config struct {
	HistoryWindow    int
	TopK             int
	RetrievalTimeout time.Duration
	QueryTimeout     time.Duration
}

// Orchestrator answers chat messages within sessions.
type Orchestrator struct {
	deps Deps
	cfg  Config
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = defaultRetrievalTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// Reply is a turn in progress: the route decision, known up front, and the
// answer stream.
type Reply struct {
	Decision intent.Decision
	Stream   *composer.Stream
}

// Ask runs one turn. The user and assistant turns are appended to the
// session together once the answer is complete; a cancelled or failed turn
// appends nothing. Errors: ErrValidation, session.ErrNotFound and
// composer.ErrAllRoutesFailed.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, message string) (*Reply, error) {
	message = strings.TrimSpace(message)
	if err := validate(sessionID, message); err != nil {
		return nil, err
	}

	if _, err := o.deps.Sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	turns, err := o.deps.Sessions.History(ctx, sessionID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	history := toMessages(turns)

	decision, err := o.deps.Classifier.Classify(ctx, intent.Input{
		Utterance:         message,
		History:           history,
		Entities:          o.entities(ctx),
		DatabaseAvailable: o.deps.Database != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	slog.Debug("routed message", "session_id", sessionID, "routes", decision.Routes(), "hybrid", decision.Hybrid())

	ev := o.gather(ctx, message, history, decision)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	userTurn := session.Turn{Role: session.RoleUser, Content: message}
	stream, err := o.deps.Composer.Compose(ctx, ev, func(ctx context.Context, a *composer.Answer) error {
		reply := session.Turn{Role: session.RoleAssistant, Content: a.Text, Payload: payloadOf(a)}
		if err := o.deps.Sessions.Append(ctx, sessionID, userTurn, reply); err != nil {
			o.deps.Recorder.ObserveTurn(outcomeFailed)
			return fmt.Errorf("saving turn: %w", err)
		}
		o.deps.Recorder.ObserveTurn("answered")
		return nil
	})
	if err != nil {
		o.deps.Recorder.ObserveTurn(outcomeFailed)
		if errors.Is(err, composer.ErrAllRoutesFailed) {
			slog.Warn("all routes failed", "session_id", sessionID, "error", err)
		}
		return nil, err
	}
	return &Reply{Decision: decision, Stream: stream}, nil
}

func validate(sessionID, message string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("%w: session_id must be a UUID", ErrValidation)
	}
	if message == "" {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if utf8.RuneCountInString(message) > maxMessageRunes {
		return fmt.Errorf("%w: message exceeds %d characters", ErrValidation, maxMessageRunes)
	}
	return nil
}

// entities returns the known table names, or nil when the schema is not
// available in time.
func (o *Orchestrator) entities(ctx context.Context) []string {
	if o.deps.Schema == nil || o.deps.Database == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, schemaLookupTimeout)
	defer cancel()
	schema, err := o.deps.Schema.Get(ctx)
	if err != nil {
		slog.Warn("schema unavailable for routing", "error", err)
		return nil
	}
	return schema.TableNames()
}

// gather runs the fired routes concurrently, each under its own timeout, and
// waits for all of them to settle. Route failures are recorded in the
// evidence, never returned.
func (o *Orchestrator) gather(ctx context.Context, question string, history []engine.Message, d intent.Decision) composer.Evidence {
	ev := composer.Evidence{Question: question, History: history, Decision: d}

	var g errgroup.Group
	if d.Has(intent.RouteDocument) {
		g.Go(func() error {
			ev.Passages, ev.DocumentErr = o.searchDocuments(ctx, question)
			return nil
		})
	}
	if d.Has(intent.RouteDatabase) {
		g.Go(func() error {
			ev.Query, ev.DatabaseErr = o.queryDatabase(ctx, question, history)
			if d.Has(intent.RouteVisualization) {
				ev.Chart, ev.VisualizationErr = o.plan(ev.Query, ev.DatabaseErr, d.ChartHint)
			}
			return nil
		})
	}
	g.Wait()
	return ev
}

func (o *Orchestrator) searchDocuments(ctx context.Context, question string) ([]retrieval.Passage, error) {
	if o.deps.Documents == nil {
		return nil, errors.New("document index not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	defer cancel()

	start := time.Now()
	passages, err := o.deps.Documents.Retrieve(ctx, question, o.cfg.TopK)
	o.observe(intent.RouteDocument, start, err)
	if err != nil {
		return nil, fmt.Errorf("retrieving passages: %w", err)
	}
	return passages, nil
}

func (o *Orchestrator) queryDatabase(ctx context.Context, question string, history []engine.Message) (*sqlgen.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	out, err := o.deps.Database.Answer(ctx, question, history)
	o.observe(intent.RouteDatabase, start, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// plan charts the database result. Without a result the chart fails with
// the database error.
func (o *Orchestrator) plan(q *sqlgen.Outcome, dbErr error, hint string) (*viz.Artifact, error) {
	start := time.Now()
	var (
		chart *viz.Artifact
		err   error
	)
	switch {
	case dbErr != nil:
		err = fmt.Errorf("no data to chart: %w", dbErr)
	case q == nil:
		err = viz.ErrInsufficientData
	default:
		kind, perr := viz.ParseKind(hint)
		if perr != nil {
			kind = viz.KindAuto
		}
		chart, err = viz.FromResult(q.Result, kind, "")
	}
	o.observe(intent.RouteVisualization, start, err)
	return chart, err
}

func (o *Orchestrator) observe(r intent.Route, start time.Time, err error) {
	outcome := outcomeOK
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = outcomeTimeout
	case err != nil:
		outcome = outcomeFailed
	}
	o.deps.Recorder.ObserveRoute(string(r), outcome, time.Since(start))
	if err != nil {
		slog.Warn("route failed", "route", r, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	}
}

func toMessages(turns []session.Turn) []engine.Message {
	msgs := make([]engine.Message, 0, len(turns))
	for _, t := range turns {
		role := engine.RoleUser
		if t.Role == session.RoleAssistant {
			role = engine.RoleAssistant
		}
		msgs = append(msgs, engine.Message{Role: role, Content: t.Content})
	}
	return msgs
}

func payloadOf(a *composer.Answer) *session.Payload {
	p := &session.Payload{}
	for _, r := range a.Routes {
		p.Routes = append(p.Routes, string(r))
	}
	if a.Query != nil {
		p.Statement = a.Query.Statement
		p.RowCount = a.Query.RowCount
	}
	if a.Chart != nil {
		p.ChartKind = string(a.Chart.Kind)
	}
	seen := make(map[string]bool)
	for _, s := range a.Sources {
		if !seen[s.DocumentID] {
			seen[s.DocumentID] = true
			p.Sources = append(p.Sources, s.DocumentID)
		}
	}
	for _, d := range a.Diagnostics {
		p.Failures = append(p.Failures, fmt.Sprintf("%s: %s", d.Route, d.Kind))
	}
	return p
}
