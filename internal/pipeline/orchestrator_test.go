package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/intent"
	"github.com/kalambet/dbgenie/internal/retrieval"
	"github.com/kalambet/dbgenie/internal/session"
	"github.com/kalambet/dbgenie/internal/sqldb"
	"github.com/kalambet/dbgenie/internal/sqlgen"
	"github.com/kalambet/dbgenie/internal/viz"
)

// sqlEngine answers every SQL prompt with a fixed statement.
type sqlEngine struct {
	mu    sync.Mutex
	sql   string
	calls int
}

func (e *sqlEngine) Chat(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return `{"sql": "` + e.sql + `"}`, nil
}
func (e *sqlEngine) ChatStream(context.Context, string, []engine.Message, func(string) error) error {
	return errors.New("not used")
}
func (e *sqlEngine) Embed(context.Context, string, string) ([]float32, error) { return nil, nil }
func (e *sqlEngine) IsRunning(context.Context) bool                          { return true }
func (e *sqlEngine) ListModels(context.Context) ([]string, error)            { return nil, nil }
func (e *sqlEngine) HasModel(context.Context, string) bool                   { return true }
func (e *sqlEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type fakeSearcher struct {
	fn    func(ctx context.Context, question string) ([]retrieval.Passage, error)
	calls int
}

func (f *fakeSearcher) Retrieve(ctx context.Context, question string, _ int) ([]retrieval.Passage, error) {
	f.calls++
	return f.fn(ctx, question)
}

type fakeAnswerer struct {
	fn func(ctx context.Context, question string) (*sqlgen.Outcome, error)
}

func (f *fakeAnswerer) Answer(ctx context.Context, question string, _ []engine.Message) (*sqlgen.Outcome, error) {
	return f.fn(ctx, question)
}

type recordedRoute struct{ route, outcome string }

type fakeRecorder struct {
	mu     sync.Mutex
	routes []recordedRoute
	turns  []string
}

func (r *fakeRecorder) ObserveRoute(route, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, recordedRoute{route, outcome})
}

func (r *fakeRecorder) ObserveTurn(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, outcome)
}

func handbookPassages(context.Context, string) ([]retrieval.Passage, error) {
	return []retrieval.Passage{{
		ID:         "c1",
		DocumentID: "doc-handbook",
		Source:     "handbook.pdf",
		Page:       3,
		Text:       "Sick leave: employees accrue one day of paid sick leave per month of service.",
		Score:      0.88,
	}}, nil
}

type harness struct {
	orch     *Orchestrator
	sessions *session.MemoryStore
	docs     *fakeSearcher
	sql      *sqlEngine
	recorder *fakeRecorder
}

// newHarness wires the orchestrator over a seeded HR database with a real
// synthesizer, planner and template composer.
func newHarness(t *testing.T, deps Deps, cfg Config) *harness {
	t.Helper()
	src, err := sqldb.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	require.NoError(t, sqldb.SeedHR(context.Background(), src.DB()))

	policy, err := sqlgen.NewPolicy(context.Background(), "")
	require.NoError(t, err)

	h := &harness{
		sessions: session.NewMemoryStore(),
		docs:     &fakeSearcher{fn: handbookPassages},
		sql:      &sqlEngine{},
		recorder: &fakeRecorder{},
	}
	cache := sqldb.NewSchemaCache(src)
	if deps.Classifier == nil {
		deps.Classifier = intent.NewClassifier(nil, nil, "")
	}
	if deps.Documents == nil {
		deps.Documents = h.docs
	}
	if deps.Database == nil {
		deps.Database = sqlgen.New(h.sql, src, cache, policy, sqlgen.Options{RepairAttempts: 1})
	}
	if deps.Schema == nil {
		deps.Schema = cache
	}
	if deps.Composer == nil {
		deps.Composer = composer.New(nil, composer.Options{})
	}
	deps.Sessions = h.sessions
	deps.Recorder = h.recorder
	h.orch = New(deps, cfg)
	return h
}

func (h *harness) newSession(t *testing.T) string {
	t.Helper()
	s, err := h.sessions.Create(context.Background())
	require.NoError(t, err)
	return s.ID
}

func drain(t *testing.T, s *composer.Stream) []composer.Event {
	t.Helper()
	var events []composer.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestAsk_PolicyQuestion(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "What is the sick leave policy?")
	require.NoError(t, err)
	assert.Equal(t, []intent.Route{intent.RouteDocument}, reply.Decision.Routes())

	ans, err := composer.Collect(context.Background(), reply.Stream)
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "handbook.pdf")
	assert.NotEmpty(t, ans.Sources)
	assert.Nil(t, ans.Query)
	assert.Zero(t, h.sql.calls)

	hist, err := h.sessions.History(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, session.RoleUser, hist[0].Role)
	assert.Equal(t, "What is the sick leave policy?", hist[0].Content)
	assert.Equal(t, ans.Text, hist[1].Content)
	assert.Equal(t, []string{"doc-handbook"}, hist[1].Payload.Sources)
}

func TestAsk_CountQuestion(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	h.sql.sql = "SELECT COUNT(*) AS employee_count FROM employees WHERE department = 'Engineering'"
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "How many employees are in Engineering?")
	require.NoError(t, err)
	assert.Equal(t, []intent.Route{intent.RouteDatabase}, reply.Decision.Routes())

	ans, err := composer.Collect(context.Background(), reply.Stream)
	require.NoError(t, err)
	require.NotNil(t, ans.Query)
	assert.True(t, strings.HasPrefix(ans.Query.Statement, "SELECT"))
	assert.Contains(t, ans.Text, "5")
	assert.Zero(t, h.docs.calls)

	hist, err := h.sessions.History(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ans.Query.Statement, hist[1].Payload.Statement)
	assert.Equal(t, 1, hist[1].Payload.RowCount)
}

func TestAsk_ChartQuestion(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	h.sql.sql = "SELECT e.department, SUM(l.days_count) AS leave_days FROM leave_records l JOIN employees e ON e.employee_id = l.employee_id GROUP BY e.department ORDER BY e.department"
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "Show me a chart of leave distribution by department")
	require.NoError(t, err)
	assert.Equal(t, []intent.Route{intent.RouteDatabase, intent.RouteVisualization}, reply.Decision.Routes())

	events := drain(t, reply.Stream)
	require.NotEmpty(t, events)
	assert.Equal(t, composer.EventArtifact, events[0].Type)

	done := events[len(events)-1]
	require.Equal(t, composer.EventDone, done.Type)
	require.NotNil(t, done.Answer.Chart)
	assert.Equal(t, viz.KindBar, done.Answer.Chart.Kind)
	assert.Equal(t, "department", done.Answer.Chart.X)
	assert.Equal(t, 1, h.sql.calls)

	hist, err := h.sessions.History(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "bar", hist[1].Payload.ChartKind)
}

func TestAsk_ChartWithoutDatabaseWord(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	h.sql.sql = "SELECT department, COUNT(*) AS headcount FROM employees GROUP BY department"
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "plot headcount by department")
	require.NoError(t, err)
	require.True(t, reply.Decision.Has(intent.RouteDatabase))
	ans, err := composer.Collect(context.Background(), reply.Stream)
	require.NoError(t, err)
	assert.NotNil(t, ans.Chart)
	assert.Equal(t, 1, h.sql.calls)
}

func TestAsk_HybridPartialFailure(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	h.sql.sql = "DROP TABLE employees"
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "Chart how many employees used the sick leave policy")
	require.NoError(t, err)
	assert.True(t, reply.Decision.Hybrid())

	ans, err := composer.Collect(context.Background(), reply.Stream)
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "handbook.pdf")
	assert.Contains(t, ans.Text, "could not complete the database part")
	assert.Nil(t, ans.Query)
	assert.Nil(t, ans.Chart)

	kinds := make(map[intent.Route]string)
	for _, d := range ans.Diagnostics {
		kinds[d.Route] = d.Kind
	}
	assert.Equal(t, "mutation_rejected", kinds[intent.RouteDatabase])
	assert.Contains(t, kinds, intent.RouteVisualization)
}

func TestAsk_AllRoutesFailed(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	h.docs.fn = func(context.Context, string) ([]retrieval.Passage, error) {
		return nil, errors.New("index unreachable")
	}
	id := h.newSession(t)

	_, err := h.orch.Ask(context.Background(), id, "What is the travel policy?")
	require.ErrorIs(t, err, composer.ErrAllRoutesFailed)

	hist, err := h.sessions.History(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Equal(t, []string{"failed"}, h.recorder.turns)
}

func TestAsk_RetrievalTimeoutIsRouteFailure(t *testing.T) {
	h := newHarness(t, Deps{}, Config{RetrievalTimeout: 20 * time.Millisecond})
	h.docs.fn = func(ctx context.Context, _ string) ([]retrieval.Passage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.sql.sql = "SELECT COUNT(*) AS n FROM employees"
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "How many employees does the handbook policy cover?")
	require.NoError(t, err)
	ans, err := composer.Collect(context.Background(), reply.Stream)
	require.NoError(t, err)

	require.Len(t, ans.Diagnostics, 1)
	assert.Equal(t, intent.RouteDocument, ans.Diagnostics[0].Route)
	assert.Equal(t, "timeout", ans.Diagnostics[0].Kind)
	assert.Contains(t, h.recorder.routes, recordedRoute{"document", "timeout"})
	assert.Contains(t, h.recorder.routes, recordedRoute{"database", "ok"})
}

func TestAsk_RoutesRunConcurrently(t *testing.T) {
	docsStarted := make(chan struct{})
	dbStarted := make(chan struct{})
	wait := func(ctx context.Context, ch chan struct{}) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	answerer := &fakeAnswerer{fn: func(ctx context.Context, _ string) (*sqlgen.Outcome, error) {
		close(dbStarted)
		if err := wait(ctx, docsStarted); err != nil {
			return nil, err
		}
		return &sqlgen.Outcome{Statement: "SELECT 1", Result: &sqldb.Result{
			Columns: []string{"n"}, Rows: []map[string]any{{"n": int64(1)}}, RowCount: 1,
		}}, nil
	}}
	h := newHarness(t, Deps{Database: answerer}, Config{RetrievalTimeout: 2 * time.Second, QueryTimeout: 2 * time.Second})
	h.docs.fn = func(ctx context.Context, q string) ([]retrieval.Passage, error) {
		close(docsStarted)
		if err := wait(ctx, dbStarted); err != nil {
			return nil, err
		}
		return handbookPassages(ctx, q)
	}
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "How many days does the leave policy allow?")
	require.NoError(t, err)
	ans, err := composer.Collect(context.Background(), reply.Stream)
	require.NoError(t, err)
	assert.Empty(t, ans.Diagnostics)
}

func TestAsk_Validation(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	id := h.newSession(t)

	tests := []struct {
		name      string
		sessionID string
		message   string
	}{
		{"empty message", id, ""},
		{"whitespace message", id, "   \n\t"},
		{"malformed session id", "not-a-uuid", "What is the leave policy?"},
		{"oversized message", id, strings.Repeat("a", maxMessageRunes+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Ask(context.Background(), tt.sessionID, tt.message)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Zero(t, h.docs.calls)
}

func TestAsk_UnknownSession(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	_, err := h.orch.Ask(context.Background(), uuid.NewString(), "What is the leave policy?")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAsk_HistoryReachesRoutes(t *testing.T) {
	var seen []engine.Message
	answerer := &fakeAnswerer{fn: func(context.Context, string) (*sqlgen.Outcome, error) {
		return &sqlgen.Outcome{Statement: "SELECT 1", Result: &sqldb.Result{
			Columns: []string{"n"}, Rows: []map[string]any{{"n": int64(3)}}, RowCount: 1,
		}}, nil
	}}
	wrapped := answererFunc(func(ctx context.Context, q string, history []engine.Message) (*sqlgen.Outcome, error) {
		seen = history
		return answerer.Answer(ctx, q, history)
	})
	h := newHarness(t, Deps{Database: wrapped}, Config{HistoryWindow: 2})
	id := h.newSession(t)

	for _, q := range []string{"How many employees are there?", "How many departments are there?"} {
		reply, err := h.orch.Ask(context.Background(), id, q)
		require.NoError(t, err)
		_, err = composer.Collect(context.Background(), reply.Stream)
		require.NoError(t, err)
	}

	require.Len(t, seen, 2)
	assert.Equal(t, engine.RoleUser, seen[0].Role)
	assert.Equal(t, "How many employees are there?", seen[0].Content)
	assert.Equal(t, engine.RoleAssistant, seen[1].Role)
}

type answererFunc func(ctx context.Context, q string, history []engine.Message) (*sqlgen.Outcome, error)

func (f answererFunc) Answer(ctx context.Context, q string, history []engine.Message) (*sqlgen.Outcome, error) {
	return f(ctx, q, history)
}

// blockingChatter streams one token and then waits for cancellation.
type blockingChatter struct{}

func (blockingChatter) ChatStream(ctx context.Context, _ string, _ []engine.Message, onDelta func(string) error) error {
	if err := onDelta("Engineering "); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestAsk_CancelledStreamAppendsNothing(t *testing.T) {
	h := newHarness(t, Deps{Composer: composer.New(blockingChatter{}, composer.Options{UseLLM: true})}, Config{})
	h.sql.sql = "SELECT COUNT(*) AS n FROM employees"
	id := h.newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	reply, err := h.orch.Ask(ctx, id, "How many employees are there?")
	require.NoError(t, err)

	ev, ok := reply.Stream.Next()
	require.True(t, ok)
	assert.Equal(t, composer.EventDelta, ev.Type)
	cancel()
	reply.Stream.Close()

	hist, err := h.sessions.History(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestAsk_NoDatabaseConfigured(t *testing.T) {
	h := newHarness(t, Deps{}, Config{})
	h.orch.deps.Database = nil
	id := h.newSession(t)

	reply, err := h.orch.Ask(context.Background(), id, "How many employees are in Engineering?")
	require.NoError(t, err)
	assert.Equal(t, []intent.Route{intent.RouteDocument}, reply.Decision.Routes())
	reply.Stream.Close()
}
