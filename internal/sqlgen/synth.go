package sqlgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/sqldb"
)

// ErrQueryUnresolvable is returned when no valid statement could be produced
// within the allowed repair attempts.
var ErrQueryUnresolvable = errors.New("query unresolvable")

// Statement origins, used in logs and metrics.
const (
	OriginGenerated = "generated"
	OriginRaw       = "raw"
)

// RejectionRecorder is notified about statements rejected for carrying a
// mutation keyword.
type RejectionRecorder interface {
	SQLMutationRejected(origin string)
}

type Options struct {
	Model          string
	MaxRows        int
	QueryTimeout   time.Duration
	RepairAttempts int
}

// Synthesizer turns natural-language questions into read-only SQL, runs it
// and returns the materialized result.
type Synthesizer struct {
	engine   engine.Engine
	src      sqldb.Source
	cache    *sqldb.SchemaCache
	policy   *Policy
	opts     Options
	recorder RejectionRecorder
}

func New(e engine.Engine, src sqldb.Source, cache *sqldb.SchemaCache, policy *Policy, opts Options) *Synthesizer {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 100
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.RepairAttempts < 0 {
		opts.RepairAttempts = 0
	}
	return &Synthesizer{engine: e, src: src, cache: cache, policy: policy, opts: opts}
}

// SetRecorder installs the recorder notified on mutation rejections.
func (s *Synthesizer) SetRecorder(r RejectionRecorder) {
	s.recorder = r
}

// Outcome is a successfully executed synthesized query.
type Outcome struct {
	Statement string
	Result    *sqldb.Result
	Attempts  int
}

var sqlSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"sql": {Type: "string", Description: "a single read-only SELECT statement"},
	},
	Required: []string{"sql"},
}

// Answer synthesizes and executes a statement for question. Failed attempts
// (non-SELECT output, execution errors) are fed back to the model up to
// RepairAttempts times. Mutation and policy violations end the attempt loop
// immediately, as do cancellation and timeouts.
func (s *Synthesizer) Answer(ctx context.Context, question string, history []engine.Message) (*Outcome, error) {
	schema, err := s.cache.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}

	msgs := buildPrompt(schema, question, history, s.opts.MaxRows)
	var lastErr error
	attempts := 1 + s.opts.RepairAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := s.engine.Chat(ctx, s.opts.Model, msgs, sqlSchema)
		if err != nil {
			return nil, fmt.Errorf("generating sql: %w", err)
		}
		stmt := extractSQL(raw)

		if stmt == "" {
			lastErr = errors.New("model returned no statement")
		} else {
			res, err := s.run(ctx, stmt, OriginGenerated)
			if err == nil {
				return &Outcome{Statement: stmt, Result: res, Attempts: attempt}, nil
			}
			if !repairable(ctx, err) {
				return nil, err
			}
			lastErr = err
		}

		slog.Debug("sql attempt failed", "attempt", attempt, "statement", stmt, "error", lastErr)
		msgs = append(msgs,
			engine.Message{Role: engine.RoleAssistant, Content: raw},
			engine.Message{Role: engine.RoleUser, Content: fmt.Sprintf(
				"That query failed: %v. Reply with a corrected single SELECT statement for the same question.", lastErr)},
		)
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrQueryUnresolvable, attempts, lastErr)
}

// Execute runs a caller-supplied statement under the same guard, policy and
// limits as generated statements.
func (s *Synthesizer) Execute(ctx context.Context, stmt string) (*sqldb.Result, error) {
	return s.run(ctx, strings.TrimSpace(stmt), OriginRaw)
}

func (s *Synthesizer) run(ctx context.Context, stmt, origin string) (*sqldb.Result, error) {
	if err := CheckReadOnly(stmt); err != nil {
		var me *MutationError
		if errors.As(err, &me) {
			slog.Warn("sql statement rejected",
				"event", "security.sql_mutation_rejected",
				"origin", origin,
				"keyword", me.Keyword,
				"statement", stmt)
			if s.recorder != nil {
				s.recorder.SQLMutationRejected(origin)
			}
		}
		return nil, err
	}
	if err := s.policy.Check(ctx, stmt, s.src.Dialect()); err != nil {
		slog.Warn("sql statement denied by policy", "origin", origin, "statement", stmt, "error", err)
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	res, err := s.src.Query(qctx, stmt, s.opts.MaxRows)
	if err != nil {
		if qctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("executing query: timed out after %s: %w", s.opts.QueryTimeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return res, nil
}

// repairable reports whether a failed attempt should be retried with
// feedback. Safety violations, timeouts and cancellation are final.
func repairable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case errors.Is(err, ErrMutationRejected), errors.Is(err, ErrPolicyDenied):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func buildPrompt(schema *sqldb.Schema, question string, history []engine.Message, maxRows int) []engine.Message {
	var sys strings.Builder
	sys.WriteString("You translate questions about a relational database into SQL.\n")
	fmt.Fprintf(&sys, "Write exactly one read-only SELECT statement in the %s dialect. ", schema.Dialect)
	sys.WriteString("Never modify data. Use only tables and columns from the schema below. ")
	fmt.Fprintf(&sys, "Return at most %d rows. ", maxRows)
	sys.WriteString("Answer with JSON of the form {\"sql\": \"...\"}.\n\n")
	sys.WriteString(schema.Describe())

	msgs := []engine.Message{{Role: engine.RoleSystem, Content: sys.String()}}
	for _, m := range history {
		if m.Role == engine.RoleUser || m.Role == engine.RoleAssistant {
			msgs = append(msgs, m)
		}
	}
	msgs = append(msgs, engine.Message{Role: engine.RoleUser, Content: question})
	return msgs
}

// extractSQL pulls the statement out of a model reply: JSON {"sql": ...}
// first, then a fenced code block, then the raw text.
func extractSQL(raw string) string {
	raw = strings.TrimSpace(raw)
	var out struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		raw = out.SQL
	}
	if i := strings.Index(raw, "```"); i >= 0 {
		body := raw[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], " ;") {
			body = body[nl+1:]
		}
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		raw = body
	}
	raw = strings.TrimSpace(raw)
	return strings.TrimSpace(strings.TrimRight(raw, "; \n\t"))
}
