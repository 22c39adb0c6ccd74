package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/dbgenie/internal/engine"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    int
	messages []engine.Message
}

func (m *mockChatter) Chat(ctx context.Context, _ string, messages []engine.Message, _ *engine.Schema) (string, error) {
	m.calls++
	m.messages = messages
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

var hrTables = []string{"departments", "employees", "leave_records", "attendance", "performance_reviews"}

func classify(t *testing.T, c *Classifier, utterance string) Decision {
	t.Helper()
	d, err := c.Classify(context.Background(), Input{
		Utterance:         utterance,
		Entities:          hrTables,
		DatabaseAvailable: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, d.Selections)
	return d
}

func TestClassify_PolicyLanguageRoutesToDocuments(t *testing.T) {
	c := NewClassifier(nil, nil, "")
	for _, q := range []string{
		"What is the sick leave policy?",
		"Summarize the remote work guidelines",
		"Is there a guideline on travel reimbursement for employees?",
		"What does the handbook say about parental leave policy for employees?",
		"What does the leave policy mean for contractors?",
		"What is the most important rule in the remote work guideline?",
		"What are the top priorities in the employee handbook?",
		"Does overtime count towards the total leave entitlement?",
	} {
		t.Run(q, func(t *testing.T) {
			d := classify(t, c, q)
			assert.True(t, d.Has(RouteDocument))
			assert.False(t, d.Has(RouteDatabase))
			assert.False(t, d.Has(RouteVisualization))
		})
	}
}

func TestClassify_HowManyKnownEntityRoutesToDatabase(t *testing.T) {
	c := NewClassifier(nil, nil, "")
	for _, q := range []string{
		"How many employees are in Engineering?",
		"how many departments do we have",
		"How   many leave records were filed?",
		"HOW MANY performance reviews scored 5?",
	} {
		t.Run(q, func(t *testing.T) {
			d := classify(t, c, q)
			assert.True(t, d.Has(RouteDatabase))
		})
	}
}

func TestClassify_EngineeringHeadcountIsDatabaseOnly(t *testing.T) {
	d := classify(t, NewClassifier(nil, nil, ""), "How many employees are in Engineering?")
	assert.Equal(t, []Route{RouteDatabase}, d.Routes())
	assert.Equal(t, SourceRule, d.Selections[0].Source)
	assert.Equal(t, "how many", d.Selections[0].Trigger)
}

func TestClassify_PolicyPlusChartIsHybrid(t *testing.T) {
	c := NewClassifier(nil, nil, "")
	for _, q := range []string{
		"Plot how the leave policy is used",
		"Chart the guideline adoption",
		"Visualize overtime against the overtime policy",
	} {
		t.Run(q, func(t *testing.T) {
			d := classify(t, c, q)
			assert.Equal(t, []Route{RouteDocument, RouteDatabase, RouteVisualization}, d.Routes())
			assert.True(t, d.Hybrid())
		})
	}
}

func TestClassify_RankingNeedsEntity(t *testing.T) {
	c := NewClassifier(nil, nil, "")

	d := classify(t, c, "Which department has the most employees?")
	assert.True(t, d.Has(RouteDatabase))

	d = classify(t, c, "What is the average salary in Engineering?")
	assert.True(t, d.Has(RouteDatabase))

	d = classify(t, c, "What is the most common question people ask?")
	assert.False(t, d.Has(RouteDatabase))
}

func TestClassify_ChartImpliesDatabase(t *testing.T) {
	d := classify(t, NewClassifier(nil, nil, ""), "Show me a chart of leave distribution by department")
	assert.Equal(t, []Route{RouteDatabase, RouteVisualization}, d.Routes())

	d = classify(t, NewClassifier(nil, nil, ""), "plot that")
	require.Equal(t, []Route{RouteDatabase, RouteVisualization}, d.Routes())
	assert.Equal(t, SourceImplicit, d.Selections[0].Source)
	assert.Equal(t, "required by visualization", d.Selections[0].Rationale)
}

func TestClassify_EntityRuleRequiresEntity(t *testing.T) {
	chat := &mockChatter{response: `{"routes":["document"]}`}
	c := NewClassifier(nil, chat, "phi3.5")

	d := classify(t, c, "Which employees joined last year?")
	assert.Equal(t, []Route{RouteDatabase}, d.Routes())
	assert.Contains(t, d.Selections[0].Rationale, `entity "employees"`)

	d = classify(t, c, "Which one should I read first?")
	assert.Equal(t, []Route{RouteDocument}, d.Routes())
	assert.Equal(t, SourceModel, d.Selections[0].Source)

	d = classify(t, c, "Show the department guidelines")
	assert.Equal(t, []Route{RouteDocument}, d.Routes(), "unless phrases suppress the entity rule")
}

func TestClassify_SingularEntity(t *testing.T) {
	d := classify(t, NewClassifier(nil, nil, ""), "show each department and its head")
	assert.True(t, d.Has(RouteDatabase))
}

func TestClassify_EmptyUtterance(t *testing.T) {
	chat := &mockChatter{}
	c := NewClassifier(nil, chat, "m")
	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := c.Classify(context.Background(), Input{Utterance: q, DatabaseAvailable: true})
		assert.ErrorIs(t, err, ErrEmptyUtterance)
	}
	assert.Zero(t, chat.calls)
}

func TestClassify_NoDatabaseConfigured(t *testing.T) {
	chat := &mockChatter{response: `{"routes":["database"]}`}
	c := NewClassifier(nil, chat, "m")

	d, err := c.Classify(context.Background(), Input{Utterance: "How many employees are there?"})
	require.NoError(t, err)
	assert.Equal(t, []Route{RouteDocument}, d.Routes())

	d, err = c.Classify(context.Background(), Input{Utterance: "Chart the sick leave policy usage"})
	require.NoError(t, err)
	assert.Equal(t, []Route{RouteDocument}, d.Routes())
	assert.Equal(t, SourceRule, d.Selections[0].Source)
}

func TestClassify_ModelFallback(t *testing.T) {
	tests := []struct {
		name string
		chat *mockChatter
		want []Route
		src  string
	}{
		{"valid routes", &mockChatter{response: `{"routes":["database","visualization"]}`}, []Route{RouteDatabase, RouteVisualization}, SourceModel},
		{"viz only implies database", &mockChatter{response: `{"routes":["visualization"]}`}, []Route{RouteDatabase, RouteVisualization}, SourceImplicit},
		{"unknown routes ignored", &mockChatter{response: `{"routes":["weather"]}`}, []Route{RouteDocument}, SourceDefault},
		{"empty routes", &mockChatter{response: `{"routes":[]}`}, []Route{RouteDocument}, SourceDefault},
		{"malformed json", &mockChatter{response: `not json {{`}, []Route{RouteDocument}, SourceDefault},
		{"engine error", &mockChatter{err: errors.New("connection refused")}, []Route{RouteDocument}, SourceDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(nil, tt.chat, "phi3.5")
			d := classify(t, c, "Tell me something about Priya")
			assert.Equal(t, tt.want, d.Routes())
			assert.Equal(t, tt.src, d.Selections[0].Source)
			assert.Equal(t, 1, tt.chat.calls)
		})
	}
}

func TestClassify_FallbackForwardsHistory(t *testing.T) {
	chat := &mockChatter{response: `{"routes":["database"]}`}
	c := NewClassifier(nil, chat, "m")
	history := []engine.Message{
		{Role: engine.RoleUser, Content: "How many employees are in Sales?"},
		{Role: engine.RoleAssistant, Content: "There are 3 employees in Sales."},
	}

	_, err := c.Classify(context.Background(), Input{Utterance: "and in Finance?", History: history, DatabaseAvailable: true})
	require.NoError(t, err)
	require.Len(t, chat.messages, 4)
	assert.Equal(t, engine.RoleSystem, chat.messages[0].Role)
	assert.Equal(t, history[1], chat.messages[2])
	assert.Equal(t, "and in Finance?", chat.messages[3].Content)
}

func TestClassify_FallbackTimeout(t *testing.T) {
	chat := &mockChatter{response: `{"routes":["database"]}`, delay: 10 * time.Second}
	c := NewClassifier(nil, chat, "m")

	start := time.Now()
	d := classify(t, c, "Tell me about Priya")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []Route{RouteDocument}, d.Routes())
}

func TestClassify_RulesSkipModel(t *testing.T) {
	chat := &mockChatter{response: `{"routes":["visualization"]}`}
	classify(t, NewClassifier(nil, chat, "m"), "What is the sick leave policy?")
	assert.Zero(t, chat.calls)
}

func TestHintFromText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Show a pie chart of headcount by department", "pie"},
		{"Plot salary versus rating", "scatter"},
		{"Chart attendance over time", "line"},
		{"Graph leave days by month", "line"},
		{"bar chart of leave by department", "bar"},
		{"Show me a chart of leave distribution by department", ""},
		{"read the guideline", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HintFromText(tt.in), tt.in)
	}
}
