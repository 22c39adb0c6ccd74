package reranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/retrieval"
)

// --- mock chatter ---

type mockChatter struct {
	chatFn func(ctx context.Context, msgs []engine.Message) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, _ string, msgs []engine.Message, _ *engine.Schema) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, msgs)
	}
	return `{"score": 0.5}`, nil
}

// scoreByText answers with the score mapped to the passage text in the prompt.
func scoreByText(scores map[string]string) *mockChatter {
	return &mockChatter{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		for text, resp := range scores {
			if strings.Contains(msgs[0].Content, "Excerpt: "+text+"\n") {
				return resp, nil
			}
		}
		return "", errors.New("unexpected prompt")
	}}
}

type fakeSearcher struct {
	passages []retrieval.Passage
	err      error
}

func (f *fakeSearcher) Retrieve(context.Context, string, int) ([]retrieval.Passage, error) {
	return f.passages, f.err
}

// --- helpers ---

func makePassages(n int, score float32) []retrieval.Passage {
	ps := make([]retrieval.Passage, n)
	for i := range ps {
		ps[i] = retrieval.Passage{
			ID:         fmt.Sprintf("chunk-%d", i),
			DocumentID: "doc-1",
			Source:     "handbook.pdf",
			Text:       fmt.Sprintf("text %d", i),
			Score:      score,
			DocSeq:     1,
			ChunkIndex: i,
		}
	}
	return ps
}

func ids(ps []retrieval.Passage) string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return strings.Join(out, ",")
}

// --- tests ---

func TestRerank_Reorders(t *testing.T) {
	chat := scoreByText(map[string]string{
		"text 0": `{"score": 0.3}`,
		"text 1": `{"score": 0.9}`,
		"text 2": `{"score": 0.7}`,
	})

	r := New(chat, Options{Model: "phi3.5", Threshold: 0.2})
	got, err := r.Rerank(context.Background(), "sick leave", makePassages(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids(got) != "chunk-1,chunk-2,chunk-0" {
		t.Errorf("order = %s", ids(got))
	}
	if got[0].Score != 0.9 {
		t.Errorf("top score = %g, want 0.9", got[0].Score)
	}
}

func TestRerank_TiesKeepIngestionOrder(t *testing.T) {
	ps := makePassages(3, 0.5)
	ps[0].DocSeq, ps[1].DocSeq, ps[2].DocSeq = 3, 1, 1
	ps[1].ChunkIndex, ps[2].ChunkIndex = 7, 2

	r := New(&mockChatter{}, Options{})
	got, err := r.Rerank(context.Background(), "q", ps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids(got) != "chunk-2,chunk-1,chunk-0" {
		t.Errorf("order = %s", ids(got))
	}
}

func TestRerank_DropsBelowThreshold(t *testing.T) {
	chat := scoreByText(map[string]string{
		"text 0": `{"score": 0.8}`,
		"text 1": `{"score": 0.1}`,
		"text 2": `{"score": 0.05}`,
	})

	r := New(chat, Options{Threshold: 0.3})
	got, err := r.Rerank(context.Background(), "q", makePassages(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids(got) != "chunk-0" {
		t.Errorf("kept = %s, want chunk-0", ids(got))
	}
}

func TestRerank_FailedScoreKeepsSimilarity(t *testing.T) {
	chat := scoreByText(map[string]string{
		"text 0": `{"score": 0.2}`,
		"text 1": `not json at all`,
	})

	r := New(chat, Options{})
	got, err := r.Rerank(context.Background(), "q", makePassages(2, 0.6))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids(got) != "chunk-1,chunk-0" {
		t.Errorf("order = %s", ids(got))
	}
	if got[0].Score != 0.6 {
		t.Errorf("unscored passage score = %g, want original 0.6", got[0].Score)
	}
}

func TestRerank_TimeoutKeepsOrder(t *testing.T) {
	chat := &mockChatter{chatFn: func(ctx context.Context, _ []engine.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}

	in := makePassages(3, 0.5)
	r := New(chat, Options{Timeout: 20 * time.Millisecond, Threshold: 0.9})
	got, err := r.Rerank(context.Background(), "q", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids(got) != ids(in) {
		t.Errorf("order = %s, want input order", ids(got))
	}
}

func TestRerank_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(&mockChatter{}, Options{})
	_, err := r.Rerank(ctx, "q", makePassages(2, 0.5))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRerank_Empty(t *testing.T) {
	r := New(&mockChatter{chatFn: func(context.Context, []engine.Message) (string, error) {
		t.Fatal("chat must not be called")
		return "", nil
	}}, Options{})
	got, err := r.Rerank(context.Background(), "q", []retrieval.Passage{})
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		want    float64
		wantErr bool
	}{
		{"plain", `{"score": 0.42}`, 0.42, false},
		{"code fence", "```json\n{\"score\": 0.8}\n```", 0.8, false},
		{"filler", `Sure! Here is the rating: {"score": 0.6} Hope that helps.`, 0.6, false},
		{"no object", `0.7`, 0, true},
		{"missing score", `{"relevance": 0.7}`, 0, true},
		{"out of range", `{"score": 7}`, 0, true},
		{"malformed", `{"score": }`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("score = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	inner := &fakeSearcher{passages: makePassages(2, 0.5)}
	chat := scoreByText(map[string]string{
		"text 0": `{"score": 0.1}`,
		"text 1": `{"score": 0.9}`,
	})

	s := Wrap(inner, New(chat, Options{}))
	got, err := s.Retrieve(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids(got) != "chunk-1,chunk-0" {
		t.Errorf("order = %s", ids(got))
	}

	inner.err = errors.New("index unreachable")
	if _, err := s.Retrieve(context.Background(), "q", 2); err == nil {
		t.Fatal("expected retrieval error to propagate")
	}
}
