package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/dbgenie/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) ChatStream(_ context.Context, _ string, _ []engine.Message, _ func(string) error) error {
	return fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(_ context.Context) bool                          { return false }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error)            { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool                 { return false }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func vectorsByText(dims map[string]int) *mockEngine {
	return &mockEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		d, ok := dims[text]
		if !ok {
			return nil, fmt.Errorf("unexpected input %q", text)
		}
		return makeVector(d), nil
	}}
}

func TestEmbed_QueryPrefixForNomic(t *testing.T) {
	var got string
	mock := &mockEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		got = text
		return makeVector(768), nil
	}}

	if _, err := NewEmbedder(mock, "nomic-embed-text").Embed(context.Background(), "sick leave?"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got != "search_query: sick leave?" {
		t.Errorf("embedded %q", got)
	}

	if _, err := NewEmbedder(mock, "text-embedding-3-small").Embed(context.Background(), "sick leave?"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got != "sick leave?" {
		t.Errorf("embedded %q, want no prefix", got)
	}
}

func TestEmbed_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}

	_, err := NewEmbedder(mock, "m").Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
}

func TestEmbed_EmptyVector(t *testing.T) {
	mock := &mockEngine{embedFn: func(context.Context, string, string) ([]float32, error) {
		return []float32{}, nil
	}}
	if _, err := NewEmbedder(mock, "m").Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestEmbedBatch_KeepsInputOrder(t *testing.T) {
	mock := &mockEngine{embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
		return []float32{float32(len(text)), 1}, nil
	}}

	vecs, err := NewEmbedder(mock, "m").EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	want := []float32{1, 3, 2}
	for i, v := range vecs {
		if v[0] != want[i] {
			t.Errorf("vecs[%d][0] = %g, want %g", i, v[0], want[i])
		}
	}
}

func TestEmbedBatch_DocumentPrefixForNomic(t *testing.T) {
	e := NewEmbedder(vectorsByText(map[string]int{
		"search_document: a": 4,
		"search_document: b": 4,
	}), "nomic-embed-text:latest")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Errorf("got %d vectors, want 2", len(vecs))
	}
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	e := NewEmbedder(vectorsByText(map[string]int{"a": 384, "b": 768}), "m")

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "dimensions") {
		t.Fatalf("err = %v, want dimension error", err)
	}
}

func TestEmbedBatch_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if text == "b" {
				return nil, errors.New("embedding failed")
			}
			return makeVector(384), nil
		},
	}

	_, err := NewEmbedder(mock, "m").EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "embedding failed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			t.Fatal("should not be called for empty input")
			return nil, nil
		},
	}

	vecs, err := NewEmbedder(mock, "m").EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("got %v, %v; want nil, nil", vecs, err)
	}
}
