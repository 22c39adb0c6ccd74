package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/dbgenie/internal/engine"
	"golang.org/x/sync/errgroup"
)

const defaultEmbedConcurrency = 4

// Embedder turns questions and document passages into vectors with one
// embedding model. Models trained with task prefixes (nomic-embed-text)
// get them applied, so queries and passages land in the same space the
// model was trained for.
type Embedder struct {
	engine      engine.Engine
	model       string
	queryPrefix string
	docPrefix   string
	concurrency int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	q, d := taskPrefixes(model)
	return &Embedder{
		engine:      e,
		model:       model,
		queryPrefix: q,
		docPrefix:   d,
		concurrency: defaultEmbedConcurrency,
	}
}

func taskPrefixes(model string) (query, document string) {
	if strings.Contains(strings.ToLower(model), "nomic-embed") {
		return "search_query: ", "search_document: "
	}
	return "", ""
}

// Embed returns the vector for a question.
func (e *Embedder) Embed(ctx context.Context, question string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, e.queryPrefix+question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding question: model %s returned an empty vector", e.model)
	}
	return vec, nil
}

// EmbedBatch returns one vector per passage, in input order. Every vector
// in a batch must have the same dimension. Nil input yields nil.
func (e *Embedder) EmbedBatch(ctx context.Context, passages []string) ([][]float32, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(passages))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, text := range passages {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, e.docPrefix+text)
			if err != nil {
				return fmt.Errorf("embedding passage %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("embedding passage %d: got %d dimensions, want %d", i, len(v), dim)
		}
	}
	return vecs, nil
}
