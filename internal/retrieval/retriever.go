package retrieval

import (
	"context"
	"fmt"
)

// DefaultTopK is used when a caller passes a non-positive K.
const DefaultTopK = 4

// Passage is a retrieved document excerpt with its similarity score.
type Passage struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Page       int     `json:"page"`
	Offset     int     `json:"offset"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	DocSeq     int64   `json:"-"`
	ChunkIndex int     `json:"-"`
}

// Retriever combines embedding and vector search to find relevant passages.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	topK     int
}

// NewRetriever creates a Retriever backed by the given Embedder and
// VectorStore. topK is the default number of passages returned.
func NewRetriever(embedder *Embedder, store VectorStore, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, store: store, topK: topK}
}

// TopK returns the configured default number of passages.
func (r *Retriever) TopK() int { return r.topK }

// Retrieve embeds the question and returns the top-K passages in rank order.
// An empty index yields an empty, non-nil slice without calling the embedder.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int) ([]Passage, error) {
	if topK <= 0 {
		topK = r.topK
	}

	n, err := r.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking document index: %w", err)
	}
	if n == 0 {
		return []Passage{}, nil
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("searching document index: %w", err)
	}

	passages := make([]Passage, len(scored))
	for i, s := range scored {
		passages[i] = Passage{
			ID:         s.ID,
			DocumentID: s.DocumentID,
			Source:     s.Source,
			Page:       s.Page,
			Offset:     s.Offset,
			Text:       s.Text,
			Score:      s.Score,
			DocSeq:     s.DocSeq,
			ChunkIndex: s.ChunkIndex,
		}
	}
	return passages, nil
}
