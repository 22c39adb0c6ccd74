package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/retrieval"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 5 * time.Second
)

// Chatter is the model call the reranker needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Searcher is the retrieval step being reranked.
type Searcher interface {
	Retrieve(ctx context.Context, question string, topK int) ([]retrieval.Passage, error)
}

// Reranker re-scores passages by relevance to the question. Passages scoring
// below the threshold are dropped; the rest are ordered by score descending,
// ties broken by document ingestion order and chunk index.
type Reranker struct {
	chat        Chatter
	model       string
	timeout     time.Duration
	threshold   float64
	concurrency int
}

// Options configures a Reranker.
type Options struct {
	Model     string
	Timeout   time.Duration
	Threshold float64
}

// New creates a Reranker.
func New(chat Chatter, opts Options) *Reranker {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Reranker{
		chat:        chat,
		model:       opts.Model,
		timeout:     opts.Timeout,
		threshold:   opts.Threshold,
		concurrency: defaultConcurrency,
	}
}

// Rerank scores each passage against the question. If the timeout fires
// before every passage is scored, the input order is returned unchanged.
// A passage whose scoring call fails keeps its similarity score.
func (r *Reranker) Rerank(ctx context.Context, question string, passages []retrieval.Passage) ([]retrieval.Passage, error) {
	if len(passages) == 0 {
		return passages, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored := make([]retrieval.Passage, len(passages))
	copy(scored, passages)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for i := range scored {
		wg.Add(1)
		go func(p *retrieval.Passage) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(timeoutCtx, question, *p)
			if err != nil {
				slog.Debug("reranker: score failed, keeping similarity", "passage_id", p.ID, "error", err)
				return
			}
			p.Score = float32(score)
		}(&scored[i])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeoutCtx.Err() != nil {
		slog.Warn("reranker: timed out, keeping retrieval order", "passages", len(passages))
		return passages, nil
	}

	kept := scored[:0]
	for _, p := range scored {
		if float64(p.Score) >= r.threshold {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocSeq != b.DocSeq {
			return a.DocSeq < b.DocSeq
		}
		return a.ChunkIndex < b.ChunkIndex
	})
	return kept, nil
}

var scoreSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score 0.0-1.0"},
	},
	Required: []string{"score"},
}

func (r *Reranker) score(ctx context.Context, question string, p retrieval.Passage) (float64, error) {
	prompt := "Rate how well the following policy excerpt answers the question, from 0.0 to 1.0.\n" +
		"Question: " + question + "\n" +
		"Excerpt: " + p.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.chat.Chat(ctx, r.model, []engine.Message{
		{Role: engine.RoleUser, Content: prompt},
	}, scoreSchema)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore extracts the score from a model response. Small local models
// often wrap the JSON in code fences or add filler around it.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	if *obj.Score < 0 || *obj.Score > 1 {
		return 0, fmt.Errorf("score %g out of range", *obj.Score)
	}
	return *obj.Score, nil
}

// RerankingSearcher runs a Searcher and reranks its passages.
type RerankingSearcher struct {
	inner    Searcher
	reranker *Reranker
}

// Wrap returns a Searcher that reranks the passages of inner.
func Wrap(inner Searcher, r *Reranker) *RerankingSearcher {
	return &RerankingSearcher{inner: inner, reranker: r}
}

func (s *RerankingSearcher) Retrieve(ctx context.Context, question string, topK int) ([]retrieval.Passage, error) {
	passages, err := s.inner.Retrieve(ctx, question, topK)
	if err != nil {
		return nil, err
	}
	return s.reranker.Rerank(ctx, question, passages)
}
