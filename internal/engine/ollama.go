package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/dbgenie/internal/ollama"
)

// OllamaEngine serves chat, streaming and embeddings from a local Ollama
// server.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func toOllamaMessages(messages []Message) []ollama.Message {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

// withPullHint points at the fix when the model has not been pulled.
func withPullHint(model string, err error) error {
	if ollama.IsModelNotFound(err) {
		return fmt.Errorf("%w (run `ollama pull %s`)", err, model)
	}
	return err
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	// A nil *Schema must not reach the client as a non-nil interface.
	var format any
	if jsonSchema != nil {
		format = jsonSchema
	}
	out, err := e.client.Chat(ctx, model, toOllamaMessages(messages), format)
	return out, withPullHint(model, err)
}

func (e *OllamaEngine) ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string) error) error {
	return withPullHint(model, e.client.ChatStream(ctx, model, toOllamaMessages(messages), onDelta))
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, model, text)
	return vec, withPullHint(model, err)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress(p))
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
