package engine

import "context"

// Engine abstracts an inference backend (a local Ollama server or any
// OpenAI-compatible endpoint). Routing, SQL synthesis, embedding and answer
// composition use this interface instead of depending on a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// ChatStream sends messages and delivers the response incrementally.
	// onDelta is called once per non-empty fragment, in order; an error
	// returned from onDelta aborts the stream and is returned as is.
	ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string) error) error

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	// Hosted backends return ErrPullUnsupported.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
