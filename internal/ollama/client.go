// Package ollama is a small client for the Ollama HTTP API: model listing and
// pulls, plain, structured and streamed chat, and embeddings.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message represents a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// APIError is a non-200 answer from the Ollama server. Message carries the
// server's "error" field when it sent one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ollama: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("ollama: %s (status %d)", e.Message, e.StatusCode)
}

// IsModelNotFound reports whether err is Ollama's answer for a model that
// has not been pulled.
func IsModelNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client communicates with an Ollama instance over HTTP. Requests carry no
// client-side timeout; callers bound them with ctx.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given Ollama base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e) == nil {
			apiErr.Message = e.Error
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) decode(ctx context.Context, method, path string, payload, out any) error {
	resp, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// IsRunning returns true if the Ollama server answers GET /api/tags.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ListModels returns the names of all models available in the Ollama instance.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.decode(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally. A name
// without a tag matches any tag of that model.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// onProgress may be nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p struct {
			PullProgress
			Error string `json:"error"`
		}
		if err := dec.Decode(&p); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pulling model %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p.PullProgress)
		}
	}
}

type modelOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   any           `json:"format,omitempty"`
	Options  *modelOptions `json:"options,omitempty"`
}

// chatResponse is one /api/chat object. In streaming mode one object is
// sent per line and the last one has Done set.
type chatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// Chat sends messages to the model and returns the assistant's response.
// A non-nil format is sent as Ollama's structured output schema, and the
// request runs at temperature 0.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, format any) (string, error) {
	cr := chatRequest{Model: model, Messages: messages}
	if format != nil {
		cr.Format = format
		cr.Options = &modelOptions{Temperature: 0}
	}

	var result chatResponse
	if err := c.decode(ctx, http.MethodPost, "/api/chat", cr, &result); err != nil {
		return "", fmt.Errorf("chat with %s: %w", model, err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("chat with %s: %s", model, result.Error)
	}
	return result.Message.Content, nil
}

// ChatStream sends messages with streaming enabled and calls onDelta for
// every non-empty content fragment in arrival order. An error from onDelta
// aborts the stream and is returned unwrapped.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string) error) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", chatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return fmt.Errorf("chat with %s: %w", model, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk chatResponse
		if err := dec.Decode(&chunk); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading chat stream: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("chat stream: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := onDelta(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := c.EmbedMany(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds several inputs in one /api/embed call. The returned
// vectors are in input order.
func (c *Client) EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := c.decode(ctx, http.MethodPost, "/api/embed", embedRequest{Model: model, Input: texts}, &result); err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", model, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding with %s: got %d embeddings for %d inputs", model, len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}
