package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	LLM       LLMConfig
	Ollama    OllamaConfig
	OpenAI    OpenAIConfig
	Database  DatabaseConfig
	Retrieval RetrievalConfig
	Documents DocumentsConfig
	Storage   StorageConfig
	Session   SessionConfig
	Router    RouterConfig
	Composer  ComposerConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type LogConfig struct {
	Level string
}

// LLMConfig selects the inference backend: "ollama" or "openai".
type LLMConfig struct {
	Provider string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	FastModel  string
	EmbedModel string
}

// OpenAIConfig targets any OpenAI-compatible endpoint (OpenAI, OpenRouter, Azure proxies).
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type DatabaseConfig struct {
	Enabled        bool
	URL            string
	MaxRows        int
	QueryTimeout   time.Duration
	RepairAttempts int
	PolicyFile     string
	// RouteTimeout bounds the whole database route of a turn, generation
	// and repairs included. Zero derives it from QueryTimeout.
	RouteTimeout time.Duration
}

type RetrievalConfig struct {
	TopK         int
	Timeout      time.Duration
	ChunkSize    int
	ChunkOverlap int

	// Rerank re-scores retrieved passages with the fast model; passages
	// below RerankThreshold are dropped.
	Rerank          bool
	RerankTimeout   time.Duration
	RerankThreshold float64
}

type DocumentsConfig struct {
	PreloadDir string
}

type StorageConfig struct {
	DataDir string
}

type SessionConfig struct {
	Backend       string
	IdleTimeout   time.Duration
	HistoryWindow int
}

type RouterConfig struct {
	RulesFile string
}

type ComposerConfig struct {
	MaxContextTokens int
	UseLLM           bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Log: LogConfig{
			Level: "info",
		},
		LLM: LLMConfig{
			Provider: "ollama",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			FastModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Database: DatabaseConfig{
			Enabled:        true,
			MaxRows:        100,
			QueryTimeout:   10 * time.Second,
			RepairAttempts: 2,
		},
		Retrieval: RetrievalConfig{
			TopK:         4,
			Timeout:      5 * time.Second,
			ChunkSize:    3000,
			ChunkOverlap: 200,

			RerankTimeout:   5 * time.Second,
			RerankThreshold: 0.3,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Session: SessionConfig{
			Backend:       "memory",
			IdleTimeout:   30 * time.Minute,
			HistoryWindow: 6,
		},
		Composer: ComposerConfig{
			MaxContextTokens: 4000,
			UseLLM:           true,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/dbgenie/config.json, then applies GENIE_* environment
// overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LLM.Provider {
	case "ollama":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable GENIE_OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown llm.provider %q (want ollama or openai)", c.LLM.Provider)
	}

	switch c.Session.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown session.backend %q (want memory or sqlite)", c.Session.Backend)
	}

	if c.Retrieval.RerankThreshold < 0 || c.Retrieval.RerankThreshold > 1 {
		return fmt.Errorf("retrieval.rerank_threshold (%g) must be between 0 and 1", c.Retrieval.RerankThreshold)
	}

	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap (%d) must be smaller than retrieval.chunk_size (%d)",
			c.Retrieval.ChunkOverlap, c.Retrieval.ChunkSize)
	}
	return nil
}

// ChatModel returns the answer-generation model for the configured provider.
func (c Config) ChatModel() string {
	if c.LLM.Provider == "openai" {
		return c.OpenAI.ChatModel
	}
	return c.Ollama.ChatModel
}

// FastModel returns the model used for classification and SQL synthesis.
func (c Config) FastModel() string {
	if c.LLM.Provider == "openai" {
		return c.OpenAI.ChatModel
	}
	return c.Ollama.FastModel
}

// EmbedModel returns the embedding model for the configured provider.
func (c Config) EmbedModel() string {
	if c.LLM.Provider == "openai" {
		return c.OpenAI.EmbedModel
	}
	return c.Ollama.EmbedModel
}

// DatabaseRouteTimeout returns the budget for one database route: the
// configured route timeout, or one query timeout per allowed attempt.
func (c Config) DatabaseRouteTimeout() time.Duration {
	if c.Database.RouteTimeout > 0 {
		return c.Database.RouteTimeout
	}
	return c.Database.QueryTimeout * time.Duration(1+max(c.Database.RepairAttempts, 0))
}
