package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// Secrets (API keys, the database URL which may embed a password) are only
// ever read from the environment.
var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "GENIE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "GENIE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "GENIE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "llm.provider", typ: kString, env: "GENIE_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "ollama.base_url", typ: kString, env: "GENIE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "GENIE_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "GENIE_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "GENIE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openai.base_url", typ: kString, env: "GENIE_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "GENIE_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.chat_model", typ: kString, env: "GENIE_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "GENIE_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "database.enabled", typ: kBool, env: "GENIE_DATABASE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Database.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Database.Enabled },
	},
	{
		key: "database.url", typ: kString, env: "GENIE_DATABASE_URL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Database.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.URL },
	},
	{
		key: "database.max_rows", typ: kInt, env: "GENIE_DATABASE_MAX_ROWS",
		apply:   func(cfg *Config, v any) { cfg.Database.MaxRows = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.MaxRows },
	},
	{
		key: "database.query_timeout", typ: kDuration, env: "GENIE_DATABASE_QUERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Database.QueryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Database.QueryTimeout },
	},
	{
		key: "database.repair_attempts", typ: kInt, env: "GENIE_DATABASE_REPAIR_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Database.RepairAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.RepairAttempts },
	},
	{
		key: "database.route_timeout", typ: kDuration, env: "GENIE_DATABASE_ROUTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Database.RouteTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Database.RouteTimeout },
	},
	{
		key: "database.policy_file", typ: kString, env: "GENIE_DATABASE_POLICY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Database.PolicyFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.PolicyFile },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "GENIE_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.timeout", typ: kDuration, env: "GENIE_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "retrieval.chunk_size", typ: kInt, env: "GENIE_RETRIEVAL_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkSize },
	},
	{
		key: "retrieval.chunk_overlap", typ: kInt, env: "GENIE_RETRIEVAL_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkOverlap },
	},
	{
		key: "retrieval.rerank", typ: kBool, env: "GENIE_RETRIEVAL_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Rerank },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "GENIE_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "retrieval.rerank_threshold", typ: kFloat, env: "GENIE_RETRIEVAL_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankThreshold },
	},
	{
		key: "documents.preload_dir", typ: kString, env: "GENIE_DOCUMENTS_PRELOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Documents.PreloadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.PreloadDir },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GENIE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "session.backend", typ: kString, env: "GENIE_SESSION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Session.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.Backend },
	},
	{
		key: "session.idle_timeout", typ: kDuration, env: "GENIE_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "session.history_window", typ: kInt, env: "GENIE_SESSION_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Session.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.HistoryWindow },
	},
	{
		key: "router.rules_file", typ: kString, env: "GENIE_ROUTER_RULES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Router.RulesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.RulesFile },
	},
	{
		key: "composer.max_context_tokens", typ: kInt, env: "GENIE_COMPOSER_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Composer.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Composer.MaxContextTokens },
	},
	{
		key: "composer.use_llm", typ: kBool, env: "GENIE_COMPOSER_USE_LLM",
		apply:   func(cfg *Config, v any) { cfg.Composer.UseLLM = v.(bool) },
		extract: func(cfg Config) any { return cfg.Composer.UseLLM },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			continue
		}
		parsed, err := parseValue(s.typ, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			continue
		}
		s.apply(cfg, parsed)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
