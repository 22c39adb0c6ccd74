package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/dbgenie/internal/api"
	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/config"
	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/ingest"
	"github.com/kalambet/dbgenie/internal/intent"
	"github.com/kalambet/dbgenie/internal/observability"
	"github.com/kalambet/dbgenie/internal/pipeline"
	"github.com/kalambet/dbgenie/internal/reranking"
	"github.com/kalambet/dbgenie/internal/retrieval"
	"github.com/kalambet/dbgenie/internal/session"
	"github.com/kalambet/dbgenie/internal/sqldb"
	"github.com/kalambet/dbgenie/internal/sqlgen"
	"github.com/kalambet/dbgenie/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the genie server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running genie server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show genie system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the genie tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// defaultHRDatabase is the sample database created in the data directory
// when database.url is empty.
const defaultHRDatabase = "hr.db"

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "genie.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// app is the fully wired service graph shared by serve and mcp.
type app struct {
	cfg      config.Config
	store    *storage.Store
	metrics  *observability.Metrics
	sessions session.Store
	indexer  *ingest.Indexer
	worker   *ingest.Worker
	chat     *pipeline.Orchestrator
	api      api.Deps
	mcp      api.MCPDeps
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.LLM.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr, cfg.ChatModel(), cfg.FastModel(), cfg.EmbedModel()); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.metrics = observability.NewMetrics("genie", nil)

	switch cfg.Session.Backend {
	case "sqlite":
		a.sessions = session.NewSQLStore(store)
	default:
		a.sessions = session.NewMemoryStore()
	}

	embedder := retrieval.NewEmbedder(eng, cfg.EmbedModel())
	vectors := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectors, cfg.Retrieval.TopK)
	a.indexer = ingest.NewIndexer(store, ingest.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap))
	a.worker = ingest.NewWorker(store, embedder, vectors, 500*time.Millisecond)

	var documents api.MCPRetriever = retriever
	if cfg.Retrieval.Rerank {
		documents = reranking.Wrap(retriever, reranking.New(eng, reranking.Options{
			Model:     cfg.FastModel(),
			Timeout:   cfg.Retrieval.RerankTimeout,
			Threshold: cfg.Retrieval.RerankThreshold,
		}))
	}

	rules, err := loadRules(cfg.Router.RulesFile)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Classifier: intent.NewClassifier(rules, eng, cfg.FastModel()),
		Documents:  documents,
		Composer: composer.New(eng, composer.Options{
			Model:            cfg.ChatModel(),
			MaxContextTokens: cfg.Composer.MaxContextTokens,
			UseLLM:           cfg.Composer.UseLLM,
		}),
		Sessions: a.sessions,
		Recorder: a.metrics,
	}
	a.api = api.Deps{
		Sessions:  a.sessions,
		Ingester:  a.indexer,
		Documents: store,
		Metrics:   a.metrics.Handler(),
		Recorder:  a.metrics,
	}
	a.mcp = api.MCPDeps{
		Sessions:  a.sessions,
		Retriever: documents,
	}

	if cfg.Database.Enabled {
		src, err := openSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, src.Close)

		policy, err := sqlgen.NewPolicy(ctx, cfg.Database.PolicyFile)
		if err != nil {
			return nil, err
		}
		cache := sqldb.NewSchemaCache(src)
		synth := sqlgen.New(eng, src, cache, policy, sqlgen.Options{
			Model:          cfg.FastModel(),
			MaxRows:        cfg.Database.MaxRows,
			QueryTimeout:   cfg.Database.QueryTimeout,
			RepairAttempts: cfg.Database.RepairAttempts,
		})
		synth.SetRecorder(a.metrics)

		deps.Database, deps.Schema = synth, cache
		a.api.Schema, a.api.Source, a.api.SQL = cache, src, synth
		a.mcp.Schema, a.mcp.SQL = cache, synth
	} else {
		slog.Info("database route disabled")
	}

	a.chat = pipeline.New(deps, pipeline.Config{
		HistoryWindow:    cfg.Session.HistoryWindow,
		TopK:             cfg.Retrieval.TopK,
		RetrievalTimeout: cfg.Retrieval.Timeout,
		QueryTimeout:     cfg.DatabaseRouteTimeout(),
	})
	a.api.Chat = a.chat
	a.mcp.Chat = a.chat

	ok = true
	return a, nil
}

func loadRules(path string) ([]intent.Rule, error) {
	if path == "" {
		return intent.DefaultRules(), nil
	}
	rules, err := intent.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("loading router rules: %w", err)
	}
	return rules, nil
}

// openSource opens database.url, or the sample HR database in the data
// directory when no URL is configured, seeding it on first use.
func openSource(ctx context.Context, cfg config.Config) (sqldb.Source, error) {
	if cfg.Database.URL != "" {
		src, err := sqldb.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("opening relational source: %w", err)
		}
		return src, nil
	}

	path := filepath.Join(cfg.Storage.DataDir, defaultHRDatabase)
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	src, err := sqldb.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("opening sample database: %w", err)
	}
	if err := sqldb.SeedHR(ctx, src.DB()); err != nil {
		src.Close()
		return nil, fmt.Errorf("seeding sample database: %w", err)
	}
	slog.Info("using sample HR database", "path", path)
	return src, nil
}

// startBackground runs the embedding worker, session janitor and directory
// preload until ctx is cancelled.
func (a *app) startBackground(ctx context.Context) {
	go a.worker.Run(ctx)

	idle := a.cfg.Session.IdleTimeout
	go session.RunJanitor(ctx, a.sessions, max(idle/4, time.Minute), idle)

	if dir := a.cfg.Documents.PreloadDir; dir != "" {
		go func() {
			n, err := a.indexer.PreloadDir(ctx, dir)
			if err != nil {
				slog.Error("preloading documents", "dir", dir, "error", err)
				return
			}
			slog.Info("preloaded documents", "dir", dir, "count", n)
		}()
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "genie version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("genie is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("genie is already running on %s", addr)
		return fmt.Errorf("server already running on %s", addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startBackground(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(a.api),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "genie listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves the MCP tools over stdio. stdout carries the protocol, so
// all diagnostics go to stderr.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startBackground(ctx)

	stdio := server.NewStdioServer(api.NewMCPServer(a.mcp))
	slog.Info("MCP server started (stdio transport)")
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("genie is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop genie (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to genie (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", client.baseURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("LLM provider", "%s", cfg.LLM.Provider)
	printStatus("Chat model", "%s", cfg.ChatModel())
	printStatus("Fast model", "%s", cfg.FastModel())
	printStatus("Embed model", "%s", cfg.EmbedModel())

	if running {
		if resp, err := client.get(ctx, "/documents?limit=100"); err == nil {
			var docs []struct {
				ID string `json:"document_id"`
			}
			if decodeJSON(resp, &docs) == nil {
				printStatus("Documents", "%s", countLabel(len(docs), 100))
			}
		}
		if resp, err := client.get(ctx, "/database/schema"); err == nil {
			var schema struct {
				Tables []string `json:"tables"`
			}
			if decodeJSON(resp, &schema) == nil {
				printStatus("Database", "%d tables", len(schema.Tables))
			} else {
				printStatus("Database", "not configured")
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
