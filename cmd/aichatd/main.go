// Package main is the aichatd entry point: the AI engine HTTP server and its
// maintenance commands.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/cli"
	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/embedding"
	"github.com/hyperjump/aichat/internal/engine"
	"github.com/hyperjump/aichat/internal/indexer"
	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
	"github.com/hyperjump/aichat/internal/server"
	"github.com/hyperjump/aichat/internal/session"
	"github.com/hyperjump/aichat/internal/tools"
	"github.com/hyperjump/aichat/internal/watcher"
	"github.com/hyperjump/aichat/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/aichat/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// A missing default config yields the built-in defaults.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "index":
		runIndex()
	case "query":
		runQuery()
	case "health":
		runHealth()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("aichatd version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (provider calls, tool runs, index refreshes, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.String("runtime_config", cfg.Engine.ConfigPath),
		zap.String("workspace_root", cfg.Workspace.Root),
		zap.Bool("debug", debugMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	if err := components.Runtime.Watch(ctx); err != nil {
		logger.Warn("runtime config watch disabled", zap.String("path", cfg.Engine.ConfigPath), zap.Error(err))
	}
	go components.Pool.Run(ctx)

	if cfg.Workspace.Root != "" && cfg.Workspace.WatchOrDefault() {
		watchOpts := []watcher.WatcherOption{}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		watchSvc := watcher.NewWatcher(
			[]string{cfg.Workspace.Root},
			indexer.ShouldIndexFile,
			components.notifyChange,
			watchOpts...,
		)
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer watchSvc.Stop()
	}

	srv := server.NewServer(components.Engine, components.Indexes, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	cancel()
}

// workspaceRoot returns the root named by args, else the configured root, else
// the current directory.
func workspaceRoot(args []string, cfg *config.Config) (string, error) {
	root := ""
	if len(args) > 0 {
		root = args[0]
	}
	if root == "" && cfg != nil {
		root = cfg.Workspace.Root
	}
	if root == "" {
		root = "."
	}
	return filepath.Abs(root)
}

// buildQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse() sees them. Go's flag
// package stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// setupCLI loads config, builds a quiet logger and the components for a
// one-shot command. The returned context is cancelled on SIGINT/SIGTERM.
func setupCLI(configPath string, debug bool) (context.Context, context.CancelFunc, *config.Config, *Components) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := zap.NewNop()
	if debug || cfg.Debug {
		if logger, err = utils.NewLogger(true); err != nil {
			fmt.Printf("Failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		cancel()
		fmt.Printf("Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return ctx, cancel, cfg, components
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	ctx, cancel, cfg, components := setupCLI(*configPath, *debug)
	root, err := workspaceRoot(fs.Args(), cfg)
	if err != nil {
		cancel()
		components.Close()
		fmt.Printf("Invalid workspace root: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	stats, err := components.Retriever.Refresh(ctx, root)
	cancel()
	components.Close()
	if err != nil {
		fmt.Printf("Indexing failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteIndexStats(os.Stdout, stats, time.Since(start), cli.ParseFormat(*outputFormat)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runQuery() {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	root := fs.String("root", "", "workspace root (default: configured root or current directory)")
	limit := fs.Int("limit", 8, "number of results")
	candidates := fs.Int("candidates", 400, "maximum chunks scored by embedding similarity")
	debug := fs.Bool("debug", false, "enable debug logging")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: aichatd query [flags] <query>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))

	query := buildQuery(fs.Args())
	if query == "" {
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel, cfg, components := setupCLI(*configPath, *debug)
	var rootArgs []string
	if *root != "" {
		rootArgs = []string{*root}
	}
	absRoot, err := workspaceRoot(rootArgs, cfg)
	if err == nil {
		_, err = components.Retriever.Refresh(ctx, absRoot)
	}
	var hits []indexer.Result
	start := time.Now()
	if err == nil {
		hits, err = components.Retriever.Search(ctx, absRoot, query, *limit, *candidates)
	}
	took := time.Since(start)
	cancel()
	components.Close()
	if err != nil {
		fmt.Printf("Query failed: %v\n", err)
		os.Exit(1)
	}
	res := &cli.QueryResults{Root: absRoot, Query: query, QueryTime: took.Milliseconds(), Results: hits}
	if err := cli.WriteQueryResults(os.Stdout, res, cli.ParseFormat(*outputFormat)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// healthLLMConfig builds the per-request override sent with a health check.
func healthLLMConfig(providerName, model string) models.LLMConfig {
	llm := models.LLMConfig{}
	if p := strings.TrimSpace(providerName); p != "" {
		llm["provider"] = p
	}
	if m := strings.TrimSpace(model); m != "" {
		llm["check_model"] = m
	}
	return llm
}

func runHealth() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL (empty = check the provider directly)")
	providerName := fs.String("provider", "", "provider to check (default: routed provider)")
	model := fs.String("model", "", "model to check (default: routed model)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	llm := healthLLMConfig(*providerName, *model)
	var res *cli.HealthResult
	if *serverURL != "" {
		var err error
		res, err = healthViaHTTP(*serverURL, llm)
		if err != nil {
			fmt.Printf("Health check failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		ctx, cancel, _, components := setupCLI(*configPath, false)
		checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
		ok, route, err := components.Engine.CheckHealth(checkCtx, llm)
		checkCancel()
		cancel()
		components.Close()
		res = &cli.HealthResult{OK: ok && err == nil, Route: route}
		if err != nil {
			res.Error = err.Error()
		}
	}
	_ = cli.WriteHealth(os.Stdout, res, cli.ParseFormat(*outputFormat))
	if !res.OK {
		os.Exit(1)
	}
}

func healthViaHTTP(serverURL string, llm models.LLMConfig) (*cli.HealthResult, error) {
	body, err := json.Marshal(llm)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(strings.TrimRight(serverURL, "/")+"/ai-engine/health", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	var res cli.HealthResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return &res, nil
}

// statusResponse is the shape of GET /ai-engine/status.
type statusResponse struct {
	WorkspaceRoot     string         `json:"workspace_root"`
	RAGEnabled        bool           `json:"rag_enabled"`
	DatabasePath      string         `json:"database_path"`
	ConfigPath        string         `json:"config_path"`
	DatabaseSizeBytes *int64         `json:"database_size_bytes,omitempty"`
	Index             *indexer.Stats `json:"index,omitempty"`
	IndexSizeBytes    *int64         `json:"index_size_bytes,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	root := fs.String("root", "", "workspace root to report (default: server's configured root)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	status, err := statusViaHTTP(*serverURL, *root)
	if err != nil {
		fmt.Printf("Failed to get status from server: %v\n", err)
		os.Exit(1)
	}
	if cli.ParseFormat(*outputFormat) == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
		return
	}
	writeStatusText(os.Stdout, status)
}

func writeStatusText(w io.Writer, status *statusResponse) {
	fmt.Fprintf(w, "Workspace:      %s\n", orNone(status.WorkspaceRoot))
	fmt.Fprintf(w, "RAG enabled:    %t\n", status.RAGEnabled)
	fmt.Fprintf(w, "Database:       %s\n", status.DatabasePath)
	if status.DatabaseSizeBytes != nil {
		fmt.Fprintf(w, "Database size:  %d bytes\n", *status.DatabaseSizeBytes)
	}
	fmt.Fprintf(w, "Runtime config: %s\n", status.ConfigPath)
	if status.Index != nil {
		fmt.Fprintf(w, "Index:          %d files, %d chunks (%s)\n", status.Index.Files, status.Index.Chunks, orNone(status.Index.EmbeddingModel))
	}
	if status.IndexSizeBytes != nil {
		fmt.Fprintf(w, "Index size:     %d bytes\n", *status.IndexSizeBytes)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func statusViaHTTP(serverURL, root string) (*statusResponse, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(serverURL, "/")+"/ai-engine/status", nil)
	if err != nil {
		return nil, err
	}
	if root != "" {
		req.Header.Set(server.HeaderWorkspaceRoot, root)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &status, nil
}

// Components holds initialized services.
type Components struct {
	Sessions   *session.Store
	Runtime    *config.RuntimeStore
	Pool       *provider.Pool
	Embeddings *embedding.Service
	Indexes    *indexer.Manager
	Retriever  *engine.Retriever
	Tools      *tools.Registry
	Engine     *engine.Engine
	logger     *zap.Logger
}

// Close flushes indexes and closes the session database. The context passed
// to initializeComponents should be cancelled first.
func (c *Components) Close() {
	if c.Retriever != nil {
		c.Retriever.Wait()
	}
	if c.Indexes != nil {
		if err := c.Indexes.Close(); err != nil {
			c.logger.Warn("index flush failed", zap.Error(err))
		}
	}
	if c.Sessions != nil {
		_ = c.Sessions.Close()
	}
}

func (c *Components) notifyChange(root, rel string) {
	if !c.Indexes.NotifyFileChanged(root, rel) {
		c.logger.Debug("change outside loaded indexes", zap.String("root", root), zap.String("path", rel))
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := session.Open(cfg.Storage.DatabasePath, session.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session storage: %w", err)
	}

	runtime := config.NewRuntimeStore(cfg.Engine.ConfigPath, config.WithStoreLogger(logger))
	rt := runtime.LoadOnce()
	logger.Info("runtime config loaded",
		zap.String("provider", rt.DefaultProvider),
		zap.Int("max_attempts", rt.Retries.MaxAttempts))

	limiter := provider.NewLimiter()
	pool := provider.NewPool(
		provider.WithPoolLogger(logger),
		provider.WithPoolRecorder(store),
		provider.WithPoolLimiter(limiter),
	)
	embeddings := embedding.NewService(embedding.WithLogger(logger), embedding.WithLimiter(limiter))
	indexes := indexer.NewManager(ctx,
		indexer.WithLogger(logger),
		indexer.WithMaxChunks(cfg.Engine.MaxIndexedChunks),
	)
	retriever := engine.NewRetriever(ctx, runtime, indexes, embeddings, logger)

	c := &Components{
		Sessions:   store,
		Runtime:    runtime,
		Pool:       pool,
		Embeddings: embeddings,
		Indexes:    indexes,
		Retriever:  retriever,
		logger:     logger,
	}

	registry := tools.NewRegistry(tools.WithLogSink(store), tools.WithLogger(logger))
	if err := tools.RegisterDefaults(registry, tools.Options{
		OnChange:     c.notifyChange,
		ShellTimeout: time.Duration(cfg.Engine.ShellTimeoutSeconds) * time.Second,
		Semantic:     retriever.Search,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	c.Tools = registry

	c.Engine = engine.New(runtime, pool,
		engine.WithLogger(logger),
		engine.WithSessions(store),
		engine.WithTools(registry),
		engine.WithRetriever(retriever),
		engine.WithEmbeddings(embeddings),
		engine.WithWorkspaceRoot(cfg.Workspace.Root),
		engine.WithRAG(cfg.Workspace.RAGEnabled),
		engine.WithContextMaxLength(cfg.Engine.ContextMaxLength),
	)
	return c, nil
}

func printUsage() {
	fmt.Println(`aichatd - Local AI engine for editor chat, completion and tools

Usage:
  aichatd server [flags]           Start the HTTP server
  aichatd index [flags] [root]     Build or refresh the semantic index of a workspace
  aichatd query [flags] <query>    Query the semantic index of a workspace
  aichatd health [flags]           Check that the routed provider answers
  aichatd status [flags]           Show server storage and index status
  aichatd version                  Show version
  aichatd help                     Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/aichat/config.yaml)
  --debug            Enable debug logging

Index Flags:
  --config string    Config file path
  --output string    Output format: text or json (default: text)

Query Flags:
  --config string    Config file path
  --root string      Workspace root (default: configured root or current directory)
  --limit int        Number of results (default: 8)
  --candidates int   Maximum chunks scored by embedding similarity (default: 400)
  --output string    Output format: text or json (default: text)

Health Flags:
  --config string    Config file path (direct mode)
  --server string    Server URL. Empty (default) checks the provider directly.
  --provider string  Provider to check
  --model string     Model to check
  --output string    Output format: text or json (default: text)

Status Flags:
  --server string    Server URL (default: http://localhost:8080)
  --root string      Workspace root to report
  --output string    Output format: text or json (default: text)

Examples:
  aichatd server
  aichatd index ~/src/project
  aichatd query --root ~/src/project "where is the config parsed"
  aichatd query --output json parse config
  aichatd health --provider ollama --model llama3
  aichatd status --output json`)
}
