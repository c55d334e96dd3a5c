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

	"github.com/kalambet/orca/internal/api"
	"github.com/kalambet/orca/internal/composer"
	"github.com/kalambet/orca/internal/config"
	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/ingest"
	"github.com/kalambet/orca/internal/metrics"
	"github.com/kalambet/orca/internal/mock"
	"github.com/kalambet/orca/internal/ollama"
	"github.com/kalambet/orca/internal/orchestrator"
	"github.com/kalambet/orca/internal/promptcache"
	"github.com/kalambet/orca/internal/proxy"
	"github.com/kalambet/orca/internal/retry"
	"github.com/kalambet/orca/internal/storage"
	"github.com/kalambet/orca/internal/tools"
)

const (
	jobPollInterval = 500 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the orca server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running orca server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orca system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout alongside HTTP")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "orca.pid")
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

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// patientPolicy applies the configured limits to retry.Patient.
func patientPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.Patient
	if cfg.PatientMaxAttempts > 0 {
		p.MaxAttempts = cfg.PatientMaxAttempts
	}
	if cfg.PatientMaxDelay > 0 {
		p.MaxDelay = cfg.PatientMaxDelay
	}
	return p
}

func newSummarizer(ctx context.Context, cfg config.Config, gen proxy.Generator, ctl *retry.Controller) (document.Summarizer, error) {
	switch cfg.Documents.Summarizer {
	case config.SummarizerOllama:
		c := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, c, cfg.Ollama.Model, os.Stderr); err != nil {
			return nil, err
		}
		return ollama.NewSummarizer(c, cfg.Ollama.Model), nil
	case config.SummarizerNone:
		return nil, nil
	default:
		if cfg.Mock.Enabled {
			return nil, nil
		}
		return proxy.NewSummarizer(gen, cfg.Proxy.DefaultModel, ctl, retry.Fast), nil
	}
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "orca version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("orca is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("orca is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	m := metrics.New()

	cache := promptcache.New(cfg.Cache.Capacity, promptcache.TTLs{
		Static:   cfg.Cache.StaticTTL,
		Temporal: cfg.Cache.TemporalTTL,
		Default:  cfg.Cache.DefaultTTL,
	})
	go cache.Run(ctx, cfg.Cache.SweepInterval)
	m.WatchCache(cache)

	ctl := retry.NewController(logger, m)
	policy := patientPolicy(cfg.Retry)

	upstream := proxy.NewClient(cfg.Proxy.OpenRouterAPIKey,
		proxy.WithBaseURL(cfg.Proxy.BaseURL),
		proxy.WithTimeout(cfg.Proxy.Timeout),
	)

	summarizer, err := newSummarizer(ctx, cfg, upstream, ctl)
	if err != nil {
		return err
	}

	pipeline := document.New(document.Options{
		Timeout:         cfg.Documents.Timeout,
		Summarizer:      summarizer,
		PromptCache:     cache,
		ResultCacheSize: cfg.Documents.CacheSize,
		ResultCacheTTL:  cfg.Documents.CacheTTL,
		Recorder:        m,
		Logger:          logger.With("component", "document"),
	})

	comp := composer.New(0, cache)

	registry := tools.NewRegistry(tools.HTTPTools(tools.Endpoints{
		Search:   cfg.Tools.SearchURL,
		Calendar: cfg.Tools.CalendarURL,
		Storage:  cfg.Tools.StorageURL,
	})...)
	registry.Register(tools.NewDocumentTool(pipeline))
	logger.Info("tools registered", "tools", registry.Names())

	orch := orchestrator.New(orchestrator.Options{
		Generator:     upstream,
		Analyzer:      pipeline,
		Composer:      comp,
		Tools:         registry,
		Retry:         ctl,
		Policy:        policy,
		Mock:          mock.NewResponder(),
		Monitor:       mock.NewMonitor(cfg.Mock.OverloadWindow, cfg.Mock.OverloadThreshold),
		MockEnabled:   cfg.Mock.Enabled,
		Model:         cfg.Proxy.DefaultModel,
		MaxConcurrent: cfg.Documents.MaxConcurrent,
		Store:         store,
		Recorder:      m,
		Logger:        logger.With("component", "orchestrator"),
	})

	worker := ingest.NewWorker(store, pipeline, jobPollInterval, logger.With("component", "ingest"))
	go worker.Run(ctx)

	router := api.NewRouter(api.Deps{
		Upstream:     upstream,
		Orchestrator: orch,
		Analyzer:     pipeline,
		Store:        store,
		Cache:        cache,
		Composer:     comp,
		Retry:        ctl,
		Policy:       policy,
		Metrics:      m,
		Token:        apiToken,
		Logger:       logger.With("component", "api"),
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Orchestrator: orch,
			Analyzer:     pipeline,
			Cache:        cache,
			Composer:     comp,
			Interactions: store,
			Version:      version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orca listening", "addr", addr, "mock", cfg.Mock.Enabled, "summarizer", cfg.Documents.Summarizer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("orca is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop orca (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to orca (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	running := false

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Upstream", "%s (%s)", cfg.Proxy.BaseURL, cfg.Proxy.DefaultModel)
	if cfg.Mock.Enabled {
		printStatus("Mode", "offline responder forced on")
	}
	printStatus("Summarizer", "%s", cfg.Documents.Summarizer)

	if running {
		token, tokenErr := config.GetAPIToken(config.NewKeychain())
		if tokenErr == nil {
			printCounts(context.Background(), newClient(serverURL, token, &http.Client{Timeout: 2 * time.Second}))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printCounts(ctx context.Context, c *apiClient) {
	var docs, interactions []struct{}
	if err := c.get(ctx, fmt.Sprintf("/documents?limit=%d", listPageSize), &docs); err == nil {
		printStatus("Documents", "%s", countLabel(len(docs), listPageSize))
	}
	if err := c.get(ctx, fmt.Sprintf("/interactions?limit=%d", listPageSize), &interactions); err == nil {
		printStatus("Interactions", "%s", countLabel(len(interactions), listPageSize))
	}
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
