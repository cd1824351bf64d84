package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgecode/forge/internal/api"
	apimw "github.com/forgecode/forge/internal/api/middleware"
	"github.com/forgecode/forge/internal/config"
	"github.com/forgecode/forge/internal/convo"
	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/deploy"
	"github.com/forgecode/forge/internal/ghexport"
	"github.com/forgecode/forge/internal/llmclient"
	"github.com/forgecode/forge/internal/logging"
	"github.com/forgecode/forge/internal/manager"
	"github.com/forgecode/forge/internal/operations"
	"github.com/forgecode/forge/internal/project"
	"github.com/forgecode/forge/internal/ratelimit"
	"github.com/forgecode/forge/internal/screenshot"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/WebSocket API server",
	Long: `serve starts Forge's API server: the agent-lifecycle REST endpoints,
the per-agent WebSocket event stream, and the GitHub export pipeline,
fronted by CORS, CSRF and rate-limit middleware.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides config http.addr")
}

func runServe(_ *cobra.Command, _ []string) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stdout})

	apps, err := project.Open(filepath.Join(cfg.Storage.DataDir, "app.db"))
	if err != nil {
		return fmt.Errorf("opening application database: %w", err)
	}
	defer apps.Close()

	convoStore, err := convo.Open(filepath.Join(cfg.Storage.DataDir, "conversations.db"))
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer convoStore.Close()

	ops, err := buildOperationsRegistry(cfg)
	if err != nil {
		logger.Warn("LLM CLI not available, falling back to an unwired operations registry", "error", err)
		ops = operations.New()
	}

	agents := manager.New(manager.Deps{
		DataDir:      cfg.Storage.DataDir,
		TemplateName: cfg.Sandbox.TemplateName,
		Ops:          ops,
		Apps:         apps,
		Convo:        convoStore,
		Analyzer:     deploy.NoopAnalyzer{},
		Logger:       logger.Logger,
	}, manager.WithLogger(logger.Logger))
	defer agents.Close()

	rateStore := ratelimit.New(logger.Logger)
	rateLimits := api.RateLimits{
		Global: core.RateLimitConfig{Limit: cfg.RateLimit.GlobalLimit, Period: cfg.RateLimit.GlobalPeriod},
		Agent:  core.RateLimitConfig{Limit: cfg.RateLimit.AgentLimit, Period: cfg.RateLimit.AgentPeriod},
	}

	csrf := apimw.NewCSRF(cfg.CSRF.CookieName, cfg.CSRF.HeaderName, cfg.CSRF.TTL)

	opts := []api.Option{
		api.WithLogger(logger.Logger),
		api.WithRateLimit(rateStore, rateLimits),
		api.WithCSRF(csrf),
		api.WithScreenshots(buildScreenshotService(cfg, apps)),
	}

	if exporter, err := buildGitHubExporter(cfg); err != nil {
		logger.Warn("GitHub export pipeline not configured", "error", err)
	} else {
		opts = append(opts, api.WithGitHubExporter(exporter))
	}

	server := api.NewServer(agents, cfg.HTTP.AllowedOrigins, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("forge server starting", "addr", cfg.HTTP.Addr)
	return server.ListenAndServe(ctx, cfg.HTTP.Addr)
}

func buildOperationsRegistry(cfg *config.Config) (*operations.Registry, error) {
	cli, err := llmclient.New(llmclient.Config{Path: cfg.LLM.Provider})
	if err != nil {
		return nil, err
	}
	return operations.NewLLMBacked(cli), nil
}

func buildGitHubExporter(cfg *config.Config) (core.GitHubExporter, error) {
	if cfg.GitHub.AppID == 0 || cfg.GitHub.PrivateKeyPath == "" {
		return nil, fmt.Errorf("github app_id / private_key_path not configured")
	}
	return ghexport.New(cfg.GitHub.AppID, cfg.GitHub.InstallationID, cfg.GitHub.PrivateKeyPath)
}

func buildScreenshotService(cfg *config.Config, apps core.AppService) *screenshot.Service {
	store := screenshot.NewStore(cfg.Storage.DataDir)
	_ = store.EnsureBaseDir()

	endpoint := os.Getenv("FORGE_SCREENSHOT_ENDPOINT")
	var provider core.ScreenshotProvider
	if endpoint != "" {
		provider = screenshot.NewHTTPProvider(endpoint, os.Getenv("FORGE_SCREENSHOT_API_KEY"))
	}
	return screenshot.NewService(provider, store, apps)
}
