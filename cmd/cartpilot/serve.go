package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cartpilot/internal/action"
	"cartpilot/internal/browser"
	"cartpilot/internal/config"
	"cartpilot/internal/coordinator"
	mcpserver "cartpilot/internal/mcp"
	"cartpilot/internal/provenance"
	"cartpilot/internal/recorder"
	"cartpilot/internal/resilience"
	"cartpilot/internal/selectors"
	"cartpilot/internal/session"
	"cartpilot/internal/shop"
	"cartpilot/internal/store"
	"cartpilot/internal/workers"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ssePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools over stdio (or SSE with --sse-port)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve over SSE on this port instead of stdio (falls back to config)")
}

// app holds everything serve builds, so it can be torn down in order.
type app struct {
	browser  *browser.Manager
	registry *selectors.Registry
	watcher  *selectors.Watcher
	store    *store.Store
	recorder *recorder.Recorder
	sessions *session.Manager
	server   *mcpserver.Server
}

func runServe(cmd *cobra.Command, _ []string) error {
	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	if cfg.Browser.AutoStart {
		if err := a.browser.Start(ctx); err != nil {
			return fmt.Errorf("failed to start browser: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; it starts with the first session")
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting CartPilot MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		startErr = a.server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting CartPilot MCP stdio server")
		startErr = a.server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("server exited with error: %w", startErr)
	}
	return nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{browser: browser.NewManager(cfg.Browser, logger.Named("browser"))}

	reg, err := selectors.Load(cfg.Selectors.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load selectors: %w", err)
	}
	a.registry = reg
	if cfg.Selectors.Watch {
		w, err := selectors.NewWatcher(reg, logger.Named("selectors"), 0)
		if err != nil {
			return nil, fmt.Errorf("failed to watch selectors: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to watch selectors: %w", err)
		}
		a.watcher = w
	}

	a.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.recorder, err = recorder.New(cfg.Recorder, cfg.Screenshots, logger.Named("recorder"))
	if err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to open recorder: %w", err)
	}

	engine, err := provenance.NewEngine(cfg.Provenance, cfg.Coordinator.LowConfidence, logger.Named("provenance"))
	if err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to initialize provenance engine: %w", err)
	}

	gen := queryGenerator(ctx, cfg.LLM, logger)

	opts := []session.Option{
		session.WithLogger(logger.Named("session")),
		session.WithRecorder(a.recorder),
	}
	if engine.Enabled() {
		opts = append(opts, session.WithProvenance(engine))
	} else {
		logger.Info("provenance disabled; snapshots carry no attention items")
	}
	a.sessions = session.NewManager(a.runnerFactory(cfg, gen, logger), opts...)

	a.server, err = mcpserver.NewServer(cfg, a.sessions, a.browser, logger.Named("mcp"))
	if err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to initialize MCP server: %w", err)
	}
	return a, nil
}

// runnerFactory opens one page per session and binds a pipeline to it. The
// popup watcher lives as long as the page.
func (a *app) runnerFactory(cfg config.Config, gen workers.QueryGenerator, logger *zap.Logger) session.RunnerFactory {
	site := shop.FromConfig(cfg.Site)
	resolver := selectors.NewResolver(a.registry)
	retry := resilience.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.GetBaseDelay(),
		MaxDelay:   cfg.Retry.GetMaxDelay(),
	}

	return func(ctx context.Context, sessionID string, obs action.Observer) (session.Runner, func(), error) {
		page, err := a.browser.OpenPage(ctx, sessionID, "")
		if err != nil {
			return nil, nil, err
		}
		log := logger.With(zap.String("session", sessionID))

		popups := selectors.NewPopupWatcher(page, a.registry, log.Named("popups"))
		if err := popups.Attach(ctx); err != nil {
			log.Warn("popup watcher not attached", zap.Error(err))
		}
		release := func() {
			popups.Detach()
			if n := popups.Dismissals(); n > 0 {
				log.Info("popups dismissed", zap.Int("total", n), zap.Any("by_pattern", popups.Counts()))
			}
			if err := page.Close(); err != nil {
				log.Debug("page close failed", zap.Error(err))
			}
		}

		exec := action.New(page,
			action.WithLogger(log.Named("action")),
			action.WithRetry(retry),
			action.WithScreenshots(a.recorder),
			action.WithSessionID(sessionID),
			action.WithObserver(obs),
		)
		s, err := shop.New(site, exec, resolver, log.Named("shop"))
		if err != nil {
			release()
			return nil, nil, err
		}
		p := coordinator.NewPipeline(s, a.store, gen, cfg.Coordinator, log.Named("coordinator"))
		return pageRunner{Pipeline: p, popups: popups}, release, nil
	}
}

// pageRunner is a pipeline plus the popup watcher of its page, so session
// snapshots can report dismissals.
type pageRunner struct {
	*coordinator.Pipeline
	popups *selectors.PopupWatcher
}

var _ session.PopupCounter = pageRunner{}

func (r pageRunner) PopupCounts() map[string]int { return r.popups.Counts() }

// queryGenerator returns the GenAI generator when enabled and keyed, the
// heuristic otherwise.
func queryGenerator(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) workers.QueryGenerator {
	fallback := workers.HeuristicQueryGenerator{}
	if !cfg.Enabled {
		return fallback
	}
	key := os.Getenv(cfg.APIKeyEnv)
	g, err := workers.NewGenAIQueryGenerator(ctx, key, cfg.Model, cfg.GetTimeout(), fallback, logger.Named("genai"))
	if err != nil {
		logger.Warn("GenAI query generator unavailable; using heuristic queries", zap.Error(err))
		return fallback
	}
	return g
}

func (a *app) close(logger *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.sessions != nil {
		if err := a.sessions.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session shutdown", zap.Error(err))
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.browser != nil {
		if err := a.browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}
	if a.recorder != nil {
		_ = a.recorder.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
