// Package main provides the clinical decision support server: REST and MCP
// over HTTP, optionally MCP over stdio, and the background indexing flow.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bull/clinical-rag-agent/internal/config"
	"github.com/bull/clinical-rag-agent/internal/logger"
)

var (
	configPath string
	stdioMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "clinical-server",
	Short: "Clinical decision support server",
	Long: `Serves question answering and the treatment-suggestion agent over REST and MCP.

The patient and research directories are indexed on startup and kept fresh by
a periodic scan and, when enabled, a file watcher.

Environment variables:
  OPENAI_API_KEY   OpenAI API key for embeddings and generation (required)
  GITHUB_TOKEN     GitHub token for the guideline mirror (optional)
  CDS_*            configuration overrides, see internal/config`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.Flags().BoolVar(&stdioMode, "stdio", false, "serve MCP over stdin/stdout; HTTP keeps running for REST and health")
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// stdout belongs to the MCP transport in stdio mode.
	if stdioMode {
		slog.SetDefault(logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	} else {
		logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	}
	log := logger.WithComponent("server")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(app.pipeline.Run(gctx, cfg.Corpus.ScanInterval))
	})
	if app.watcher != nil {
		g.Go(func() error {
			if err := app.watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("file watcher stopped, relying on periodic scans", "error", err)
			}
			return nil
		})
	}
	if app.guidelines != nil {
		g.Go(func() error {
			app.runGuidelines(gctx, cfg.Guidelines.Interval)
			return nil
		})
	}
	if app.fetcher != nil && cfg.Tools.Research.Retention > 0 {
		g.Go(func() error {
			app.runPrune(gctx, cfg.Tools.Research.Retention)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("http server listening", "addr", server.Addr, "mcp", "/mcp")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown", "error", err)
		}
		return nil
	})

	if stdioMode {
		g.Go(func() error {
			log.Info("serving MCP over stdio")
			err := app.mcp.Run(gctx)
			// The client closing stdin ends the process.
			stop()
			return ignoreCancel(err)
		})
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// runGuidelines mirrors the guideline repository once, then every interval.
func (a *application) runGuidelines(ctx context.Context, interval time.Duration) {
	log := logger.WithComponent("guidelines")
	syncOnce := func() {
		res, err := a.guidelines.Sync(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("guideline sync failed", "error", err)
			}
			return
		}
		log.Info("guideline sync complete",
			"commit", res.CommitSHA,
			"written", res.Written,
			"removed", res.Removed,
			"failed", len(res.FailedDocs),
		)
	}

	syncOnce()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncOnce()
		}
	}
}

// runPrune removes fetched papers older than retention. It checks at a
// tenth of the retention period, clamped to [1m, 1h].
func (a *application) runPrune(ctx context.Context, retention time.Duration) {
	log := logger.WithComponent("research")
	every := min(max(retention/10, time.Minute), time.Hour)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.fetcher.Prune(ctx, retention)
			if err != nil {
				log.Warn("pruning fetched papers failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("pruned fetched papers", "removed", n)
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
