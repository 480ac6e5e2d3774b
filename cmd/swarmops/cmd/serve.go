package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/api"
	"github.com/swarmops/swarmops/internal/diagnostics"
	"github.com/swarmops/swarmops/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator API server",
	Long: `Start the HTTP server that receives agent callbacks and serves the
read API. Role and pipeline catalogs are hot-reloaded when their files
change under the data directory.

Examples:
  # Start on the configured port (default 8400)
  swarmops serve

  # Start on a custom port
  swarmops serve --port 9000`,
	RunE: runServe,
}

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	logger := newLogger(cfg)

	a, err := buildApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchCatalog(ctx, a, logger)
	go drainLoop(ctx, a, logger)

	// Leak detection for multi-day deployments.
	monitor := diagnostics.NewProcessMonitor(diagnostics.MonitorOptions{
		Interval:      30 * time.Second,
		FDWarnPercent: 80,
		GoroutineWarn: 2000,
		HeapWarnMB:    2048,
		WindowSize:    120,
		Logger:        logger.Logger,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	server := api.NewServer(api.ServerDeps{
		Orchestrator: a.orch,
		Runs:         a.runs,
		Phases:       a.phases,
		Escalations:  a.escalations,
		Ledger:       a.ledger,
		Bus:          a.bus,
		Logger:       logger,
	},
		api.WithAuthToken(cfg.Server.APIToken),
		api.WithDashboard(cfg.Server.DashboardPath),
	)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := server.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// watchCatalog reloads the role catalog when its files change.
func watchCatalog(ctx context.Context, a *app, logger *logging.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("catalog watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	dataDir := a.store.DataDir()
	for _, path := range []string{
		dataDir,
		filepath.Join(dataDir, "prompts"),
		filepath.Join(dataDir, "skills"),
	} {
		if err := watcher.Add(path); err != nil {
			logger.Warn("watching catalog path failed", "path", path, "error", err)
		}
	}

	// Editors fire several events per save; a short debounce collapses them.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isCatalogFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("catalog watcher error", "error", err)

		case <-pending:
			pending = nil
			if err := a.catalog.Reload(); err != nil {
				logger.Error("catalog reload failed", "error", err)
				continue
			}
			logger.Info("catalog reloaded")
		}
	}
}

func isCatalogFile(name string) bool {
	base := filepath.Base(name)
	if base == "roles.json" || base == "pipelines.json" {
		return true
	}
	dir := filepath.Base(filepath.Dir(name))
	return (dir == "prompts" || dir == "skills") && strings.HasSuffix(base, ".md")
}

// drainLoop periodically relaunches spawns parked while the guard was
// blocking.
func drainLoop(ctx context.Context, a *app, logger *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.orch.DrainQueuedSpawns(ctx); err != nil {
				logger.Warn("draining queued spawns failed", "error", err)
			}
		}
	}
}
