package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/swarmops/swarmops/internal/adapters/gateway"
	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/adapters/state"
	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/service"
	"github.com/swarmops/swarmops/internal/service/dispatch"
	"github.com/swarmops/swarmops/internal/service/phase"
)

// app bundles every long-lived collaborator a command can need. Commands
// take what they use and ignore the rest.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	store       *state.Store
	runs        *state.RunStore
	phases      *state.PhaseStore
	escalations *state.EscalationStore
	registry    *state.TaskRegistry
	retries     *state.RetryState
	queue       *state.WorkQueue

	bus    *events.Bus
	ledger *events.Ledger

	catalog  *service.Catalog
	projects *service.Projects

	gateway    core.AgentGateway
	dispatcher *dispatch.Dispatcher
	tracker    *dispatch.Tracker
	worktrees  core.WorktreeManager

	orch     *phase.Orchestrator
	resolver *phase.Resolver
	merger   *phase.Merger
}

// loadConfig loads configuration honoring the persistent flags.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}

// buildApp wires the full orchestration stack over the configured data
// directory. withTracker enables the background session poller; only the
// long-running commands want it.
func buildApp(cfg *config.Config, logger *logging.Logger, withTracker bool) (*app, error) {
	store, err := state.NewStore(cfg.Data.Dir)
	if err != nil {
		return nil, err
	}

	catalogStore, err := state.NewCatalogStore(store)
	if err != nil {
		return nil, err
	}
	catalog, err := service.NewCatalog(catalogStore, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(0)
	ledger, err := events.NewLedger(cfg.Data.Dir, bus)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		runs:        state.NewRunStore(store),
		phases:      state.NewPhaseStore(store),
		escalations: state.NewEscalationStore(store),
		registry:    state.NewTaskRegistry(store),
		retries:     state.NewRetryState(store),
		queue:       state.NewWorkQueue(store),
		bus:         bus,
		ledger:      ledger,
		catalog:     catalog,
		projects:    service.NewProjects(cfg.Data.ProjectsDir),
	}

	a.gateway = gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Timeout, logger)
	a.dispatcher = dispatch.NewDispatcher(a.gateway, ledger, dispatch.Config{
		Guard: dispatch.GuardConfig{
			MaxConsecutiveFailures: cfg.Spawn.MaxConsecutiveFailures,
			CircuitOpenDuration:    cfg.Spawn.CircuitOpenDuration,
			MaxConcurrentSpawns:    cfg.Spawn.MaxConcurrentSpawns,
			SpawnWindow:            cfg.Spawn.SpawnWindow,
			BackoffBase:            cfg.Spawn.BackoffBase,
			BackoffMax:             cfg.Spawn.BackoffMax,
			BackoffMultiplier:      cfg.Spawn.BackoffMultiplier,
		},
		VerifySpawn:    cfg.Spawn.VerifySpawn,
		VerifyDelay:    cfg.Spawn.VerifyDelay,
		VerifyMaxPolls: cfg.Spawn.VerifyMaxPolls,
		MaxRetries:     cfg.Spawn.MaxRetries,
	}, logger)

	gitFor := func(repoDir string) (core.GitClient, error) {
		return git.NewClient(repoDir)
	}
	a.worktrees = git.NewWorktreeManager(cfg.Git.WorktreeDir, logger)

	callback := a.callbackURL()
	collector := phase.NewCollector(a.phases, gitFor, bus, logger)
	a.resolver = phase.NewResolver(a.dispatcher, a.phases, collector, gitFor, catalog, ledger, callback, logger)
	review := phase.NewReviewChain(a.dispatcher, a.runs, a.phases, a.escalations, collector, gitFor, catalog, ledger, bus, callback, logger)
	a.merger = phase.NewMerger(collector, a.phases, gitFor, a.resolver, review, ledger, bus, logger)

	if withTracker {
		a.tracker = dispatch.NewTracker(a.gateway, ledger, dispatch.TrackerConfig{
			PollInterval: cfg.Tracker.PollInterval,
			MaxTrackTime: cfg.Tracker.MaxTrackTime,
		}, a.onTrackedDone, logger)
	}

	a.orch = phase.NewOrchestrator(phase.OrchestratorDeps{
		Runs:        a.runs,
		Phases:      a.phases,
		Escalations: a.escalations,
		Collector:   collector,
		Merger:      a.merger,
		Review:      review,
		Resolver:    a.resolver,
		Dispatcher:  a.dispatcher,
		Tracker:     a.tracker,
		Worktrees:   a.worktrees,
		GitFor:      gitFor,
		Catalog:     catalog,
		Projects:    a.projects,
		Ledger:      ledger,
		Bus:         bus,
		Logger:      logger,
		Queue:       a.queue,
		Retries:     a.retries,

		DisableReview: !cfg.Review.Enabled,
	})
	return a, nil
}

// callbackURL is the address agents report back to.
func (a *app) callbackURL() string {
	return fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)
}

// onTrackedDone handles worker sessions that ended without posting their
// completion callback.
func (a *app) onTrackedDone(session dispatch.TrackedSession, outcome dispatch.Outcome) {
	ctx := context.Background()
	success := outcome == dispatch.OutcomeCompleted
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("session ended without callback: %s", outcome)
	}
	if _, err := a.orch.OnWorkerCallback(ctx, session.RunID, session.PhaseNumber, session.WorkerID, success, "", errMsg); err != nil {
		a.logger.Warn("tracked session completion failed",
			"run_id", session.RunID, "worker_id", session.WorkerID, "error", err)
	}
}

// Close releases background resources.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Shutdown()
	}
	if a.bus != nil {
		a.bus.Close()
	}
}
