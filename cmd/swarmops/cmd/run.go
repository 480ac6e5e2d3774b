package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/adapters/github"
	"github.com/swarmops/swarmops/internal/api"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/service/phase"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan a task list and drive it to completion",
	Long: `Parse the project's task list into parallel phases, then run each
phase to completion: spawn one worker per task, wait for their reports,
merge the worker branches, and walk the phase through review.

The command embeds the callback server, so agents report back to this
process directly.

Examples:
  swarmops run -p shop --goal "Add checkout flow"
  swarmops run -p shop --tasks sprint-12.md --no-review`,
	RunE: runRun,
}

var (
	runGoal      string
	runTasksFile string
	runNoReview  bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runGoal, "goal", "", "one-line goal shown to every worker")
	runCmd.Flags().StringVar(&runTasksFile, "tasks", "", "task list file relative to the project (default tasks.md)")
	runCmd.Flags().BoolVar(&runNoReview, "no-review", false, "skip the review chain after each merge")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if projectName == "" {
		return fmt.Errorf("--project is required")
	}
	if runNoReview {
		cfg.Review.Enabled = false
	}
	logger := newLogger(cfg)

	a, err := buildApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Agents post their callbacks to this process.
	server := api.NewServer(api.ServerDeps{
		Orchestrator: a.orch,
		Runs:         a.runs,
		Phases:       a.phases,
		Escalations:  a.escalations,
		Ledger:       a.ledger,
		Bus:          a.bus,
		Logger:       logger,
	}, api.WithAuthToken(cfg.Server.APIToken))
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := server.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("callback server failed", "error", err)
			stop()
		}
	}()
	go drainLoop(ctx, a, logger)

	run, err := a.orch.StartRun(ctx, phase.StartRunParams{
		Project:   projectName,
		Goal:      runGoal,
		TasksFile: runTasksFile,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Run %s: %d phases planned on %s\n", run.RunID, len(run.Phases), run.BaseBranch)

	for _, rollup := range run.Phases {
		if err := drivePhase(ctx, a, run, rollup.PhaseNumber); err != nil {
			return err
		}
	}

	final, err := a.runs.LoadRun(ctx, run.RunID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s %s\n", final.RunID, final.Status)
	if final.Status != core.RunStatusCompleted {
		return fmt.Errorf("run ended %s", final.Status)
	}
	return nil
}

// drivePhase spawns the phase's workers and blocks until the phase
// reaches a terminal state. Merging, conflict resolution, and review all
// happen in the callback path.
func drivePhase(ctx context.Context, a *app, run *core.RunState, phaseNumber int) error {
	fmt.Printf("Phase %d: spawning workers\n", phaseNumber)
	ph, err := a.orch.RunPhase(ctx, run.RunID, phaseNumber)
	if err != nil {
		return err
	}
	fmt.Printf("Phase %d: %d workers running\n", phaseNumber, len(ph.Workers))

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastStatus := ph.Status
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ph, err = a.phases.LoadPhase(ctx, run.RunID, phaseNumber)
		if err != nil {
			return err
		}
		if ph.Status != lastStatus {
			fmt.Printf("Phase %d: %s\n", phaseNumber, ph.Status)
			lastStatus = ph.Status
		}

		switch ph.Status {
		case core.PhaseStatusCompleted:
			a.orch.MarkTasksDone(ctx, run.RunID, phaseNumber)
			maybePublishPR(ctx, a, run, ph)
			return nil
		case core.PhaseStatusFailed:
			return fmt.Errorf("phase %d failed", phaseNumber)
		}
	}
}

// maybePublishPR opens a pull request from the phase branch when the
// publisher is enabled. Failures are reported, not fatal.
func maybePublishPR(ctx context.Context, a *app, run *core.RunState, ph *core.Phase) {
	if !a.cfg.GitHub.CreatePR {
		return
	}
	pub := github.NewPublisher(github.PublisherConfig{Remote: a.cfg.GitHub.Remote})
	pr, err := pub.PublishPhase(ctx, ph, run.Goal)
	if err != nil {
		a.logger.Warn("publishing phase PR failed",
			"run_id", run.RunID, "phase", ph.PhaseNumber, "error", err)
		return
	}
	fmt.Printf("Phase %d: opened %s\n", ph.PhaseNumber, pr.URL)
}
