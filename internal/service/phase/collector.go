package phase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/logging"
)

// Collector owns the phase document: worker registration, completion
// aggregation, and branch collection ahead of the merge.
type Collector struct {
	phases core.PhaseStore
	gitFor GitFactory
	bus    *events.Bus
	logger *logging.Logger

	// locks serializes OnWorkerComplete per (runID, phaseNumber).
	locks *keyedMutex
}

// NewCollector creates a collector. bus may be nil.
func NewCollector(phases core.PhaseStore, gitFor GitFactory, bus *events.Bus, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Collector{
		phases: phases,
		gitFor: gitFor,
		bus:    bus,
		logger: logger,
		locks:  newKeyedMutex(),
	}
}

// InitParams describes a phase to initialize.
type InitParams struct {
	RunID       string
	PhaseNumber int
	RepoDir     string
	BaseBranch  string
	ProjectPath string
	ProjectName string
	ProjectGoal string
	Tasks       []*core.Task // one worker per task, WorkerID = task ID
}

// InitPhase creates and persists a phase with one pending worker per task.
func (c *Collector) InitPhase(ctx context.Context, params InitParams) (*core.Phase, error) {
	if len(params.Tasks) == 0 {
		return nil, core.ErrValidation(core.CodeMissingTasks, "phase needs at least one task")
	}

	workers := make([]core.Worker, 0, len(params.Tasks))
	for i, task := range params.Tasks {
		workers = append(workers, core.NewWorker(core.NewWorkerID(i+1), task.ID))
	}

	phase := &core.Phase{
		RunID:       params.RunID,
		PhaseNumber: params.PhaseNumber,
		RepoDir:     params.RepoDir,
		BaseBranch:  params.BaseBranch,
		ProjectPath: params.ProjectPath,
		ProjectName: params.ProjectName,
		ProjectGoal: params.ProjectGoal,
		Workers:     workers,
		Status:      core.PhaseStatusRunning,
		StartedAt:   time.Now(),
	}
	if err := c.phases.SavePhase(ctx, phase); err != nil {
		return nil, err
	}

	c.publish(events.NewPhaseEvent(events.TypePhaseInitialized, phase.RunID, phase.PhaseNumber, string(phase.Status)))
	c.logger.Info("phase initialized",
		"run_id", phase.RunID, "phase", phase.PhaseNumber, "workers", len(workers))
	return phase, nil
}

// Aggregate is the phase-level view returned from OnWorkerComplete.
type Aggregate struct {
	PhaseComplete bool
	AllSucceeded  bool
}

// OnWorkerComplete records one worker's terminal report. Calls for the
// same phase are serialized; a repeat report for an already-terminal
// worker is a no-op returning the current aggregate.
func (c *Collector) OnWorkerComplete(ctx context.Context, runID string, phaseNumber int, workerID string, success bool, output, errMsg string) (Aggregate, error) {
	unlock := c.locks.Lock(core.PhaseKey(runID, phaseNumber))
	defer unlock()

	phase, err := c.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return Aggregate{}, err
	}

	worker := phase.Worker(workerID)
	if worker == nil {
		return Aggregate{}, core.ErrNotFound("worker", workerID)
	}

	if worker.IsTerminal() {
		c.logger.Debug("duplicate worker report ignored",
			"run_id", runID, "phase", phaseNumber, "worker_id", workerID, "status", worker.Status)
		return aggregate(phase), nil
	}

	if worker.Status == core.WorkerStatusPending {
		// A worker can report before the spawn bookkeeping landed.
		_ = worker.MarkRunning(worker.SessionKey)
	}
	if success {
		err = worker.MarkCompleted(output)
	} else {
		err = worker.MarkFailed(errMsg)
	}
	if err != nil {
		return Aggregate{}, err
	}

	if err := c.phases.SavePhase(ctx, phase); err != nil {
		return Aggregate{}, err
	}

	agg := aggregate(phase)
	c.logger.Info("worker reported",
		"run_id", runID, "phase", phaseNumber, "worker_id", workerID,
		"success", success, "phase_complete", agg.PhaseComplete)
	return agg, nil
}

func aggregate(phase *core.Phase) Aggregate {
	return Aggregate{
		PhaseComplete: phase.AllWorkersTerminal(),
		AllSucceeded:  phase.AllWorkersTerminal() && phase.AllWorkersSucceeded(),
	}
}

// MarkWorkerRunning records a successful spawn on the phase document.
func (c *Collector) MarkWorkerRunning(ctx context.Context, runID string, phaseNumber int, workerID, sessionKey string) error {
	unlock := c.locks.Lock(core.PhaseKey(runID, phaseNumber))
	defer unlock()

	phase, err := c.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}
	worker := phase.Worker(workerID)
	if worker == nil {
		return core.ErrNotFound("worker", workerID)
	}
	if err := worker.MarkRunning(sessionKey); err != nil {
		return err
	}
	return c.phases.SavePhase(ctx, phase)
}

// IsReadyForCollection reports whether every worker is terminal and none failed.
func (c *Collector) IsReadyForCollection(phase *core.Phase) bool {
	return phase.AllWorkersTerminal() && len(phase.FailedWorkers()) == 0
}

// CollectBranches resolves the worker branches that actually carry work:
// branches that exist and have commits ahead of the base. It refuses to
// collect while workers are unfinished or failed. An empty result means
// the phase produced no changes. The phase branch is created off base
// when absent, without a checkout.
func (c *Collector) CollectBranches(ctx context.Context, phase *core.Phase) ([]string, error) {
	if !phase.AllWorkersTerminal() {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s has unfinished workers", phase.Key()))
	}
	if failed := phase.FailedWorkers(); len(failed) > 0 {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s has failed workers: %s", phase.Key(), strings.Join(failed, ", ")))
	}

	client, err := c.gitFor(phase.RepoDir)
	if err != nil {
		return nil, err
	}

	branches := make([]string, 0, len(phase.Workers))
	for i := range phase.Workers {
		branch := git.WorkerBranch(phase.RunID, phase.Workers[i].WorkerID)
		exists, err := client.BranchExists(ctx, branch)
		if err != nil {
			return nil, err
		}
		if !exists {
			c.logger.Debug("worker branch missing, skipping", "branch", branch)
			continue
		}
		ahead, err := client.AheadCount(ctx, phase.BaseBranch, branch)
		if err != nil {
			return nil, err
		}
		if ahead == 0 {
			c.logger.Debug("worker branch has no commits, skipping", "branch", branch)
			continue
		}
		branches = append(branches, branch)
	}

	phaseBranch := git.PhaseBranch(phase.RunID, phase.PhaseNumber)
	if len(branches) > 0 {
		exists, err := client.BranchExists(ctx, phaseBranch)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := client.CreateBranch(ctx, phaseBranch, phase.BaseBranch); err != nil {
				return nil, err
			}
		}
	}

	phase.CollectedBranches = branches
	phase.PhaseBranch = phaseBranch
	if err := c.phases.SavePhase(ctx, phase); err != nil {
		return nil, err
	}
	return branches, nil
}

// CompletePhase marks the phase completed and persists it.
func (c *Collector) CompletePhase(ctx context.Context, phase *core.Phase) error {
	if err := phase.Transition(core.PhaseStatusCompleted); err != nil {
		return err
	}
	if err := c.phases.SavePhase(ctx, phase); err != nil {
		return err
	}
	c.publish(events.NewPhaseEvent(events.TypePhaseCompleted, phase.RunID, phase.PhaseNumber, string(phase.Status)))
	return nil
}

// FailPhase marks the phase failed and persists it.
func (c *Collector) FailPhase(ctx context.Context, phase *core.Phase) error {
	if err := phase.Transition(core.PhaseStatusFailed); err != nil {
		return err
	}
	if err := c.phases.SavePhase(ctx, phase); err != nil {
		return err
	}
	c.publish(events.NewPhaseEvent(events.TypePhaseFailed, phase.RunID, phase.PhaseNumber, string(phase.Status)))
	return nil
}

// WorkerTaskContexts maps each collected branch to a short description of
// the task it carries, for resolver prompts. titles maps task IDs to
// titles and may be nil.
func (c *Collector) WorkerTaskContexts(phase *core.Phase, branches []string, titles map[string]string) map[string]string {
	contexts := make(map[string]string, len(branches))
	for _, branch := range branches {
		for i := range phase.Workers {
			w := &phase.Workers[i]
			if git.WorkerBranch(phase.RunID, w.WorkerID) != branch {
				continue
			}
			desc := titles[w.TaskID]
			if desc == "" {
				desc = w.TaskID
			}
			if out := strings.TrimSpace(w.Output); out != "" {
				desc = desc + ": " + out
			}
			contexts[branch] = desc
		}
	}
	return contexts
}

func (c *Collector) publish(event events.Event) {
	if c.bus != nil {
		c.bus.Publish(event)
	}
}
