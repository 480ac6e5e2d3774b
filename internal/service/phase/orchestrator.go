package phase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/adapters/state"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/service"
	"github.com/swarmops/swarmops/internal/service/dispatch"
)

// DefaultTasksFile is the task list looked for in a project when the run
// request names none.
const DefaultTasksFile = "tasks.md"

// defaultMaxParallel bounds concurrent worktree creation and spawns per phase.
const defaultMaxParallel = 4

// Orchestrator is the run-level facade: it parses task lists into phases,
// drives each phase's workers, and routes the HTTP callbacks that move a
// phase through merge, conflict resolution, and review.
type Orchestrator struct {
	runs        core.RunStore
	phases      core.PhaseStore
	escalations core.EscalationStore
	collector   *Collector
	merger      *Merger
	review      *ReviewChain
	resolver    *Resolver
	dispatcher  *dispatch.Dispatcher
	tracker     *dispatch.Tracker
	worktrees   core.WorktreeManager
	gitFor      GitFactory
	catalog     *service.Catalog
	projects    *service.Projects
	ledger      core.Ledger
	bus         *events.Bus
	logger      *logging.Logger

	maxParallel   int
	queue         SpawnQueue
	retries       RetryJournal
	disableReview bool

	// conflicts remembers the resume point of each conflicted phase. The
	// map is a fast path; after a restart the resume point is recomputed
	// from the repository.
	mu        sync.Mutex
	conflicts map[string]*conflictEntry
}

type conflictEntry struct {
	info       *core.ConflictInfo
	withReview bool
}

// SpawnQueue parks worker spawns while the guard is blocking, for a
// later drain.
type SpawnQueue interface {
	Enqueue(item state.QueuedSpawn) error
	Drain() ([]state.QueuedSpawn, error)
}

// RetryJournal persists per-label spawn attempt counts across restarts.
type RetryJournal interface {
	Record(label, lastError string) (state.RetryRecord, error)
	Clear(label string) error
}

// OrchestratorDeps carries the orchestrator's collaborators.
type OrchestratorDeps struct {
	Runs        core.RunStore
	Phases      core.PhaseStore
	Escalations core.EscalationStore
	Collector   *Collector
	Merger      *Merger
	Review      *ReviewChain
	Resolver    *Resolver
	Dispatcher  *dispatch.Dispatcher
	Tracker     *dispatch.Tracker
	Worktrees   core.WorktreeManager
	GitFor      GitFactory
	Catalog     *service.Catalog
	Projects    *service.Projects
	Ledger      core.Ledger
	Bus         *events.Bus
	Logger      *logging.Logger
	MaxParallel int

	// Queue and Retries are optional persistence hooks.
	Queue   SpawnQueue
	Retries RetryJournal

	// DisableReview skips the review chain after clean merges.
	DisableReview bool
}

// NewOrchestrator wires the facade.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	maxParallel := deps.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Orchestrator{
		runs:          deps.Runs,
		phases:        deps.Phases,
		escalations:   deps.Escalations,
		collector:     deps.Collector,
		merger:        deps.Merger,
		review:        deps.Review,
		resolver:      deps.Resolver,
		dispatcher:    deps.Dispatcher,
		tracker:       deps.Tracker,
		worktrees:     deps.Worktrees,
		gitFor:        deps.GitFor,
		catalog:       deps.Catalog,
		projects:      deps.Projects,
		ledger:        deps.Ledger,
		bus:           deps.Bus,
		logger:        logger,
		maxParallel:   maxParallel,
		queue:         deps.Queue,
		retries:       deps.Retries,
		disableReview: deps.DisableReview,
		conflicts:     make(map[string]*conflictEntry),
	}
}

// StartRunParams describes a new run request.
type StartRunParams struct {
	Project   string // project name under the projects root, or absolute path
	Goal      string
	TasksFile string // relative to the project dir; DefaultTasksFile when empty
}

// StartRun resolves the project, parses its task list into parallel
// groups, and persists the run document with one phase rollup per group.
func (o *Orchestrator) StartRun(ctx context.Context, params StartRunParams) (*core.RunState, error) {
	repoDir, err := o.projects.Resolve(params.Project)
	if err != nil {
		return nil, err
	}

	tasksFile := params.TasksFile
	if tasksFile == "" {
		tasksFile = DefaultTasksFile
	}
	tasksPath := filepath.Join(repoDir, tasksFile)
	src, err := os.ReadFile(tasksPath)
	if err != nil {
		return nil, core.ErrValidation(core.CodeMissingTasks,
			fmt.Sprintf("reading task list %s: %v", tasksPath, err))
	}

	graph, err := service.ParseTasks(string(src))
	if err != nil {
		return nil, err
	}
	if len(graph.Unreachable) > 0 {
		return nil, core.ErrValidation(core.CodeTaskCycle,
			fmt.Sprintf("tasks trapped in a dependency cycle: %v", graph.Unreachable))
	}
	groups := service.ParallelGroups(graph)
	if len(groups) == 0 {
		return nil, core.ErrValidation(core.CodeMissingTasks, "task list has no runnable tasks")
	}

	client, err := o.gitFor(repoDir)
	if err != nil {
		return nil, err
	}
	baseBranch, err := client.CurrentBranch(ctx)
	if err != nil {
		baseBranch, err = client.DefaultBranch(ctx)
		if err != nil {
			return nil, err
		}
	}

	run := &core.RunState{
		RunID:       core.NewRunID(),
		ProjectName: filepath.Base(repoDir),
		ProjectPath: repoDir,
		Goal:        params.Goal,
		TasksFile:   tasksFile,
		BaseBranch:  baseBranch,
		Status:      core.RunStatusRunning,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	for i, group := range groups {
		ids := make([]string, 0, len(group))
		for _, task := range group {
			ids = append(ids, task.ID)
		}
		run.Phases = append(run.Phases, core.PhaseRollup{
			PhaseNumber: i + 1,
			TaskIDs:     ids,
			Status:      core.PhaseStatusRunning,
		})
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	o.logger.Info("run started",
		"run_id", run.RunID, "project", run.ProjectName, "phases", len(run.Phases))
	return run, nil
}

// RunPhase initializes a phase document and spawns one worker per task,
// each in its own worktree. Worktree creation and spawning run in
// parallel up to maxParallel; a partial spawn failure fails only the
// affected workers, the rest keep running.
func (o *Orchestrator) RunPhase(ctx context.Context, runID string, phaseNumber int) (*core.Phase, error) {
	run, err := o.runs.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rollup := run.PhaseRollupFor(phaseNumber)
	if rollup == nil {
		return nil, core.ErrNotFound("phase", core.PhaseKey(runID, phaseNumber))
	}

	tasks, err := o.phaseTasks(run, rollup)
	if err != nil {
		return nil, err
	}

	phase, err := o.collector.InitPhase(ctx, InitParams{
		RunID:       runID,
		PhaseNumber: phaseNumber,
		RepoDir:     run.ProjectPath,
		BaseBranch:  run.BaseBranch,
		ProjectPath: run.ProjectPath,
		ProjectName: run.ProjectName,
		ProjectGoal: run.Goal,
		Tasks:       tasks,
	})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)
	for i := range phase.Workers {
		worker := phase.Workers[i]
		task := tasks[i]
		g.Go(func() error {
			if err := o.launchWorker(gctx, run, phase, worker, task); err != nil {
				o.logger.Error("worker launch failed",
					"run_id", runID, "phase", phaseNumber, "worker_id", worker.WorkerID, "error", err)
				if _, aerr := o.collector.OnWorkerComplete(gctx, runID, phaseNumber,
					worker.WorkerID, false, "", err.Error()); aerr != nil {
					o.logger.Error("recording launch failure",
						"worker_id", worker.WorkerID, "error", aerr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return o.phases.LoadPhase(ctx, runID, phaseNumber)
}

// phaseTasks resolves a rollup's task IDs against the run's task list.
func (o *Orchestrator) phaseTasks(run *core.RunState, rollup *core.PhaseRollup) ([]*core.Task, error) {
	tasksFile := run.TasksFile
	if tasksFile == "" {
		tasksFile = DefaultTasksFile
	}
	src, err := os.ReadFile(filepath.Join(run.ProjectPath, tasksFile))
	if err != nil {
		return nil, core.ErrValidation(core.CodeMissingTasks,
			fmt.Sprintf("reading task list: %v", err))
	}
	graph, err := service.ParseTasks(string(src))
	if err != nil {
		return nil, err
	}

	tasks := make([]*core.Task, 0, len(rollup.TaskIDs))
	for _, id := range rollup.TaskIDs {
		task, ok := graph.Get(id)
		if !ok {
			return nil, core.ErrNotFound("task", id)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// launchWorker creates the worker's worktree, builds its prompt, spawns
// the session, and registers it with the tracker.
func (o *Orchestrator) launchWorker(ctx context.Context, run *core.RunState, phase *core.Phase, worker core.Worker, task *core.Task) error {
	desc, err := o.worktrees.Create(ctx, phase.RepoDir, phase.RunID, worker.WorkerID, phase.BaseBranch)
	if err != nil {
		return err
	}

	prompt, err := o.catalog.BuildPrompt(task.Role, service.PromptTokens{
		"task":     o.workerInstructions(run, phase, worker, task, desc),
		"title":    task.Title,
		"goal":     run.Goal,
		"worktree": desc.Path,
		"branch":   desc.Branch,
	})
	if err != nil {
		return err
	}

	labelBase := fmt.Sprintf("%s-%s-%s", phase.Name(), worker.WorkerID, task.ID)
	receipt, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		RunID:       phase.RunID,
		PhaseNumber: phase.PhaseNumber,
		WorkerID:    worker.WorkerID,
		LabelBase:   labelBase,
		Task:        prompt,
		Role:        o.catalog.Role(task.Role),
	})
	if err != nil {
		if o.retries != nil {
			if _, rerr := o.retries.Record(labelBase, err.Error()); rerr != nil {
				o.logger.Warn("recording retry state failed", "label", labelBase, "error", rerr)
			}
		}
		// A guard rejection is temporary: park the spawn for a later
		// drain instead of failing the worker.
		var domErr *core.DomainError
		if o.queue != nil && errors.As(err, &domErr) && domErr.Code == core.CodeGuardBlocked {
			qerr := o.queue.Enqueue(state.QueuedSpawn{
				RunID:       phase.RunID,
				PhaseNumber: phase.PhaseNumber,
				WorkerID:    worker.WorkerID,
				TaskID:      task.ID,
				Role:        task.Role,
			})
			if qerr == nil {
				o.logger.Warn("spawn deferred by guard, queued",
					"run_id", phase.RunID, "worker_id", worker.WorkerID)
				return nil
			}
			o.logger.Error("queueing deferred spawn failed", "worker_id", worker.WorkerID, "error", qerr)
		}
		return err
	}
	if o.retries != nil {
		if rerr := o.retries.Clear(labelBase); rerr != nil {
			o.logger.Warn("clearing retry state failed", "label", labelBase, "error", rerr)
		}
	}

	if err := o.collector.MarkWorkerRunning(ctx, phase.RunID, phase.PhaseNumber, worker.WorkerID, receipt.SessionKey); err != nil {
		return err
	}

	if o.tracker != nil {
		o.tracker.Track(dispatch.TrackedSession{
			RunID:       phase.RunID,
			PhaseNumber: phase.PhaseNumber,
			WorkerID:    worker.WorkerID,
			SessionKey:  receipt.SessionKey,
			ProjectName: phase.ProjectName,
			StartedAt:   time.Now(),
		})
	}
	if o.bus != nil {
		o.bus.Publish(events.NewWorkerSpawnedEvent(
			phase.RunID, phase.PhaseNumber, worker.WorkerID, task.ID, receipt.SessionKey, ""))
	}
	return nil
}

func (o *Orchestrator) workerInstructions(run *core.RunState, phase *core.Phase, worker core.Worker, task *core.Task, desc *core.WorktreeDescriptor) string {
	callback := o.callbackURL()
	return fmt.Sprintf(`Work on the following task in the git worktree at %s (branch %s).

Task: %s

Project goal: %s

Commit your changes on the branch as you go. When the task is done (or you cannot finish), POST JSON to %s/api/orchestrator/worker-complete:
  {"runId":%q,"phaseNumber":%d,"workerId":%q,"status":"completed","output":"<one-line summary of what you changed>"}
Use "status":"failed" and an "error" field instead when you had to give up.`,
		desc.Path, desc.Branch, task.Title, run.Goal, callback,
		phase.RunID, phase.PhaseNumber, worker.WorkerID)
}

func (o *Orchestrator) callbackURL() string {
	if o.resolver != nil && o.resolver.callbackURL != "" {
		return o.resolver.callbackURL
	}
	if o.review != nil && o.review.callbackURL != "" {
		return o.review.callbackURL
	}
	return "http://localhost:8790"
}

// OnWorkerCallback records one worker's completion report. When it is the
// last worker of the phase, the merge (with review) starts immediately.
func (o *Orchestrator) OnWorkerCallback(ctx context.Context, runID string, phaseNumber int, workerID string, success bool, output, errMsg string) (*core.PhaseMergeResult, error) {
	agg, err := o.collector.OnWorkerComplete(ctx, runID, phaseNumber, workerID, success, output, errMsg)
	if err != nil {
		return nil, err
	}

	if o.tracker != nil {
		if phase, perr := o.phases.LoadPhase(ctx, runID, phaseNumber); perr == nil {
			if w := phase.Worker(workerID); w != nil && w.SessionKey != "" {
				o.tracker.MarkCompleted(w.SessionKey)
			}
		}
	}

	if !agg.PhaseComplete {
		return nil, nil
	}
	// A phase with failed workers still goes through the merge entry
	// point, which records the failure and fails the phase.
	return o.mergePhase(ctx, runID, phaseNumber, !o.disableReview)
}

// MergePhase merges a completed phase without the review chain.
func (o *Orchestrator) MergePhase(ctx context.Context, runID string, phaseNumber int) (*core.PhaseMergeResult, error) {
	return o.mergePhase(ctx, runID, phaseNumber, false)
}

// MergePhaseWithReview merges a completed phase and starts the review
// chain when changes landed.
func (o *Orchestrator) MergePhaseWithReview(ctx context.Context, runID string, phaseNumber int) (*core.PhaseMergeResult, error) {
	return o.mergePhase(ctx, runID, phaseNumber, true)
}

func (o *Orchestrator) mergePhase(ctx context.Context, runID string, phaseNumber int, withReview bool) (*core.PhaseMergeResult, error) {
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return nil, err
	}

	var result *core.PhaseMergeResult
	if withReview {
		result, err = o.merger.MergeWithReview(ctx, phase)
	} else {
		result, err = o.merger.Merge(ctx, phase)
	}
	if err != nil {
		return nil, err
	}

	o.recordMergeOutcome(ctx, runID, phaseNumber, result, withReview)
	return result, nil
}

// ResumeMerge continues a conflicted phase after the resolver committed.
func (o *Orchestrator) ResumeMerge(ctx context.Context, runID string, phaseNumber int) (*core.PhaseMergeResult, error) {
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return nil, err
	}
	if phase.Status != core.PhaseStatusConflictPending {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s is %s, not conflict-pending", phase.Key(), phase.Status))
	}

	remaining, withReview, err := o.resumePoint(ctx, phase)
	if err != nil {
		return nil, err
	}

	var result *core.PhaseMergeResult
	if withReview {
		result, err = o.merger.ResumeWithReview(ctx, phase, remaining)
	} else {
		result, err = o.merger.Resume(ctx, phase, remaining)
	}
	if err != nil {
		return nil, err
	}

	o.recordMergeOutcome(ctx, runID, phaseNumber, result, withReview)
	return result, nil
}

// resumePoint returns the branches still to merge. The in-memory conflict
// entry is authoritative; after a restart the point is recomputed from
// the repository: collected branches whose commits are not yet reachable
// from the phase branch.
func (o *Orchestrator) resumePoint(ctx context.Context, phase *core.Phase) ([]string, bool, error) {
	key := phase.Key()
	o.mu.Lock()
	entry := o.conflicts[key]
	o.mu.Unlock()
	if entry != nil {
		return entry.info.RemainingBranches, entry.withReview, nil
	}

	client, err := o.gitFor(phase.RepoDir)
	if err != nil {
		return nil, false, err
	}
	var remaining []string
	for _, branch := range phase.CollectedBranches {
		merged, err := client.IsAncestor(ctx, branch, phase.PhaseBranch)
		if err != nil {
			return nil, false, err
		}
		if !merged {
			remaining = append(remaining, branch)
		}
	}
	return remaining, true, nil
}

// recordMergeOutcome keeps the conflict map and run rollup in step with
// a merge result.
func (o *Orchestrator) recordMergeOutcome(ctx context.Context, runID string, phaseNumber int, result *core.PhaseMergeResult, withReview bool) {
	key := core.PhaseKey(runID, phaseNumber)
	o.mu.Lock()
	if result.Status == core.MergeStatusConflict && result.ConflictInfo != nil {
		o.conflicts[key] = &conflictEntry{info: result.ConflictInfo, withReview: withReview}
	} else {
		delete(o.conflicts, key)
	}
	o.mu.Unlock()

	if err := o.updateRollup(ctx, runID, phaseNumber, result); err != nil {
		o.logger.Warn("updating run rollup failed", "run_id", runID, "phase", phaseNumber, "error", err)
	}
}

func (o *Orchestrator) updateRollup(ctx context.Context, runID string, phaseNumber int, result *core.PhaseMergeResult) error {
	run, err := o.runs.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	rollup := run.PhaseRollupFor(phaseNumber)
	if rollup == nil {
		return nil
	}
	rollup.PhaseBranch = result.PhaseBranch
	rollup.MergedBranches = result.MergedBranches
	if phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber); err == nil {
		rollup.Status = phase.Status
	}
	run.UpdatedAt = time.Now()

	if result.Status == core.MergeStatusFailed {
		run.Status = core.RunStatusFailed
	} else if o.allPhasesDone(ctx, run) {
		run.Status = core.RunStatusCompleted
	}
	return o.runs.SaveRun(ctx, run)
}

func (o *Orchestrator) allPhasesDone(ctx context.Context, run *core.RunState) bool {
	for i := range run.Phases {
		phase, err := o.phases.LoadPhase(ctx, run.RunID, run.Phases[i].PhaseNumber)
		if err != nil || phase.Status != core.PhaseStatusCompleted {
			return false
		}
	}
	return true
}

// OnReviewCallback routes a reviewer decision into the review chain.
func (o *Orchestrator) OnReviewCallback(ctx context.Context, runID string, phaseNumber int, decision core.ReviewDecision) error {
	if o.review == nil {
		return core.ErrState(core.CodeInvalidState, "review chain is not configured")
	}
	if err := o.review.OnDecision(ctx, runID, phaseNumber, decision); err != nil {
		return err
	}
	o.syncRollupStatus(ctx, runID, phaseNumber)
	return nil
}

// OnFixCallback routes a fix-complete report by the phase's state: a
// conflict-pending phase resumes its merge, a reviewing phase hands the
// report to the review chain.
func (o *Orchestrator) OnFixCallback(ctx context.Context, runID string, phaseNumber int, success bool, detail string) error {
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}

	switch phase.Status {
	case core.PhaseStatusConflictPending:
		if !success {
			// The conflicted working tree stays in place for an operator.
			return o.escalateConflict(ctx, runID, phaseNumber, detail)
		}
		_, err := o.ResumeMerge(ctx, runID, phaseNumber)
		return err

	case core.PhaseStatusReviewing:
		if o.review == nil {
			return core.ErrState(core.CodeInvalidState, "review chain is not configured")
		}
		if err := o.review.OnFixComplete(ctx, runID, phaseNumber, success, detail); err != nil {
			return err
		}
		o.syncRollupStatus(ctx, runID, phaseNumber)
		return nil

	default:
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s is %s, fix-complete applies to conflict-pending or reviewing", phase.Key(), phase.Status))
	}
}

func (o *Orchestrator) escalateConflict(ctx context.Context, runID string, phaseNumber int, detail string) error {
	esc := core.NewEscalation(core.NewEscalationID(), runID, phaseNumber,
		fmt.Sprintf("conflict resolution failed on phase %d: %s", phaseNumber, detail))
	if err := o.escalations.SaveEscalation(ctx, esc); err != nil {
		return err
	}
	if o.bus != nil {
		o.bus.Publish(events.NewEscalationOpenedEvent(runID, esc.ID, phaseNumber, esc.Reason))
	}
	o.logger.Warn("conflict resolution escalated",
		"run_id", runID, "phase", phaseNumber, "escalation", esc.ID)
	return nil
}

// syncRollupStatus copies the phase document's status onto the run rollup.
func (o *Orchestrator) syncRollupStatus(ctx context.Context, runID string, phaseNumber int) {
	run, err := o.runs.LoadRun(ctx, runID)
	if err != nil {
		return
	}
	rollup := run.PhaseRollupFor(phaseNumber)
	if rollup == nil {
		return
	}
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return
	}
	if rollup.Status == phase.Status {
		return
	}
	rollup.Status = phase.Status
	run.UpdatedAt = time.Now()
	if o.allPhasesDone(ctx, run) {
		run.Status = core.RunStatusCompleted
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.logger.Warn("saving run rollup failed", "run_id", runID, "error", err)
	}
}

// TriggerPhaseReview (re)starts the review chain on a phase stuck in
// reviewing, typically after a failed reviewer spawn.
func (o *Orchestrator) TriggerPhaseReview(ctx context.Context, runID string, phaseNumber int) (string, error) {
	if o.review == nil {
		return "", core.ErrState(core.CodeInvalidState, "review chain is not configured")
	}
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return "", err
	}
	if phase.Status != core.PhaseStatusReviewing {
		return "", core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s is %s, not reviewing", phase.Key(), phase.Status))
	}
	return o.review.Start(ctx, phase)
}

// DetectPotentialConflicts reports the files touched by more than one
// worker branch of a phase, before any merge runs.
func (o *Orchestrator) DetectPotentialConflicts(ctx context.Context, runID string, phaseNumber int) ([]string, error) {
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return nil, err
	}

	client, err := o.gitFor(phase.RepoDir)
	if err != nil {
		return nil, err
	}
	var branches []string
	for i := range phase.Workers {
		branch := git.WorkerBranch(runID, phase.Workers[i].WorkerID)
		if exists, err := client.BranchExists(ctx, branch); err == nil && exists {
			branches = append(branches, branch)
		}
	}
	return o.merger.PotentialConflicts(ctx, phase.RepoDir, branches, phase.BaseBranch)
}

// GetPhaseMergeStats summarizes a phase's merge ahead of execution.
func (o *Orchestrator) GetPhaseMergeStats(ctx context.Context, runID string, phaseNumber int) (*core.MergeStats, error) {
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return nil, err
	}
	return o.merger.Stats(ctx, phase)
}

// AbandonConflict gives up on a conflicted phase: the merge is aborted,
// the repository lock released, and the phase failed.
func (o *Orchestrator) AbandonConflict(ctx context.Context, runID string, phaseNumber int) error {
	phase, err := o.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}
	if err := o.merger.Abandon(ctx, phase); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.conflicts, phase.Key())
	o.mu.Unlock()
	o.syncRollupStatus(ctx, runID, phaseNumber)
	return nil
}

// ConflictFor returns the recorded resume point for a conflicted phase,
// or nil when none is held in memory.
func (o *Orchestrator) ConflictFor(runID string, phaseNumber int) *core.ConflictInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry := o.conflicts[core.PhaseKey(runID, phaseNumber)]; entry != nil {
		return entry.info
	}
	return nil
}

// MarkTasksDone flips the phase's task list entries to done after the
// phase completed. Failures are logged, not fatal: the merge already
// landed.
func (o *Orchestrator) MarkTasksDone(ctx context.Context, runID string, phaseNumber int) {
	run, err := o.runs.LoadRun(ctx, runID)
	if err != nil {
		return
	}
	rollup := run.PhaseRollupFor(phaseNumber)
	if rollup == nil {
		return
	}
	tasksFile := run.TasksFile
	if tasksFile == "" {
		tasksFile = DefaultTasksFile
	}
	path := filepath.Join(run.ProjectPath, tasksFile)
	for _, id := range rollup.TaskIDs {
		if err := service.MarkTaskDone(path, id); err != nil {
			o.logger.Warn("marking task done failed", "task_id", id, "error", err)
		}
	}
}

// DrainQueuedSpawns relaunches worker spawns that were parked while the
// dispatch guard was blocking. Entries whose worker already moved past
// pending, or whose run or phase is gone, are dropped silently.
func (o *Orchestrator) DrainQueuedSpawns(ctx context.Context) error {
	if o.queue == nil {
		return nil
	}
	items, err := o.queue.Drain()
	if err != nil {
		return err
	}
	for _, item := range items {
		run, err := o.runs.LoadRun(ctx, item.RunID)
		if err != nil {
			continue
		}
		phase, err := o.phases.LoadPhase(ctx, item.RunID, item.PhaseNumber)
		if err != nil {
			continue
		}
		worker := phase.Worker(item.WorkerID)
		if worker == nil || worker.Status != core.WorkerStatusPending {
			continue
		}
		rollup := run.PhaseRollupFor(item.PhaseNumber)
		if rollup == nil {
			continue
		}
		tasks, err := o.phaseTasks(run, rollup)
		if err != nil {
			o.logger.Warn("draining queued spawn failed", "run_id", item.RunID, "error", err)
			continue
		}
		var task *core.Task
		for _, t := range tasks {
			if t.ID == item.TaskID {
				task = t
				break
			}
		}
		if task == nil {
			continue
		}
		if err := o.launchWorker(ctx, run, phase, *worker, task); err != nil {
			o.logger.Error("relaunching queued spawn failed",
				"run_id", item.RunID, "worker_id", item.WorkerID, "error", err)
		}
	}
	return nil
}

// Shutdown stops background session tracking.
func (o *Orchestrator) Shutdown() {
	if o.tracker != nil {
		o.tracker.Stop()
	}
}
