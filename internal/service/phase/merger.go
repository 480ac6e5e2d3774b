package phase

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/logging"
)

// Merger merges collected worker branches sequentially into the phase
// branch. A conflict is a result, not an error: the merge stops with the
// conflicted working tree in place as the hand-off to the resolver, and
// the repository lock stays held until Resume or Abandon.
type Merger struct {
	collector *Collector
	phases    core.PhaseStore
	gitFor    GitFactory
	resolver  *Resolver    // optional, dispatched on conflict
	review    *ReviewChain // optional, started by the *WithReview ops
	ledger    core.Ledger
	bus       *events.Bus
	logger    *logging.Logger

	// repoLocks holds one slot per repository across the whole merge,
	// including the conflict window.
	repoLocks *keyedSemaphore
}

// NewMerger creates a merge engine. resolver, review, ledger and bus may
// be nil; the corresponding behavior is skipped.
func NewMerger(collector *Collector, phases core.PhaseStore, gitFor GitFactory, resolver *Resolver, review *ReviewChain, ledger core.Ledger, bus *events.Bus, logger *logging.Logger) *Merger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Merger{
		collector: collector,
		phases:    phases,
		gitFor:    gitFor,
		resolver:  resolver,
		review:    review,
		ledger:    ledger,
		bus:       bus,
		logger:    logger,
		repoLocks: newKeyedSemaphore(),
	}
}

// Merge collects the phase's worker branches and merges them in order.
func (m *Merger) Merge(ctx context.Context, phase *core.Phase) (*core.PhaseMergeResult, error) {
	return m.merge(ctx, phase, false)
}

// MergeWithReview is Merge plus starting the review chain when the merge
// lands changes cleanly.
func (m *Merger) MergeWithReview(ctx context.Context, phase *core.Phase) (*core.PhaseMergeResult, error) {
	return m.merge(ctx, phase, true)
}

func (m *Merger) merge(ctx context.Context, phase *core.Phase, withReview bool) (*core.PhaseMergeResult, error) {
	// Unfinished workers mean the call is premature, not that the phase
	// is doomed; leave it running for the remaining callbacks.
	if !phase.AllWorkersTerminal() {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s has unfinished workers", phase.Key()))
	}
	if failed := phase.FailedWorkers(); len(failed) > 0 {
		return m.failResult(ctx, phase, nil,
			fmt.Sprintf("phase has failed workers: %v", failed)), nil
	}

	branches, err := m.collector.CollectBranches(ctx, phase)
	if err != nil {
		return m.failResult(ctx, phase, nil, err.Error()), nil
	}
	if len(branches) == 0 {
		if err := m.collector.CompletePhase(ctx, phase); err != nil {
			return nil, err
		}
		m.logger.Info("phase produced no changes", "run_id", phase.RunID, "phase", phase.PhaseNumber)
		return &core.PhaseMergeResult{
			Success:        true,
			Status:         core.MergeStatusNoChanges,
			MergedBranches: []string{},
		}, nil
	}

	if err := phase.Transition(core.PhaseStatusMerging); err != nil {
		return nil, err
	}
	if err := m.phases.SavePhase(ctx, phase); err != nil {
		return nil, err
	}
	m.publish(events.NewPhaseEvent(events.TypePhaseMerging, phase.RunID, phase.PhaseNumber, string(phase.Status)))

	if err := m.repoLocks.Acquire(ctx, phase.RepoDir); err != nil {
		return nil, err
	}
	return m.mergeBranches(ctx, phase, branches, nil, withReview)
}

// Resume continues a conflicted merge after the resolver committed the
// resolution: the remaining branches are merged onto the existing phase
// branch. The caller still holds the repository lock from the original
// merge; Resume re-acquires only if it was lost (process restart).
func (m *Merger) Resume(ctx context.Context, phase *core.Phase, remaining []string) (*core.PhaseMergeResult, error) {
	return m.resume(ctx, phase, remaining, false)
}

// ResumeWithReview is Resume plus the review chain on completion.
func (m *Merger) ResumeWithReview(ctx context.Context, phase *core.Phase, remaining []string) (*core.PhaseMergeResult, error) {
	return m.resume(ctx, phase, remaining, true)
}

func (m *Merger) resume(ctx context.Context, phase *core.Phase, remaining []string, withReview bool) (*core.PhaseMergeResult, error) {
	if phase.Status != core.PhaseStatusConflictPending {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s is %s, resume needs conflict-pending", phase.Key(), phase.Status))
	}
	if err := phase.Transition(core.PhaseStatusMerging); err != nil {
		return nil, err
	}
	if err := m.phases.SavePhase(ctx, phase); err != nil {
		return nil, err
	}

	// Normally held since the conflicting merge.
	m.repoLocks.TryAcquire(phase.RepoDir)

	return m.mergeBranches(ctx, phase, remaining, []string{}, withReview)
}

// Abandon releases the repository lock of a conflicted phase and aborts
// any merge in progress, restoring the base branch checkout.
func (m *Merger) Abandon(ctx context.Context, phase *core.Phase) error {
	client, err := m.gitFor(phase.RepoDir)
	if err != nil {
		return err
	}
	if inProgress, _ := client.MergeInProgress(ctx); inProgress {
		if err := client.MergeAbort(ctx); err != nil {
			return err
		}
	}
	if err := client.Checkout(ctx, phase.BaseBranch); err != nil {
		m.logger.Warn("checkout after abandon failed", "branch", phase.BaseBranch, "error", err)
	}
	m.repoLocks.Release(phase.RepoDir)
	return m.collector.FailPhase(ctx, phase)
}

// mergeBranches runs the sequential merge loop on the phase branch. The
// repository lock is held on entry; it is released on completed and
// failed, and deliberately kept on conflict.
func (m *Merger) mergeBranches(ctx context.Context, phase *core.Phase, branches, merged []string, withReview bool) (*core.PhaseMergeResult, error) {
	client, err := m.gitFor(phase.RepoDir)
	if err != nil {
		m.repoLocks.Release(phase.RepoDir)
		return nil, err
	}

	original, err := client.CurrentBranch(ctx)
	if err != nil {
		original = phase.BaseBranch
	}

	if err := client.Checkout(ctx, phase.PhaseBranch); err != nil {
		m.repoLocks.Release(phase.RepoDir)
		return m.failResult(ctx, phase, merged,
			fmt.Sprintf("checking out %s: %v", phase.PhaseBranch, err)), nil
	}

	for i, branch := range branches {
		exists, err := client.BranchExists(ctx, branch)
		if err != nil || !exists {
			m.logger.Warn("branch disappeared before merge, skipping", "branch", branch, "error", err)
			continue
		}

		result, err := client.Merge(ctx, branch, core.MergeOptions{
			Message: fmt.Sprintf("Merge worker branch %s", branch),
		})
		if err != nil {
			result = core.MergeResult{Outcome: core.MergeOutcomeFatal, Output: err.Error()}
		}

		switch result.Outcome {
		case core.MergeOutcomeSuccess:
			merged = append(merged, branch)

		case core.MergeOutcomeConflict:
			return m.onConflict(ctx, client, phase, branch, branches[i+1:], merged)

		default: // fatal
			m.logger.Error("fatal merge failure",
				"run_id", phase.RunID, "phase", phase.PhaseNumber,
				"branch", branch, "output", result.Output)
			if inProgress, _ := client.MergeInProgress(ctx); inProgress {
				_ = client.MergeAbort(ctx)
			}
			_ = client.Checkout(ctx, original)
			m.repoLocks.Release(phase.RepoDir)
			return m.failResult(ctx, phase, merged,
				fmt.Sprintf("merging %s: %s", branch, result.Output)), nil
		}
	}

	if err := client.Checkout(ctx, original); err != nil {
		m.logger.Warn("restoring original branch failed", "branch", original, "error", err)
	}
	m.repoLocks.Release(phase.RepoDir)
	return m.onMerged(ctx, phase, merged, withReview)
}

// onConflict builds the exact resume point and dispatches the resolver.
// The working tree keeps its conflict markers and the repo lock stays held.
func (m *Merger) onConflict(ctx context.Context, client core.GitClient, phase *core.Phase, failedBranch string, remaining, merged []string) (*core.PhaseMergeResult, error) {
	files, err := client.ConflictedFiles(ctx)
	if err != nil {
		m.logger.Warn("listing conflicted files failed", "error", err)
	}
	mergeBase, err := client.MergeBase(ctx, phase.PhaseBranch, failedBranch)
	if err != nil {
		m.logger.Warn("merge-base lookup failed", "error", err)
	}

	info := &core.ConflictInfo{
		FailedBranch:      failedBranch,
		ConflictFiles:     files,
		PhaseBranch:       phase.PhaseBranch,
		RemainingBranches: append([]string{}, remaining...),
		MergeBase:         mergeBase,
	}

	if err := phase.Transition(core.PhaseStatusConflictPending); err != nil {
		return nil, err
	}
	if err := m.phases.SavePhase(ctx, phase); err != nil {
		return nil, err
	}
	m.publish(events.NewConflictEvent(phase.RunID, phase.PhaseNumber, failedBranch, files, ""))

	result := &core.PhaseMergeResult{
		Success:        false,
		Status:         core.MergeStatusConflict,
		PhaseBranch:    phase.PhaseBranch,
		MergedBranches: merged,
		ConflictInfo:   info,
	}

	if m.resolver != nil {
		res := m.resolver.Dispatch(ctx, ResolveRequest{
			RunID:         phase.RunID,
			PhaseNumber:   phase.PhaseNumber,
			RepoPath:      phase.RepoDir,
			SourceBranch:  failedBranch,
			TargetBranch:  phase.PhaseBranch,
			ConflictFiles: files,
			ProjectGoal:   phase.ProjectGoal,
		})
		if res.Success {
			result.ResolverSession = res.SessionKey
		} else {
			// The conflict stands either way; an operator can dispatch
			// the resolver manually from the CLI.
			m.logger.Error("resolver dispatch failed",
				"run_id", phase.RunID, "phase", phase.PhaseNumber, "error", res.Error)
		}
	}

	m.logger.Warn("merge conflict, awaiting resolution",
		"run_id", phase.RunID, "phase", phase.PhaseNumber,
		"branch", failedBranch, "files", len(files), "remaining", len(remaining))
	return result, nil
}

// onMerged finishes a clean merge: review chain when requested, terminal
// completion otherwise.
func (m *Merger) onMerged(ctx context.Context, phase *core.Phase, merged []string, withReview bool) (*core.PhaseMergeResult, error) {
	result := &core.PhaseMergeResult{
		Success:        true,
		Status:         core.MergeStatusCompleted,
		PhaseBranch:    phase.PhaseBranch,
		MergedBranches: merged,
	}

	if withReview && m.review != nil && len(merged) > 0 {
		if err := phase.Transition(core.PhaseStatusReviewing); err != nil {
			return nil, err
		}
		if err := m.phases.SavePhase(ctx, phase); err != nil {
			return nil, err
		}
		m.publish(events.NewPhaseEvent(events.TypePhaseReviewing, phase.RunID, phase.PhaseNumber, string(phase.Status)))

		session, err := m.review.Start(ctx, phase)
		if err != nil {
			// The phase stays in reviewing; TriggerPhaseReview can retry.
			m.logger.Error("review chain start failed",
				"run_id", phase.RunID, "phase", phase.PhaseNumber, "error", err)
			result.Error = err.Error()
		}
		result.ReviewerSession = session
		m.logger.Info("phase merged, review started",
			"run_id", phase.RunID, "phase", phase.PhaseNumber, "merged", len(merged))
		return result, nil
	}

	if err := m.collector.CompletePhase(ctx, phase); err != nil {
		return nil, err
	}
	m.appendLedger(core.LedgerEntry{
		Type:        core.LedgerPhaseCompleted,
		RunID:       phase.RunID,
		PhaseNumber: phase.PhaseNumber,
		Details:     map[string]any{"mergedBranches": merged},
	})
	m.logger.Info("phase merged",
		"run_id", phase.RunID, "phase", phase.PhaseNumber, "merged", len(merged))
	return result, nil
}

func (m *Merger) failResult(ctx context.Context, phase *core.Phase, merged []string, reason string) *core.PhaseMergeResult {
	if !phase.Status.IsTerminal() {
		if err := m.collector.FailPhase(ctx, phase); err != nil {
			m.logger.Error("failing phase", "run_id", phase.RunID, "phase", phase.PhaseNumber, "error", err)
		}
	}
	m.appendLedger(core.LedgerEntry{
		Type:        core.LedgerPhaseFailed,
		RunID:       phase.RunID,
		PhaseNumber: phase.PhaseNumber,
		Status:      reason,
	})
	if merged == nil {
		merged = []string{}
	}
	return &core.PhaseMergeResult{
		Success:        false,
		Status:         core.MergeStatusFailed,
		PhaseBranch:    phase.PhaseBranch,
		MergedBranches: merged,
		Error:          reason,
	}
}

// PotentialConflicts returns the files touched by more than one of the
// given branches, diffed name-only against their merge base with base.
func (m *Merger) PotentialConflicts(ctx context.Context, repoDir string, branches []string, base string) ([]string, error) {
	client, err := m.gitFor(repoDir)
	if err != nil {
		return nil, err
	}

	touchCount := make(map[string]int)
	for _, branch := range branches {
		mergeBase, err := client.MergeBase(ctx, base, branch)
		if err != nil {
			mergeBase = base
		}
		files, err := client.DiffNames(ctx, mergeBase, branch)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(files))
		for _, f := range files {
			if !seen[f] {
				touchCount[f]++
				seen[f] = true
			}
		}
	}

	var shared []string
	for file, n := range touchCount {
		if n > 1 {
			shared = append(shared, file)
		}
	}
	sort.Strings(shared)
	return shared, nil
}

// Stats summarizes the merge ahead of execution.
func (m *Merger) Stats(ctx context.Context, phase *core.Phase) (*core.MergeStats, error) {
	client, err := m.gitFor(phase.RepoDir)
	if err != nil {
		return nil, err
	}

	stats := &core.MergeStats{TotalBranches: len(phase.Workers)}
	for i := range phase.Workers {
		branch := git.WorkerBranch(phase.RunID, phase.Workers[i].WorkerID)
		exists, err := client.BranchExists(ctx, branch)
		if err != nil || !exists {
			continue
		}
		ahead, err := client.AheadCount(ctx, phase.BaseBranch, branch)
		if err == nil && ahead > 0 {
			stats.BranchesWithChanges++
		}
	}
	stats.EstimatedConflictRisk = core.RiskForBranchCount(stats.BranchesWithChanges)
	return stats, nil
}

func (m *Merger) appendLedger(entry core.LedgerEntry) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Append(entry); err != nil {
		m.logger.Error("ledger append failed", "run_id", entry.RunID, "error", err)
	}
}

func (m *Merger) publish(event events.Event) {
	if m.bus != nil {
		m.bus.Publish(event)
	}
}
