package core

import (
	"fmt"
	"time"
)

// PhaseStatus represents the lifecycle state of a phase.
//
// The machine is:
//
//	running -> merging | failed
//	merging -> conflict-pending | reviewing | completed | failed
//	conflict-pending -> merging (resume) | reviewing | completed | failed
//	reviewing -> completed | failed
type PhaseStatus string

const (
	PhaseStatusRunning         PhaseStatus = "running"
	PhaseStatusMerging         PhaseStatus = "merging"
	PhaseStatusConflictPending PhaseStatus = "conflict-pending"
	PhaseStatusReviewing       PhaseStatus = "reviewing"
	PhaseStatusCompleted       PhaseStatus = "completed"
	PhaseStatusFailed          PhaseStatus = "failed"
)

var phaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhaseStatusRunning:         {PhaseStatusMerging, PhaseStatusCompleted, PhaseStatusFailed},
	PhaseStatusMerging:         {PhaseStatusConflictPending, PhaseStatusReviewing, PhaseStatusCompleted, PhaseStatusFailed},
	PhaseStatusConflictPending: {PhaseStatusMerging, PhaseStatusReviewing, PhaseStatusCompleted, PhaseStatusFailed},
	PhaseStatusReviewing:       {PhaseStatusCompleted, PhaseStatusFailed},
}

// CanTransition reports whether moving from s to next is a legal phase transition.
func (s PhaseStatus) CanTransition(next PhaseStatus) bool {
	for _, allowed := range phaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed and failed.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseStatusCompleted || s == PhaseStatusFailed
}

// Phase is one layer of parallel work within a run.
// Identity is (RunID, PhaseNumber).
type Phase struct {
	RunID             string      `json:"runId"`
	PhaseNumber       int         `json:"phaseNumber"`
	RepoDir           string      `json:"repoDir"`
	BaseBranch        string      `json:"baseBranch"`
	PhaseBranch       string      `json:"phaseBranch,omitempty"`
	ProjectPath       string      `json:"projectPath,omitempty"`
	ProjectName       string      `json:"projectName,omitempty"`
	ProjectGoal       string      `json:"projectGoal,omitempty"`
	Workers           []Worker    `json:"workers"`
	Status            PhaseStatus `json:"status"`
	CollectedBranches []string    `json:"collectedBranches,omitempty"`
	StartedAt         time.Time   `json:"startedAt"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
}

// Key returns the identity string used for store filenames and lock keys.
func (p *Phase) Key() string {
	return PhaseKey(p.RunID, p.PhaseNumber)
}

// PhaseKey builds the identity string for a (runID, phaseNumber) pair.
func PhaseKey(runID string, phaseNumber int) string {
	return fmt.Sprintf("%s-%d", runID, phaseNumber)
}

// Name returns a human-readable phase name used in labels and prompts.
func (p *Phase) Name() string {
	if p.ProjectName != "" {
		return p.ProjectName
	}
	return p.RunID
}

// Worker returns the worker with the given id, or nil.
func (p *Phase) Worker(workerID string) *Worker {
	for i := range p.Workers {
		if p.Workers[i].WorkerID == workerID {
			return &p.Workers[i]
		}
	}
	return nil
}

// WorkerByTask returns the worker assigned to the given task, or nil.
func (p *Phase) WorkerByTask(taskID string) *Worker {
	for i := range p.Workers {
		if p.Workers[i].TaskID == taskID {
			return &p.Workers[i]
		}
	}
	return nil
}

// AllWorkersTerminal returns true when every worker reached a terminal state.
func (p *Phase) AllWorkersTerminal() bool {
	for i := range p.Workers {
		if !p.Workers[i].IsTerminal() {
			return false
		}
	}
	return true
}

// AllWorkersSucceeded returns true when every worker completed successfully.
func (p *Phase) AllWorkersSucceeded() bool {
	for i := range p.Workers {
		if !p.Workers[i].IsSuccess() {
			return false
		}
	}
	return true
}

// FailedWorkers returns the ids of workers in failed state.
func (p *Phase) FailedWorkers() []string {
	var failed []string
	for i := range p.Workers {
		if p.Workers[i].Status == WorkerStatusFailed {
			failed = append(failed, p.Workers[i].WorkerID)
		}
	}
	return failed
}

// Transition moves the phase to the next status, enforcing the state machine.
func (p *Phase) Transition(next PhaseStatus) error {
	if !p.Status.CanTransition(next) {
		return ErrState(CodeInvalidState,
			fmt.Sprintf("phase %s cannot move from %s to %s", p.Key(), p.Status, next))
	}
	p.Status = next
	if next.IsTerminal() {
		now := time.Now()
		p.CompletedAt = &now
	}
	return nil
}

// MergeStatus classifies the outcome of a phase merge.
type MergeStatus string

const (
	MergeStatusCompleted MergeStatus = "completed"
	MergeStatusConflict  MergeStatus = "conflict"
	MergeStatusFailed    MergeStatus = "failed"
	MergeStatusNoChanges MergeStatus = "no-changes"
)

// PhaseMergeResult is the value returned from the merge engine.
type PhaseMergeResult struct {
	Success         bool          `json:"success"`
	Status          MergeStatus   `json:"status"`
	PhaseBranch     string        `json:"phaseBranch,omitempty"`
	MergedBranches  []string      `json:"mergedBranches"`
	ConflictInfo    *ConflictInfo `json:"conflictInfo,omitempty"`
	ResolverSession string        `json:"resolverSession,omitempty"`
	ReviewerSession string        `json:"reviewerSession,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// ConflictInfo captures the exact resume point after a merge conflict.
// For the original branch list B: B = merged + [FailedBranch] + RemainingBranches.
type ConflictInfo struct {
	FailedBranch      string   `json:"failedBranch"`
	ConflictFiles     []string `json:"conflictFiles"`
	PhaseBranch       string   `json:"phaseBranch"`
	RemainingBranches []string `json:"remainingBranches"`
	MergeBase         string   `json:"mergeBase"`
}

// ConflictRisk estimates how likely a phase merge is to conflict.
type ConflictRisk string

const (
	RiskLow    ConflictRisk = "low"
	RiskMedium ConflictRisk = "medium"
	RiskHigh   ConflictRisk = "high"
)

// MergeStats summarizes a phase merge ahead of execution.
type MergeStats struct {
	TotalBranches         int          `json:"totalBranches"`
	BranchesWithChanges   int          `json:"branchesWithChanges"`
	EstimatedConflictRisk ConflictRisk `json:"estimatedConflictRisk"`
}

// RiskForBranchCount maps a branches-with-changes count onto a risk level.
func RiskForBranchCount(n int) ConflictRisk {
	switch {
	case n <= 2:
		return RiskLow
	case n <= 5:
		return RiskMedium
	default:
		return RiskHigh
	}
}
