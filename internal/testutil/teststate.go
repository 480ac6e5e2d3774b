package testutil

import (
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// NewTestRun creates a RunState with sensible defaults for tests.
// Use functional options to override specific fields.
func NewTestRun(opts ...func(*core.RunState)) *core.RunState {
	r := &core.RunState{
		RunID:       "run-test0001",
		ProjectName: "demo",
		ProjectPath: "/tmp/demo",
		BaseBranch:  "main",
		Status:      core.RunStatusRunning,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewTestPhase creates a Phase with one pending worker per task ID.
func NewTestPhase(runID string, phaseNumber int, repoDir string, taskIDs ...string) *core.Phase {
	workers := make([]core.Worker, 0, len(taskIDs))
	for i, id := range taskIDs {
		workers = append(workers, core.NewWorker(core.NewWorkerID(i+1), id))
	}
	return &core.Phase{
		RunID:       runID,
		PhaseNumber: phaseNumber,
		RepoDir:     repoDir,
		BaseBranch:  "main",
		Workers:     workers,
		Status:      core.PhaseStatusRunning,
		StartedAt:   time.Now(),
	}
}
