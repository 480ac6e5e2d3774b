package core

import "time"

// RunStatus is the lifecycle state of a run rollup.
type RunStatus string

const (
	RunStatusPlanning  RunStatus = "planning"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// PhaseRollup is the per-phase summary embedded in a run document.
type PhaseRollup struct {
	PhaseNumber    int         `json:"phaseNumber"`
	TaskIDs        []string    `json:"taskIds"`
	Status         PhaseStatus `json:"status"`
	PhaseBranch    string      `json:"phaseBranch,omitempty"`
	MergedBranches []string    `json:"mergedBranches,omitempty"`
}

// RunState is the per-run rollup persisted at project-runs/<runId>.json.
type RunState struct {
	RunID       string            `json:"runId"`
	ProjectName string            `json:"projectName"`
	ProjectPath string            `json:"projectPath"`
	Goal        string            `json:"goal,omitempty"`
	TasksFile   string            `json:"tasksFile,omitempty"`
	BaseBranch  string            `json:"baseBranch"`
	Phases      []PhaseRollup     `json:"phases"`
	ReviewChain *ReviewChainState `json:"reviewChain,omitempty"`
	Status      RunStatus         `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// PhaseRollupFor returns the rollup for a phase number, or nil.
func (r *RunState) PhaseRollupFor(phaseNumber int) *PhaseRollup {
	for i := range r.Phases {
		if r.Phases[i].PhaseNumber == phaseNumber {
			return &r.Phases[i]
		}
	}
	return nil
}
