package core

import (
	"context"
	"time"
)

// =============================================================================
// GitClient Port
// =============================================================================

// MergeOutcome classifies how a merge invocation ended.
type MergeOutcome string

const (
	MergeOutcomeSuccess  MergeOutcome = "success"
	MergeOutcomeConflict MergeOutcome = "conflict"
	MergeOutcomeFatal    MergeOutcome = "fatal"
)

// MergeOptions configures merge behavior.
type MergeOptions struct {
	Message       string // Custom commit message
	NoCommit      bool   // Stage changes but don't commit
	NoFastForward bool   // Always create a merge commit
}

// MergeResult carries the classified outcome of a merge attempt.
type MergeResult struct {
	Outcome MergeOutcome
	Output  string // Combined tool output, useful for fatal diagnostics
}

// GitClient defines the contract for version control operations.
// Implementations must invoke the tool with argument arrays, never a shell.
type GitClient interface {
	// Repository information
	IsRepo(ctx context.Context) bool
	CurrentBranch(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context) (string, error)

	// Branch operations
	BranchExists(ctx context.Context, name string) (bool, error)
	CreateBranch(ctx context.Context, name, base string) error
	DeleteBranch(ctx context.Context, name string, force bool) error
	ListBranches(ctx context.Context, prefix string) ([]string, error)
	Checkout(ctx context.Context, ref string) error

	// Worktree operations
	WorktreeAdd(ctx context.Context, path, branch, base string) error
	WorktreeRemove(ctx context.Context, path string, force bool) error
	WorktreePrune(ctx context.Context) error
	WorktreeList(ctx context.Context) ([]WorktreeEntry, error)

	// Commit operations
	Stage(ctx context.Context, paths ...string) error
	StageAll(ctx context.Context) error
	HasStagedChanges(ctx context.Context) (bool, error)
	Commit(ctx context.Context, message string) (string, error)
	Fetch(ctx context.Context, remote string) error
	Push(ctx context.Context, remote, branch string) error

	// Merge operations
	Merge(ctx context.Context, source string, opts MergeOptions) (MergeResult, error)
	MergeAbort(ctx context.Context) error
	MergeInProgress(ctx context.Context) (bool, error)
	ConflictedFiles(ctx context.Context) ([]string, error)
	MergeBase(ctx context.Context, a, b string) (string, error)

	// Query operations
	DiffNames(ctx context.Context, base, ref string) ([]string, error)
	FileAtRef(ctx context.Context, path, ref string) (string, error)
	AheadCount(ctx context.Context, base, ref string) (int, error)
	IsAncestor(ctx context.Context, ancestor, ref string) (bool, error)
	RevParse(ctx context.Context, ref string) (string, error)
}

// WorktreeEntry is one row of a worktree listing.
type WorktreeEntry struct {
	Path     string
	Branch   string
	Head     string
	Detached bool
	Locked   bool
	Prunable bool
}

// =============================================================================
// WorktreeManager Port
// =============================================================================

// WorktreeDescriptor identifies a worker's isolated checkout.
type WorktreeDescriptor struct {
	RunID      string    `json:"runId"`
	WorkerID   string    `json:"workerId"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"baseBranch"`
	RepoDir    string    `json:"repoDir"`
	CreatedAt  time.Time `json:"createdAt"`
}

// WorktreeManager owns the (runID, workerID) -> (path, branch) mapping and
// the lifecycle of per-worker checkouts.
type WorktreeManager interface {
	// WorkerBranch returns the deterministic branch name for a worker.
	WorkerBranch(runID, workerID string) string

	// PhaseBranch returns the deterministic integration branch for a phase.
	PhaseBranch(runID string, phaseNumber int) string

	// Path returns the deterministic worktree path for a worker.
	Path(runID, workerID string) string

	// Create makes an isolated worktree for a worker, branched from baseBranch.
	// Recreating an existing worktree succeeds and yields a fresh checkout.
	Create(ctx context.Context, repoDir, runID, workerID, baseBranch string) (*WorktreeDescriptor, error)

	// Commit stages everything in the worktree and commits. An unchanged
	// tree succeeds with an empty hash.
	Commit(ctx context.Context, worktreePath, message string) (string, error)

	// Push best-effort pushes the worker branch to the remote.
	Push(ctx context.Context, worktreePath, remote string) error

	// Cleanup removes a worker's worktree; missing worktrees are not errors.
	Cleanup(ctx context.Context, repoDir, runID, workerID string, deleteBranch bool) error

	// CleanupRun removes every worktree and optionally every branch of a run.
	CleanupRun(ctx context.Context, repoDir, runID string, deleteBranches bool) error

	// ListRun enumerates worktrees owned by a run.
	ListRun(ctx context.Context, repoDir, runID string) ([]WorktreeDescriptor, error)
}

// =============================================================================
// Store Ports
// =============================================================================

// PhaseStore persists one document per (runID, phaseNumber).
type PhaseStore interface {
	SavePhase(ctx context.Context, phase *Phase) error
	LoadPhase(ctx context.Context, runID string, phaseNumber int) (*Phase, error)
	ListPhases(ctx context.Context, runID string) ([]*Phase, error)
	DeletePhase(ctx context.Context, runID string, phaseNumber int) error
}

// RunStore persists per-run rollup documents.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunState) error
	LoadRun(ctx context.Context, runID string) (*RunState, error)
	ListRuns(ctx context.Context) ([]*RunState, error)
	DeleteRun(ctx context.Context, runID string) error
}

// EscalationStore persists the escalation collection.
type EscalationStore interface {
	SaveEscalation(ctx context.Context, esc *Escalation) error
	LoadEscalation(ctx context.Context, id string) (*Escalation, error)
	ListEscalations(ctx context.Context, status EscalationStatus) ([]*Escalation, error)
}

// =============================================================================
// Ledger Port
// =============================================================================

// Ledger entry types.
const (
	LedgerWorkerSpawned      = "worker-spawned"
	LedgerWorkerCompleted    = "worker-completed"
	LedgerWorkerFailed       = "worker-failed"
	LedgerPhaseInitialized   = "phase-initialized"
	LedgerPhaseCompleted     = "phase-completed"
	LedgerPhaseFailed        = "phase-failed"
	LedgerConflictResolution = "conflict-resolution"
)

// LedgerEntry is one append-only audit record.
type LedgerEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"`
	RunID       string         `json:"runId,omitempty"`
	PhaseNumber int            `json:"phaseNumber,omitempty"`
	WorkerID    string         `json:"workerId,omitempty"`
	SessionKey  string         `json:"sessionKey,omitempty"`
	Label       string         `json:"label,omitempty"`
	Status      string         `json:"status,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Ledger is the append-only event stream.
type Ledger interface {
	Append(entry LedgerEntry) error
}

// =============================================================================
// AgentGateway Port
// =============================================================================

// SpawnArgs are the parameters of a gateway session spawn.
// Optional fields are pointers so the wire encoding can omit them entirely.
type SpawnArgs struct {
	Task              string      `json:"task"`
	Label             string      `json:"label"`
	Model             *string     `json:"model,omitempty"`
	Thinking          *string     `json:"thinking,omitempty"`
	Cleanup           CleanupMode `json:"cleanup"`
	RunTimeoutSeconds *int        `json:"runTimeoutSeconds,omitempty"`
}

// SpawnReceipt is the gateway's acknowledgement of a spawn.
type SpawnReceipt struct {
	SessionKey string
	GatewayRun string
}

// SessionInfo is one session row from the gateway listing.
type SessionInfo struct {
	Key         string
	TotalTokens int
	Model       string
	StopReason  string // stop reason of the last message, "" when none
	Messages    int
}

// IsRunning reports whether the gateway session shows signs of life.
func (s SessionInfo) IsRunning() bool {
	return s.TotalTokens > 0 || s.Model != "" || s.Messages > 0
}

// AgentGateway is the outbound RPC surface to the session gateway.
type AgentGateway interface {
	SpawnSession(ctx context.Context, args SpawnArgs) (*SpawnReceipt, error)
	ListSessions(ctx context.Context, limit, messageLimit int) ([]SessionInfo, error)
}
