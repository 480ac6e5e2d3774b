package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

// BranchPrefix is the namespace for every branch the orchestrator creates.
const BranchPrefix = "swarmops"

// WorkerBranch returns the deterministic branch name for a worker.
func WorkerBranch(runID, workerID string) string {
	return fmt.Sprintf("%s/%s/worker-%s", BranchPrefix, runID, workerID)
}

// PhaseBranch returns the deterministic integration branch for a phase.
func PhaseBranch(runID string, phaseNumber int) string {
	return fmt.Sprintf("%s/%s/phase-%d", BranchPrefix, runID, phaseNumber)
}

// RunBranchPrefix returns the branch namespace of a run, used for bulk cleanup.
func RunBranchPrefix(runID string) string {
	return fmt.Sprintf("%s/%s/", BranchPrefix, runID)
}

// resolvePath resolves symlinks and returns an absolute path. Needed for
// cross-platform path comparison (e.g., macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

// WorktreeManager owns the (runID, workerID) -> (path, branch) mapping and
// the lifecycle of isolated per-worker checkouts.
type WorktreeManager struct {
	root   string // worktree root directory
	remote string // remote for fetch/push, best-effort
	logger *logging.Logger

	mu sync.Mutex // serializes worktree mutations against shared repo state
}

// NewWorktreeManager creates a manager rooted at the given directory.
func NewWorktreeManager(root string, logger *logging.Logger) *WorktreeManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &WorktreeManager{
		root:   root,
		remote: "origin",
		logger: logger,
	}
}

// WithRemote sets the remote used for fetch and push.
func (m *WorktreeManager) WithRemote(remote string) *WorktreeManager {
	m.remote = remote
	return m
}

// WorkerBranch implements the naming convention.
func (m *WorktreeManager) WorkerBranch(runID, workerID string) string {
	return WorkerBranch(runID, workerID)
}

// PhaseBranch implements the naming convention.
func (m *WorktreeManager) PhaseBranch(runID string, phaseNumber int) string {
	return PhaseBranch(runID, phaseNumber)
}

// Path returns the deterministic worktree path for a worker.
func (m *WorktreeManager) Path(runID, workerID string) string {
	return filepath.Join(m.root, runID, workerID)
}

// Create makes an isolated worktree for a worker, branched from baseBranch.
// Recreating an existing worktree removes the stale worktree and branch
// first, so a retry after a crashed attempt starts clean.
func (m *WorktreeManager) Create(ctx context.Context, repoDir, runID, workerID, baseBranch string) (*core.WorktreeDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := NewClient(repoDir)
	if err != nil {
		return nil, err
	}

	path := m.Path(runID, workerID)
	branch := m.WorkerBranch(runID, workerID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}

	// Idempotent recreate: clear leftovers from a prior attempt.
	if _, err := os.Stat(path); err == nil {
		m.logger.Debug("removing stale worktree", "path", path)
		if err := m.forceRemove(ctx, client, path); err != nil {
			return nil, fmt.Errorf("removing stale worktree: %w", err)
		}
	}
	if exists, _ := client.BranchExists(ctx, branch); exists {
		m.logger.Debug("deleting stale worker branch", "branch", branch)
		if err := client.DeleteBranch(ctx, branch, true); err != nil {
			return nil, fmt.Errorf("deleting stale branch %s: %w", branch, err)
		}
	}

	// Best-effort fetch so baseBranch is current.
	if err := client.Fetch(ctx, m.remote); err != nil {
		m.logger.Debug("fetch failed, continuing with local refs", "remote", m.remote, "error", err)
	}

	if err := client.WorktreeAdd(ctx, path, branch, baseBranch); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	return &core.WorktreeDescriptor{
		RunID:      runID,
		WorkerID:   workerID,
		Path:       path,
		Branch:     branch,
		BaseBranch: baseBranch,
		RepoDir:    repoDir,
		CreatedAt:  time.Now(),
	}, nil
}

// Commit stages everything in the worktree and commits. An unchanged tree
// succeeds with an empty hash.
func (m *WorktreeManager) Commit(ctx context.Context, worktreePath, message string) (string, error) {
	client, err := NewClient(worktreePath)
	if err != nil {
		return "", err
	}

	if err := client.StageAll(ctx); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}

	staged, err := client.HasStagedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !staged {
		m.logger.Debug("nothing to commit", "worktree", worktreePath)
		return "", nil
	}

	return client.Commit(ctx, message)
}

// Push best-effort pushes the worktree's branch to the remote.
func (m *WorktreeManager) Push(ctx context.Context, worktreePath, remote string) error {
	client, err := NewClient(worktreePath)
	if err != nil {
		return err
	}
	if remote == "" {
		remote = m.remote
	}
	branch, err := client.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if err := client.Push(ctx, remote, branch); err != nil {
		m.logger.Warn("push failed", "branch", branch, "remote", remote, "error", err)
		return err
	}
	return nil
}

// Cleanup removes a worker's worktree and optionally its branch.
// A missing worktree is not an error.
func (m *WorktreeManager) Cleanup(ctx context.Context, repoDir, runID, workerID string, deleteBranch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := NewClient(repoDir)
	if err != nil {
		return err
	}

	path := m.Path(runID, workerID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = client.WorktreePrune(ctx)
	} else if err := m.forceRemove(ctx, client, path); err != nil {
		return err
	}

	if deleteBranch {
		branch := m.WorkerBranch(runID, workerID)
		if exists, _ := client.BranchExists(ctx, branch); exists {
			if err := client.DeleteBranch(ctx, branch, true); err != nil {
				return fmt.Errorf("deleting branch %s: %w", branch, err)
			}
		}
	}

	return nil
}

// CleanupRun removes every worktree of a run and optionally every branch
// under the run's namespace.
func (m *WorktreeManager) CleanupRun(ctx context.Context, repoDir, runID string, deleteBranches bool) error {
	descriptors, err := m.ListRun(ctx, repoDir, runID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, d := range descriptors {
		if err := m.Cleanup(ctx, repoDir, runID, d.WorkerID, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// The run directory may still hold non-worktree debris.
	runDir := filepath.Join(m.root, runID)
	if err := os.RemoveAll(runDir); err != nil && firstErr == nil {
		firstErr = err
	}

	if deleteBranches {
		client, err := NewClient(repoDir)
		if err != nil {
			return err
		}
		branches, err := client.ListBranches(ctx, RunBranchPrefix(runID))
		if err != nil {
			return err
		}
		for _, b := range branches {
			if err := client.DeleteBranch(ctx, b, true); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// ListRun enumerates worktrees owned by a run.
func (m *WorktreeManager) ListRun(ctx context.Context, repoDir, runID string) ([]core.WorktreeDescriptor, error) {
	client, err := NewClient(repoDir)
	if err != nil {
		return nil, err
	}

	entries, err := client.WorktreeList(ctx)
	if err != nil {
		return nil, err
	}

	runDir := resolvePath(filepath.Join(m.root, runID))
	descriptors := make([]core.WorktreeDescriptor, 0)
	for _, e := range entries {
		resolved := resolvePath(e.Path)
		if !strings.HasPrefix(resolved, runDir+string(filepath.Separator)) && resolved != runDir {
			continue
		}
		descriptors = append(descriptors, core.WorktreeDescriptor{
			RunID:    runID,
			WorkerID: filepath.Base(e.Path),
			Path:     e.Path,
			Branch:   e.Branch,
			RepoDir:  repoDir,
		})
	}
	return descriptors, nil
}

// forceRemove removes a worktree, escalating from plain removal to a forced
// removal and finally a manual directory delete plus prune.
func (m *WorktreeManager) forceRemove(ctx context.Context, client *Client, path string) error {
	if err := client.WorktreeRemove(ctx, path, false); err == nil {
		return nil
	}
	if err := client.WorktreeRemove(ctx, path, true); err == nil {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("manual worktree removal: %w", err)
	}
	return client.WorktreePrune(ctx)
}
