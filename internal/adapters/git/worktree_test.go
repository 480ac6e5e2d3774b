package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/swarmops/swarmops/internal/testutil"
)

func TestNamingConvention(t *testing.T) {
	t.Parallel()
	if got := WorkerBranch("run-1", "w2"); got != "swarmops/run-1/worker-w2" {
		t.Errorf("WorkerBranch = %q", got)
	}
	if got := PhaseBranch("run-1", 3); got != "swarmops/run-1/phase-3" {
		t.Errorf("PhaseBranch = %q", got)
	}

	m := NewWorktreeManager("/worktrees", nil)
	if got := m.Path("run-1", "w2"); got != filepath.Join("/worktrees", "run-1", "w2") {
		t.Errorf("Path = %q", got)
	}
}

func TestWorktreeManager_CreateAndCleanup(t *testing.T) {
	t.Parallel()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "init\n")
	repo.Commit("initial")

	m := NewWorktreeManager(testutil.TempDir(t), nil)
	ctx := context.Background()

	wt, err := m.Create(ctx, repo.Path, "run-1", "w1", "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wt.Branch != "swarmops/run-1/worker-w1" {
		t.Errorf("branch = %q", wt.Branch)
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}

	if err := m.Cleanup(ctx, repo.Path, "run-1", "w1", true); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Error("worktree path still exists after cleanup")
	}

	client, _ := NewClient(repo.Path)
	if exists, _ := client.BranchExists(ctx, wt.Branch); exists {
		t.Error("worker branch still exists after cleanup with deleteBranch")
	}

	// Cleanup of a missing worktree is idempotent.
	if err := m.Cleanup(ctx, repo.Path, "run-1", "w1", false); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
}

func TestWorktreeManager_IdempotentRecreate(t *testing.T) {
	t.Parallel()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "init\n")
	repo.Commit("initial")

	m := NewWorktreeManager(testutil.TempDir(t), nil)
	ctx := context.Background()

	wt1, err := m.Create(ctx, repo.Path, "run-1", "w1", "main")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// Leave an artifact behind, then recreate.
	artifact := filepath.Join(wt1.Path, "leftover.txt")
	if err := os.WriteFile(artifact, []byte("stale"), 0o644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}

	wt2, err := m.Create(ctx, repo.Path, "run-1", "w1", "main")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if wt2.Path != wt1.Path || wt2.Branch != wt1.Branch {
		t.Errorf("recreate changed identity: %+v vs %+v", wt2, wt1)
	}
	if _, err := os.Stat(filepath.Join(wt2.Path, "leftover.txt")); !os.IsNotExist(err) {
		t.Error("artifact from first worktree survived recreate")
	}
}

func TestWorktreeManager_CommitAndNoChanges(t *testing.T) {
	t.Parallel()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "init\n")
	repo.Commit("initial")

	m := NewWorktreeManager(testutil.TempDir(t), nil)
	ctx := context.Background()

	wt, err := m.Create(ctx, repo.Path, "run-1", "w1", "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// No changes: succeed with empty hash.
	hash, err := m.Commit(ctx, wt.Path, "empty")
	if err != nil {
		t.Fatalf("Commit with no changes: %v", err)
	}
	if hash != "" {
		t.Errorf("hash = %q, want empty", hash)
	}

	if err := os.WriteFile(filepath.Join(wt.Path, "work.txt"), []byte("done\n"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	hash, err = m.Commit(ctx, wt.Path, "worker output")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hash == "" {
		t.Error("expected non-empty commit hash")
	}
}

func TestWorktreeManager_ListAndCleanupRun(t *testing.T) {
	t.Parallel()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "init\n")
	repo.Commit("initial")

	m := NewWorktreeManager(testutil.TempDir(t), nil)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3"} {
		if _, err := m.Create(ctx, repo.Path, "run-1", id, "main"); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := m.Create(ctx, repo.Path, "run-2", "w1", "main"); err != nil {
		t.Fatalf("Create run-2/w1: %v", err)
	}

	listed, err := m.ListRun(ctx, repo.Path, "run-1")
	if err != nil {
		t.Fatalf("ListRun: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("ListRun = %d worktrees, want 3", len(listed))
	}

	if err := m.CleanupRun(ctx, repo.Path, "run-1", true); err != nil {
		t.Fatalf("CleanupRun: %v", err)
	}

	listed, err = m.ListRun(ctx, repo.Path, "run-1")
	if err != nil {
		t.Fatalf("ListRun after cleanup: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("run-1 worktrees remain: %v", listed)
	}

	client, _ := NewClient(repo.Path)
	branches, _ := client.ListBranches(ctx, RunBranchPrefix("run-1"))
	if len(branches) != 0 {
		t.Errorf("run-1 branches remain: %v", branches)
	}

	// The other run is untouched.
	listed, _ = m.ListRun(ctx, repo.Path, "run-2")
	if len(listed) != 1 {
		t.Errorf("run-2 worktrees = %d, want 1", len(listed))
	}
}
