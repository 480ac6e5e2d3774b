package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// Client wraps git CLI operations for a single repository. Every operation
// invokes the git binary with an argument array; nothing passes through a
// shell, so caller-provided branch names and paths are never interpolated.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a git client rooted at repoPath.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  30 * time.Second,
	}

	if !client.IsRepo(context.Background()) {
		return nil, core.ErrValidation("NOT_GIT_REPO",
			fmt.Sprintf("%s is not a git repository", absPath))
	}

	return client, nil
}

// WithTimeout sets the per-command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// RepoPath returns the repository path.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// run executes a git command in the repository directory.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	out, _, err := c.runRaw(ctx, args...)
	return out, err
}

// runRaw executes a git command and returns stdout plus the combined
// stdout/stderr text, which merge classification scans.
func (c *Client) runRaw(ctx context.Context, args ...string) (stdout, combined string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = strings.TrimSpace(outBuf.String())
	combined = strings.TrimSpace(outBuf.String() + "\n" + errBuf.String())

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout, combined, core.ErrTimeout(
				fmt.Sprintf("git %s timed out", strings.Join(args, " ")))
		}
		return stdout, combined, fmt.Errorf("git %s: %s: %w",
			strings.Join(args, " "), errBuf.String(), runErr)
	}

	return stdout, combined, nil
}

// IsRepo reports whether the path is inside a git working copy.
func (c *Client) IsRepo(ctx context.Context) bool {
	_, err := c.run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// CurrentBranch returns the current branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse resolves a ref to a commit hash.
func (c *Client) RevParse(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "rev-parse", ref)
}

// DefaultBranch returns the default branch (main or master).
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	output, err := c.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(output, "refs/remotes/origin/"), nil
	}

	branches, _ := c.ListBranches(ctx, "")
	for _, b := range branches {
		if b == "main" {
			return "main", nil
		}
	}
	for _, b := range branches {
		if b == "master" {
			return "master", nil
		}
	}

	return "main", nil
}

// BranchExists checks if a local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := c.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	// show-ref exits non-zero for a missing ref; only a timeout is a real error.
	if core.IsCategory(err, core.ErrCatTimeout) {
		return false, err
	}
	return false, nil
}

// CreateBranch creates a branch at base without checking it out.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	_, err := c.run(ctx, args...)
	return err
}

// DeleteBranch deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, name)
	return err
}

// ListBranches returns local branches, optionally filtered by prefix.
func (c *Client) ListBranches(ctx context.Context, prefix string) ([]string, error) {
	args := []string{"branch", "--list", "--format=%(refname:short)"}
	if prefix != "" {
		args = append(args, prefix+"*")
	}
	output, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	branches := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// Checkout switches the working tree to a ref.
func (c *Client) Checkout(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "checkout", ref)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch from base.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := c.run(ctx, args...)
	return err
}

// WorktreeRemove removes a worktree.
func (c *Client) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.run(ctx, args...)
	return err
}

// WorktreePrune removes stale worktree bookkeeping.
func (c *Client) WorktreePrune(ctx context.Context) error {
	_, err := c.run(ctx, "worktree", "prune")
	return err
}

// WorktreeList returns all worktrees of the repository.
func (c *Client) WorktreeList(ctx context.Context) ([]core.WorktreeEntry, error) {
	output, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []core.WorktreeEntry {
	entries := make([]core.WorktreeEntry, 0)
	var current *core.WorktreeEntry

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "worktree ") {
			if current != nil {
				entries = append(entries, *current)
			}
			current = &core.WorktreeEntry{
				Path: strings.TrimPrefix(line, "worktree "),
			}
		} else if current != nil {
			switch {
			case strings.HasPrefix(line, "HEAD "):
				current.Head = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			case line == "detached":
				current.Detached = true
			case line == "locked" || strings.HasPrefix(line, "locked "):
				current.Locked = true
			case line == "prunable" || strings.HasPrefix(line, "prunable "):
				current.Prunable = true
			}
		}
	}

	if current != nil {
		entries = append(entries, *current)
	}

	return entries
}

// Stage stages the given paths.
func (c *Client) Stage(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := c.run(ctx, args...)
	return err
}

// StageAll stages every change in the working tree.
func (c *Client) StageAll(ctx context.Context) error {
	_, err := c.run(ctx, "add", "-A")
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func (c *Client) HasStagedChanges(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if core.IsCategory(err, core.ErrCatTimeout) {
		return false, err
	}
	// diff --quiet exits 1 when there are differences.
	return true, nil
}

// Commit records the staged changes and returns the new commit hash.
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.RevParse(ctx, "HEAD")
}

// Fetch fetches from a remote.
func (c *Client) Fetch(ctx context.Context, remote string) error {
	_, err := c.run(ctx, "fetch", remote)
	return err
}

// Push pushes a branch to a remote.
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	_, err := c.run(ctx, "push", "-u", remote, branch)
	return err
}

// Merge merges source into the current branch and classifies the outcome.
// A conflict leaves the working tree in the conflicted state; the caller
// decides whether to abort or hand it to a resolver.
func (c *Client) Merge(ctx context.Context, source string, opts core.MergeOptions) (core.MergeResult, error) {
	args := []string{"merge"}
	if opts.NoFastForward {
		args = append(args, "--no-ff")
	}
	if opts.NoCommit {
		args = append(args, "--no-commit")
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	args = append(args, source)

	_, combined, err := c.runRaw(ctx, args...)
	if err == nil {
		return core.MergeResult{Outcome: core.MergeOutcomeSuccess, Output: combined}, nil
	}
	if core.IsCategory(err, core.ErrCatTimeout) {
		return core.MergeResult{Outcome: core.MergeOutcomeFatal, Output: combined}, err
	}
	if isConflictOutput(combined) {
		return core.MergeResult{Outcome: core.MergeOutcomeConflict, Output: combined}, nil
	}
	return core.MergeResult{Outcome: core.MergeOutcomeFatal, Output: combined}, err
}

// isConflictOutput detects git's merge conflict signal in tool output.
func isConflictOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(output, "CONFLICT") ||
		strings.Contains(lower, "automatic merge failed") ||
		strings.Contains(lower, "fix conflicts and then commit")
}

// MergeAbort aborts an in-progress merge.
func (c *Client) MergeAbort(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--abort")
	return err
}

// MergeInProgress reports whether a merge is underway (MERGE_HEAD exists).
func (c *Client) MergeInProgress(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	if err == nil {
		return true, nil
	}
	if core.IsCategory(err, core.ErrCatTimeout) {
		return false, err
	}
	return false, nil
}

// ConflictedFiles lists paths with unresolved conflicts.
func (c *Client) ConflictedFiles(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}

	files := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// MergeBase returns the best common ancestor of two refs.
func (c *Client) MergeBase(ctx context.Context, a, b string) (string, error) {
	return c.run(ctx, "merge-base", a, b)
}

// DiffNames lists file names changed between base and ref.
func (c *Client) DiffNames(ctx context.Context, base, ref string) ([]string, error) {
	output, err := c.run(ctx, "diff", "--name-only", base, ref)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// FileAtRef returns the content of a file as it exists at a ref.
// A missing file is reported as a not_found error, distinct from other
// failures, so callers can render "does not exist at ref".
func (c *Client) FileAtRef(ctx context.Context, path, ref string) (string, error) {
	out, _, err := c.runRaw(ctx, "show", ref+":"+path)
	if err != nil {
		if core.IsCategory(err, core.ErrCatTimeout) {
			return "", err
		}
		return "", core.ErrNotFound("file", fmt.Sprintf("%s at %s", path, ref)).WithCause(err)
	}
	return out, nil
}

// AheadCount returns how many commits ref is ahead of base.
func (c *Client) AheadCount(ctx context.Context, base, ref string) (int, error) {
	output, err := c.run(ctx, "rev-list", "--count", base+".."+ref)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", output, err)
	}
	return n, nil
}

// IsAncestor reports whether ancestor is reachable from ref.
func (c *Client) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	_, err := c.run(ctx, "merge-base", "--is-ancestor", ancestor, ref)
	if err == nil {
		return true, nil
	}
	if core.IsCategory(err, core.ErrCatTimeout) {
		return false, err
	}
	return false, nil
}
