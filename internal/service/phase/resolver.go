package phase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/service"
	"github.com/swarmops/swarmops/internal/service/dispatch"
)

// Resolver spawns an AI session into a conflicted working tree. The
// prompt carries three versions of every conflicted file plus the task
// context of the branches involved, so one session can resolve the whole
// conflict and commit.
type Resolver struct {
	dispatcher  *dispatch.Dispatcher
	phases      core.PhaseStore
	collector   *Collector
	gitFor      GitFactory
	catalog     *service.Catalog
	ledger      core.Ledger
	callbackURL string
	logger      *logging.Logger
}

// NewResolver creates a resolver dispatcher.
func NewResolver(dispatcher *dispatch.Dispatcher, phases core.PhaseStore, collector *Collector, gitFor GitFactory, catalog *service.Catalog, ledger core.Ledger, callbackURL string, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{
		dispatcher:  dispatcher,
		phases:      phases,
		collector:   collector,
		gitFor:      gitFor,
		catalog:     catalog,
		ledger:      ledger,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// ResolveRequest identifies one conflict hand-off.
type ResolveRequest struct {
	RunID         string
	PhaseNumber   int
	RepoPath      string
	SourceBranch  string
	TargetBranch  string
	ConflictFiles []string
	ProjectGoal   string
}

// ResolveResult reports the dispatch outcome.
type ResolveResult struct {
	Success    bool
	SessionKey string
	Error      string
}

// Dispatch builds the consolidated resolver prompt and spawns the session.
func (r *Resolver) Dispatch(ctx context.Context, req ResolveRequest) ResolveResult {
	prompt, err := r.buildPrompt(ctx, req)
	if err != nil {
		return ResolveResult{Error: err.Error()}
	}

	role := r.catalog.Role(core.RoleConflictResolver)
	if role.Cleanup == "" {
		role.Cleanup = core.CleanupKeep
	}

	receipt, err := r.dispatcher.Dispatch(ctx, dispatch.Request{
		RunID:       req.RunID,
		PhaseNumber: req.PhaseNumber,
		WorkerID:    fmt.Sprintf("conflict-res-%d", req.PhaseNumber),
		LabelBase:   fmt.Sprintf("conflict-res-%d-%s", req.PhaseNumber, req.RunID),
		Task:        prompt,
		Role:        role,
	})
	if err != nil {
		return ResolveResult{Error: err.Error()}
	}

	r.appendLedger(core.LedgerEntry{
		Type:        core.LedgerConflictResolution,
		RunID:       req.RunID,
		PhaseNumber: req.PhaseNumber,
		SessionKey:  receipt.SessionKey,
		Status:      "started",
		Details: map[string]any{
			"sourceBranch":  req.SourceBranch,
			"targetBranch":  req.TargetBranch,
			"conflictFiles": req.ConflictFiles,
		},
	})
	r.logger.Info("conflict resolver dispatched",
		"run_id", req.RunID, "phase", req.PhaseNumber, "session_key", receipt.SessionKey)
	return ResolveResult{Success: true, SessionKey: receipt.SessionKey}
}

// BuildPrompt exposes the resolver prompt for the CLI's manual hand-off.
func (r *Resolver) BuildPrompt(ctx context.Context, req ResolveRequest) (string, error) {
	return r.buildPrompt(ctx, req)
}

func (r *Resolver) buildPrompt(ctx context.Context, req ResolveRequest) (string, error) {
	client, err := r.gitFor(req.RepoPath)
	if err != nil {
		return "", err
	}

	var taskContext string
	if phase, err := r.phases.LoadPhase(ctx, req.RunID, req.PhaseNumber); err == nil {
		contexts := r.collector.WorkerTaskContexts(phase,
			append([]string{req.SourceBranch}, phase.CollectedBranches...), nil)
		var lines []string
		if desc, ok := contexts[req.SourceBranch]; ok {
			lines = append(lines, fmt.Sprintf("- %s (the conflicting branch): %s", req.SourceBranch, desc))
		}
		for _, branch := range phase.CollectedBranches {
			if branch == req.SourceBranch {
				continue
			}
			if desc, ok := contexts[branch]; ok {
				lines = append(lines, fmt.Sprintf("- %s (already merged): %s", branch, desc))
			}
		}
		taskContext = strings.Join(lines, "\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are resolving a git merge conflict in %s.\n\n", req.RepoPath)
	fmt.Fprintf(&b, "Branch %s is being merged into %s; the merge stopped with conflicts left in the working tree.\n\n",
		req.SourceBranch, req.TargetBranch)
	if req.ProjectGoal != "" {
		fmt.Fprintf(&b, "Project goal: %s\n\n", req.ProjectGoal)
	}
	if taskContext != "" {
		fmt.Fprintf(&b, "Tasks involved:\n%s\n\n", taskContext)
	}

	fmt.Fprintf(&b, "Conflicted files (%d):\n\n", len(req.ConflictFiles))
	for _, file := range req.ConflictFiles {
		working := readWorkingTree(filepath.Join(req.RepoPath, file))
		source := r.fileAt(ctx, client, file, req.SourceBranch)
		target := r.fileAt(ctx, client, file, req.TargetBranch)

		fmt.Fprintf(&b, "### %s\n\n", file)
		fmt.Fprintf(&b, "Working tree (with conflict markers):\n```\n%s\n```\n\n", working)
		fmt.Fprintf(&b, "Version on %s:\n```\n%s\n```\n\n", req.SourceBranch, source)
		fmt.Fprintf(&b, "Version on %s:\n```\n%s\n```\n\n", req.TargetBranch, target)
	}

	b.WriteString("Instructions:\n")
	b.WriteString("1. Resolve every conflict so both branches' intent survives; remove all conflict markers.\n")
	b.WriteString("2. Stage the resolved files with `git add` and finish the merge with `git commit` (keep the default merge message).\n")
	b.WriteString("3. Do not touch files outside the conflict set.\n")
	if r.callbackURL != "" {
		fmt.Fprintf(&b,
			"4. When the merge commit exists, POST {\"runId\":%q,\"phaseNumber\":%d,\"status\":\"completed\"} to %s/api/orchestrator/fix-complete.\n",
			req.RunID, req.PhaseNumber, strings.TrimRight(r.callbackURL, "/"))
	}
	return b.String(), nil
}

func (r *Resolver) fileAt(ctx context.Context, client core.GitClient, path, ref string) string {
	content, err := client.FileAtRef(ctx, path, ref)
	if err != nil {
		var domErr *core.DomainError
		if errors.As(err, &domErr) && domErr.Category == core.ErrCatNotFound {
			return fmt.Sprintf("(file does not exist at %s)", ref)
		}
		return fmt.Sprintf("(unreadable at %s: %v)", ref, err)
	}
	return content
}

func readWorkingTree(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(unreadable: %v)", err)
	}
	return string(data)
}

func (r *Resolver) appendLedger(entry core.LedgerEntry) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.Append(entry); err != nil {
		r.logger.Error("ledger append failed", "run_id", entry.RunID, "error", err)
	}
}
