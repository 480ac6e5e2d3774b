package phase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/adapters/state"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/service"
	"github.com/swarmops/swarmops/internal/service/dispatch"
	"github.com/swarmops/swarmops/internal/testutil"
)

// env wires the phase services over a real git repository, a real
// filesystem state store, and a mock gateway.
type env struct {
	repo        *testutil.GitRepo
	store       *state.Store
	phases      *state.PhaseStore
	runs        *state.RunStore
	escalations *state.EscalationStore
	catalog     *service.Catalog
	gw          *testutil.MockGateway
	ledger      *testutil.MemLedger
	bus         *events.Bus
	collector   *Collector
	resolver    *Resolver
	review      *ReviewChain
	merger      *Merger
}

func gitFor(dir string) (core.GitClient, error) {
	return git.NewClient(dir)
}

func newEnv(t *testing.T) *env {
	t.Helper()

	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "# demo\n\nbase line\n")
	repo.Commit("initial commit")

	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	catalogStore, err := state.NewCatalogStore(store)
	if err != nil {
		t.Fatalf("creating catalog store: %v", err)
	}
	catalog, err := service.NewCatalog(catalogStore, nil)
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}

	e := &env{
		repo:        repo,
		store:       store,
		phases:      state.NewPhaseStore(store),
		runs:        state.NewRunStore(store),
		escalations: state.NewEscalationStore(store),
		catalog:     catalog,
		gw:          testutil.NewMockGateway(),
		ledger:      testutil.NewMemLedger(),
		bus:         events.NewBus(0),
	}

	cfg := dispatch.DefaultConfig()
	cfg.VerifySpawn = false
	cfg.MaxRetries = 0
	dispatcher := dispatch.NewDispatcher(e.gw, e.ledger, cfg, nil)

	e.collector = NewCollector(e.phases, gitFor, e.bus, nil)
	e.resolver = NewResolver(dispatcher, e.phases, e.collector, gitFor, catalog, e.ledger, "http://localhost:8790", nil)
	e.review = NewReviewChain(dispatcher, e.runs, e.phases, e.escalations, e.collector, gitFor, catalog, e.ledger, e.bus, "http://localhost:8790", nil)
	e.merger = NewMerger(e.collector, e.phases, gitFor, e.resolver, e.review, e.ledger, e.bus, nil)
	return e
}

// initPhase creates a phase with one completed worker per task title and
// a worker branch carrying the given files.
func (e *env) initPhase(t *testing.T, runID string, taskIDs ...string) *core.Phase {
	t.Helper()

	tasks := make([]*core.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		tasks = append(tasks, core.NewTask(id, "Implement "+id))
	}
	phase, err := e.collector.InitPhase(context.Background(), InitParams{
		RunID:       runID,
		PhaseNumber: 1,
		RepoDir:     e.repo.Path,
		BaseBranch:  "main",
		ProjectName: "demo",
		ProjectGoal: "ship the demo",
		Tasks:       tasks,
	})
	if err != nil {
		t.Fatalf("initializing phase: %v", err)
	}
	return phase
}

// workerBranch creates a worker branch off main with the given files.
func (e *env) workerBranch(t *testing.T, runID, workerID string, files map[string]string) string {
	t.Helper()

	branch := git.WorkerBranch(runID, workerID)
	e.repo.Checkout("main")
	e.repo.CreateBranch(branch)
	for name, content := range files {
		e.repo.WriteFile(name, content)
	}
	e.repo.Commit("work by " + workerID)
	e.repo.Checkout("main")
	return branch
}

// completeWorkers reports success for every worker of the phase.
func (e *env) completeWorkers(t *testing.T, phase *core.Phase) {
	t.Helper()
	for i := range phase.Workers {
		w := phase.Workers[i]
		_, err := e.collector.OnWorkerComplete(context.Background(),
			phase.RunID, phase.PhaseNumber, w.WorkerID, true, "done "+w.TaskID, "")
		if err != nil {
			t.Fatalf("completing worker %s: %v", w.WorkerID, err)
		}
	}
}

func (e *env) loadPhase(t *testing.T, runID string, phaseNumber int) *core.Phase {
	t.Helper()
	phase, err := e.phases.LoadPhase(context.Background(), runID, phaseNumber)
	if err != nil {
		t.Fatalf("loading phase: %v", err)
	}
	return phase
}

func TestMerge_ThreeCleanBranches(t *testing.T) {
	e := newEnv(t)
	runID := "run-clean001"

	phase := e.initPhase(t, runID, "auth", "search", "docs")
	e.workerBranch(t, runID, "w1", map[string]string{"auth.go": "package main\n"})
	e.workerBranch(t, runID, "w2", map[string]string{"search.go": "package main\n"})
	e.workerBranch(t, runID, "w3", map[string]string{"docs.md": "# docs\n"})
	e.completeWorkers(t, phase)

	result, err := e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !result.Success || result.Status != core.MergeStatusCompleted {
		t.Fatalf("expected completed merge, got %+v", result)
	}
	if len(result.MergedBranches) != 3 {
		t.Fatalf("expected 3 merged branches, got %v", result.MergedBranches)
	}

	phase = e.loadPhase(t, runID, 1)
	if phase.Status != core.PhaseStatusCompleted {
		t.Fatalf("phase status = %s, want completed", phase.Status)
	}

	e.repo.Checkout(phase.PhaseBranch)
	for _, name := range []string{"auth.go", "search.go", "docs.md"} {
		if _, err := os.Stat(filepath.Join(e.repo.Path, name)); err != nil {
			t.Errorf("file %s missing on phase branch: %v", name, err)
		}
	}
	e.repo.Checkout("main")

	if entries := e.ledger.ByType(core.LedgerPhaseCompleted); len(entries) != 1 {
		t.Fatalf("expected one phase-completed ledger entry, got %d", len(entries))
	}
	if e.merger.repoLocks.Held(phase.RepoDir) {
		t.Fatal("repo lock still held after clean merge")
	}
}

func TestMerge_ConflictDispatchesResolver(t *testing.T) {
	e := newEnv(t)
	runID := "run-conf0001"

	phase := e.initPhase(t, runID, "intro", "outro")
	w1 := e.workerBranch(t, runID, "w1", map[string]string{"README.md": "# demo\n\nline from w1\n"})
	w2 := e.workerBranch(t, runID, "w2", map[string]string{"README.md": "# demo\n\nline from w2\n"})
	e.completeWorkers(t, phase)

	result, err := e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Success || result.Status != core.MergeStatusConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if result.ConflictInfo == nil {
		t.Fatal("expected conflict info")
	}
	info := result.ConflictInfo
	if info.FailedBranch != w2 {
		t.Errorf("failed branch = %s, want %s", info.FailedBranch, w2)
	}
	if len(info.ConflictFiles) != 1 || info.ConflictFiles[0] != "README.md" {
		t.Errorf("conflict files = %v, want [README.md]", info.ConflictFiles)
	}
	if len(info.RemainingBranches) != 0 {
		t.Errorf("remaining branches = %v, want none", info.RemainingBranches)
	}
	if len(result.MergedBranches) != 1 || result.MergedBranches[0] != w1 {
		t.Errorf("merged branches = %v, want [%s]", result.MergedBranches, w1)
	}

	phase = e.loadPhase(t, runID, 1)
	if phase.Status != core.PhaseStatusConflictPending {
		t.Fatalf("phase status = %s, want conflict-pending", phase.Status)
	}
	if !e.merger.repoLocks.Held(phase.RepoDir) {
		t.Fatal("repo lock released during conflict window")
	}

	// The resolver session received all three versions of the file.
	if e.gw.SpawnCount() != 1 {
		t.Fatalf("expected one resolver spawn, got %d", e.gw.SpawnCount())
	}
	prompt := e.gw.LastTask()
	for _, want := range []string{"README.md", "line from w1", "line from w2", "fix-complete"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("resolver prompt missing %q", want)
		}
	}
	if !strings.Contains(e.gw.LastLabel(), "conflict-res-1-"+runID) {
		t.Errorf("resolver label = %s", e.gw.LastLabel())
	}
	if entries := e.ledger.ByType(core.LedgerConflictResolution); len(entries) != 1 || entries[0].Status != "started" {
		t.Fatalf("expected one started conflict-resolution entry, got %v", entries)
	}
}

func TestMerge_PartialProgressBeforeConflict(t *testing.T) {
	e := newEnv(t)
	runID := "run-part0001"

	phase := e.initPhase(t, runID, "a", "b", "c")
	w1 := e.workerBranch(t, runID, "w1", map[string]string{"README.md": "# demo\n\nline from w1\n"})
	w2 := e.workerBranch(t, runID, "w2", map[string]string{"b.go": "package main\n"})
	w3 := e.workerBranch(t, runID, "w3", map[string]string{"README.md": "# demo\n\nline from w3\n"})
	e.completeWorkers(t, phase)

	result, err := e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Status != core.MergeStatusConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if len(result.MergedBranches) != 2 || result.MergedBranches[0] != w1 || result.MergedBranches[1] != w2 {
		t.Errorf("merged branches = %v, want [%s %s]", result.MergedBranches, w1, w2)
	}
	if result.ConflictInfo.FailedBranch != w3 {
		t.Errorf("failed branch = %s, want %s", result.ConflictInfo.FailedBranch, w3)
	}
	if len(result.ConflictInfo.RemainingBranches) != 0 {
		t.Errorf("remaining = %v, want none", result.ConflictInfo.RemainingBranches)
	}
}

func TestMerge_FailedWorkerBlocksCollection(t *testing.T) {
	e := newEnv(t)
	runID := "run-fail0001"

	phase := e.initPhase(t, runID, "a", "b")
	e.workerBranch(t, runID, "w1", map[string]string{"a.go": "package main\n"})

	_, err := e.collector.OnWorkerComplete(context.Background(), runID, 1, "w1", true, "done", "")
	if err != nil {
		t.Fatalf("completing w1: %v", err)
	}
	_, err = e.collector.OnWorkerComplete(context.Background(), runID, 1, "w2", false, "", "tests kept failing")
	if err != nil {
		t.Fatalf("failing w2: %v", err)
	}

	result, err := e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Success || result.Status != core.MergeStatusFailed {
		t.Fatalf("expected failed merge, got %+v", result)
	}
	if !strings.Contains(result.Error, "failed workers") {
		t.Errorf("error = %q, want failed workers mention", result.Error)
	}
	if phase = e.loadPhase(t, runID, 1); phase.Status != core.PhaseStatusFailed {
		t.Fatalf("phase status = %s, want failed", phase.Status)
	}
	if entries := e.ledger.ByType(core.LedgerPhaseFailed); len(entries) != 1 {
		t.Fatalf("expected one phase-failed entry, got %d", len(entries))
	}
}

func TestMerge_UnfinishedWorkersLeavePhaseRunning(t *testing.T) {
	e := newEnv(t)
	runID := "run-early001"

	phase := e.initPhase(t, runID, "a", "b")
	e.workerBranch(t, runID, "w1", map[string]string{"a.go": "package main\n"})

	// Only the first worker has reported back.
	_, err := e.collector.OnWorkerComplete(context.Background(), runID, 1, "w1", true, "done", "")
	if err != nil {
		t.Fatalf("completing w1: %v", err)
	}

	_, err = e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeInvalidState {
		t.Fatalf("err = %v, want INVALID_STATE", err)
	}

	if phase = e.loadPhase(t, runID, 1); phase.Status != core.PhaseStatusRunning {
		t.Fatalf("phase status = %s, premature merge must not fail a running phase", phase.Status)
	}
	if entries := e.ledger.ByType(core.LedgerPhaseFailed); len(entries) != 0 {
		t.Fatalf("expected no phase-failed entries, got %d", len(entries))
	}
}

func TestMerge_NoChangesCompletesPhase(t *testing.T) {
	e := newEnv(t)
	runID := "run-nochg001"

	phase := e.initPhase(t, runID, "noop")
	// The worker branch exists but carries no commits ahead of main.
	e.repo.Checkout("main")
	e.repo.CreateBranch(git.WorkerBranch(runID, "w1"))
	e.repo.Checkout("main")
	e.completeWorkers(t, phase)

	result, err := e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !result.Success || result.Status != core.MergeStatusNoChanges {
		t.Fatalf("expected no-changes, got %+v", result)
	}
	if phase = e.loadPhase(t, runID, 1); phase.Status != core.PhaseStatusCompleted {
		t.Fatalf("phase status = %s, want completed", phase.Status)
	}
}

func TestResume_AfterResolvedConflict(t *testing.T) {
	e := newEnv(t)
	runID := "run-resume01"

	phase := e.initPhase(t, runID, "a", "b")
	e.workerBranch(t, runID, "w1", map[string]string{"README.md": "# demo\n\nline from w1\n"})
	e.workerBranch(t, runID, "w2", map[string]string{"README.md": "# demo\n\nline from w2\n"})
	e.completeWorkers(t, phase)

	result, err := e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Status != core.MergeStatusConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}

	// Resolve the way the resolver session would: fix the file, stage,
	// commit the merge.
	e.repo.WriteFile("README.md", "# demo\n\nline from w1 and w2\n")
	e.repo.Commit("merge worker branches")

	resumed, err := e.merger.Resume(context.Background(), e.loadPhase(t, runID, 1), result.ConflictInfo.RemainingBranches)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Success || resumed.Status != core.MergeStatusCompleted {
		t.Fatalf("expected completed resume, got %+v", resumed)
	}
	if phase = e.loadPhase(t, runID, 1); phase.Status != core.PhaseStatusCompleted {
		t.Fatalf("phase status = %s, want completed", phase.Status)
	}
	if e.merger.repoLocks.Held(phase.RepoDir) {
		t.Fatal("repo lock still held after resume")
	}
}

func TestAbandon_ReleasesLockAndFailsPhase(t *testing.T) {
	e := newEnv(t)
	runID := "run-aband001"

	phase := e.initPhase(t, runID, "a", "b")
	e.workerBranch(t, runID, "w1", map[string]string{"README.md": "w1 version\n"})
	e.workerBranch(t, runID, "w2", map[string]string{"README.md": "w2 version\n"})
	e.completeWorkers(t, phase)

	result, err := e.merger.Merge(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Status != core.MergeStatusConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}

	phase = e.loadPhase(t, runID, 1)
	if err := e.merger.Abandon(context.Background(), phase); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if phase.Status != core.PhaseStatusFailed {
		t.Fatalf("phase status = %s, want failed", phase.Status)
	}
	if e.merger.repoLocks.Held(phase.RepoDir) {
		t.Fatal("repo lock still held after abandon")
	}
	if got := e.repo.CurrentBranch(); got != "main" {
		t.Fatalf("current branch = %s, want main", got)
	}
}

func TestMergeWithReview_FrontendDiffAddsDesigner(t *testing.T) {
	e := newEnv(t)
	runID := "run-review01"

	run := testutil.NewTestRun(func(r *core.RunState) {
		r.RunID = runID
		r.ProjectPath = e.repo.Path
	})
	if err := e.runs.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("saving run: %v", err)
	}

	phase := e.initPhase(t, runID, "button")
	e.workerBranch(t, runID, "w1", map[string]string{"components/Button.vue": "<template><button/></template>\n"})
	e.completeWorkers(t, phase)

	result, err := e.merger.MergeWithReview(context.Background(), e.loadPhase(t, runID, 1))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !result.Success || result.ReviewerSession == "" {
		t.Fatalf("expected reviewer session, got %+v", result)
	}
	if phase = e.loadPhase(t, runID, 1); phase.Status != core.PhaseStatusReviewing {
		t.Fatalf("phase status = %s, want reviewing", phase.Status)
	}

	run, err = e.runs.LoadRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("loading run: %v", err)
	}
	if run.ReviewChain == nil {
		t.Fatal("expected persisted review chain state")
	}
	wantChain := []string{core.RoleReviewer, core.RoleSecurityReviewer, core.RoleDesigner}
	if len(run.ReviewChain.Chain) != len(wantChain) {
		t.Fatalf("chain = %v, want %v", run.ReviewChain.Chain, wantChain)
	}
	for i, role := range wantChain {
		if run.ReviewChain.Chain[i] != role {
			t.Fatalf("chain = %v, want %v", run.ReviewChain.Chain, wantChain)
		}
	}
	if !strings.Contains(e.gw.LastTask(), "reviewer 1 of 3") {
		t.Errorf("reviewer prompt missing position line: %q", e.gw.LastTask())
	}

	// Three approvals walk the chain to completion.
	for range wantChain {
		err := e.review.OnDecision(context.Background(), runID, 1,
			core.ReviewDecision{Decision: core.DecisionApprove})
		if err != nil {
			t.Fatalf("approving: %v", err)
		}
	}
	if phase = e.loadPhase(t, runID, 1); phase.Status != core.PhaseStatusCompleted {
		t.Fatalf("phase status = %s, want completed", phase.Status)
	}
	// Spawns: one reviewer per chain position.
	if e.gw.SpawnCount() != 3 {
		t.Fatalf("expected 3 reviewer spawns, got %d", e.gw.SpawnCount())
	}
}

func TestReviewChain_FixRequestResetsChain(t *testing.T) {
	e := newEnv(t)
	runID := "run-review02"

	run := testutil.NewTestRun(func(r *core.RunState) {
		r.RunID = runID
		r.ProjectPath = e.repo.Path
	})
	if err := e.runs.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("saving run: %v", err)
	}

	phase := e.initPhase(t, runID, "api")
	e.workerBranch(t, runID, "w1", map[string]string{"api.go": "package main\n"})
	e.completeWorkers(t, phase)

	if _, err := e.merger.MergeWithReview(context.Background(), e.loadPhase(t, runID, 1)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// First reviewer approves, second demands a fix.
	if err := e.review.OnDecision(context.Background(), runID, 1,
		core.ReviewDecision{Decision: core.DecisionApprove}); err != nil {
		t.Fatalf("approving: %v", err)
	}
	if err := e.review.OnDecision(context.Background(), runID, 1,
		core.ReviewDecision{Decision: core.DecisionFix, FixInstructions: "handle the nil case"}); err != nil {
		t.Fatalf("requesting fix: %v", err)
	}

	chainState, err := e.review.State(context.Background(), runID, 1)
	if err != nil {
		t.Fatalf("loading chain state: %v", err)
	}
	if chainState.State != core.ChainAwaitingFixer {
		t.Fatalf("chain state = %s, want awaiting-fixer", chainState.State)
	}
	if !strings.Contains(e.gw.LastTask(), "handle the nil case") {
		t.Errorf("fixer prompt missing instructions: %q", e.gw.LastTask())
	}

	// The fix lands and the chain restarts from the first reviewer.
	if err := e.review.OnFixComplete(context.Background(), runID, 1, true, ""); err != nil {
		t.Fatalf("fix complete: %v", err)
	}
	chainState, err = e.review.State(context.Background(), runID, 1)
	if err != nil {
		t.Fatalf("loading chain state: %v", err)
	}
	if chainState.CurrentIndex != 0 || chainState.State != core.ChainAwaitingReviewer {
		t.Fatalf("chain not reset: %+v", chainState)
	}
	if !strings.Contains(e.gw.LastTask(), "reviewer 1 of 2") {
		t.Errorf("restarted prompt missing position line: %q", e.gw.LastTask())
	}
}

func TestReviewChain_EscalationOpensRecord(t *testing.T) {
	e := newEnv(t)
	runID := "run-review03"

	run := testutil.NewTestRun(func(r *core.RunState) {
		r.RunID = runID
		r.ProjectPath = e.repo.Path
	})
	if err := e.runs.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("saving run: %v", err)
	}

	phase := e.initPhase(t, runID, "core")
	e.workerBranch(t, runID, "w1", map[string]string{"core.go": "package main\n"})
	e.completeWorkers(t, phase)

	if _, err := e.merger.MergeWithReview(context.Background(), e.loadPhase(t, runID, 1)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	err := e.review.OnDecision(context.Background(), runID, 1,
		core.ReviewDecision{Decision: core.DecisionEscalate, EscalationReason: "architectural rework needed"})
	if err != nil {
		t.Fatalf("escalating: %v", err)
	}

	open, err := e.escalations.ListEscalations(context.Background(), core.EscalationOpen)
	if err != nil {
		t.Fatalf("listing escalations: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected one open escalation, got %d", len(open))
	}
	if !strings.Contains(open[0].Reason, "architectural rework needed") {
		t.Errorf("escalation reason = %q", open[0].Reason)
	}
	// The phase stays in reviewing until a human resolves.
	if phase = e.loadPhase(t, runID, 1); phase.Status != core.PhaseStatusReviewing {
		t.Fatalf("phase status = %s, want reviewing", phase.Status)
	}
}

func TestDispatch_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	gw := testutil.NewMockGateway().WithSpawnErrors(
		core.ErrSpawn("gateway rejected the spawn"),
		core.ErrSpawn("gateway rejected the spawn"),
		core.ErrSpawn("gateway rejected the spawn"),
		core.ErrSpawn("gateway rejected the spawn"),
		core.ErrSpawn("gateway rejected the spawn"),
	)

	cfg := dispatch.DefaultConfig()
	cfg.VerifySpawn = false
	cfg.MaxRetries = 0
	// A roomy window keeps the rate limit out of the picture.
	cfg.Guard.MaxConcurrentSpawns = 50
	dispatcher := dispatch.NewDispatcher(gw, testutil.NewMemLedger(), cfg, nil)

	req := dispatch.Request{
		RunID:     "run-circ0001",
		WorkerID:  "w1",
		LabelBase: "circ-test",
		Task:      "noop",
		Role:      core.Role{Name: "builder"},
	}
	for i := 0; i < 5; i++ {
		if _, err := dispatcher.Dispatch(context.Background(), req); err == nil {
			t.Fatalf("dispatch %d unexpectedly succeeded", i+1)
		}
	}

	_, err := dispatcher.Dispatch(context.Background(), req)
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeGuardBlocked {
		t.Fatalf("expected GUARD_BLOCKED, got %v", err)
	}
	if gw.SpawnCount() != 5 {
		t.Fatalf("gateway saw %d spawns, want 5", gw.SpawnCount())
	}
}

func TestWorkerTaskContexts_JoinsTitleAndOutput(t *testing.T) {
	e := newEnv(t)
	runID := "run-ctx00001"

	phase := e.initPhase(t, runID, "auth")
	e.workerBranch(t, runID, "w1", map[string]string{"auth.go": "package main\n"})
	if _, err := e.collector.OnWorkerComplete(context.Background(), runID, 1, "w1", true, "added login handler", ""); err != nil {
		t.Fatalf("completing worker: %v", err)
	}

	phase = e.loadPhase(t, runID, 1)
	branch := git.WorkerBranch(runID, "w1")
	contexts := e.collector.WorkerTaskContexts(phase, []string{branch}, map[string]string{"auth": "Implement auth"})
	want := "Implement auth: added login handler"
	if contexts[branch] != want {
		t.Errorf("context = %q, want %q", contexts[branch], want)
	}
}

func TestPotentialConflicts_SharedFiles(t *testing.T) {
	e := newEnv(t)
	runID := "run-pot00001"

	w1 := e.workerBranch(t, runID, "w1", map[string]string{"shared.go": "v1\n", "only1.go": "x\n"})
	w2 := e.workerBranch(t, runID, "w2", map[string]string{"shared.go": "v2\n", "only2.go": "y\n"})

	shared, err := e.merger.PotentialConflicts(context.Background(), e.repo.Path, []string{w1, w2}, "main")
	if err != nil {
		t.Fatalf("detecting conflicts: %v", err)
	}
	if len(shared) != 1 || shared[0] != "shared.go" {
		t.Fatalf("shared files = %v, want [shared.go]", shared)
	}
}

func TestStats_CountsBranchesWithChanges(t *testing.T) {
	e := newEnv(t)
	runID := "run-stat0001"

	phase := e.initPhase(t, runID, "a", "b", "c")
	e.workerBranch(t, runID, "w1", map[string]string{"a.go": "x\n"})
	e.workerBranch(t, runID, "w2", map[string]string{"b.go": "y\n"})
	// w3 never created a branch.

	stats, err := e.merger.Stats(context.Background(), phase)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalBranches != 3 || stats.BranchesWithChanges != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.EstimatedConflictRisk != core.RiskLow {
		t.Fatalf("risk = %s, want low", stats.EstimatedConflictRisk)
	}
}

func TestCollector_DuplicateWorkerReportIgnored(t *testing.T) {
	e := newEnv(t)
	runID := "run-dup00001"

	e.initPhase(t, runID, "a", "b")
	agg, err := e.collector.OnWorkerComplete(context.Background(), runID, 1, "w1", true, "done", "")
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if agg.PhaseComplete {
		t.Fatal("phase complete after one of two workers")
	}

	// The repeat flips nothing.
	agg, err = e.collector.OnWorkerComplete(context.Background(), runID, 1, "w1", false, "", "late failure")
	if err != nil {
		t.Fatalf("duplicate report: %v", err)
	}
	if agg.PhaseComplete {
		t.Fatal("phase complete after duplicate report")
	}
	phase := e.loadPhase(t, runID, 1)
	if phase.Worker("w1").Status != core.WorkerStatusCompleted {
		t.Fatalf("worker status = %s, want completed", phase.Worker("w1").Status)
	}
}
