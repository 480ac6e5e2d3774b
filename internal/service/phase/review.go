package phase

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/service"
	"github.com/swarmops/swarmops/internal/service/dispatch"
)

// frontendFilePattern matches extensions that pull a designer into the
// review chain.
var frontendFilePattern = regexp.MustCompile(`\.(vue|tsx|jsx|css|scss)$`)

// frontendDirs are path fragments that mark frontend work regardless of
// extension.
var frontendDirs = []string{"components/", "pages/", "layouts/", "assets/"}

// isFrontendPath reports whether one changed path looks like frontend work.
func isFrontendPath(path string) bool {
	if frontendFilePattern.MatchString(path) {
		return true
	}
	for _, dir := range frontendDirs {
		if strings.Contains(path, dir) {
			return true
		}
	}
	return false
}

// ReviewChain drives the sequential multi-role review of a merged phase.
// Every role must approve in order; a fix request resets the chain after
// the fixer lands; an escalation hands the phase to a human.
type ReviewChain struct {
	dispatcher  *dispatch.Dispatcher
	runs        core.RunStore
	phases      core.PhaseStore
	escalations core.EscalationStore
	collector   *Collector
	gitFor      GitFactory
	catalog     *service.Catalog
	ledger      core.Ledger
	bus         *events.Bus
	callbackURL string
	logger      *logging.Logger
}

// NewReviewChain creates the review chain service.
func NewReviewChain(dispatcher *dispatch.Dispatcher, runs core.RunStore, phases core.PhaseStore, escalations core.EscalationStore, collector *Collector, gitFor GitFactory, catalog *service.Catalog, ledger core.Ledger, bus *events.Bus, callbackURL string, logger *logging.Logger) *ReviewChain {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ReviewChain{
		dispatcher:  dispatcher,
		runs:        runs,
		phases:      phases,
		escalations: escalations,
		collector:   collector,
		gitFor:      gitFor,
		catalog:     catalog,
		ledger:      ledger,
		bus:         bus,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// ChainFor computes the reviewer sequence for a phase: the base chain,
// plus a designer when the phase diff touches frontend files.
func (rc *ReviewChain) ChainFor(ctx context.Context, phase *core.Phase) ([]string, error) {
	chain := core.BaseReviewChain()

	client, err := rc.gitFor(phase.RepoDir)
	if err != nil {
		return chain, err
	}
	files, err := client.DiffNames(ctx, phase.BaseBranch, phase.PhaseBranch)
	if err != nil {
		return chain, err
	}
	for _, file := range files {
		if isFrontendPath(file) {
			return append(chain, core.RoleDesigner), nil
		}
	}
	return chain, nil
}

// Start computes the chain, persists its state on the run document, and
// spawns the first reviewer. Returns the reviewer session key.
func (rc *ReviewChain) Start(ctx context.Context, phase *core.Phase) (string, error) {
	chain, err := rc.ChainFor(ctx, phase)
	if err != nil {
		rc.logger.Warn("frontend detection failed, using base chain", "error", err)
	}

	state := core.NewReviewChainState(phase.RunID, phase.PhaseNumber, chain)
	session, err := rc.spawnReviewer(ctx, phase, state)
	if err != nil {
		return "", err
	}
	state.ReviewerSession = session

	if err := rc.saveState(ctx, phase.RunID, state); err != nil {
		return session, err
	}
	rc.logger.Info("review chain started",
		"run_id", phase.RunID, "phase", phase.PhaseNumber, "chain", strings.Join(chain, ","))
	return session, nil
}

// OnDecision applies one reviewer decision to the chain.
func (rc *ReviewChain) OnDecision(ctx context.Context, runID string, phaseNumber int, decision core.ReviewDecision) error {
	if err := decision.Validate(); err != nil {
		return err
	}

	run, state, err := rc.loadState(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}
	phase, err := rc.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}

	role := state.CurrentRole()
	rc.publish(events.NewReviewDecisionEvent(runID, phaseNumber, role, string(decision.Decision)))

	switch decision.Decision {
	case core.DecisionApprove:
		if err := state.Advance(role); err != nil {
			return err
		}
		if state.IsComplete() {
			if err := rc.collector.CompletePhase(ctx, phase); err != nil {
				return err
			}
			rc.appendLedger(core.LedgerEntry{
				Type:        core.LedgerPhaseCompleted,
				RunID:       runID,
				PhaseNumber: phaseNumber,
				Details:     map[string]any{"approvals": state.Approvals},
			})
			rc.logger.Info("review chain complete", "run_id", runID, "phase", phaseNumber)
		} else {
			session, err := rc.spawnReviewer(ctx, phase, state)
			if err != nil {
				return err
			}
			state.ReviewerSession = session
		}

	case core.DecisionFix:
		session, err := rc.spawnFixer(ctx, phase, state, decision.FixInstructions)
		if err != nil {
			return err
		}
		state.State = core.ChainAwaitingFixer
		state.FixerSession = session

	case core.DecisionEscalate:
		if err := rc.openEscalation(ctx, runID, phaseNumber,
			fmt.Sprintf("reviewer %s escalated: %s", role, decision.EscalationReason)); err != nil {
			return err
		}
		// The phase stays in reviewing until a human resolves.
	}

	return rc.saveStateOn(ctx, run, state)
}

// OnFixComplete handles the fixer session's report: success resets the
// chain from the first reviewer, failure escalates.
func (rc *ReviewChain) OnFixComplete(ctx context.Context, runID string, phaseNumber int, success bool, detail string) error {
	run, state, err := rc.loadState(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}
	phase, err := rc.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}

	if !success {
		if err := rc.openEscalation(ctx, runID, phaseNumber,
			fmt.Sprintf("fixer failed on phase %d: %s", phaseNumber, detail)); err != nil {
			return err
		}
		return rc.saveStateOn(ctx, run, state)
	}

	state.Reset()
	session, err := rc.spawnReviewer(ctx, phase, state)
	if err != nil {
		return err
	}
	state.ReviewerSession = session
	rc.logger.Info("fix landed, review chain reset", "run_id", runID, "phase", phaseNumber)
	return rc.saveStateOn(ctx, run, state)
}

// State returns the persisted chain state for a phase, if any.
func (rc *ReviewChain) State(ctx context.Context, runID string, phaseNumber int) (*core.ReviewChainState, error) {
	_, state, err := rc.loadState(ctx, runID, phaseNumber)
	return state, err
}

func (rc *ReviewChain) spawnReviewer(ctx context.Context, phase *core.Phase, state *core.ReviewChainState) (string, error) {
	roleName := state.CurrentRole()
	role := rc.catalog.Role(roleName)
	if role.Cleanup == "" {
		role.Cleanup = core.CleanupKeep
	}

	instructions, err := rc.catalog.BuildPrompt(roleName, service.PromptTokens{
		"task":     fmt.Sprintf("Review the changes on branch %s (base %s) in %s.", phase.PhaseBranch, phase.BaseBranch, phase.RepoDir),
		"repo":     phase.RepoDir,
		"branch":   phase.PhaseBranch,
		"base":     phase.BaseBranch,
		"goal":     phase.ProjectGoal,
		"callback": rc.callbackURL,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	b.WriteString(state.PositionLine())
	b.WriteString("\n\n")
	b.WriteString("When done, report exactly one decision by POSTing JSON to ")
	b.WriteString(strings.TrimRight(rc.callbackURL, "/"))
	b.WriteString("/api/orchestrator/review-result:\n")
	fmt.Fprintf(&b, "  {\"runId\":%q,\"phaseNumber\":%d,\"decision\":\"approve\"}\n", phase.RunID, phase.PhaseNumber)
	fmt.Fprintf(&b, "  {\"runId\":%q,\"phaseNumber\":%d,\"decision\":\"fix\",\"fixInstructions\":\"...\"}\n", phase.RunID, phase.PhaseNumber)
	fmt.Fprintf(&b, "  {\"runId\":%q,\"phaseNumber\":%d,\"decision\":\"escalate\",\"escalationReason\":\"...\"}\n", phase.RunID, phase.PhaseNumber)

	receipt, err := rc.dispatcher.Dispatch(ctx, dispatch.Request{
		RunID:       phase.RunID,
		PhaseNumber: phase.PhaseNumber,
		WorkerID:    roleName,
		LabelBase:   fmt.Sprintf("%s-%s-phase-%d", roleName, phase.Name(), phase.PhaseNumber),
		Task:        b.String(),
		Role:        role,
	})
	if err != nil {
		return "", err
	}
	return receipt.SessionKey, nil
}

func (rc *ReviewChain) spawnFixer(ctx context.Context, phase *core.Phase, state *core.ReviewChainState, instructions string) (string, error) {
	role := rc.catalog.Role(core.RoleFixer)
	if role.Cleanup == "" {
		role.Cleanup = core.CleanupKeep
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Apply the following review fixes on branch %s in %s, then commit.\n\n", phase.PhaseBranch, phase.RepoDir)
	fmt.Fprintf(&b, "Requested by %s:\n%s\n\n", state.CurrentRole(), instructions)
	b.WriteString("When the fix commit exists, POST ")
	fmt.Fprintf(&b, "{\"runId\":%q,\"phaseNumber\":%d,\"status\":\"completed\"} to %s/api/orchestrator/fix-complete.\n",
		phase.RunID, phase.PhaseNumber, strings.TrimRight(rc.callbackURL, "/"))

	receipt, err := rc.dispatcher.Dispatch(ctx, dispatch.Request{
		RunID:       phase.RunID,
		PhaseNumber: phase.PhaseNumber,
		WorkerID:    core.RoleFixer,
		LabelBase:   fmt.Sprintf("%s-%s-phase-%d", core.RoleFixer, phase.Name(), phase.PhaseNumber),
		Task:        b.String(),
		Role:        role,
	})
	if err != nil {
		return "", err
	}
	return receipt.SessionKey, nil
}

func (rc *ReviewChain) openEscalation(ctx context.Context, runID string, phaseNumber int, reason string) error {
	esc := core.NewEscalation(core.NewEscalationID(), runID, phaseNumber, reason)
	if err := rc.escalations.SaveEscalation(ctx, esc); err != nil {
		return err
	}
	rc.publish(events.NewEscalationOpenedEvent(runID, esc.ID, phaseNumber, reason))
	rc.logger.Warn("escalation opened", "run_id", runID, "phase", phaseNumber, "escalation", esc.ID)
	return nil
}

// loadState fetches the run document and its chain state for a phase.
func (rc *ReviewChain) loadState(ctx context.Context, runID string, phaseNumber int) (*core.RunState, *core.ReviewChainState, error) {
	run, err := rc.runs.LoadRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	state := run.ReviewChain
	if state == nil || state.PhaseNumber != phaseNumber {
		return nil, nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("no review chain active for %s phase %d", runID, phaseNumber))
	}
	return run, state, nil
}

func (rc *ReviewChain) saveState(ctx context.Context, runID string, state *core.ReviewChainState) error {
	run, err := rc.runs.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	return rc.saveStateOn(ctx, run, state)
}

func (rc *ReviewChain) saveStateOn(ctx context.Context, run *core.RunState, state *core.ReviewChainState) error {
	run.ReviewChain = state
	return rc.runs.SaveRun(ctx, run)
}

func (rc *ReviewChain) appendLedger(entry core.LedgerEntry) {
	if rc.ledger == nil {
		return
	}
	if err := rc.ledger.Append(entry); err != nil {
		rc.logger.Error("ledger append failed", "run_id", entry.RunID, "error", err)
	}
}

func (rc *ReviewChain) publish(event events.Event) {
	if rc.bus != nil {
		rc.bus.Publish(event)
	}
}
