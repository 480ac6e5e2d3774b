package core

import "testing"

func TestReviewChainProgression(t *testing.T) {
	chain := NewReviewChainState("run-1", 1, []string{"reviewer", "security-reviewer", "designer"})

	if chain.CurrentRole() != "reviewer" {
		t.Fatalf("expected first role reviewer, got %s", chain.CurrentRole())
	}
	if chain.PositionLine() != "You are reviewer 1 of 3: reviewer → security-reviewer → designer" {
		t.Fatalf("unexpected position line: %s", chain.PositionLine())
	}

	if err := chain.Advance("security-reviewer"); err == nil {
		t.Fatal("out-of-turn approval must be rejected")
	}

	if err := chain.Advance("reviewer"); err != nil {
		t.Fatal(err)
	}
	if chain.CurrentIndex != 1 || len(chain.Approvals) != 1 {
		t.Fatalf("after one approval: index=%d approvals=%v", chain.CurrentIndex, chain.Approvals)
	}

	if err := chain.Advance("security-reviewer"); err != nil {
		t.Fatal(err)
	}
	if err := chain.Advance("designer"); err != nil {
		t.Fatal(err)
	}
	if !chain.IsComplete() || chain.State != ChainCompleted {
		t.Fatalf("expected completed chain, got state=%s index=%d", chain.State, chain.CurrentIndex)
	}
	if err := chain.Advance("reviewer"); err == nil {
		t.Fatal("advancing a complete chain must fail")
	}
}

func TestReviewChainReset(t *testing.T) {
	chain := NewReviewChainState("run-1", 1, BaseReviewChain())
	if err := chain.Advance("reviewer"); err != nil {
		t.Fatal(err)
	}

	chain.FixerSession = "fix-sess"
	chain.Reset()

	if chain.CurrentIndex != 0 {
		t.Errorf("reset should zero index, got %d", chain.CurrentIndex)
	}
	if len(chain.Approvals) != 0 {
		t.Errorf("reset should clear approvals, got %v", chain.Approvals)
	}
	if chain.State != ChainAwaitingReviewer {
		t.Errorf("reset should await first reviewer, got %s", chain.State)
	}
	if chain.FixerSession != "" {
		t.Errorf("reset should clear fixer session, got %s", chain.FixerSession)
	}
}

func TestParseReviewDecision(t *testing.T) {
	for _, ok := range []string{"approve", "fix", "escalate"} {
		if _, err := ParseReviewDecision(ok); err != nil {
			t.Errorf("ParseReviewDecision(%q) unexpected error: %v", ok, err)
		}
	}
	if _, err := ParseReviewDecision("reject"); err == nil {
		t.Error("unknown decision must be rejected")
	}
}

func TestReviewDecisionValidate(t *testing.T) {
	d := &ReviewDecision{Decision: DecisionFix}
	if err := d.Validate(); err == nil {
		t.Error("fix without instructions must be rejected")
	}
	d.FixInstructions = "rename the handler"
	if err := d.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	e := &ReviewDecision{Decision: DecisionEscalate}
	if err := e.Validate(); err == nil {
		t.Error("escalate without reason must be rejected")
	}
	e.EscalationReason = "conflicting requirements"
	if err := e.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	a := &ReviewDecision{Decision: DecisionApprove}
	if err := a.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
