package core

import (
	"fmt"
	"strings"
)

// Default reviewer roles for every phase. A designer is appended when the
// phase diff touches frontend files.
const (
	RoleReviewer         = "reviewer"
	RoleSecurityReviewer = "security-reviewer"
	RoleDesigner         = "designer"
	RoleFixer            = "fixer"
	RoleConflictResolver = "conflict-resolver"
)

// BaseReviewChain returns the unconditional reviewer sequence.
func BaseReviewChain() []string {
	return []string{RoleReviewer, RoleSecurityReviewer}
}

// ReviewChainPhase represents where the chain currently waits.
type ReviewChainPhase string

const (
	ChainAwaitingReviewer ReviewChainPhase = "awaiting-reviewer"
	ChainAwaitingFixer    ReviewChainPhase = "awaiting-fixer"
	ChainCompleted        ReviewChainPhase = "completed"
)

// ReviewChainState tracks the sequential reviewer progression for one phase.
// Invariant: 0 <= CurrentIndex <= len(Chain), and Approvals == Chain[0:CurrentIndex]
// whenever no reset has occurred since the last approval.
type ReviewChainState struct {
	RunID           string           `json:"runId"`
	PhaseNumber     int              `json:"phaseNumber"`
	Chain           []string         `json:"chain"`
	CurrentIndex    int              `json:"currentIndex"`
	Approvals       []string         `json:"approvals"`
	State           ReviewChainPhase `json:"state"`
	ReviewerSession string           `json:"reviewerSession,omitempty"`
	FixerSession    string           `json:"fixerSession,omitempty"`
}

// NewReviewChainState builds the initial state for a chain.
func NewReviewChainState(runID string, phaseNumber int, chain []string) *ReviewChainState {
	return &ReviewChainState{
		RunID:       runID,
		PhaseNumber: phaseNumber,
		Chain:       chain,
		Approvals:   []string{},
		State:       ChainAwaitingReviewer,
	}
}

// CurrentRole returns the role whose approval is awaited, or "" when complete.
func (s *ReviewChainState) CurrentRole() string {
	if s.CurrentIndex >= len(s.Chain) {
		return ""
	}
	return s.Chain[s.CurrentIndex]
}

// IsComplete returns true once every role in the chain approved.
func (s *ReviewChainState) IsComplete() bool {
	return s.CurrentIndex >= len(s.Chain)
}

// Advance records an approval and moves to the next reviewer.
func (s *ReviewChainState) Advance(approvedRole string) error {
	if s.State == ChainCompleted {
		return ErrState(CodeInvalidState, "review chain already complete")
	}
	current := s.CurrentRole()
	if current == "" || current != approvedRole {
		return ErrValidation("REVIEW_OUT_OF_TURN",
			fmt.Sprintf("approval from %q but chain awaits %q", approvedRole, current))
	}
	s.Approvals = append(s.Approvals, approvedRole)
	s.CurrentIndex++
	if s.IsComplete() {
		s.State = ChainCompleted
	} else {
		s.State = ChainAwaitingReviewer
	}
	return nil
}

// Reset restarts the chain from the first reviewer after a fix landed.
func (s *ReviewChainState) Reset() {
	s.CurrentIndex = 0
	s.Approvals = []string{}
	s.State = ChainAwaitingReviewer
	s.FixerSession = ""
}

// PositionLine renders the "You are reviewer N of M" prompt line.
func (s *ReviewChainState) PositionLine() string {
	return fmt.Sprintf("You are reviewer %d of %d: %s",
		s.CurrentIndex+1, len(s.Chain), strings.Join(s.Chain, " → "))
}

// ReviewDecisionKind enumerates the three allowed reviewer decisions.
type ReviewDecisionKind string

const (
	DecisionApprove  ReviewDecisionKind = "approve"
	DecisionFix      ReviewDecisionKind = "fix"
	DecisionEscalate ReviewDecisionKind = "escalate"
)

// ParseReviewDecision validates a decision string; unknown values are rejected.
func ParseReviewDecision(s string) (ReviewDecisionKind, error) {
	switch ReviewDecisionKind(s) {
	case DecisionApprove, DecisionFix, DecisionEscalate:
		return ReviewDecisionKind(s), nil
	default:
		return "", ErrValidation("UNKNOWN_DECISION",
			fmt.Sprintf("unknown review decision %q", s))
	}
}

// ReviewDecision is the payload a reviewer posts back.
type ReviewDecision struct {
	Decision         ReviewDecisionKind `json:"decision"`
	Comments         string             `json:"comments,omitempty"`
	FixInstructions  string             `json:"fixInstructions,omitempty"`
	EscalationReason string             `json:"escalationReason,omitempty"`
}

// Validate checks decision-specific required fields.
func (d *ReviewDecision) Validate() error {
	if _, err := ParseReviewDecision(string(d.Decision)); err != nil {
		return err
	}
	if d.Decision == DecisionFix && strings.TrimSpace(d.FixInstructions) == "" {
		return ErrValidation("MISSING_FIX_INSTRUCTIONS", "fix decision requires fixInstructions")
	}
	if d.Decision == DecisionEscalate && strings.TrimSpace(d.EscalationReason) == "" {
		return ErrValidation("MISSING_ESCALATION_REASON", "escalate decision requires escalationReason")
	}
	return nil
}
