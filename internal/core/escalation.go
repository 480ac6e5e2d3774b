package core

import (
	"fmt"
	"time"
)

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	EscalationOpen      EscalationStatus = "open"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationDismissed EscalationStatus = "dismissed"
)

// Escalation is a human-owned incident record opened when automated
// recovery cannot continue.
type Escalation struct {
	ID          string           `json:"id"`
	RunID       string           `json:"runId,omitempty"`
	PhaseNumber int              `json:"phaseNumber,omitempty"`
	Reason      string           `json:"reason"`
	Status      EscalationStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy  string           `json:"resolvedBy,omitempty"`
	Resolution  string           `json:"resolution,omitempty"`
}

// NewEscalation opens a new escalation.
func NewEscalation(id, runID string, phaseNumber int, reason string) *Escalation {
	return &Escalation{
		ID:          id,
		RunID:       runID,
		PhaseNumber: phaseNumber,
		Reason:      reason,
		Status:      EscalationOpen,
		CreatedAt:   time.Now(),
	}
}

// Resolve closes the escalation with a resolution note.
func (e *Escalation) Resolve(by, resolution string) error {
	if e.Status != EscalationOpen {
		return ErrState(CodeInvalidState,
			fmt.Sprintf("escalation %s is %s, not open", e.ID, e.Status))
	}
	e.Status = EscalationResolved
	e.ResolvedBy = by
	e.Resolution = resolution
	now := time.Now()
	e.ResolvedAt = &now
	return nil
}

// Dismiss closes the escalation without action.
func (e *Escalation) Dismiss(by string) error {
	if e.Status != EscalationOpen {
		return ErrState(CodeInvalidState,
			fmt.Sprintf("escalation %s is %s, not open", e.ID, e.Status))
	}
	e.Status = EscalationDismissed
	e.ResolvedBy = by
	now := time.Now()
	e.ResolvedAt = &now
	return nil
}
