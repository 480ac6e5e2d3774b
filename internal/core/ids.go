package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID generates a run identifier. The short form keeps branch names
// and worktree paths readable.
func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.NewString()[:8])
}

// NewEscalationID generates an escalation identifier.
func NewEscalationID() string {
	return fmt.Sprintf("esc-%s", uuid.NewString()[:8])
}

// NewWorkerID derives a worker identifier from a task ordinal.
func NewWorkerID(ordinal int) string {
	return fmt.Sprintf("w%d", ordinal)
}
