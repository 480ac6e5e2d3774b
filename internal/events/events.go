package events

import "time"

// Event type constants for worker lifecycle events.
const (
	TypeWorkerSpawned   = "worker-spawned"
	TypeWorkerCompleted = "worker-completed"
	TypeWorkerFailed    = "worker-failed"
)

// Event type constants for phase lifecycle events.
const (
	TypePhaseInitialized = "phase-initialized"
	TypePhaseMerging     = "phase-merging"
	TypePhaseConflict    = "phase-conflict"
	TypePhaseReviewing   = "phase-reviewing"
	TypePhaseCompleted   = "phase-completed"
	TypePhaseFailed      = "phase-failed"
)

// Event type constants for review and conflict events.
const (
	TypeReviewDecision      = "review-decision"
	TypeConflictResolution  = "conflict-resolution"
	TypeEscalationOpened    = "escalation-opened"
	TypeCircuitStateChanged = "circuit-state-changed"
)

// WorkerSpawnedEvent is emitted when the gateway accepts a worker spawn.
type WorkerSpawnedEvent struct {
	BaseEvent
	PhaseNumber int    `json:"phase_number"`
	WorkerID    string `json:"worker_id"`
	TaskID      string `json:"task_id,omitempty"`
	SessionKey  string `json:"session_key"`
	Label       string `json:"label"`
}

// NewWorkerSpawnedEvent creates a new worker spawned event.
func NewWorkerSpawnedEvent(runID string, phaseNumber int, workerID, taskID, sessionKey, label string) WorkerSpawnedEvent {
	return WorkerSpawnedEvent{
		BaseEvent:   NewBaseEvent(TypeWorkerSpawned, runID),
		PhaseNumber: phaseNumber,
		WorkerID:    workerID,
		TaskID:      taskID,
		SessionKey:  sessionKey,
		Label:       label,
	}
}

// WorkerCompletedEvent is emitted when a worker reaches a terminal state.
type WorkerCompletedEvent struct {
	BaseEvent
	PhaseNumber int           `json:"phase_number"`
	WorkerID    string        `json:"worker_id"`
	SessionKey  string        `json:"session_key,omitempty"`
	Duration    time.Duration `json:"duration"`
	Failed      bool          `json:"failed"`
	Error       string        `json:"error,omitempty"`
}

// NewWorkerCompletedEvent creates a new worker completed event.
func NewWorkerCompletedEvent(runID string, phaseNumber int, workerID, sessionKey string, duration time.Duration) WorkerCompletedEvent {
	return WorkerCompletedEvent{
		BaseEvent:   NewBaseEvent(TypeWorkerCompleted, runID),
		PhaseNumber: phaseNumber,
		WorkerID:    workerID,
		SessionKey:  sessionKey,
		Duration:    duration,
	}
}

// NewWorkerFailedEvent creates a worker failure event.
func NewWorkerFailedEvent(runID string, phaseNumber int, workerID string, err error) WorkerCompletedEvent {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	return WorkerCompletedEvent{
		BaseEvent:   NewBaseEvent(TypeWorkerFailed, runID),
		PhaseNumber: phaseNumber,
		WorkerID:    workerID,
		Failed:      true,
		Error:       errStr,
	}
}

// PhaseEvent is emitted on phase lifecycle transitions.
type PhaseEvent struct {
	BaseEvent
	PhaseNumber int      `json:"phase_number"`
	Status      string   `json:"status"`
	PhaseBranch string   `json:"phase_branch,omitempty"`
	Branches    []string `json:"branches,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// NewPhaseEvent creates a phase lifecycle event.
func NewPhaseEvent(eventType, runID string, phaseNumber int, status string) PhaseEvent {
	return PhaseEvent{
		BaseEvent:   NewBaseEvent(eventType, runID),
		PhaseNumber: phaseNumber,
		Status:      status,
	}
}

// ConflictEvent is emitted when a merge conflict is detected or a resolver
// is dispatched.
type ConflictEvent struct {
	BaseEvent
	PhaseNumber   int      `json:"phase_number"`
	FailedBranch  string   `json:"failed_branch"`
	ConflictFiles []string `json:"conflict_files"`
	SessionKey    string   `json:"session_key,omitempty"`
}

// NewConflictEvent creates a conflict event.
func NewConflictEvent(runID string, phaseNumber int, failedBranch string, files []string, sessionKey string) ConflictEvent {
	return ConflictEvent{
		BaseEvent:     NewBaseEvent(TypeConflictResolution, runID),
		PhaseNumber:   phaseNumber,
		FailedBranch:  failedBranch,
		ConflictFiles: files,
		SessionKey:    sessionKey,
	}
}

// ReviewDecisionEvent is emitted when a reviewer decision arrives.
type ReviewDecisionEvent struct {
	BaseEvent
	PhaseNumber int    `json:"phase_number"`
	Role        string `json:"role"`
	Decision    string `json:"decision"`
}

// NewReviewDecisionEvent creates a review decision event.
func NewReviewDecisionEvent(runID string, phaseNumber int, role, decision string) ReviewDecisionEvent {
	return ReviewDecisionEvent{
		BaseEvent:   NewBaseEvent(TypeReviewDecision, runID),
		PhaseNumber: phaseNumber,
		Role:        role,
		Decision:    decision,
	}
}

// EscalationOpenedEvent is emitted when automated recovery gives up.
type EscalationOpenedEvent struct {
	BaseEvent
	EscalationID string `json:"escalation_id"`
	PhaseNumber  int    `json:"phase_number,omitempty"`
	Reason       string `json:"reason"`
}

// NewEscalationOpenedEvent creates an escalation event.
func NewEscalationOpenedEvent(runID, escalationID string, phaseNumber int, reason string) EscalationOpenedEvent {
	return EscalationOpenedEvent{
		BaseEvent:    NewBaseEvent(TypeEscalationOpened, runID),
		EscalationID: escalationID,
		PhaseNumber:  phaseNumber,
		Reason:       reason,
	}
}

// CircuitEvent is emitted when the spawn circuit opens or closes.
type CircuitEvent struct {
	BaseEvent
	Open     bool      `json:"open"`
	Failures int       `json:"failures"`
	Until    time.Time `json:"until,omitempty"`
}

// NewCircuitEvent creates a circuit state change event.
func NewCircuitEvent(open bool, failures int, until time.Time) CircuitEvent {
	return CircuitEvent{
		BaseEvent: NewBaseEvent(TypeCircuitStateChanged, ""),
		Open:      open,
		Failures:  failures,
		Until:     until,
	}
}
