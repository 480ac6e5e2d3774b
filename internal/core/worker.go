package core

import (
	"fmt"
	"time"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusPending   WorkerStatus = "pending"
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
)

// Worker is one agent instance executing one task on its own branch.
// Identity is (runID, phaseNumber, workerID).
type Worker struct {
	WorkerID    string       `json:"workerId"`
	TaskID      string       `json:"taskId"`
	Status      WorkerStatus `json:"status"`
	SessionKey  string       `json:"sessionKey,omitempty"`
	Output      string       `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// NewWorker creates a pending worker for a task.
func NewWorker(workerID, taskID string) Worker {
	return Worker{
		WorkerID: workerID,
		TaskID:   taskID,
		Status:   WorkerStatusPending,
	}
}

// MarkRunning transitions the worker to running state.
func (w *Worker) MarkRunning(sessionKey string) error {
	if w.Status != WorkerStatusPending {
		return fmt.Errorf("cannot start worker in %s state", w.Status)
	}
	w.Status = WorkerStatusRunning
	w.SessionKey = sessionKey
	now := time.Now()
	w.StartedAt = &now
	return nil
}

// MarkCompleted transitions the worker to completed state. Terminal states
// are monotone: completing an already-terminal worker is rejected.
func (w *Worker) MarkCompleted(output string) error {
	if w.IsTerminal() {
		return fmt.Errorf("cannot complete worker in %s state", w.Status)
	}
	w.Status = WorkerStatusCompleted
	w.Output = output
	now := time.Now()
	w.CompletedAt = &now
	return nil
}

// MarkFailed transitions the worker to failed state.
func (w *Worker) MarkFailed(reason string) error {
	if w.IsTerminal() {
		return fmt.Errorf("cannot fail worker in %s state", w.Status)
	}
	w.Status = WorkerStatusFailed
	w.Error = reason
	now := time.Now()
	w.CompletedAt = &now
	return nil
}

// IsTerminal returns true if the worker reached a terminal state.
func (w *Worker) IsTerminal() bool {
	return w.Status == WorkerStatusCompleted || w.Status == WorkerStatusFailed
}

// IsSuccess returns true if the worker completed successfully.
func (w *Worker) IsSuccess() bool {
	return w.Status == WorkerStatusCompleted
}

// Duration returns the elapsed execution time.
func (w *Worker) Duration() time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if w.CompletedAt != nil {
		end = *w.CompletedAt
	}
	return end.Sub(*w.StartedAt)
}
