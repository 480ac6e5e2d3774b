package core

import "testing"

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("task-1", "Add login endpoint")

	if task.Role != DefaultRole {
		t.Errorf("expected default role %q, got %q", DefaultRole, task.Role)
	}
	if task.Done {
		t.Error("new task should not be done")
	}
	if len(task.Depends) != 0 {
		t.Errorf("new task should have no dependencies, got %v", task.Depends)
	}
}

func TestTaskWithRoleEmptyKeepsDefault(t *testing.T) {
	task := NewTask("task-1", "Add login endpoint").WithRole("")
	if task.Role != DefaultRole {
		t.Errorf("empty role should keep default, got %q", task.Role)
	}

	task = task.WithRole("security-reviewer")
	if task.Role != "security-reviewer" {
		t.Errorf("expected role override, got %q", task.Role)
	}
}

func TestTaskIsReady(t *testing.T) {
	task := NewTask("c", "Wire it together").WithDepends("a", "b")

	done := map[string]bool{"a": true}
	if task.IsReady(done) {
		t.Error("task with unmet dependency should not be ready")
	}

	done["b"] = true
	if !task.IsReady(done) {
		t.Error("task with all dependencies done should be ready")
	}

	task.Done = true
	if task.IsReady(done) {
		t.Error("done task should never be ready")
	}
}

func TestTaskValidate(t *testing.T) {
	if err := NewTask("", "title").Validate(); err == nil {
		t.Error("expected error for empty id")
	}
	if err := NewTask("t1", "  ").Validate(); err == nil {
		t.Error("expected error for blank title")
	}
	if err := NewTask("t1", "title").WithDepends("t1").Validate(); err == nil {
		t.Error("expected error for self dependency")
	}
	if err := NewTask("t1", "title").WithDepends("t0").Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWorkerStateTransitions(t *testing.T) {
	w := NewWorker("w1", "task-1")

	if err := w.MarkCompleted("out"); err != nil {
		t.Fatalf("pending -> completed should be allowed (callback may beat spawn ack): %v", err)
	}
	if !w.IsTerminal() || !w.IsSuccess() {
		t.Fatalf("expected terminal success, got %s", w.Status)
	}

	if err := w.MarkFailed("late failure"); err == nil {
		t.Fatal("terminal states must be monotone")
	}
	if err := w.MarkCompleted("again"); err == nil {
		t.Fatal("double completion must be rejected")
	}

	w2 := NewWorker("w2", "task-2")
	if err := w2.MarkRunning("sess-1"); err != nil {
		t.Fatalf("unexpected error starting worker: %v", err)
	}
	if w2.SessionKey != "sess-1" {
		t.Fatalf("expected session key recorded, got %q", w2.SessionKey)
	}
	if err := w2.MarkRunning("sess-2"); err == nil {
		t.Fatal("expected error starting from running")
	}
	if err := w2.MarkFailed("agent crashed"); err != nil {
		t.Fatalf("unexpected error failing worker: %v", err)
	}
	if w2.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
	if w2.Duration() < 0 {
		t.Fatal("duration should be non-negative")
	}
}
