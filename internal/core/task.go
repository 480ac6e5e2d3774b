package core

import "strings"

// DefaultRole is assigned to tasks without an explicit @role annotation.
const DefaultRole = "builder"

// Task is one entry of a parsed task list.
type Task struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Done    bool     `json:"done"`
	Depends []string `json:"depends,omitempty"`
	Role    string   `json:"role"`
	Line    int      `json:"line"` // 1-based line number in the source list
}

// NewTask creates a task with the default role.
func NewTask(id, title string) *Task {
	return &Task{
		ID:    id,
		Title: title,
		Role:  DefaultRole,
	}
}

// WithDepends sets the task dependencies.
func (t *Task) WithDepends(deps ...string) *Task {
	t.Depends = deps
	return t
}

// WithRole sets the agent role used to execute the task.
func (t *Task) WithRole(role string) *Task {
	if role != "" {
		t.Role = role
	}
	return t
}

// IsReady returns true if the task is not done and every dependency is done.
func (t *Task) IsReady(done map[string]bool) bool {
	if t.Done {
		return false
	}
	for _, dep := range t.Depends {
		if !done[dep] {
			return false
		}
	}
	return true
}

// TaskGraph is a parsed, ordered task list. Order is a topological
// permutation of the reachable tasks; Unreachable names tasks cut off
// by a dependency cycle.
type TaskGraph struct {
	Tasks       map[string]*Task `json:"tasks"`
	Order       []string         `json:"order"`
	Unreachable []string         `json:"unreachable,omitempty"`
}

// Get returns a task by ID.
func (g *TaskGraph) Get(id string) (*Task, bool) {
	t, ok := g.Tasks[id]
	return t, ok
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task id cannot be empty")
	}
	if strings.TrimSpace(t.Title) == "" {
		return ErrValidation("TASK_TITLE_REQUIRED", "task title cannot be empty")
	}
	for _, dep := range t.Depends {
		if dep == t.ID {
			return ErrValidation("TASK_SELF_DEPENDENCY", "task cannot depend on itself").
				WithDetail("task_id", t.ID)
		}
	}
	return nil
}
