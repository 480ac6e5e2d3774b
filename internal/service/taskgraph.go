// Package service holds the domain services that sit between the HTTP/CLI
// surfaces and the adapters: task graph planning, the role catalog, and
// project resolution.
package service

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/swarmops/swarmops/internal/core"
)

var (
	taskLinePattern = regexp.MustCompile(`^\s*-\s*\[( |x|X)\]\s*(.*)$`)
	idPattern       = regexp.MustCompile(`@id\(([^)]*)\)`)
	dependsPattern  = regexp.MustCompile(`@depends\(([^)]*)\)`)
	rolePattern     = regexp.MustCompile(`@role\(([^)]*)\)`)
)

// ParseTasks reads an annotated markdown task list. Recognized lines are
// `- [ ]` / `- [x]` items with optional `@id(...)`, `@depends(a,b)` and
// `@role(...)` annotations; everything else is ignored. Tasks without an
// explicit id get `task-<ordinal>`. The returned graph is topologically
// ordered with insertion-order tie-breaks; tasks trapped in a dependency
// cycle land in Unreachable instead of Order.
func ParseTasks(src string) (*core.TaskGraph, error) {
	tasks := make(map[string]*core.Task)
	var insertion []string

	ordinal := 0
	for lineNo, line := range strings.Split(src, "\n") {
		m := taskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ordinal++
		done := m[1] == "x" || m[1] == "X"
		rest := m[2]

		id := fmt.Sprintf("task-%d", ordinal)
		if idm := idPattern.FindStringSubmatch(rest); idm != nil && strings.TrimSpace(idm[1]) != "" {
			id = strings.TrimSpace(idm[1])
		}

		var depends []string
		if dm := dependsPattern.FindStringSubmatch(rest); dm != nil {
			for _, dep := range strings.Split(dm[1], ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					depends = append(depends, dep)
				}
			}
		}

		role := core.DefaultRole
		if rm := rolePattern.FindStringSubmatch(rest); rm != nil && strings.TrimSpace(rm[1]) != "" {
			role = strings.TrimSpace(rm[1])
		}

		title := idPattern.ReplaceAllString(rest, "")
		title = dependsPattern.ReplaceAllString(title, "")
		title = rolePattern.ReplaceAllString(title, "")
		title = strings.Join(strings.Fields(title), " ")

		task := &core.Task{
			ID:      id,
			Title:   title,
			Done:    done,
			Depends: depends,
			Role:    role,
			Line:    lineNo + 1,
		}
		if err := task.Validate(); err != nil {
			return nil, err
		}
		if _, dup := tasks[id]; dup {
			return nil, core.ErrValidation("DUPLICATE_TASK_ID",
				fmt.Sprintf("task id %q appears twice", id))
		}
		tasks[id] = task
		insertion = append(insertion, id)
	}

	for _, id := range insertion {
		for _, dep := range tasks[id].Depends {
			if _, ok := tasks[dep]; !ok {
				return nil, core.ErrValidation("UNKNOWN_TASK",
					fmt.Sprintf("task %q depends on unknown task %q", id, dep))
			}
		}
	}

	order, unreachable := topologicalOrder(tasks, insertion)
	return &core.TaskGraph{Tasks: tasks, Order: order, Unreachable: unreachable}, nil
}

// topologicalOrder is Kahn's algorithm; each step places the
// insertion-earliest task among all currently available ones, so an
// early free task is never pushed behind tasks released later. When a
// cycle exists the longest acyclic prefix is returned and the trapped
// tasks are reported as unreachable.
func topologicalOrder(tasks map[string]*core.Task, insertion []string) (order, unreachable []string) {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, id := range insertion {
		inDegree[id] = len(tasks[id].Depends)
	}
	for _, id := range insertion {
		for _, dep := range tasks[id].Depends {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	placed := make(map[string]bool, len(tasks))
	for len(order) < len(insertion) {
		current := ""
		for _, id := range insertion {
			if !placed[id] && inDegree[id] == 0 {
				current = id
				break
			}
		}
		if current == "" {
			break
		}
		placed[current] = true
		order = append(order, current)
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
		}
	}

	for _, id := range insertion {
		if !placed[id] {
			unreachable = append(unreachable, id)
		}
	}
	return order, unreachable
}

// ReadyTasks returns not-done tasks whose dependencies are all done, in
// topological order.
func ReadyTasks(graph *core.TaskGraph) []*core.Task {
	done := doneSet(graph)
	var ready []*core.Task
	for _, id := range graph.Order {
		if task := graph.Tasks[id]; task.IsReady(done) {
			ready = append(ready, task)
		}
	}
	return ready
}

// ParallelGroups partitions the outstanding tasks into successive maximal
// groups of mutually independent tasks: each group's dependencies are
// satisfied by done tasks plus all earlier groups. An empty result with
// tasks still outstanding means the remaining dependencies are
// unsatisfiable (cycle or dependency on an unreachable task).
func ParallelGroups(graph *core.TaskGraph) [][]*core.Task {
	done := doneSet(graph)
	outstanding := 0
	for _, id := range graph.Order {
		if !graph.Tasks[id].Done {
			outstanding++
		}
	}

	var groups [][]*core.Task
	for outstanding > 0 {
		var group []*core.Task
		for _, id := range graph.Order {
			if task := graph.Tasks[id]; task.IsReady(done) && !done[id] {
				group = append(group, task)
			}
		}
		if len(group) == 0 {
			break
		}
		for _, task := range group {
			done[task.ID] = true
			outstanding--
		}
		groups = append(groups, group)
	}
	return groups
}

func doneSet(graph *core.TaskGraph) map[string]bool {
	done := make(map[string]bool, len(graph.Tasks))
	for id, task := range graph.Tasks {
		if task.Done {
			done[id] = true
		}
	}
	return done
}

// MarkTaskDone flips the task's checkbox in the source file. The rewrite
// is atomic (read, replace the one line, renameio) and guarded by a lock
// file so concurrent callbacks on the same list serialize.
func MarkTaskDone(path, taskID string) error {
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return err
	}
	defer lock.release()

	data, err := os.ReadFile(path)
	if err != nil {
		return core.ErrState(core.CodeStateCorrupted, "reading task list").WithCause(err)
	}

	graph, err := ParseTasks(string(data))
	if err != nil {
		return err
	}
	task, ok := graph.Tasks[taskID]
	if !ok {
		return core.ErrNotFound("task", taskID)
	}
	if task.Done {
		return nil
	}

	lines := strings.Split(string(data), "\n")
	if task.Line < 1 || task.Line > len(lines) {
		return core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("task %s points at line %d of a %d-line file", taskID, task.Line, len(lines)))
	}
	line := lines[task.Line-1]
	updated := strings.Replace(line, "- [ ]", "- [x]", 1)
	if updated == line {
		return core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("task %s line no longer carries an open checkbox", taskID))
	}
	lines[task.Line-1] = updated

	if err := renameio.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return core.ErrState(core.CodeStateCorrupted, "rewriting task list").WithCause(err)
	}
	return nil
}

// fileLock is a crude advisory lock: O_CREATE|O_EXCL on a sidecar file.
type fileLock struct {
	path string
}

func acquireFileLock(path string) (*fileLock, error) {
	for attempt := 0; attempt < 50; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, core.ErrState(core.CodeLockAcquireFailed, "creating lock file").WithCause(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, core.ErrState(core.CodeLockAcquireFailed,
		fmt.Sprintf("lock file %s held too long", path))
}

func (l *fileLock) release() {
	_ = os.Remove(l.path)
}
