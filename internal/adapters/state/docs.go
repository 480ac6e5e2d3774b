package state

import (
	"os"
	"path/filepath"
	"time"
)

// RegistryEntry maps a project to its task list source.
type RegistryEntry struct {
	ProjectName string    `json:"projectName"`
	TasksFile   string    `json:"tasksFile"`
	TaskCount   int       `json:"taskCount"`
	ParsedAt    time.Time `json:"parsedAt"`
}

// TaskRegistry persists the project -> tasks-file mapping.
type TaskRegistry struct {
	store *Store
}

// NewTaskRegistry creates the registry over the shared data directory.
func NewTaskRegistry(store *Store) *TaskRegistry {
	return &TaskRegistry{store: store}
}

func (r *TaskRegistry) path() string {
	return filepath.Join(r.store.dataDir, registryFile)
}

// Register records a project's task list source.
func (r *TaskRegistry) Register(entry RegistryEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	registry := make(map[string]RegistryEntry)
	if err := r.store.readDoc(r.path(), &registry); err != nil && !os.IsNotExist(err) {
		return err
	}
	registry[entry.ProjectName] = entry
	return r.store.writeDoc(r.path(), registry)
}

// Lookup returns the registry entry for a project, if any.
func (r *TaskRegistry) Lookup(projectName string) (RegistryEntry, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	registry := make(map[string]RegistryEntry)
	if err := r.store.readDoc(r.path(), &registry); err != nil {
		if os.IsNotExist(err) {
			return RegistryEntry{}, false, nil
		}
		return RegistryEntry{}, false, err
	}
	entry, ok := registry[projectName]
	return entry, ok, nil
}

// RetryState persists per-label spawn attempt counts across restarts so the
// dispatcher's retry budget survives a process bounce.
type RetryState struct {
	store *Store
}

// RetryRecord is one label's attempt history.
type RetryRecord struct {
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastError   string    `json:"lastError,omitempty"`
}

// NewRetryState creates the retry state document over the shared data directory.
func NewRetryState(store *Store) *RetryState {
	return &RetryState{store: store}
}

func (r *RetryState) path() string {
	return filepath.Join(r.store.dataDir, retryStateFile)
}

// Record bumps the attempt count for a label.
func (r *RetryState) Record(label, lastError string) (RetryRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	records := make(map[string]RetryRecord)
	if err := r.store.readDoc(r.path(), &records); err != nil && !os.IsNotExist(err) {
		return RetryRecord{}, err
	}
	rec := records[label]
	rec.Attempts++
	rec.LastAttempt = time.Now()
	rec.LastError = lastError
	records[label] = rec
	if err := r.store.writeDoc(r.path(), records); err != nil {
		return RetryRecord{}, err
	}
	return rec, nil
}

// Clear drops a label's history after a successful spawn.
func (r *RetryState) Clear(label string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	records := make(map[string]RetryRecord)
	if err := r.store.readDoc(r.path(), &records); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	delete(records, label)
	return r.store.writeDoc(r.path(), records)
}

// Attempts returns the recorded attempt count for a label.
func (r *RetryState) Attempts(label string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	records := make(map[string]RetryRecord)
	if err := r.store.readDoc(r.path(), &records); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return records[label].Attempts, nil
}

// QueuedSpawn is one deferred worker spawn, parked while the spawn guard
// is blocking.
type QueuedSpawn struct {
	RunID       string    `json:"runId"`
	PhaseNumber int       `json:"phaseNumber"`
	WorkerID    string    `json:"workerId"`
	TaskID      string    `json:"taskId"`
	Role        string    `json:"role"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// WorkQueue persists deferred spawn requests drained by the phase runner.
type WorkQueue struct {
	store *Store
}

// NewWorkQueue creates the queue document over the shared data directory.
func NewWorkQueue(store *Store) *WorkQueue {
	return &WorkQueue{store: store}
}

func (q *WorkQueue) path() string {
	return filepath.Join(q.store.dataDir, workQueueFile)
}

// Enqueue appends a deferred spawn.
func (q *WorkQueue) Enqueue(item QueuedSpawn) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	var items []QueuedSpawn
	if err := q.store.readDoc(q.path(), &items); err != nil && !os.IsNotExist(err) {
		return err
	}
	item.EnqueuedAt = time.Now()
	items = append(items, item)
	return q.store.writeDoc(q.path(), items)
}

// Drain removes and returns every queued spawn, FIFO order.
func (q *WorkQueue) Drain() ([]QueuedSpawn, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	var items []QueuedSpawn
	if err := q.store.readDoc(q.path(), &items); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := q.store.writeDoc(q.path(), []QueuedSpawn{}); err != nil {
		return nil, err
	}
	return items, nil
}

// Pending returns the queue contents without draining.
func (q *WorkQueue) Pending() ([]QueuedSpawn, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	var items []QueuedSpawn
	if err := q.store.readDoc(q.path(), &items); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return items, nil
}
