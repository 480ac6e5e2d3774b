package state

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// RunStore persists per-run rollup documents at project-runs/<runId>.json.
type RunStore struct {
	store *Store
}

// NewRunStore creates a run store over the shared data directory.
func NewRunStore(store *Store) *RunStore {
	return &RunStore{store: store}
}

func (s *RunStore) path(runID string) string {
	return filepath.Join(s.store.dataDir, runsDir, runID+".json")
}

// SaveRun atomically rewrites the run rollup.
func (s *RunStore) SaveRun(_ context.Context, run *core.RunState) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	run.UpdatedAt = time.Now()
	return s.store.writeDoc(s.path(run.RunID), run)
}

// LoadRun reads the run rollup.
func (s *RunStore) LoadRun(_ context.Context, runID string) (*core.RunState, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var run core.RunState
	if err := s.store.readDoc(s.path(runID), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("run", runID)
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns every run rollup, most recently updated first.
func (s *RunStore) ListRuns(_ context.Context) ([]*core.RunState, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.store.dataDir, runsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	runs := make([]*core.RunState, 0)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var run core.RunState
		if err := s.store.readDoc(filepath.Join(s.store.dataDir, runsDir, e.Name()), &run); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
	return runs, nil
}

// DeleteRun removes the run rollup; missing documents are not errors.
func (s *RunStore) DeleteRun(_ context.Context, runID string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
