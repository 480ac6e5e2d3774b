package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/swarmops/swarmops/internal/core"
)

// PhaseStore persists one JSON document per (runID, phaseNumber).
type PhaseStore struct {
	store *Store
}

// NewPhaseStore creates a phase store over the shared data directory.
func NewPhaseStore(store *Store) *PhaseStore {
	return &PhaseStore{store: store}
}

func (s *PhaseStore) path(runID string, phaseNumber int) string {
	return filepath.Join(s.store.dataDir, phasesDir,
		fmt.Sprintf("%s.json", core.PhaseKey(runID, phaseNumber)))
}

// SavePhase atomically rewrites the phase document.
func (s *PhaseStore) SavePhase(_ context.Context, phase *core.Phase) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.writeDoc(s.path(phase.RunID, phase.PhaseNumber), phase)
}

// LoadPhase reads the phase document.
func (s *PhaseStore) LoadPhase(_ context.Context, runID string, phaseNumber int) (*core.Phase, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var phase core.Phase
	if err := s.store.readDoc(s.path(runID, phaseNumber), &phase); err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("phase", core.PhaseKey(runID, phaseNumber))
		}
		return nil, err
	}
	return &phase, nil
}

// ListPhases returns every phase of a run ordered by phase number.
func (s *PhaseStore) ListPhases(_ context.Context, runID string) ([]*core.Phase, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.store.dataDir, phasesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	phases := make([]*core.Phase, 0)
	prefix := runID + "-"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		var phase core.Phase
		if err := s.store.readDoc(filepath.Join(s.store.dataDir, phasesDir, name), &phase); err != nil {
			return nil, err
		}
		if phase.RunID != runID {
			// A runID that is a prefix of another would match; identity check wins.
			continue
		}
		phases = append(phases, &phase)
	}

	sort.Slice(phases, func(i, j int) bool {
		return phases[i].PhaseNumber < phases[j].PhaseNumber
	})
	return phases, nil
}

// DeletePhase removes the phase document; missing documents are not errors.
func (s *PhaseStore) DeletePhase(_ context.Context, runID string, phaseNumber int) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	err := os.Remove(s.path(runID, phaseNumber))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
