package state

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/swarmops/swarmops/internal/core"
)

// EscalationStore persists the escalation collection in a single document.
type EscalationStore struct {
	store *Store
}

// NewEscalationStore creates an escalation store over the shared data directory.
func NewEscalationStore(store *Store) *EscalationStore {
	return &EscalationStore{store: store}
}

func (s *EscalationStore) path() string {
	return filepath.Join(s.store.dataDir, escalationsFile)
}

func (s *EscalationStore) load() (map[string]*core.Escalation, error) {
	escalations := make(map[string]*core.Escalation)
	if err := s.store.readDoc(s.path(), &escalations); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return escalations, nil
}

// SaveEscalation inserts or updates one escalation.
func (s *EscalationStore) SaveEscalation(_ context.Context, esc *core.Escalation) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	escalations, err := s.load()
	if err != nil {
		return err
	}
	escalations[esc.ID] = esc
	return s.store.writeDoc(s.path(), escalations)
}

// LoadEscalation reads one escalation by id.
func (s *EscalationStore) LoadEscalation(_ context.Context, id string) (*core.Escalation, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	escalations, err := s.load()
	if err != nil {
		return nil, err
	}
	esc, ok := escalations[id]
	if !ok {
		return nil, core.ErrNotFound("escalation", id)
	}
	return esc, nil
}

// ListEscalations returns escalations, optionally filtered by status,
// newest first.
func (s *EscalationStore) ListEscalations(_ context.Context, status core.EscalationStatus) ([]*core.Escalation, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	escalations, err := s.load()
	if err != nil {
		return nil, err
	}

	list := make([]*core.Escalation, 0, len(escalations))
	for _, esc := range escalations {
		if status != "" && esc.Status != status {
			continue
		}
		list = append(list, esc)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}
