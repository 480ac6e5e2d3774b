// Package state persists orchestrator documents under the data directory.
// Every document is rewritten atomically; crash consistency beyond the
// append-only ledger is out of scope.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Layout of the data directory.
const (
	phasesDir       = "phases"
	runsDir         = "project-runs"
	escalationsFile = "escalations.json"
	registryFile    = "task-registry.json"
	retryStateFile  = "retry-state.json"
	workQueueFile   = "work-queue.json"
	rolesFile       = "roles.json"
	pipelinesFile   = "pipelines.json"
	archiveFile     = "runs.db"
)

// Store is the file-backed root of all persisted orchestrator state.
type Store struct {
	dataDir string
	mu      sync.Mutex
}

// NewStore creates the store and its directory skeleton.
func NewStore(dataDir string) (*Store, error) {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, phasesDir), filepath.Join(dataDir, runsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// ArchivePath returns the sqlite archive location.
func (s *Store) ArchivePath() string {
	return filepath.Join(s.dataDir, archiveFile)
}

// writeDoc atomically rewrites one JSON document.
func (s *Store) writeDoc(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readDoc reads one JSON document into v. A missing file leaves v untouched
// and returns os.ErrNotExist.
func (s *Store) readDoc(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
