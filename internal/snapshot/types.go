// Package snapshot exports a run and everything attached to it, the
// phase documents and the ledger slice, into a single portable YAML
// bundle, and imports such bundles back into a data directory.
package snapshot

import (
	"context"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// FormatVersion is the current bundle format version.
const FormatVersion = 1

// ConflictPolicy controls how import handles a run that already exists
// at the destination.
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictFail      ConflictPolicy = "fail"
)

// Bundle is the serialized form of one run.
type Bundle struct {
	Version     int                `yaml:"version"`
	CreatedAt   time.Time          `yaml:"createdAt"`
	ToolVersion string             `yaml:"toolVersion,omitempty"`
	Checksum    string             `yaml:"checksum"`
	Run         *core.RunState     `yaml:"run"`
	Phases      []*core.Phase      `yaml:"phases"`
	Ledger      []core.LedgerEntry `yaml:"ledger,omitempty"`
}

// Source is the read side of an export.
type Source interface {
	LoadRun(ctx context.Context, runID string) (*core.RunState, error)
	ListPhases(ctx context.Context, runID string) ([]*core.Phase, error)
}

// LedgerSource optionally contributes the run's ledger slice.
type LedgerSource interface {
	ReadAll(runID string) ([]core.LedgerEntry, error)
}

// Destination is the write side of an import.
type Destination interface {
	LoadRun(ctx context.Context, runID string) (*core.RunState, error)
	SaveRun(ctx context.Context, run *core.RunState) error
	SavePhase(ctx context.Context, phase *core.Phase) error
}

// ExportOptions configures an export.
type ExportOptions struct {
	OutputPath  string
	ToolVersion string
	Ledger      LedgerSource // nil skips the ledger slice
}

// ExportResult describes a finished export.
type ExportResult struct {
	OutputPath string `yaml:"outputPath"`
	RunID      string `yaml:"runId"`
	Phases     int    `yaml:"phases"`
	Entries    int    `yaml:"entries"`
	Bytes      int64  `yaml:"bytes"`
}

// ImportOptions configures an import.
type ImportOptions struct {
	InputPath string
	OnExists  ConflictPolicy // default ConflictFail
}

// ImportResult describes a finished import.
type ImportResult struct {
	RunID   string `yaml:"runId"`
	Phases  int    `yaml:"phases"`
	Skipped bool   `yaml:"skipped"`
}
