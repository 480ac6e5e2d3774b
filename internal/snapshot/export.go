package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/swarmops/swarmops/internal/core"
)

// Export writes the run's bundle to opts.OutputPath. The write is
// atomic; a partially written bundle never lands at the destination.
func Export(ctx context.Context, src Source, runID string, opts ExportOptions) (*ExportResult, error) {
	if opts.OutputPath == "" {
		return nil, core.ErrValidation("OUTPUT_REQUIRED", "export output path cannot be empty")
	}

	run, err := src.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	phases, err := src.ListPhases(ctx, runID)
	if err != nil {
		return nil, err
	}
	sort.Slice(phases, func(i, j int) bool {
		return phases[i].PhaseNumber < phases[j].PhaseNumber
	})

	var entries []core.LedgerEntry
	if opts.Ledger != nil {
		entries, err = opts.Ledger.ReadAll(runID)
		if err != nil {
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
	}

	bundle := &Bundle{
		Version:     FormatVersion,
		CreatedAt:   time.Now().UTC(),
		ToolVersion: opts.ToolVersion,
		Run:         run,
		Phases:      phases,
		Ledger:      entries,
	}
	bundle.Checksum, err = checksum(bundle)
	if err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}
	if err := renameio.WriteFile(opts.OutputPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing bundle: %w", err)
	}

	return &ExportResult{
		OutputPath: opts.OutputPath,
		RunID:      runID,
		Phases:     len(phases),
		Entries:    len(entries),
		Bytes:      int64(len(data)),
	}, nil
}

// checksum hashes the bundle payload with the Checksum field zeroed, so
// import can verify integrity independent of YAML formatting.
func checksum(bundle *Bundle) (string, error) {
	clone := *bundle
	clone.Checksum = ""
	data, err := yaml.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
