package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/swarmops/swarmops/internal/core"
)

// Import restores a bundle into the destination stores. An existing run
// with the same id is handled per opts.OnExists; phases are always
// written together with their run.
func Import(ctx context.Context, dst Destination, opts ImportOptions) (*ImportResult, error) {
	bundle, err := Read(opts.InputPath)
	if err != nil {
		return nil, err
	}

	policy := opts.OnExists
	if policy == "" {
		policy = ConflictFail
	}

	runID := bundle.Run.RunID
	if _, err := dst.LoadRun(ctx, runID); err == nil {
		switch policy {
		case ConflictSkip:
			return &ImportResult{RunID: runID, Skipped: true}, nil
		case ConflictOverwrite:
		default:
			return nil, core.ErrState("RUN_EXISTS",
				fmt.Sprintf("run %s already exists at the destination", runID))
		}
	} else if !isNotFound(err) {
		return nil, err
	}

	if err := dst.SaveRun(ctx, bundle.Run); err != nil {
		return nil, err
	}
	for _, phase := range bundle.Phases {
		if err := dst.SavePhase(ctx, phase); err != nil {
			return nil, err
		}
	}
	return &ImportResult{RunID: runID, Phases: len(bundle.Phases)}, nil
}

// Read loads and validates a bundle file.
func Read(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, core.ErrValidation("MALFORMED_BUNDLE", "bundle is not valid YAML").WithCause(err)
	}
	if err := Validate(&bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func isNotFound(err error) bool {
	var domErr *core.DomainError
	return errors.As(err, &domErr) && domErr.Category == core.ErrCatNotFound
}
