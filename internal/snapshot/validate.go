package snapshot

import (
	"fmt"

	"github.com/swarmops/swarmops/internal/core"
)

// Validate checks bundle invariants: format version, payload integrity,
// and that every phase belongs to the bundled run.
func Validate(bundle *Bundle) error {
	if bundle.Version != FormatVersion {
		return core.ErrValidation("UNSUPPORTED_VERSION",
			fmt.Sprintf("bundle format %d, this build reads %d", bundle.Version, FormatVersion))
	}
	if bundle.Run == nil || bundle.Run.RunID == "" {
		return core.ErrValidation("MISSING_RUN", "bundle carries no run document")
	}

	if bundle.Checksum != "" {
		sum, err := checksum(bundle)
		if err != nil {
			return err
		}
		if sum != bundle.Checksum {
			return core.ErrValidation("CHECKSUM_MISMATCH", "bundle payload does not match its checksum")
		}
	}

	seen := make(map[int]bool, len(bundle.Phases))
	for _, phase := range bundle.Phases {
		if phase.RunID != bundle.Run.RunID {
			return core.ErrValidation("FOREIGN_PHASE",
				fmt.Sprintf("phase %d belongs to run %s, not %s",
					phase.PhaseNumber, phase.RunID, bundle.Run.RunID))
		}
		if seen[phase.PhaseNumber] {
			return core.ErrValidation("DUPLICATE_PHASE",
				fmt.Sprintf("phase %d appears twice", phase.PhaseNumber))
		}
		seen[phase.PhaseNumber] = true
	}
	return nil
}
