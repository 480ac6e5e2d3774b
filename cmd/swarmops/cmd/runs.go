package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/adapters/state"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/snapshot"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, archived history included",
	RunE:  runRunsList,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run to a YAML bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

var runsImportCmd = &cobra.Command{
	Use:   "import <bundle>",
	Short: "Import a run bundle into the data directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsImport,
}

var runsArchiveCmd = &cobra.Command{
	Use:   "archive <run-id>",
	Short: "Move a finished run into the sqlite archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsArchive,
}

var (
	runsOutput     string
	runsOnExists   string
	runsNoLedger   bool
	runsListLimit  int
	runsListFilter string
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsExportCmd, runsImportCmd, runsArchiveCmd)

	runsListCmd.Flags().IntVar(&runsListLimit, "limit", 50, "maximum archived runs to list")
	runsListCmd.Flags().StringVar(&runsListFilter, "filter", "", "fuzzy match on run ID or project name")
	runsExportCmd.Flags().StringVarP(&runsOutput, "output", "o", "", "output file (default <run-id>.yaml)")
	runsExportCmd.Flags().BoolVar(&runsNoLedger, "no-ledger", false, "leave the ledger slice out of the bundle")
	runsImportCmd.Flags().StringVar(&runsOnExists, "on-exists", "fail", "what to do when the run exists (skip, overwrite, fail)")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	runs, err := a.runs.ListRuns(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPROJECT\tPHASES\tSTATUS\tSOURCE")
	for _, run := range runs {
		if !matchesRunFilter(run) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\tactive\n",
			run.RunID, run.ProjectName, len(run.Phases), run.Status)
	}

	if cfg.Data.UseArchive {
		archive, err := state.NewRunArchive(a.store.ArchivePath())
		if err != nil {
			return err
		}
		defer archive.Close()

		active := make(map[string]bool, len(runs))
		for _, run := range runs {
			active[run.RunID] = true
		}
		archived, err := archive.List(ctx, runsListLimit)
		if err != nil {
			return err
		}
		for _, run := range archived {
			if active[run.RunID] || !matchesRunFilter(run) {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\tarchive\n",
				run.RunID, run.ProjectName, len(run.Phases), run.Status)
		}
	}
	return w.Flush()
}

func matchesRunFilter(run *core.RunState) bool {
	if runsListFilter == "" {
		return true
	}
	matches := fuzzy.Find(runsListFilter, []string{run.RunID, run.ProjectName})
	return len(matches) > 0
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	output := runsOutput
	if output == "" {
		output = args[0] + ".yaml"
	}
	opts := snapshot.ExportOptions{
		OutputPath:  output,
		ToolVersion: appVersion,
	}
	if !runsNoLedger {
		opts.Ledger = a.ledger
	}

	result, err := snapshot.Export(cmd.Context(), runsSource{a}, args[0], opts)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %s: %d phases, %d ledger entries, %d bytes -> %s\n",
		result.RunID, result.Phases, result.Entries, result.Bytes, result.OutputPath)
	return nil
}

func runRunsImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := snapshot.Import(cmd.Context(), runsSource{a}, snapshot.ImportOptions{
		InputPath: args[0],
		OnExists:  snapshot.ConflictPolicy(runsOnExists),
	})
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Printf("Run %s already present, skipped\n", result.RunID)
		return nil
	}
	fmt.Printf("Imported %s: %d phases\n", result.RunID, result.Phases)
	return nil
}

func runRunsArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Data.UseArchive {
		return fmt.Errorf("archive is disabled, set data.use_archive")
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	run, err := a.runs.LoadRun(ctx, args[0])
	if err != nil {
		return err
	}

	archive, err := state.NewRunArchive(a.store.ArchivePath())
	if err != nil {
		return err
	}
	defer archive.Close()

	if err := archive.Archive(ctx, run); err != nil {
		return err
	}
	if err := a.runs.DeleteRun(ctx, run.RunID); err != nil {
		return err
	}
	fmt.Printf("Run %s archived\n", run.RunID)
	return nil
}

// runsSource adapts the app's stores to the snapshot interfaces.
type runsSource struct{ a *app }

func (s runsSource) LoadRun(ctx context.Context, runID string) (*core.RunState, error) {
	return s.a.runs.LoadRun(ctx, runID)
}

func (s runsSource) SaveRun(ctx context.Context, run *core.RunState) error {
	return s.a.runs.SaveRun(ctx, run)
}

func (s runsSource) ListPhases(ctx context.Context, runID string) ([]*core.Phase, error) {
	return s.a.phases.ListPhases(ctx, runID)
}

func (s runsSource) SavePhase(ctx context.Context, phase *core.Phase) error {
	return s.a.phases.SavePhase(ctx, phase)
}
