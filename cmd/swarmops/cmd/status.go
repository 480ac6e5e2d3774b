package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run and phase status",
	Long: `Display every known run with its phase rollup. With a run id,
show that run's phases and workers in detail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

var (
	statusGood = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Run, phase, and worker statuses share the terminal string values.
func colorStatus(s string) string {
	switch s {
	case string(core.PhaseStatusCompleted):
		return statusGood.Render(s)
	case string(core.PhaseStatusFailed):
		return statusBad.Render(s)
	case string(core.PhaseStatusConflictPending), string(core.PhaseStatusReviewing):
		return statusWarn.Render(s)
	default:
		return statusDim.Render(s)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	a, err := buildApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		return showRun(ctx, a, args[0])
	}

	runs, err := a.runs.ListRuns(ctx)
	if err != nil {
		return err
	}
	if statusJSON {
		return outputJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPROJECT\tPHASES\tSTATUS\tUPDATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			run.RunID, run.ProjectName, len(run.Phases),
			colorStatus(string(run.Status)),
			run.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func showRun(ctx context.Context, a *app, runID string) error {
	run, err := a.runs.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if statusJSON {
		return outputJSON(run)
	}

	fmt.Printf("Run:     %s\n", run.RunID)
	fmt.Printf("Project: %s (%s)\n", run.ProjectName, run.ProjectPath)
	if run.Goal != "" {
		fmt.Printf("Goal:    %s\n", run.Goal)
	}
	fmt.Printf("Base:    %s\n", run.BaseBranch)
	fmt.Printf("Status:  %s\n", colorStatus(string(run.Status)))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tTASKS\tSTATUS\tBRANCH\tWORKERS")
	for _, rollup := range run.Phases {
		workers := "-"
		if ph, err := a.phases.LoadPhase(ctx, run.RunID, rollup.PhaseNumber); err == nil {
			done := 0
			for i := range ph.Workers {
				if ph.Workers[i].IsTerminal() {
					done++
				}
			}
			workers = fmt.Sprintf("%d/%d done", done, len(ph.Workers))
		}
		branch := rollup.PhaseBranch
		if branch == "" {
			branch = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
			rollup.PhaseNumber, len(rollup.TaskIDs),
			colorStatus(string(rollup.Status)), branch, workers)
	}
	return w.Flush()
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
