package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/adapters/git"
	"github.com/swarmops/swarmops/internal/clip"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/service/phase"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve merge conflicts",
	Long: `A phase that hits a merge conflict parks in conflict-pending with
the repository left mid-merge. These commands inspect the conflict,
hand the resolver prompt to an agent manually, and resume or abandon
the merge once the conflict is dealt with.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List phases waiting on a conflict",
	RunE:  runConflictsList,
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <run-id> <phase>",
	Short: "Show the conflicted files of a phase",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictsShow,
}

var conflictsPromptCmd = &cobra.Command{
	Use:   "prompt <run-id> <phase>",
	Short: "Print the resolver prompt for manual hand-off",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictsPrompt,
}

var conflictsResumeCmd = &cobra.Command{
	Use:   "resume <run-id> <phase>",
	Short: "Continue the merge after the conflict was resolved",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictsResume,
}

var conflictsAbandonCmd = &cobra.Command{
	Use:   "abandon <run-id> <phase>",
	Short: "Abort the merge and fail the phase",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictsAbandon,
}

var conflictsCopy bool

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd,
		conflictsPromptCmd, conflictsResumeCmd, conflictsAbandonCmd)

	conflictsPromptCmd.Flags().BoolVar(&conflictsCopy, "copy", false, "copy the prompt to the clipboard")
}

func parsePhaseArgs(args []string) (string, int, error) {
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("phase must be a positive number, got %q", args[1])
	}
	return args[0], n, nil
}

func runConflictsList(cmd *cobra.Command, _ []string) error {
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
	fmt.Fprintln(w, "RUN\tPHASE\tBRANCH\tREPO")
	found := 0
	for _, run := range runs {
		for _, rollup := range run.Phases {
			if rollup.Status != core.PhaseStatusConflictPending {
				continue
			}
			ph, err := a.phases.LoadPhase(ctx, run.RunID, rollup.PhaseNumber)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				run.RunID, ph.PhaseNumber, ph.PhaseBranch, ph.RepoDir)
			found++
		}
	}
	if found == 0 {
		fmt.Println("No conflicted phases")
		return nil
	}
	return w.Flush()
}

// loadConflictedPhase loads the phase and verifies it is actually parked
// on a conflict.
func loadConflictedPhase(ctx context.Context, a *app, runID string, phaseNumber int) (*core.Phase, error) {
	ph, err := a.phases.LoadPhase(ctx, runID, phaseNumber)
	if err != nil {
		return nil, err
	}
	if ph.Status != core.PhaseStatusConflictPending {
		return nil, fmt.Errorf("phase %d is %s, not conflict-pending", phaseNumber, ph.Status)
	}
	return ph, nil
}

func runConflictsShow(cmd *cobra.Command, args []string) error {
	runID, phaseNumber, err := parsePhaseArgs(args)
	if err != nil {
		return err
	}
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
	ph, err := loadConflictedPhase(ctx, a, runID, phaseNumber)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s phase %d, merging into %s\n", ph.RunID, ph.PhaseNumber, ph.PhaseBranch)
	fmt.Printf("Repository: %s\n\n", ph.RepoDir)

	client, err := git.NewClient(ph.RepoDir)
	if err != nil {
		return err
	}
	files, err := client.ConflictedFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No unresolved files; run 'swarmops conflicts resume' to continue the merge")
		return nil
	}
	fmt.Printf("%d unresolved files:\n", len(files))
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

func runConflictsPrompt(cmd *cobra.Command, args []string) error {
	runID, phaseNumber, err := parsePhaseArgs(args)
	if err != nil {
		return err
	}
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
	ph, err := loadConflictedPhase(ctx, a, runID, phaseNumber)
	if err != nil {
		return err
	}

	client, err := git.NewClient(ph.RepoDir)
	if err != nil {
		return err
	}
	files, err := client.ConflictedFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no unresolved files in %s", ph.RepoDir)
	}

	// The merge in progress names its source in MERGE_MSG; the first
	// collected branch not yet reachable from the phase branch is it.
	source := ""
	for _, branch := range ph.CollectedBranches {
		merged, err := client.IsAncestor(ctx, branch, ph.PhaseBranch)
		if err != nil {
			return err
		}
		if !merged {
			source = branch
			break
		}
	}

	prompt, err := a.resolver.BuildPrompt(ctx, phase.ResolveRequest{
		RunID:         ph.RunID,
		PhaseNumber:   ph.PhaseNumber,
		RepoPath:      ph.RepoDir,
		SourceBranch:  source,
		TargetBranch:  ph.PhaseBranch,
		ConflictFiles: files,
		ProjectGoal:   ph.ProjectGoal,
	})
	if err != nil {
		return err
	}

	if conflictsCopy {
		result, err := clip.WriteAll(prompt)
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "clipboard unavailable: %v\n", err)
		case result.Method == clip.MethodFile:
			fmt.Fprintf(os.Stderr, "Prompt written to %s\n", result.FilePath)
		default:
			fmt.Fprintf(os.Stderr, "Prompt copied (%s)\n", result.Method)
		}
	}
	fmt.Println(prompt)
	return nil
}

func runConflictsResume(cmd *cobra.Command, args []string) error {
	runID, phaseNumber, err := parsePhaseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.orch.ResumeMerge(cmd.Context(), runID, phaseNumber)
	if err != nil {
		return err
	}
	fmt.Printf("Merge %s: %d branches on %s\n",
		result.Status, len(result.MergedBranches), result.PhaseBranch)
	if result.Status == core.MergeStatusConflict && result.ConflictInfo != nil {
		fmt.Printf("Conflict again on %s (%d files)\n",
			result.ConflictInfo.FailedBranch, len(result.ConflictInfo.ConflictFiles))
	}
	return nil
}

func runConflictsAbandon(cmd *cobra.Command, args []string) error {
	runID, phaseNumber, err := parsePhaseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.AbandonConflict(cmd.Context(), runID, phaseNumber); err != nil {
		return err
	}
	fmt.Printf("Phase %d abandoned, merge aborted\n", phaseNumber)
	return nil
}
