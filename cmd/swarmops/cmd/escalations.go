package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/core"
)

var escalationsCmd = &cobra.Command{
	Use:     "escalations",
	Aliases: []string{"esc"},
	Short:   "Manage review escalations",
	Long: `Escalations are raised when the review chain rejects a phase twice
or a conflict resolution fails. They park the phase until an operator
resolves or dismisses them.`,
}

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations",
	RunE:  runEscalationsList,
}

var escalationsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve an escalation",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationsResolve,
}

var escalationsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss an escalation without action",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationsDismiss,
}

var (
	escalationsStatus     string
	escalationsResolution string
	escalationsBy         string
)

func init() {
	rootCmd.AddCommand(escalationsCmd)
	escalationsCmd.AddCommand(escalationsListCmd, escalationsResolveCmd, escalationsDismissCmd)

	escalationsListCmd.Flags().StringVar(&escalationsStatus, "status", "open", "filter by status (open, resolved, dismissed, all)")
	escalationsResolveCmd.Flags().StringVar(&escalationsResolution, "resolution", "", "what was done about it (required)")
	escalationsResolveCmd.Flags().StringVar(&escalationsBy, "by", "operator", "who resolved it")
	escalationsDismissCmd.Flags().StringVar(&escalationsBy, "by", "operator", "who dismissed it")
}

func runEscalationsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	status := core.EscalationStatus(escalationsStatus)
	if escalationsStatus == "all" {
		status = ""
	}
	escalations, err := a.escalations.ListEscalations(cmd.Context(), status)
	if err != nil {
		return err
	}
	if len(escalations) == 0 {
		fmt.Println("No escalations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRUN\tPHASE\tSTATUS\tCREATED\tREASON")
	for _, esc := range escalations {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			esc.ID, esc.RunID, esc.PhaseNumber, esc.Status,
			esc.CreatedAt.Format("2006-01-02 15:04"), esc.Reason)
	}
	return w.Flush()
}

func runEscalationsResolve(cmd *cobra.Command, args []string) error {
	if escalationsResolution == "" {
		return fmt.Errorf("--resolution is required")
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
	esc, err := a.escalations.LoadEscalation(ctx, args[0])
	if err != nil {
		return err
	}
	if err := esc.Resolve(escalationsBy, escalationsResolution); err != nil {
		return err
	}
	if err := a.escalations.SaveEscalation(ctx, esc); err != nil {
		return err
	}
	fmt.Printf("Escalation %s resolved\n", esc.ID)
	return nil
}

func runEscalationsDismiss(cmd *cobra.Command, args []string) error {
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
	esc, err := a.escalations.LoadEscalation(ctx, args[0])
	if err != nil {
		return err
	}
	if err := esc.Dismiss(escalationsBy); err != nil {
		return err
	}
	if err := a.escalations.SaveEscalation(ctx, esc); err != nil {
		return err
	}
	fmt.Printf("Escalation %s dismissed\n", esc.ID)
	return nil
}
