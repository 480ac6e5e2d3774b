package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/diagnostics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check dependencies and environment",
	Long: `Verify that everything a run needs is in place: required binaries,
the agent gateway, a writable data directory, and the host's headroom
for parallel workers.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checks := []struct {
		name     string
		command  string
		args     []string
		required bool
	}{
		{"git", "git", []string{"--version"}, true},
		{"gh", "gh", []string{"--version"}, false},
	}

	fmt.Println("Checking dependencies...")
	fmt.Println()

	requiredOk := true
	for _, check := range checks {
		ok := exec.Command(check.command, check.args...).Run() == nil
		icon := "✓"
		suffix := ""
		if !ok {
			if check.required {
				icon = "✗"
				requiredOk = false
			} else {
				icon = "○"
				suffix = " (optional)"
			}
		}
		fmt.Printf("  %s %s%s\n", icon, check.name, suffix)
	}
	fmt.Println()

	fmt.Println("Checking environment...")
	fmt.Println()
	envOk := checkDataDir(cfg.Data.Dir)
	gatewayOk := checkGateway(cmd.Context(), cfg)
	fmt.Println()

	printHostHeadroom(cfg.Git.WorktreeDir, cfg.Spawn.MaxConcurrentSpawns)

	if !requiredOk {
		return fmt.Errorf("dependency check failed")
	}
	if !envOk || !gatewayOk {
		return fmt.Errorf("environment check failed")
	}
	fmt.Println("All checks passed")
	return nil
}

func checkDataDir(dir string) bool {
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("  ✗ data directory %s: %v\n", dir, err)
		return false
	}
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf("  ✗ data directory %s is not writable: %v\n", dir, err)
		return false
	}
	_ = os.Remove(probe)
	fmt.Printf("  ✓ data directory %s writable\n", dir)
	return true
}

func checkGateway(ctx context.Context, cfg *config.Config) bool {
	logger := newLogger(cfg)
	a, err := buildApp(cfg, logger, false)
	if err != nil {
		fmt.Printf("  ✗ gateway: %v\n", err)
		return false
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sessions, err := a.gateway.ListSessions(ctx, 1, 0)
	if err != nil {
		fmt.Printf("  ✗ gateway %s unreachable: %v\n", cfg.Gateway.URL, err)
		return false
	}
	fmt.Printf("  ✓ gateway %s reachable (%d recent sessions)\n", cfg.Gateway.URL, len(sessions))
	return true
}

// printHostHeadroom reports whether the host can plausibly carry the
// configured spawn parallelism.
func printHostHeadroom(worktreeDir string, maxSpawns int) {
	report := diagnostics.NewHostCollector(worktreeDir).Collect()

	fmt.Println("Host:")
	fmt.Printf("  CPU:    %s (%d cores, %d threads), %.0f%% busy\n",
		report.CPUModel, report.CPUCores, report.CPUThreads, report.CPUPercent)
	fmt.Printf("  Memory: %.1f/%.1f GB (%.0f%%)\n",
		report.MemUsedMB/1024, report.MemTotalMB/1024, report.MemPercent)
	fmt.Printf("  Disk:   %.1f/%.1f GB (%.0f%%) on %s\n",
		report.WorktreeVolume.UsedGB, report.WorktreeVolume.TotalGB,
		report.WorktreeVolume.UsedPercent, report.WorktreeVolume.Path)
	if report.Load1 > 0 {
		fmt.Printf("  Load:   %.2f %.2f %.2f\n", report.Load1, report.Load5, report.Load15)
	}
	for _, gpu := range report.GPUs {
		if gpu.HasTelemetry {
			fmt.Printf("  GPU:    %s (%.0f/%.0f MB, %.0f%% busy)\n",
				gpu.Name, gpu.MemUsedMB, gpu.MemTotalMB, gpu.UtilPercent)
		} else {
			fmt.Printf("  GPU:    %s\n", gpu.Name)
		}
	}

	for _, note := range report.SpawnHeadroom(maxSpawns).Notes {
		fmt.Printf("  ⚠ %s\n", note)
	}
	fmt.Println()
}
