// Package cmd implements the swarmops command line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	dataDir     string
	projectName string

	// Version info, set via SetVersion.
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "swarmops",
	Short: "Multi-agent code-change orchestrator",
	Long: `swarmops plans a task list into parallel phases, runs one AI worker
per task in an isolated git worktree, merges the worker branches
sequentially with AI-assisted conflict resolution, and walks every
phase through a sequential review chain before it completes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build-time version information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .swarmops/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"orchestrator data directory (default: ~/.swarmops)")
	rootCmd.PersistentFlags().StringVarP(&projectName, "project", "p", "",
		"project name under the projects root, or an absolute repo path")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("data.dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}
