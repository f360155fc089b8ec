package cmd

import (
	"github.com/spf13/cobra"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "apm",
	Short: "APM - phase-driven workflow for software projects",
	Long: `APM drives a project through the ANALYZE, PLAN, CREATE, IMPLEMENT and
REFLECT phases. Each run executes the current phase, stores its artifacts
and hands over to the next phase.

Examples:
  apm run --project orders --requirement "Automatically validate incoming orders."
  apm status --project orders
  apm history --project orders --kind CodeSpec`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the apm command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./apm.yaml or ~/.apm/apm.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	// run (defined in run.go)
	rootCmd.AddCommand(runCmd)

	// status, history, version (defined in status.go)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	// ingest (defined in ingest.go)
	rootCmd.AddCommand(ingestCmd)

	// clarify (defined in clarify.go)
	rootCmd.AddCommand(clarifyCmd)

	// export, import (defined in snapshot.go)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	// reindex, verify (defined in maintenance.go)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(verifyCmd)

	// doctor (defined in doctor.go)
	rootCmd.AddCommand(doctorCmd)

	// audit (defined in audit.go)
	rootCmd.AddCommand(auditCmd)
}
