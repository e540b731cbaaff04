package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driveferry/driveferry/cmd/driveferry/commands"
	"github.com/driveferry/driveferry/logger"
)

var rootCmd = &cobra.Command{
	Use:   "driveferry",
	Short: "driveferry - cloud drive transfer orchestration",
	Long: `driveferry supervises bulk transfers from users' cloud drives into
object storage. Jobs are content-addressed and idempotent: submitting the
same request twice lands on the same job.

Available commands:
  serve    - Start the transfer API server
  jobs     - Inspect and control transfer jobs
  validate - Check a user's credential and drive access
  version  - Show version information

Examples:
  driveferry serve                  # Start the daemon
  driveferry jobs ls                # List recent jobs
  driveferry jobs logs <job-id>     # Show a job's log tail
  driveferry jobs stop <job-id>     # Stop a running transfer`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ferry.toml discovery)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ValidateCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
