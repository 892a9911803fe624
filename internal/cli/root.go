// Package cli wires the trafficlake commands. Bootstrap and
// configuration errors exit non-zero; a finished batch reports failed
// tables in its summary and through the run history instead of the
// exit status, so a scheduler does not restart the whole binary over
// one bad table.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "trafficlake",
		Short:         "Incremental ETL from the store-traffic database into DuckDB",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newRunsCmd())
	return rootCmd
}
