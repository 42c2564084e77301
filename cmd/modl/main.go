// Command modl fits an online dictionary-learning completer on a synthetic
// low-rank matrix and reports train/test RMSE as training progresses.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "modl",
	Short: "Online dictionary learning for sparse matrix completion",
	Long: `modl learns a low-rank dictionary from a very sparse matrix by streaming
mini-batches of rows, and predicts the missing entries.

The fit command generates a synthetic low-rank matrix, holds out a fraction
of its entries and reports the RMSE on both parts while the dictionary is
learned. Configuration comes from defaults, an optional YAML file and MODL_
environment variables, in that order; flags override all of them.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the modl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "modl %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newFitCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
