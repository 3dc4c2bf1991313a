package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	verbose    bool
	ciMode     bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "veil",
	Short: "Privacy-preserving workflow telemetry",
	Long: `Veil captures document workflow actions, privatizes them with differential
privacy and k-anonymity, and indexes the result for semantic search.`,
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (.yaml or .json)")
	RootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.veil)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&ciMode, "ci", false, "CI mode: JSON output, non-interactive")
}
