package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
	branchFlag string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "memoria",
	Short: "Branch-versioned memory store",
	Long: `memoria keeps agent memory blocks in a Dolt database, one branch per line of work.
The CLI covers the out-of-band tasks: schema migrations, branch management and configuration.`,
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml or .json)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON logs and output")
	RootCmd.PersistentFlags().StringVarP(&branchFlag, "branch", "b", "", "Pin the session to this branch")
}
