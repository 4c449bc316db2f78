package cmd

import (
	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run the Open/R daemon",
	Long:    `Run loads the config file, wires every module together, and runs the dispatch loop until SIGINT/SIGTERM.`,
	GroupID: "run",
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if err := core.Bootstrap(configPath, verbose); err != nil {
			panic(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("verbose", "v", false, "debug-level logging")
}
