package cmd

import (
	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Inspect the daemon config file",
	GroupID: "run",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Parse and print the effective config, after defaults and validation",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := core.ReadConfig(configPath)
		mustOk(err)
		printJSON(cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}
