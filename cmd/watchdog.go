package cmd

import (
	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
)

var watchdogCmd = &cobra.Command{
	Use:     "watchdog",
	Short:   "Query dispatch-loop liveness",
	GroupID: "ctl",
}

var watchdogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the watchdog's last-known liveness report",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/watchdog/status", nil, &out))
		printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(watchdogCmd)
	watchdogCmd.AddCommand(watchdogStatusCmd)
}
