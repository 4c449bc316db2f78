package cmd

import (
	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
)

var decisionCmd = &cobra.Command{
	Use:     "decision",
	Short:   "Query the route computation engine",
	GroupID: "ctl",
}

var decisionRoutesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the last computed route database",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/fib/routedb", nil, &out))
		printJSON(out)
	},
}

var decisionAdjCmd = &cobra.Command{
	Use:   "adj",
	Short: "Print every node's adjacency database, as seen by Decision",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/decision/adjacencies", nil, &out))
		printJSON(out)
	},
}

var decisionPrefixesCmd = &cobra.Command{
	Use:   "prefixes",
	Short: "Print every node's advertised prefixes, as seen by Decision",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/decision/prefixes", nil, &out))
		printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(decisionCmd)
	decisionCmd.AddCommand(decisionRoutesCmd, decisionAdjCmd, decisionPrefixesCmd)
}
