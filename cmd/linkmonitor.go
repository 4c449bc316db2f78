package cmd

import (
	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
)

var linkmonitorCmd = &cobra.Command{
	Use:     "linkmonitor",
	Short:   "Query and control local interface/adjacency state",
	GroupID: "ctl",
}

var lmAdjCmd = &cobra.Command{
	Use:   "adj",
	Short: "Print this node's own adjacency database",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/linkmonitor/adjacency", nil, &out))
		printJSON(out)
	},
}

var lmOverloadCmd = &cobra.Command{
	Use:   "overload [iface]",
	Short: "Set node-wide or per-interface overload bit",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		overloaded, _ := cmd.Flags().GetBool("set")
		body := map[string]any{"overloaded": overloaded}
		if len(args) == 1 {
			body["ifName"] = args[0]
		}
		c := core.NewCtlClient(ctlAddr)
		mustOk(c.Send("POST", "/v1/linkmonitor/overload", body, nil))
	},
}

var lmMetricCmd = &cobra.Command{
	Use:   "metric <iface> <neighbor> <metric>",
	Short: "Override an adjacency's advertised metric",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		body := map[string]any{"ifName": args[0], "neighbor": args[1], "metric": mustUint(args[2])}
		mustOk(c.Send("POST", "/v1/linkmonitor/metric", body, nil))
	},
}

func init() {
	rootCmd.AddCommand(linkmonitorCmd)
	linkmonitorCmd.AddCommand(lmAdjCmd, lmOverloadCmd, lmMetricCmd)
	lmOverloadCmd.Flags().Bool("set", true, "overload state to set (--set=false clears it)")
}
