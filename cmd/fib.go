package cmd

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
)

var fibCmd = &cobra.Command{
	Use:     "fib",
	Short:   "Query and control the forwarding-plane sync module",
	GroupID: "ctl",
}

var fibListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unicast routes currently programmed",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/fib/routes", nil, &out))
		printJSON(out)
	},
}

var fibMplsCmd = &cobra.Command{
	Use:   "mpls",
	Short: "List MPLS routes currently programmed",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/fib/mpls", nil, &out))
		printJSON(out)
	},
}

var fibLookupCmd = &cobra.Command{
	Use:   "lookup <addr>",
	Short: "Longest-prefix-match lookup for one address",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/fib/lookup", url.Values{"addr": {args[0]}}, &out))
		printJSON(out)
	},
}

var fibSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Force an immediate resync with the forwarding agent",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		mustOk(c.Send("POST", "/v1/fib/sync", nil, nil))
	},
}

var fibStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-node FIB sync status published to KvStore",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/fib/status", nil, &out))
		printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(fibCmd)
	fibCmd.AddCommand(fibListCmd, fibMplsCmd, fibLookupCmd, fibSyncCmd, fibStatusCmd)
}
