package cmd

import (
	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
	"github.com/open-r/openr/state"
)

var prefixmgrCmd = &cobra.Command{
	Use:     "prefixmgr",
	Short:   "Advertise and withdraw locally-originated prefixes",
	GroupID: "ctl",
}

var pmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List this node's locally-originated prefixes",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/prefixmgr/prefixes", nil, &out))
		printJSON(out)
	},
}

var pmAddCmd = &cobra.Command{
	Use:   "add <prefix>",
	Short: "Advertise a default-type prefix",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		body := map[string]any{
			"type":    state.PrefixTypeDefault,
			"entries": []state.PrefixEntry{{Prefix: mustPrefix(args[0]), Type: state.PrefixTypeDefault}},
		}
		mustOk(c.Send("POST", "/v1/prefixmgr/prefixes", body, nil))
	},
}

var pmWithdrawCmd = &cobra.Command{
	Use:   "withdraw <prefix>",
	Short: "Withdraw one previously advertised prefix",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		body := map[string]any{"prefixes": []string{args[0]}}
		mustOk(c.Send("DELETE", "/v1/prefixmgr/prefixes", body, nil))
	},
}

var pmAllocatorStatusCmd = &cobra.Command{
	Use:   "allocator-status",
	Short: "Print the prefix allocator's current election",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out any
		mustOk(c.Get("/v1/prefixmgr/allocator", nil, &out))
		printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(prefixmgrCmd)
	prefixmgrCmd.AddCommand(pmListCmd, pmAddCmd, pmWithdrawCmd, pmAllocatorStatusCmd)
}
