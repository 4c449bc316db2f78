package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/open-r/openr/core"
)

var kvstoreCmd = &cobra.Command{
	Use:     "kvstore",
	Short:   "Query and mutate the replicated key-value store",
	GroupID: "ctl",
}

var kvArea string

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch one key's value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out map[string]any
		q := url.Values{"area": {kvArea}, "key": {args[0]}}
		mustOk(c.Get("/v1/kvstore/value", q, &out))
		printJSON(out)
	},
}

var kvDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump every key in an area",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out map[string]any
		mustOk(c.Get("/v1/kvstore/dump", url.Values{"area": {kvArea}}, &out))
		printJSON(out)
	},
}

var kvPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show the number of keys stored in an area (peers are not listed)",
	Run: func(cmd *cobra.Command, args []string) {
		c := core.NewCtlClient(ctlAddr)
		var out map[string]any
		mustOk(c.Get("/v1/kvstore/peers", url.Values{"area": {kvArea}}, &out))
		printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(kvstoreCmd)
	kvstoreCmd.AddCommand(kvGetCmd, kvDumpCmd, kvPeersCmd)
	kvstoreCmd.PersistentFlags().StringVar(&kvArea, "area", "0", "KvStore area")
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(b))
}

func mustOk(err error) {
	if err != nil {
		panic(err)
	}
}
