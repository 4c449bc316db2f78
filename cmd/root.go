package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string
var ctlAddr string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "openr",
	Short: "Open/R link-state routing daemon and control CLI",
	Long:  `Open/R runs a link-state routing protocol across a node's interfaces and programs the computed routes into the local forwarding plane.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(); it only needs to happen
// once to rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "run", Title: "Run the daemon"})
	rootCmd.AddGroup(&cobra.Group{ID: "ctl", Title: "Control-plane queries"})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/openr/config.yaml", "daemon config file")
	rootCmd.PersistentFlags().StringVarP(&ctlAddr, "ctl-addr", "a", "http://127.0.0.1:60004", "control-plane server address")
}
