// Command weatherpush bridges a weather station's MQTT feed to browser Web
// Push subscribers.
//
// Usage:
//
//	weatherpush serve -c config.yaml      # run the bridge
//	weatherpush validate -c config.yaml   # check a config without starting
//	weatherpush vapid                     # generate a VAPID key pair
//	weatherpush simulate -c config.yaml   # replay readings from stdin
//	weatherpush version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time: go build -ldflags "-X main.version=1.2.0".
var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "weatherpush",
	Short: "Weather station alerts over Web Push",
	Long: `weatherpush subscribes to a weather station's MQTT topics, detects
notifiable transitions (rain onset, humidity crossing a threshold) and
fans each one out to every registered browser push subscription.

Quick start:
  1. weatherpush vapid > vapid.env
  2. put the public key in config.yaml, export the private key
  3. weatherpush serve -c config.yaml`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "weatherpush %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to the config file (yaml or json)")
	rootCmd.AddCommand(versionCmd)
}
