package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"weatherpush/internal/app"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the config, apply defaults and environment overrides, and run
every check serve would run (channel templates, schedules, timezone).
Exits non-zero on the first invalid file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Validate(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d channels, %d topics, listen %s)\n",
			configPath, len(cfg.Channels), len(cfg.MQTT.Topics), cfg.HTTP.Addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
