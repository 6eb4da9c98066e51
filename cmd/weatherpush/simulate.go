package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"weatherpush/internal/app"
	"weatherpush/internal/registry"
	logx "weatherpush/pkg/logx"
)

var (
	simInput string
	simSend  bool
	simSubs  string
	simLevel string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay readings through the configured channels",
	Long: `Read "<topic-or-channel> <value>" lines from --input (or stdin) and
print one JSON line per reading with the event it produced, if any.

With --send, detected events are delivered to the subscriptions listed in
--subscriptions (a JSON array of PushSubscription objects).`,
	Example: `  printf 'esp32/rain 1\nesp32/rain 0\n' | weatherpush simulate -c config.yaml`,
	RunE:    runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVarP(&simInput, "input", "i", "-", "readings file, - for stdin")
	f.BoolVar(&simSend, "send", false, "deliver detected events through Web Push")
	f.StringVar(&simSubs, "subscriptions", "", "JSON file of subscriptions used with --send")
	f.StringVar(&simLevel, "log-level", "warn", "log level written to stderr")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := app.Validate(configPath)
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if simInput != "-" {
		f, err := os.Open(simInput)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	opts := app.SimulateOptions{Send: simSend, Log: logx.NewWriter(cmd.ErrOrStderr(), simLevel)}
	if simSend {
		if simSubs == "" {
			return fmt.Errorf("--send needs --subscriptions")
		}
		data, err := os.ReadFile(simSubs)
		if err != nil {
			return err
		}
		var subs []registry.Endpoint
		if err := json.Unmarshal(data, &subs); err != nil {
			return fmt.Errorf("%s: %w", simSubs, err)
		}
		opts.Subscriptions = subs
	}
	return app.Simulate(cmd.Context(), cfg, in, cmd.OutOrStdout(), opts)
}
