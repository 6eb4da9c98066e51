package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"weatherpush/internal/app"
)

var stopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MQTT to Web Push bridge",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "how long queued deliveries may drain on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(configPath, version)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	fatal := a.Err()

	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	if err := a.Stop(sctx); err != nil && fatal == nil {
		fatal = err
	}
	return fatal
}
