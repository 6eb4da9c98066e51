package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"weatherpush/internal/config"
	"weatherpush/internal/transport/webpush"
)

var vapidJSON bool

var vapidCmd = &cobra.Command{
	Use:   "vapid",
	Short: "Generate a VAPID key pair",
	Long: `Print a fresh VAPID key pair. The default output is env assignments
suitable for an EnvironmentFile; --json prints an object instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := webpush.GenerateKeys()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if vapidJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{"publicKey": keys.Public, "privateKey": keys.Private})
		}
		fmt.Fprintf(out, "%s=%s\n%s=%s\n", config.EnvVAPIDPublicKey, keys.Public, config.EnvVAPIDPrivateKey, keys.Private)
		return nil
	},
}

func init() {
	vapidCmd.Flags().BoolVar(&vapidJSON, "json", false, "print the keys as JSON")
	rootCmd.AddCommand(vapidCmd)
}
