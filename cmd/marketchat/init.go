package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST endpoint (default "+defaultBaseURL+")")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.marketchat/config.toml",
	Long:  "Store the session token, resolve the signed-in user and save both to the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = defaultBaseURL
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		me, err := newClient(cfg).Me(ctx)
		if err != nil {
			return fmt.Errorf("token check failed: %w", err)
		}
		cfg.Auth.UserID = me.ID

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s). Token saved to %s\n", me.DisplayName(), me.ID, path)
		return nil
	},
}
