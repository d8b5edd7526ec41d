package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigmarket/marketchat/internal/sandbox"
)

var (
	sandboxAddr    string
	sandboxLatency time.Duration
	sandboxPing    time.Duration
	sandboxSave    bool
)

func init() {
	sandboxCmd.Flags().StringVar(&sandboxAddr, "addr", ":8787", "Address to listen on")
	sandboxCmd.Flags().DurationVar(&sandboxLatency, "latency", 0, "Artificial delay added to every REST response")
	sandboxCmd.Flags().DurationVar(&sandboxPing, "ping", 25*time.Second, "Heartbeat interval (0 disables)")
	sandboxCmd.Flags().BoolVar(&sandboxSave, "login", false, "Save the seeded buyer token to the config file")
	rootCmd.AddCommand(sandboxCmd)
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run an in-memory marketplace server for local testing",
	Long: "Start an in-memory server implementing the REST and realtime endpoints, seeded with\n" +
		"a buyer, a seller and one conversation between them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := sandbox.New(sandbox.Config{
			Latency:      sandboxLatency,
			PingInterval: sandboxPing,
			Logger:       slog.Default(),
		})
		seed := srv.Seed()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Sandbox listening on %s\n", sandboxAddr)
		fmt.Fprintf(out, "  Buyer:        %s  token %s\n", seed.BuyerID, seed.BuyerToken)
		fmt.Fprintf(out, "  Seller:       %s  token %s\n", seed.SellerID, seed.SellerToken)
		fmt.Fprintf(out, "  Conversation: %s\n", seed.ConversationID)

		if sandboxSave {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Default.BaseURL = localURL(sandboxAddr)
			cfg.Default.WSURL = ""
			cfg.Auth.Token = seed.BuyerToken
			cfg.Auth.UserID = seed.BuyerID
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(out, "Signed in as %s\n", seed.BuyerID)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(sandboxAddr) }()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("sandbox server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// localURL turns a listen address such as ":8787" into a URL a client on the
// same host can reach.
func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
