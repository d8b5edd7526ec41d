package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigmarket/marketchat"
)

var (
	relayAddr   string
	relaySecret string
)

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":8788", "Address to listen on")
	relayCmd.Flags().StringVar(&relaySecret, "secret", "", "Webhook signing secret (default $MARKETCHAT_WEBHOOK_SECRET)")
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Receive signed event webhooks instead of holding a websocket",
	Long: "Run an HTTP endpoint that accepts realtime events pushed as signed webhooks.\n" +
		"Events are verified against " + marketchat.SignatureHeader + ", applied to a session and printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		secret := relaySecret
		if secret == "" {
			secret = os.Getenv("MARKETCHAT_WEBHOOK_SECRET")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess := marketchat.NewSession(newClient(cfg), nil, marketchat.WithSessionLogger(slog.Default()))
		defer sess.Teardown()
		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = sess.Start(startCtx, nil)
		cancel()
		if err != nil {
			return err
		}

		w := &watcher{cmd: cmd, self: sess.Self().ID}
		sess.Conversations().Subscribe(w.unread)
		hook, err := marketchat.NewEventWebhook(secret, func(ev marketchat.Event) {
			w.event(ev)
			sess.HandleEvent(ev)
		}, slog.Default())
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/webhook", hook)
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusNoContent)
		})
		srv := &http.Server{Addr: relayAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		w.printf("relay listening on %s/webhook", relayAddr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("relay server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
