package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigmarket/marketchat"
)

var watchReadDelay time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchReadDelay, "read-delay", marketchat.DefaultReadDelay, "Debounce before acknowledging reads")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream realtime events until interrupted",
	Long: "Open a live session and print incoming messages, unread counts and offer updates.\n" +
		"With a conversation id, that conversation is opened and lines typed on stdin are sent to it.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch := marketchat.NewChannel(marketchat.ChannelConfig{
			URL:    wsURL(cfg),
			Token:  cfg.Auth.Token,
			Logger: slog.Default(),
		})
		sess := marketchat.NewSession(newClient(cfg), ch,
			marketchat.WithReadDelay(watchReadDelay),
			marketchat.WithSessionLogger(slog.Default()),
		)
		defer sess.Teardown()

		w := &watcher{cmd: cmd, self: cfg.Auth.UserID}
		ch.OnReconnecting(func(attempt int, delay time.Duration) {
			w.printf("~ connection lost, retry %d in %s", attempt, delay.Round(time.Millisecond))
		})
		ch.OnOpen(func() { w.printf("~ connected") })
		ch.OnEvent(w.event)
		sess.OnNotice(func(n marketchat.Notice) { w.printf("! %s", n) })
		sess.Conversations().Subscribe(w.unread)

		var prior *marketchat.Snapshot
		if cfg.Auth.UserID != "" {
			prior = &marketchat.Snapshot{User: &marketchat.User{ID: cfg.Auth.UserID}}
		}
		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = sess.Start(startCtx, prior)
		cancel()
		if err != nil {
			return err
		}
		self := sess.Self()
		w.self = self.ID

		if len(args) == 0 {
			if err := ch.Connect(ctx, self.ID); err != nil {
				slog.Warn("realtime connect failed, retrying in background", "error", err)
			}
			w.printf("watching as %s, press Ctrl-C to stop", self.ID)
			<-ctx.Done()
			return nil
		}

		if err := sess.Open(ctx, args[0]); err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		for _, m := range sess.Messages().Messages(args[0]) {
			w.message(m)
		}
		w.printf("watching %s as %s, type a line to send it", args[0], self.ID)
		return w.sendLines(ctx, sess)
	},
}

type watcher struct {
	cmd  *cobra.Command
	self string

	mu     sync.Mutex
	counts map[string]int
}

func (w *watcher) printf(format string, args ...any) {
	fmt.Fprintf(w.cmd.OutOrStdout(), format+"\n", args...)
}

func (w *watcher) message(m marketchat.Message) {
	sender := m.SenderID
	if sender == w.self {
		sender = "you"
	}
	w.printf("[%s] %s: %s", shortTime(&m), sender, m.Text)
}

func (w *watcher) event(ev marketchat.Event) {
	switch ev.Kind {
	case marketchat.EventMessage, marketchat.EventNewMessage:
		w.message(*ev.Message)
		if ev.Offer != nil {
			w.printf("  offer %s %q %.2f (%s)", ev.Offer.ID, ev.Offer.Title, ev.Offer.Price, ev.Offer.Status)
		}
	case marketchat.EventOfferStatus:
		w.printf("* offer %s is now %s", ev.Offer.ID, ev.Offer.Status)
	}
}

// unread prints a line whenever a conversation's unread count changes.
func (w *watcher) unread(list []marketchat.Conversation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts == nil {
		w.counts = make(map[string]int, len(list))
		for _, c := range list {
			w.counts[c.ID] = c.UnreadCount
		}
		return
	}
	for _, c := range list {
		if prev, ok := w.counts[c.ID]; ok && prev == c.UnreadCount {
			continue
		}
		w.counts[c.ID] = c.UnreadCount
		w.printf("# %s unread %d", c.ID, c.UnreadCount)
	}
}

// sendLines forwards stdin lines to the open conversation until ctx ends or
// stdin closes.
func (w *watcher) sendLines(ctx context.Context, sess *marketchat.Session) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(w.cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := sess.Send(sendCtx, line)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				// the session already reported it as a notice
				slog.Debug("send failed", "error", err)
			}
		}
	}
}
