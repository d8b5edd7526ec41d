package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigmarket/marketchat"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// messages
	messagesLimit int

	// conversations
	conversationsUnread bool
)

func init() {
	meCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	messagesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", marketchat.DefaultHistoryLimit, "Maximum number of messages to return")
	sendCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")

	rootCmd.AddCommand(meCmd, conversationsCmd, messagesCmd, sendCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// ============================================================================
// me
// ============================================================================

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		me, err := newClient(cfg).Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, me)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ID:           %s\n", me.ID)
		fmt.Fprintf(out, "Name:         %s\n", me.Name)
		fmt.Fprintf(out, "Display Name: %s\n", me.DisplayName())
		fmt.Fprintf(out, "Role:         %s\n", me.Role)
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		list, err := newClient(cfg).Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		// The store applies the same ordering and clamping a live session would.
		store := marketchat.NewConversationStore(nil)
		store.SetSelf(cfg.Auth.UserID)
		store.Load(list)
		list = store.List()
		if conversationsUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		if jsonOutput {
			return printJSON(cmd, list)
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range list {
			preview := ""
			if c.LastMessage != nil {
				preview = truncate(c.LastMessage.Text, 48)
			}
			fmt.Fprintf(out, "%-24s with %-16s unread %-3d %s  %s\n",
				c.ID, c.Counterpart(cfg.Auth.UserID), c.UnreadCount, shortTime(c.LastMessage), preview)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show recent messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		messages, err := newClient(cfg).Messages(ctx, args[0], messagesLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, messages)
		}

		out := cmd.OutOrStdout()
		if len(messages) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		for i := range messages {
			printMessage(cmd, cfg, &messages[i])
		}
		return nil
	},
}

func printMessage(cmd *cobra.Command, cfg *Config, m *marketchat.Message) {
	sender := m.SenderID
	if sender == cfg.Auth.UserID {
		sender = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", shortTime(m), sender, m.Text)
	if m.OfferID != "" {
		line += fmt.Sprintf(" (offer %s)", m.OfferID)
	}
	if m.Attachment != nil {
		line += fmt.Sprintf(" [%s %s]", m.Attachment.Name, m.Attachment.URL)
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		m, err := newClient(cfg).SendMessage(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, m)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Message sent to conversation %s\n", m.ConversationID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", m.ID)
		return nil
	},
}
