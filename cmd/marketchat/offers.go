package main

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigmarket/marketchat"
)

var (
	offerDraft marketchat.OfferDraft

	deliverLink  string
	deliverFiles []string
)

func init() {
	addDraftFlags(offersCreateCmd)
	addDraftFlags(offersUpdateCmd)
	offersDeliverCmd.Flags().StringVar(&deliverLink, "link", "", "Link to the delivered work")
	offersDeliverCmd.Flags().StringSliceVar(&deliverFiles, "file", nil, "URL of a delivered file (repeatable)")

	for _, c := range []*cobra.Command{offersListCmd, offersCreateCmd, offersUpdateCmd, offersDeliverCmd, offersReviseCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
		offersCmd.AddCommand(c)
	}
	rootCmd.AddCommand(offersCmd)
}

func addDraftFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&offerDraft.Title, "title", "", "Offer title")
	f.Float64Var(&offerDraft.Price, "price", 0, "Offer price")
	f.IntVar(&offerDraft.RevisionCount, "revisions", 0, "Number of included revisions")
	f.StringVar(&offerDraft.Description, "description", "", "Description of the work")
	f.StringVar(&offerDraft.ProductID, "product", "", "Product the offer is for")
	f.StringVar(&offerDraft.StartDate, "start", "", "Start date (YYYY-MM-DD)")
	f.StringVar(&offerDraft.DeliveryDate, "due", "", "Delivery date (YYYY-MM-DD)")
	f.StringVar(&offerDraft.DeliveryFormat, "format", "", "Delivery format")
	f.StringVar(&offerDraft.Notes, "notes", "", "Extra notes")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("price")
}

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "Job offer commands",
	Long:  "List, create and progress the job offers attached to a conversation.",
}

func printOffer(cmd *cobra.Command, o *marketchat.JobOffer) error {
	if jsonOutput {
		return printJSON(cmd, o)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  %-9s  %.2f  %s\n", o.ID, o.OrderCode, o.Status, o.Price, o.Title)
	fmt.Fprintf(out, "  Revisions: %d of %d used\n", o.UsedRevisionCount, o.RevisionCount)
	if o.DeliveryDate != "" {
		fmt.Fprintf(out, "  Due:       %s\n", o.DeliveryDate)
	}
	if o.DeliveredLink != "" {
		fmt.Fprintf(out, "  Delivered: %s\n", o.DeliveredLink)
	}
	for _, f := range o.DeliveredFiles {
		fmt.Fprintf(out, "  File:      %s\n", f.URL)
	}
	return nil
}

// offerCall runs one offer request against a fresh client.
func offerCall(cmd *cobra.Command, fn func(context.Context, *marketchat.Client) (*marketchat.JobOffer, error)) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	o, err := fn(ctx, newClient(cfg))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return printOffer(cmd, o)
}

var offersListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "List offers in a conversation, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		ledger := marketchat.NewOfferLedger(newClient(cfg), nil)
		offers, err := ledger.Load(ctx, args[0], nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, offers)
		}
		if len(offers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No offers found.")
			return nil
		}
		for i := range offers {
			if err := printOffer(cmd, &offers[i]); err != nil {
				return err
			}
		}
		return nil
	},
}

var offersCreateCmd = &cobra.Command{
	Use:   "create <conversation-id>",
	Short: "Send a new job offer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := offerDraft.Validate(); err != nil {
			return err
		}
		return offerCall(cmd, func(ctx context.Context, c *marketchat.Client) (*marketchat.JobOffer, error) {
			return c.CreateOffer(ctx, args[0], offerDraft)
		})
	},
}

var offersUpdateCmd = &cobra.Command{
	Use:   "update <offer-id>",
	Short: "Edit an offer that has not been paid yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := offerDraft.Validate(); err != nil {
			return err
		}
		return offerCall(cmd, func(ctx context.Context, c *marketchat.Client) (*marketchat.JobOffer, error) {
			return c.UpdateOffer(ctx, args[0], offerDraft)
		})
	},
}

var offersDeliverCmd = &cobra.Command{
	Use:   "deliver <offer-id>",
	Short: "Deliver the work for an offer in progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := marketchat.Delivery{Link: deliverLink}
		for _, u := range deliverFiles {
			d.Files = append(d.Files, marketchat.Attachment{URL: u, Name: path.Base(u)})
		}
		if d.Link == "" && len(d.Files) == 0 {
			return fmt.Errorf("a delivery needs --link or at least one --file")
		}
		return offerCall(cmd, func(ctx context.Context, c *marketchat.Client) (*marketchat.JobOffer, error) {
			return c.DeliverOffer(ctx, args[0], d)
		})
	},
}

var offersReviseCmd = &cobra.Command{
	Use:   "revise <offer-id>",
	Short: "Request a revision of a delivered offer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return offerCall(cmd, func(ctx context.Context, c *marketchat.Client) (*marketchat.JobOffer, error) {
			return c.RequestRevision(ctx, args[0])
		})
	},
}
