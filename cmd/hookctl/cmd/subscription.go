package cmd

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

// subscriptionOut is the API's subscription shape; the secret is only present on creation.
type subscriptionOut struct {
	webhook.Subscription
	Secret string `json:"secret,omitempty"`
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe [source-url] [callback-url]",
	Short: "Subscribe a callback URL to a source system",
	Long: `Register a callback URL that receives every event raised by a source system.

Example:
  hookctl subscribe https://api.stripe.com https://example.com/hooks/stripe`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sub subscriptionOut
		err := newClient().do(cmd.Context(), http.MethodPost, "/api/webhook/subscribe",
			map[string]string{"sourceUrl": args[0], "callbackUrl": args[1]}, &sub)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, sub)
		}
		fmt.Fprintf(out, "Created subscription: %s\n", sub.ID)
		fmt.Fprintf(out, "  Source: %s\n", sub.SourceURL)
		fmt.Fprintf(out, "  Callback: %s\n", sub.CallbackURL)
		fmt.Fprintf(out, "  Secret: %s\n", sub.Secret)
		fmt.Fprintln(out, "Keep the secret; it is not shown again.")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [webhook-id]",
	Short: "Cancel a subscription",
	Long: `Deactivate a subscription. Pending retries for it stop; cancelling twice is fine.

Example:
  hookctl cancel 4f6c2a7e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]bool
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/webhook/cancel",
			map[string]string{"webhookId": args[0]}, &res); err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled subscription: %s\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your subscriptions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var subs []subscriptionOut
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/webhook/list", nil, &subs); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, subs)
		}
		if len(subs) == 0 {
			fmt.Fprintln(out, "No subscriptions")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSOURCE\tCALLBACK\tACTIVE\tCREATED")
		for _, s := range subs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", s.ID, s.SourceURL, s.CallbackURL, s.Active, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(subscribeCmd, cancelCmd, listCmd)
}
