package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var quickCmd = &cobra.Command{
	Use:   "quick [callback-url]",
	Short: "Subscribe, simulate an event and wait for the delivery",
	Long: `Run the whole flow once: subscribe callback-url to a source, simulate an
event from that source, then poll the ledger until the delivery settles.

Example:
  hookctl quick http://localhost:8081/hook --source https://api.stripe.com --event-type order.created`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		eventType, _ := cmd.Flags().GetString("event-type")
		payload, _ := cmd.Flags().GetString("payload")
		keep, _ := cmd.Flags().GetBool("keep")
		interval, _ := cmd.Flags().GetDuration("interval")
		out := cmd.OutOrStdout()
		c := newClient()

		var sub subscriptionOut
		if err := c.do(cmd.Context(), http.MethodPost, "/api/webhook/subscribe",
			map[string]string{"sourceUrl": source, "callbackUrl": args[0]}, &sub); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		fmt.Fprintf(out, "✅ Subscribed %s to %s (%s)\n", args[0], source, sub.ID)
		if !keep {
			defer func() {
				_ = c.do(context.WithoutCancel(cmd.Context()), http.MethodPost, "/api/webhook/cancel",
					map[string]string{"webhookId": sub.ID}, nil)
			}()
		}

		res, err := simulate(cmd, source, eventType, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Simulated %s event %s (fanout: %d)\n", eventType, res.EventID, res.FanoutCount)

		var mine []string
		for _, d := range res.Deliveries {
			if d.SubscriptionID == sub.ID {
				mine = append(mine, d.ID)
			}
		}
		if len(mine) == 0 {
			return fmt.Errorf("event %s produced no delivery for subscription %s", res.EventID, sub.ID)
		}

		fmt.Fprintln(out, "Waiting for delivery...")
		ctx, cancel := context.WithTimeout(cmd.Context(), watchLimit(cmd))
		defer cancel()
		rows, err := waitForDeliveries(ctx, c, mine, "", interval)
		if err != nil {
			return err
		}
		return printDeliveries(out, rows)
	},
}

func init() {
	rootCmd.AddCommand(quickCmd)
	quickCmd.Flags().String("source", "https://api.stripe.com", "source system to subscribe to")
	quickCmd.Flags().String("event-type", "order.created", "event type to simulate")
	quickCmd.Flags().String("payload", `{"orderId":"12345","amount":1000}`, "event payload (JSON)")
	quickCmd.Flags().Bool("keep", false, "keep the subscription instead of cancelling it afterwards")
	quickCmd.Flags().Duration("interval", time.Second, "poll interval")
	quickCmd.Flags().Duration("watch-timeout", 2*time.Minute, "give up waiting after this long")
}
