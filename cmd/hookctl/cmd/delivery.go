package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

var sentCmd = &cobra.Command{
	Use:   "sent [delivery-id]",
	Short: "Show deliveries sent to your subscriptions",
	Long: `List your delivery records, newest first, or show one delivery.

With --watch the command polls until every selected delivery is success or failed.

Examples:
  hookctl sent
  hookctl sent --event 7d1e...
  hookctl sent 0b9a... --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")
		eventID, _ := cmd.Flags().GetString("event")
		c := newClient()

		if watch {
			ctx, cancel := context.WithTimeout(cmd.Context(), watchLimit(cmd))
			defer cancel()
			rows, err := waitForDeliveries(ctx, c, args, eventID, interval)
			if err != nil {
				return err
			}
			return printDeliveries(cmd.OutOrStdout(), rows)
		}

		if len(args) == 1 {
			var d webhook.DeliveryAttempt
			if err := c.do(cmd.Context(), http.MethodGet, "/api/webhook/sent/"+args[0], nil, &d); err != nil {
				return fmt.Errorf("failed to get delivery: %w", err)
			}
			return printDeliveries(cmd.OutOrStdout(), []webhook.DeliveryAttempt{d})
		}

		rows, err := listSent(cmd.Context(), c)
		if err != nil {
			return err
		}
		return printDeliveries(cmd.OutOrStdout(), filterDeliveries(rows, nil, eventID))
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Deliver a finished delivery's event again",
	Long: `Create a new pending delivery of the same event to the same subscription.
The original record is left as it is.

Example:
  hookctl replay 0b9a...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d webhook.DeliveryAttempt
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/webhook/sent/"+args[0]+"/replay", nil, &d); err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Replayed as delivery %s (event %s)\n", d.ID, d.EventID)
		return nil
	},
}

func watchLimit(cmd *cobra.Command) time.Duration {
	d, _ := cmd.Flags().GetDuration("watch-timeout")
	if d <= 0 {
		d = 5 * time.Minute
	}
	return d
}

func listSent(ctx context.Context, c *apiClient) ([]webhook.DeliveryAttempt, error) {
	var rows []webhook.DeliveryAttempt
	if err := c.do(ctx, http.MethodGet, "/api/webhook/sent", nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return rows, nil
}

// filterDeliveries keeps rows whose id is in ids (when given) and whose event is eventID (when set).
func filterDeliveries(rows []webhook.DeliveryAttempt, ids []string, eventID string) []webhook.DeliveryAttempt {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]webhook.DeliveryAttempt, 0, len(rows))
	for _, r := range rows {
		if len(want) > 0 && !want[r.ID] {
			continue
		}
		if eventID != "" && r.EventID != eventID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// settled reports whether rows cover every id in ids and none is still pending.
func settled(rows []webhook.DeliveryAttempt, ids []string) bool {
	if len(rows) < len(ids) {
		return false
	}
	for _, r := range rows {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

// waitForDeliveries polls the ledger until the selected deliveries settle or ctx ends.
func waitForDeliveries(ctx context.Context, c *apiClient, ids []string, eventID string, interval time.Duration) ([]webhook.DeliveryAttempt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rows, err := listSent(ctx, c)
		if err != nil {
			return nil, err
		}
		rows = filterDeliveries(rows, ids, eventID)
		if len(rows) > 0 && settled(rows, ids) {
			return rows, nil
		}
		select {
		case <-ctx.Done():
			return rows, fmt.Errorf("deliveries still pending: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func statusIcon(s webhook.Status) string {
	switch s {
	case webhook.StatusSuccess:
		return "✅ success"
	case webhook.StatusFailed:
		return "❌ failed"
	case webhook.StatusPending:
		return "⏳ pending"
	}
	return string(s)
}

func printDeliveries(w io.Writer, rows []webhook.DeliveryAttempt) error {
	if outputJSON {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No deliveries")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DELIVERY\tEVENT\tTYPE\tSTATUS\tATTEMPTS\tHTTP\tLAST ERROR")
	for _, d := range rows {
		httpStatus := "-"
		if d.HTTPStatus > 0 {
			httpStatus = fmt.Sprint(d.HTTPStatus)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.EventID, d.EventType, statusIcon(d.Status), d.Attempts, httpStatus, d.LastError)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(sentCmd, replayCmd)

	sentCmd.Flags().Bool("watch", false, "poll until the selected deliveries succeed or fail")
	sentCmd.Flags().Duration("interval", time.Second, "poll interval for --watch")
	sentCmd.Flags().Duration("watch-timeout", 5*time.Minute, "give up watching after this long")
	sentCmd.Flags().String("event", "", "only show deliveries of this event id")
}
