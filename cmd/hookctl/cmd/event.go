package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/intake"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [source-url] [event-type] [payload-json]",
	Short: "Simulate an event from a source system",
	Long: `Raise an event as if the source system sent it. Every active subscription
of the source, across all owners, gets a pending delivery.

Example:
  hookctl simulate https://api.stripe.com order.created '{"orderId":"12345","amount":1000}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := `{}`
		if len(args) == 3 {
			raw = args[2]
		}
		res, err := simulate(cmd, args[0], args[1], raw)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Event %s fanned out to %d subscription(s)\n", res.EventID, res.FanoutCount)
		for _, d := range res.Deliveries {
			fmt.Fprintf(out, "  delivery %s -> %s\n", d.ID, d.CallbackURL)
		}
		return nil
	},
}

func simulate(cmd *cobra.Command, source, eventType, raw string) (intake.Result, error) {
	payload, err := parsePayload(raw)
	if err != nil {
		return intake.Result{}, err
	}
	body := struct {
		SourceURL string          `json:"sourceUrl"`
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}{source, eventType, payload}

	var res intake.Result
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/simulate", body, &res); err != nil {
		return intake.Result{}, fmt.Errorf("failed to simulate event: %w", err)
	}
	return res, nil
}

func init() {
	rootCmd.AddCommand(simulateCmd)
}
