package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

// trafficConfig describes one load run.
type trafficConfig struct {
	Duration     time.Duration
	Rate         int // events per second
	Source       string
	EventType    string
	Callback     string
	FailSource   string // events for this source go to FailCallback
	FailCallback string
	FailureRate  float64 // percentage (0-100) of events sent to FailSource
	Concurrency  int
}

// trafficSummary counts what a run published. Delivery outcomes are not known here.
type trafficSummary struct {
	Total          int64         `json:"total"`
	Published      int64         `json:"published"`
	PublishErrors  int64         `json:"publishErrors"`
	FailRouted     int64         `json:"failRouted"`
	Fanout         int64         `json:"fanout"`
	Elapsed        time.Duration `json:"elapsed"`
	RPS            float64       `json:"rps"`
	SubscriptionID string        `json:"subscriptionId"`
	FailSubID      string        `json:"failSubscriptionId,omitempty"`
}

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate a steady stream of simulated events",
	Long: `Subscribe a callback, then simulate events at a fixed rate for a while.

With --fail-callback, a share of the events (--failure-rate) is raised for a
second source whose only subscriber is that callback, so its deliveries
exercise retries and dead-lettering.

Example:
  hookctl traffic --rate 10 --duration 1m --callback http://fake-receiver:8081/hook
  hookctl traffic --fail-callback http://127.0.0.1:9/hook --failure-rate 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := cmd.Flags()
		var tc trafficConfig
		tc.Duration, _ = f.GetDuration("duration")
		tc.Rate, _ = f.GetInt("rate")
		tc.Source, _ = f.GetString("source")
		tc.EventType, _ = f.GetString("event-type")
		tc.Callback, _ = f.GetString("callback")
		tc.FailSource, _ = f.GetString("fail-source")
		tc.FailCallback, _ = f.GetString("fail-callback")
		tc.FailureRate, _ = f.GetFloat64("failure-rate")
		tc.Concurrency, _ = f.GetInt("concurrency")
		tokenURL, _ := f.GetString("token-url")

		if tc.Rate < 1 {
			return fmt.Errorf("--rate must be at least 1")
		}
		if tc.FailureRate < 0 || tc.FailureRate > 100 {
			return fmt.Errorf("--failure-rate must be between 0 and 100")
		}

		c := newClient()
		if tokenURL != "" {
			if c.owner == "" {
				return fmt.Errorf("--owner is required to request a token")
			}
			tok, err := fetchToken(cmd.Context(), c.http, tokenURL, c.owner)
			if err != nil {
				return err
			}
			c.token = tok
		}

		sum, err := runTraffic(cmd.Context(), c, tc, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		printTrafficSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

// fetchToken asks a token endpoint for a bearer token for owner.
func fetchToken(ctx context.Context, hc *http.Client, url, owner string) (string, error) {
	body, err := json.Marshal(map[string]string{"ownerId": owner})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get token from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tr struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("received empty token")
	}
	return tr.Token, nil
}

func subscribeTo(ctx context.Context, c *apiClient, source, callback string) (string, error) {
	var sub subscriptionOut
	if err := c.do(ctx, http.MethodPost, "/api/webhook/subscribe",
		map[string]string{"sourceUrl": source, "callbackUrl": callback}, &sub); err != nil {
		return "", fmt.Errorf("failed to subscribe %s: %w", callback, err)
	}
	return sub.ID, nil
}

// runTraffic publishes tc.Rate events per second until tc.Duration elapses or
// ctx is done. Progress goes to progress once per second.
func runTraffic(ctx context.Context, c *apiClient, tc trafficConfig, progress io.Writer) (trafficSummary, error) {
	var sum trafficSummary
	var err error
	if sum.SubscriptionID, err = subscribeTo(ctx, c, tc.Source, tc.Callback); err != nil {
		return sum, err
	}
	failing := tc.FailCallback != "" && tc.FailureRate > 0
	if failing {
		if sum.FailSubID, err = subscribeTo(ctx, c, tc.FailSource, tc.FailCallback); err != nil {
			return sum, err
		}
	}
	if tc.Concurrency < 1 {
		tc.Concurrency = 4
	}

	var published, publishErrors, failRouted, fanout, total atomic.Int64
	p := pool.New().WithMaxGoroutines(tc.Concurrency)

	runCtx, cancel := context.WithTimeout(ctx, tc.Duration)
	defer cancel()

	start := time.Now()
	tick := time.NewTicker(time.Second / time.Duration(tc.Rate))
	defer tick.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-report.C:
			fmt.Fprintf(progress, "\r%d sent, %d errors", published.Load(), publishErrors.Load())
		case <-tick.C:
			n := total.Add(1)
			source := tc.Source
			if failing && rand.Float64()*100 < tc.FailureRate {
				source = tc.FailSource
				failRouted.Add(1)
			}
			p.Go(func() {
				body := map[string]any{
					"sourceUrl": source,
					"eventType": tc.EventType,
					"payload":   map[string]any{"seq": n, "generatedBy": "hookctl traffic"},
				}
				var res struct {
					FanoutCount int `json:"fanoutCount"`
				}
				if err := c.do(ctx, http.MethodPost, "/api/simulate", body, &res); err != nil {
					publishErrors.Add(1)
					return
				}
				published.Add(1)
				fanout.Add(int64(res.FanoutCount))
			})
		}
	}
	p.Wait()
	fmt.Fprintln(progress)

	sum.Elapsed = time.Since(start)
	sum.Total = total.Load()
	sum.Published = published.Load()
	sum.PublishErrors = publishErrors.Load()
	sum.FailRouted = failRouted.Load()
	sum.Fanout = fanout.Load()
	if s := sum.Elapsed.Seconds(); s > 0 {
		sum.RPS = float64(sum.Total) / s
	}
	return sum, ctx.Err()
}

func pct(n, of int64) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}

func printTrafficSummary(w io.Writer, s trafficSummary) {
	fmt.Fprintln(w, "✅ Traffic generation complete")
	fmt.Fprintf(w, "Total events:     %d\n", s.Total)
	fmt.Fprintf(w, "Published:        %d (%.2f%%)\n", s.Published, pct(s.Published, s.Total))
	fmt.Fprintf(w, "Publish errors:   %d (%.2f%%)\n", s.PublishErrors, pct(s.PublishErrors, s.Total))
	fmt.Fprintf(w, "Deliveries:       %d\n", s.Fanout)
	fmt.Fprintf(w, "Duration:         %.2fs\n", s.Elapsed.Seconds())
	fmt.Fprintf(w, "Actual rate:      %.2f events/s\n", s.RPS)
	fmt.Fprintf(w, "Subscription:     %s\n", s.SubscriptionID)
	if s.FailSubID != "" {
		fmt.Fprintf(w, "Fail routed:      %d (%.1f%%)\n", s.FailRouted, pct(s.FailRouted, s.Total))
		fmt.Fprintf(w, "Fail subscription: %s\n", s.FailSubID)
		fmt.Fprintln(w, "Deliveries to the failing callback retry, then land in the dead-letter queue.")
	}
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	f := trafficCmd.Flags()
	f.Duration("duration", 30*time.Second, "how long to generate traffic")
	f.Int("rate", 10, "events per second")
	f.String("source", "https://api.stripe.com", "source system for normal events")
	f.String("event-type", "order.created", "event type to simulate")
	f.String("callback", "http://fake-receiver:8081/hook", "callback URL for normal events")
	f.String("fail-source", "https://api.github.com", "source system for events routed to --fail-callback")
	f.String("fail-callback", "", "callback URL that is expected to fail")
	f.Float64("failure-rate", 0, "percentage of events routed to --fail-source")
	f.Int("concurrency", 4, "parallel publish requests")
	f.String("token-url", "", "token endpoint to fetch a bearer token for --owner, e.g. http://localhost:8082/token")
}
