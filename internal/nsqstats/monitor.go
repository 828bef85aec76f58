// Package nsqstats polls nsqd's /stats endpoint and exports queue backlog gauges.
package nsqstats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

// Stats is the subset of the nsqd stats response we read.
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

type Monitor struct {
	client   *http.Client
	statsURL string
	topic    string
	channel  string
	interval time.Duration
	logger   *logging.Logger
}

// NewMonitor watches topic/channel on the nsqd HTTP address (for example http://nsqd:4151).
func NewMonitor(nsqdHTTPAddr, topic, channel string, interval time.Duration, logger *logging.Logger) *Monitor {
	addr := strings.TrimRight(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.New("hookrelay-nsq-monitor")
	}
	return &Monitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		statsURL: addr + "/stats?format=json",
		topic:    topic,
		channel:  channel,
		interval: interval,
		logger:   logger,
	}
}

// Poll fetches stats once and updates the gauges. It returns the worker channel depth.
func (m *Monitor) Poll(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var backlog int64
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				backlog = ch.Depth
			}
			metrics.UpdateNSQTopicDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth))
		}
	}
	metrics.UpdateWorkerBacklog(float64(backlog))
	return backlog, nil
}

// Run polls until ctx is done. Errors are logged, never fatal.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Plain().WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
