package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

// PendingSource lists deliveries that still have tries ahead of them.
type PendingSource interface {
	Pending(ctx context.Context) ([]webhook.DeliveryAttempt, error)
}

// Resume puts every pending delivery back on q, each due at its stored next
// try (or now when that has passed). It returns how many tasks were queued.
func Resume(ctx context.Context, src PendingSource, q Queue, now time.Time) (int, error) {
	rows, err := src.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range rows {
		delay := max(d.DueAt().Sub(now), 0)
		if err := q.Enqueue(ctx, NewTask(d, nil, now), delay); err != nil {
			return n, fmt.Errorf("resume delivery %s: %w", d.ID, err)
		}
		n++
	}
	return n, nil
}
