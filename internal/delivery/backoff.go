package delivery

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(Cap, Base*2^(n-1)) scaled by a random factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// rand returns a value in [0,1); nil uses math/rand/v2.
	rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: time.Minute, Jitter: 0.2}
}

// Delay returns the wait before try n (1-based): the first retry, try 2, waits
// 2*Base. Try 1 is sent immediately, so Delay(1) is only a floor.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	limit := b.Cap
	if limit <= 0 {
		limit = time.Minute
	}

	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	// jitter: +/- jitter
	f := 1 + (r()*2-1)*jitter
	return time.Duration(float64(d) * f)
}
