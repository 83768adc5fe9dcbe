package politeness

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: exponential with full jitter, raised to
// any Retry-After the server asked for.
type Backoff struct {
	Base time.Duration // Default: 500ms.
	Max  time.Duration // Default: 30s.
	// Rand returns a value in [0,1). Default: math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	ceil := base
	for i := 0; i < attempt && ceil < max; i++ {
		ceil *= 2
	}
	if ceil > max {
		ceil = max
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	d := time.Duration(rnd() * float64(ceil))
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
