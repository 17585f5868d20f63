package worker

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoff doubles base per attempt up to ceiling, then moves it by up to a
// quarter either way.
func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(1<<shift)
	if d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int64N(int64(d/2)+1)) - d/4
	return d + jitter
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
