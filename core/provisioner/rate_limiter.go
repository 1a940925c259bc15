package provisioner

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// launchGate enforces a minimum spacing between outbound provider calls
// (spec §4.4: 200ms minimum) and bounded exponential backoff whenever a
// call comes back 429.
type launchGate struct {
	limiter *rate.Limiter

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func newLaunchGate(minSpacing time.Duration) *launchGate {
	return &launchGate{
		limiter:     rate.NewLimiter(rate.Every(minSpacing), 1),
		baseBackoff: 250 * time.Millisecond,
		maxBackoff:  10 * time.Second,
	}
}

// wait blocks until the gate permits the next outbound call.
func (g *launchGate) wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// backoff sleeps an exponentially increasing, jittered duration for the
// given retry attempt (0-indexed), capped at maxBackoff.
func (g *launchGate) backoff(ctx context.Context, attempt int) error {
	d := g.baseBackoff << attempt
	if d > g.maxBackoff || d <= 0 {
		d = g.maxBackoff
	}
	jittered := d/2 + time.Duration(rand.Int63n(int64(d/2+1)))

	select {
	case <-time.After(jittered):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
