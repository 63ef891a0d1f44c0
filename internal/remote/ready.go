package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Pinger is implemented by backends that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WaitReachable pings p with exponential backoff until it answers or maxWait
// elapses. Queued changes survive an unreachable remote, so callers usually
// log the returned error and continue.
func WaitReachable(ctx context.Context, p Pinger, maxWait time.Duration) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := p.Ping(ctx)
		if err != nil {
			slog.Debug("remote not reachable yet", "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(maxWait))
	if err != nil {
		return fmt.Errorf("remote unreachable after %d attempts: %w", attempt, err)
	}
	return nil
}
