package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// HandlerRetry bounds in-handler retries of transient errors.
type HandlerRetry struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
	Logf     func(string, ...any)
}

func (p HandlerRetry) normalized() HandlerRetry {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Delay <= 0 {
		p.Delay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.Logf == nil {
		p.Logf = func(string, ...any) {}
	}
	return p
}

// Call runs fn until it succeeds, returns a permanent error, ctx is done or
// the attempt budget is spent, doubling the delay between attempts. It
// returns the last error fn returned.
func (p HandlerRetry) Call(ctx context.Context, op string, fn func() error) error {
	p = p.normalized()
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = fn()
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return IsPermanent(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			p.Logf("retry %s attempt %d: %v", op, attempt, err)
		},
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// RetryTransient wraps h so transient errors are retried with doubling delay.
// Permanent errors and the last transient error are returned unchanged.
func RetryTransient(h Handler, policy HandlerRetry) Handler {
	return func(ctx context.Context, msg Message) error {
		op := fmt.Sprintf("%s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
		return policy.Call(ctx, op, func() error {
			return h(ctx, msg)
		})
	}
}
