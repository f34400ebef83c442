package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	defaultRetryAttempts = 10
	defaultRetryDelay    = time.Second
)

// RetryPolicy bounds a fixed-delay startup retry loop.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryAttempts
	}
	if p.Delay <= 0 {
		p.Delay = defaultRetryDelay
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	return p
}

// EnsureTopic provisions topic, retrying while the broker is unreachable. It
// fails once the policy's attempts are exhausted.
func EnsureTopic(ctx context.Context, broker Broker, topic TopicConfig, policy RetryPolicy, logf func(string, ...any)) error {
	if broker == nil {
		return fmt.Errorf("broker is required")
	}
	if strings.TrimSpace(topic.Name) == "" {
		return fmt.Errorf("topic name is required")
	}
	return callWithRetry(ctx, policy, logf, "ensure topic "+topic.Name, func() error {
		return broker.EnsureTopic(ctx, topic)
	})
}

// Subscribe joins group on topic, retrying on its own budget since a topic may
// exist before its partitions have leaders.
func Subscribe(ctx context.Context, broker Broker, topic, group string, policy RetryPolicy, logf func(string, ...any)) (Subscription, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if strings.TrimSpace(group) == "" {
		return nil, fmt.Errorf("group is required")
	}
	var sub Subscription
	err := callWithRetry(ctx, policy, logf, "subscribe "+group+" to "+topic, func() error {
		s, err := broker.Subscribe(ctx, topic, group)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func callWithRetry(ctx context.Context, policy RetryPolicy, logf func(string, ...any), op string, fn func() error) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	policy = policy.normalized()

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = fn()
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrClosed) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logf("%s: attempt %d/%d failed: %v", op, attempt, policy.Attempts, err)
		},
		Attempts: policy.Attempts,
		Delay:    policy.Delay,
		Clock:    policy.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if retry.IsAttemptsExceeded(err) {
		return fmt.Errorf("%s: gave up after %d attempts: %w", op, policy.Attempts, lastErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}
