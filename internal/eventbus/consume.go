package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

// Attempt outcomes recorded for every handled message.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

const (
	defaultMembers       = 1
	defaultFetchBackoff  = 500 * time.Millisecond
	defaultCommitTimeout = 5 * time.Second
)

// Attempt describes the outcome of handling one message.
type Attempt struct {
	Topic     string
	Group     string
	Partition int
	Offset    int64
	EventID   string
	EventType string
	Outcome   string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// AttemptRecorder persists handling attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Topic   string
	Group   string
	Members int
	Handler Handler

	// Subscribe bounds group joining at startup.
	Subscribe RetryPolicy
	// FetchBackoff is the pause after a failed fetch.
	FetchBackoff  time.Duration
	CommitTimeout time.Duration

	Recorder AttemptRecorder
	Clock    clock.Clock
	Logf     func(string, ...any)
}

func (c ConsumerConfig) normalized() ConsumerConfig {
	if c.Members <= 0 {
		c.Members = defaultMembers
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = defaultFetchBackoff
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = defaultCommitTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logf == nil {
		c.Logf = func(string, ...any) {}
	}
	return c
}

// Consumer runs a fixed number of group members over one topic. Messages on
// one partition are handled sequentially by the member that owns it; members
// handle different partitions concurrently.
type Consumer struct {
	broker Broker
	cfg    ConsumerConfig

	mu   sync.Mutex
	subs []Subscription
}

// NewConsumer validates cfg and builds a consumer for broker.
func NewConsumer(broker Broker, cfg ConsumerConfig) (*Consumer, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, fmt.Errorf("group is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Consumer{broker: broker, cfg: cfg.normalized()}, nil
}

// Subscribe joins every member to the group. It returns an error once the
// subscribe budget is exhausted; the caller should treat that as fatal.
func (c *Consumer) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		return fmt.Errorf("consumer %s already subscribed", c.cfg.Group)
	}
	subs := make([]Subscription, 0, c.cfg.Members)
	for i := 0; i < c.cfg.Members; i++ {
		sub, err := Subscribe(ctx, c.broker, c.cfg.Topic, c.cfg.Group, c.cfg.Subscribe, c.cfg.Logf)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}
	c.subs = subs
	return nil
}

// Run consumes until ctx is done. The message in flight when ctx is cancelled
// is handled and committed before its member leaves the group.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	if len(subs) == 0 {
		return fmt.Errorf("consumer %s is not subscribed", c.cfg.Group)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		group.Go(func() error {
			defer func() {
				if err := sub.Close(); err != nil {
					c.cfg.Logf("consumer %s member %d: leave group: %v", c.cfg.Group, i, err)
				}
			}()
			return c.runMember(groupCtx, i, sub)
		})
	}
	return group.Wait()
}

func (c *Consumer) runMember(ctx context.Context, member int, sub Subscription) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return fmt.Errorf("consumer %s member %d: %w", c.cfg.Group, member, err)
			}
			c.cfg.Logf("consumer %s member %d: fetch: %v", c.cfg.Group, member, err)
			select {
			case <-ctx.Done():
				return nil
			case <-c.cfg.Clock.After(c.cfg.FetchBackoff):
			}
			continue
		}

		// Handling and committing survive shutdown so the in-flight message is
		// not abandoned half way.
		detached := context.WithoutCancel(ctx)
		c.handle(detached, msg)

		commitCtx, cancel := context.WithTimeout(detached, c.cfg.CommitTimeout)
		if err := sub.Commit(commitCtx, msg); err != nil {
			c.cfg.Logf("consumer %s: commit %s/%d@%d: %v", c.cfg.Group, msg.Topic, msg.Partition, msg.Offset, err)
		}
		cancel()
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) {
	started := c.cfg.Clock.Now()
	err := c.invoke(ctx, msg)

	attempt := Attempt{
		Topic:     msg.Topic,
		Group:     c.cfg.Group,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		EventID:   msg.Header(HeaderEventID),
		EventType: msg.Header(HeaderEventType),
		Outcome:   OutcomeSucceeded,
		Duration:  c.cfg.Clock.Now().Sub(started),
		CreatedAt: started.UTC(),
	}
	if err != nil {
		attempt.Outcome = OutcomeFailed
		if IsPermanent(err) {
			attempt.Outcome = OutcomeRejected
		}
		attempt.Error = err.Error()
		c.cfg.Logf("consumer %s: handle %s/%d@%d (event %q): %v", c.cfg.Group, msg.Topic, msg.Partition, msg.Offset, attempt.EventID, err)
	}
	if c.cfg.Recorder == nil {
		return
	}
	if recErr := c.cfg.Recorder.RecordAttempt(ctx, attempt); recErr != nil {
		c.cfg.Logf("consumer %s: record attempt for %s/%d@%d: %v", c.cfg.Group, msg.Topic, msg.Partition, msg.Offset, recErr)
	}
}

func (c *Consumer) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.cfg.Handler(ctx, msg)
}
