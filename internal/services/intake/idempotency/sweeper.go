package idempotency

import (
	"context"
	"time"

	"github.com/juju/clock"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Sweeper periodically evicts entries older than Retention. Eviction is
// advisory: it never un-processes a donation.
type Sweeper struct {
	Store     Store
	Retention time.Duration
	Interval  time.Duration
	Clock     clock.Clock
	Logf      func(string, ...any)
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s Sweeper) Run(ctx context.Context) error {
	if s.Retention <= 0 {
		s.Retention = DefaultRetention
	}
	if s.Interval <= 0 {
		s.Interval = DefaultSweepInterval
	}
	if s.Clock == nil {
		s.Clock = clock.WallClock
	}
	if s.Logf == nil {
		s.Logf = func(string, ...any) {}
	}
	for {
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-s.Clock.After(s.Interval):
		}
	}
}

func (s Sweeper) sweepOnce(ctx context.Context) {
	cutoff := s.Clock.Now().Add(-s.Retention)
	n, err := s.Store.Sweep(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.Logf("idempotency sweep: %v", err)
		}
		return
	}
	if n > 0 {
		s.Logf("idempotency sweep evicted %d entries created before %s", n, cutoff.Format(time.RFC3339))
	}
}
