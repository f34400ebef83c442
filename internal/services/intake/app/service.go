// Package app runs the donation intake flow: validate, deduplicate by
// idempotency key, publish donation-requested, and cache the receipt.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/louisbranch/donations/internal/eventbus"
	"github.com/louisbranch/donations/internal/events"
	apperrors "github.com/louisbranch/donations/internal/platform/errors"
	"github.com/louisbranch/donations/internal/platform/id"
	"github.com/louisbranch/donations/internal/platform/timeouts"
	"github.com/louisbranch/donations/internal/services/intake/domain"
	"github.com/louisbranch/donations/internal/services/intake/idempotency"
	"golang.org/x/sync/singleflight"
)

const (
	defaultInFlightWait = 3 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// CampaignDirectory answers campaign existence checks.
type CampaignDirectory interface {
	CampaignExists(ctx context.Context, campaignID string) (bool, error)
}

// Deps wires a Service.
type Deps struct {
	Store     idempotency.Store
	Publisher eventbus.Publisher
	Campaigns CampaignDirectory
	Topic     string

	PublishTimeout time.Duration
	// CompleteRetry bounds retries of the receipt write after a publish.
	CompleteRetry eventbus.HandlerRetry
	// InFlightWait bounds how long a retry waits for a concurrent request
	// holding the same key before it is refused.
	InFlightWait time.Duration
	PollInterval time.Duration

	Clock clock.Clock
	NewID func() (string, error)
	Logf  func(string, ...any)
}

// Service accepts donation requests.
type Service struct {
	store     idempotency.Store
	publisher eventbus.Publisher
	campaigns CampaignDirectory
	topic     string

	publishTimeout time.Duration
	completeRetry  eventbus.HandlerRetry
	inFlightWait   time.Duration
	pollInterval   time.Duration

	clock clock.Clock
	newID func() (string, error)
	logf  func(string, ...any)

	flight singleflight.Group
}

// NewService validates deps and builds a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.Campaigns == nil {
		return nil, fmt.Errorf("campaign directory is required")
	}
	if strings.TrimSpace(deps.Topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	s := &Service{
		store:          deps.Store,
		publisher:      deps.Publisher,
		campaigns:      deps.Campaigns,
		topic:          deps.Topic,
		publishTimeout: deps.PublishTimeout,
		completeRetry:  deps.CompleteRetry,
		inFlightWait:   deps.InFlightWait,
		pollInterval:   deps.PollInterval,
		clock:          deps.Clock,
		newID:          deps.NewID,
		logf:           deps.Logf,
	}
	if s.publishTimeout <= 0 {
		s.publishTimeout = timeouts.Publish
	}
	if s.inFlightWait <= 0 {
		s.inFlightWait = defaultInFlightWait
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.newID == nil {
		s.newID = id.NewID
	}
	if s.logf == nil {
		s.logf = func(string, ...any) {}
	}
	if s.completeRetry.Attempts <= 0 {
		s.completeRetry = eventbus.HandlerRetry{Attempts: 3, Delay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	}
	if s.completeRetry.Clock == nil {
		s.completeRetry.Clock = s.clock
	}
	if s.completeRetry.Logf == nil {
		s.completeRetry.Logf = s.logf
	}
	return s, nil
}

// SubmitDonation accepts req once per idempotency key. Repeats of a completed
// key return the original receipt with Replayed set.
func (s *Service) SubmitDonation(ctx context.Context, req domain.Request) (domain.Receipt, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return domain.Receipt{}, err
	}

	fingerprint := req.Fingerprint()
	leader := false
	// Identical same-key requests inside this process share one submission.
	// Different bodies and other instances meet at the store reservation.
	v, err, _ := s.flight.Do(req.IdempotencyKey+"|"+fingerprint, func() (any, error) {
		leader = true
		return s.submit(context.WithoutCancel(ctx), req, fingerprint)
	})
	if err != nil {
		return domain.Receipt{}, err
	}
	receipt := v.(domain.Receipt)
	if !leader {
		receipt.Replayed = true
	}
	return receipt, nil
}

func (s *Service) submit(ctx context.Context, req domain.Request, fingerprint string) (domain.Receipt, error) {
	deadline := s.clock.Now().Add(s.inFlightWait)
	for {
		now := s.clock.Now()
		entry, reserved, err := s.store.Reserve(ctx, req.IdempotencyKey, fingerprint, now)
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			return domain.Receipt{}, keyReused(req.IdempotencyKey)
		}
		if err != nil {
			return domain.Receipt{}, apperrors.Wrap(apperrors.CodeUnavailable, "idempotency store unavailable", err)
		}
		if reserved {
			return s.accept(ctx, req, entry.CreatedAt)
		}
		if entry.State == idempotency.StateCompleted {
			return replay(entry)
		}
		if !now.Before(deadline) {
			return domain.Receipt{}, apperrors.WithMetadata(apperrors.CodeRequestInFlight,
				"a request with this Idempotency-Key is still being processed",
				map[string]string{"idempotency_key": req.IdempotencyKey})
		}
		select {
		case <-ctx.Done():
			return domain.Receipt{}, apperrors.Wrap(apperrors.CodeUnavailable, "request cancelled", ctx.Err())
		case <-s.clock.After(s.pollInterval):
		}
	}
}

// accept checks the campaign, publishes the donation and caches its receipt
// under the reservation taken at reservedAt. The publish and the cache write
// are not atomic: a crash between them lets a retry publish a second donation
// under a new id once the reservation goes stale.
func (s *Service) accept(ctx context.Context, req domain.Request, reservedAt time.Time) (domain.Receipt, error) {
	key := req.IdempotencyKey
	exists, err := s.campaigns.CampaignExists(ctx, req.CampaignID)
	if err != nil {
		s.release(ctx, key, reservedAt)
		return domain.Receipt{}, apperrors.Wrap(apperrors.CodeUnavailable, "campaign lookup failed", err)
	}
	if !exists {
		s.release(ctx, key, reservedAt)
		return domain.Receipt{}, apperrors.WithMetadata(apperrors.CodeCampaignNotFound, "campaign not found", map[string]string{"campaign_id": req.CampaignID})
	}

	donationID, err := s.newID()
	if err != nil {
		s.release(ctx, key, reservedAt)
		return domain.Receipt{}, apperrors.Wrap(apperrors.CodeUnavailable, "generate donation id", err)
	}
	eventID, err := s.newID()
	if err != nil {
		s.release(ctx, key, reservedAt)
		return domain.Receipt{}, apperrors.Wrap(apperrors.CodeUnavailable, "generate event id", err)
	}
	now := s.clock.Now()
	donation := domain.NewDonation(donationID, req, now)

	msg, err := events.Encode(eventID, now, donation.Event())
	if err != nil {
		s.release(ctx, key, reservedAt)
		return domain.Receipt{}, fmt.Errorf("encode donation %s: %w", donation.ID, err)
	}
	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	err = s.publisher.Publish(publishCtx, s.topic, msg)
	cancel()
	if err != nil {
		s.release(ctx, key, reservedAt)
		return domain.Receipt{}, apperrors.Wrap(apperrors.CodeUnavailable, "donation could not be queued, retry with the same Idempotency-Key", err)
	}

	receipt := donation.Receipt()
	response, err := json.Marshal(receipt)
	if err != nil {
		s.logf("marshal receipt for donation %s: %v", donation.ID, err)
		return receipt, nil
	}
	err = s.completeRetry.Call(ctx, "complete key "+key, func() error {
		err := s.store.Complete(ctx, key, reservedAt, response, s.clock.Now())
		if errors.Is(err, idempotency.ErrNotPending) {
			return eventbus.Permanent(err)
		}
		return err
	})
	switch {
	case errors.Is(err, idempotency.ErrNotPending):
		// The reservation went stale and another request took the key over.
		entry, getErr := s.store.Get(ctx, key)
		if getErr == nil && entry.State == idempotency.StateCompleted {
			s.logf("key %q was completed by another request; donation %s was published under a stale reservation", key, donation.ID)
			return replay(entry)
		}
		s.logf("key %q lost its reservation; donation %s already published", key, donation.ID)
	case err != nil:
		s.logf("cache receipt for key %q (donation %s already published): %v", key, donation.ID, err)
	}
	return receipt, nil
}

func (s *Service) release(ctx context.Context, key string, reservedAt time.Time) {
	if err := s.store.Release(ctx, key, reservedAt); err != nil {
		s.logf("release idempotency key %q: %v", key, err)
	}
}

func replay(entry idempotency.Entry) (domain.Receipt, error) {
	var receipt domain.Receipt
	if err := json.Unmarshal(entry.Response, &receipt); err != nil {
		return domain.Receipt{}, apperrors.Wrap(apperrors.CodeUnknown, "cached receipt is unreadable", err)
	}
	receipt.Replayed = true
	return receipt, nil
}

func keyReused(key string) error {
	return apperrors.WithMetadata(apperrors.CodeIdempotencyKeyReused,
		"Idempotency-Key was already used for a different donation",
		map[string]string{"idempotency_key": key})
}
