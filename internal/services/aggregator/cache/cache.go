// Package cache serves campaign reads through a TTL-bounded cache in front of
// the campaign ledger. Writers invalidate by deleting entries; the next read
// repopulates from the ledger.
package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/louisbranch/donations/internal/services/aggregator/domain"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSize = 1024
	defaultTTL  = 30 * time.Second

	listKey = "campaigns:all"
)

// Options bounds the cache.
type Options struct {
	Size int
	TTL  time.Duration
}

// Campaigns is a read-through cache of campaign reads.
//
// Every key carries a generation bumped on invalidation. A load only
// populates the cache if the generation it started under is still current,
// and concurrent misses are coalesced per generation, so a read that starts
// after an invalidation never observes a value loaded before it.
type Campaigns struct {
	source storage.CampaignReader
	one    *expirable.LRU[string, domain.Campaign]
	all    *expirable.LRU[string, []domain.Campaign]
	flight singleflight.Group

	mu  sync.Mutex
	gen map[string]uint64
}

// New builds a cache over source.
func New(source storage.CampaignReader, opts Options) (*Campaigns, error) {
	if source == nil {
		return nil, fmt.Errorf("campaign reader is required")
	}
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Campaigns{
		source: source,
		one:    expirable.NewLRU[string, domain.Campaign](opts.Size, nil, opts.TTL),
		all:    expirable.NewLRU[string, []domain.Campaign](1, nil, opts.TTL),
		gen:    make(map[string]uint64),
	}, nil
}

// CampaignKey is the cache key of one campaign.
func CampaignKey(id string) string {
	return "campaign:" + id
}

// GetCampaign returns the campaign, loading it from the ledger on a miss.
// Missing campaigns are not cached.
func (c *Campaigns) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	return readThrough(c, c.one, CampaignKey(id), func() (domain.Campaign, error) {
		return c.source.GetCampaign(ctx, id)
	})
}

// ListCampaigns returns every campaign, loading the list on a miss.
func (c *Campaigns) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	list, err := readThrough(c, c.all, listKey, func() ([]domain.Campaign, error) {
		return c.source.ListCampaigns(ctx)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(list), nil
}

// Invalidate deletes the campaign entry and the list entry. Call it after
// the ledger write commits.
func (c *Campaigns) Invalidate(campaignID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range []string{CampaignKey(campaignID), listKey} {
		c.gen[key]++
	}
	c.one.Remove(CampaignKey(campaignID))
	c.all.Remove(listKey)
}

func (c *Campaigns) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[key]
}

func readThrough[V any](c *Campaigns, lru *expirable.LRU[string, V], key string, load func() (V, error)) (V, error) {
	if v, ok := lru.Get(key); ok {
		return v, nil
	}
	gen := c.generation(key)
	v, err, _ := c.flight.Do(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		v, err := load()
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.gen[key] == gen {
			lru.Add(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}
