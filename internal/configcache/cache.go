// Package configcache keeps a short-lived copy of the server configuration
// with fallback to the last good copy, or to hardcoded defaults.
package configcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/store"
	"github.com/yourorg/yield-sync/internal/validation"
)

// DefaultTTL is how long a fetched snapshot is considered fresh.
const DefaultTTL = 5 * time.Minute

// Fetcher returns the server configuration.
type Fetcher interface {
	Config(ctx context.Context) (model.ConfigSnapshot, error)
}

// Cache serves the configuration snapshot. Get never fails.
type Cache struct {
	fetcher Fetcher
	store   store.Store
	ttl     time.Duration
	clock   clockwork.Clock
	log     logrus.FieldLogger

	group singleflight.Group

	mu   sync.RWMutex
	snap model.ConfigSnapshot
	has  bool
}

// New creates a cache and restores the persisted snapshot, if it is still valid.
// A nil store disables persistence.
func New(fetcher Fetcher, st store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		fetcher: fetcher,
		store:   st,
		ttl:     ttl,
		clock:   clockwork.NewRealClock(),
		log:     logrus.StandardLogger(),
	}
	c.load()
	return c
}

// WithClock sets the clock used for TTL checks
func (c *Cache) WithClock(clock clockwork.Clock) *Cache {
	c.clock = clock
	return c
}

// WithLogger sets the logger
func (c *Cache) WithLogger(l logrus.FieldLogger) *Cache {
	c.log = l
	return c
}

func (c *Cache) load() {
	if c.store == nil {
		return
	}
	var snap model.ConfigSnapshot
	found, err := store.GetJSON(c.store, store.ConfigSnapshotKey(), &snap)
	if err != nil {
		c.log.WithError(err).Warn("Discarding unreadable config snapshot")
		return
	}
	if !found {
		return
	}
	if err := validation.ValidateSnapshot(snap); err != nil {
		c.log.WithError(err).Warn("Discarding invalid persisted config snapshot")
		return
	}
	c.snap = snap
	c.has = true
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Current returns the cached snapshot without fetching, and whether one exists.
func (c *Cache) Current() (model.ConfigSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.has
}

// Get returns a fresh snapshot, refetching when the cached one is stale.
// If the refetch fails the stale snapshot is returned, and without any
// snapshot the hardcoded defaults are.
func (c *Cache) Get(ctx context.Context) model.ConfigSnapshot {
	snap, has := c.Current()
	if has && !snap.Stale(c.clock.Now(), c.ttl) {
		return snap
	}

	if err := c.Refresh(ctx); err != nil {
		if has {
			c.log.WithError(err).WithField("fetched_at", snap.FetchedAt).Warn("Config refresh failed, using stale snapshot")
			return snap
		}
		c.log.WithError(err).Warn("Config refresh failed, using defaults")
		return model.DefaultConfigSnapshot()
	}

	snap, _ = c.Current()
	return snap
}

// Refresh fetches, validates, persists and installs a new snapshot.
// Concurrent calls share a single fetch.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("config", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Cache) refresh(ctx context.Context) error {
	snap, err := c.fetcher.Config(ctx)
	if err != nil {
		metrics.ConfigRefreshTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("fetching config: %w", err)
	}
	if err := validation.ValidateSnapshot(snap); err != nil {
		metrics.ConfigRefreshTotal.WithLabelValues("invalid").Inc()
		return err
	}

	snap.Tiers = validation.SortTiers(snap.Tiers)
	snap.FetchedAt = c.clock.Now()
	snap.Default = false

	if c.store != nil {
		if err := store.PutJSON(c.store, store.ConfigSnapshotKey(), snap); err != nil {
			c.log.WithError(err).Warn("Failed to persist config snapshot")
		}
	}

	c.mu.Lock()
	c.snap = snap
	c.has = true
	c.mu.Unlock()

	metrics.ConfigRefreshTotal.WithLabelValues("ok").Inc()
	c.log.WithField("tiers", len(snap.Tiers)).Debug("Config snapshot refreshed")
	return nil
}
