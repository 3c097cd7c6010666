// Package cache holds the caller-owned pharmacy list cache.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/medilink/pharmacy-locator/internal/locator"
	"github.com/medilink/pharmacy-locator/internal/observability/metrics"
)

// Lister fetches the full pharmacy list from the registry
type Lister interface {
	List(ctx context.Context) ([]locator.Record, error)
}

// Shared is an optional cache tier shared between replicas
type Shared interface {
	Load(ctx context.Context) ([]locator.Record, bool, error)
	Store(ctx context.Context, records []locator.Record) error
	Purge(ctx context.Context) error
}

// Config holds cache configuration
type Config struct {
	// TTL is how long a loaded list is served before reloading
	TTL time.Duration
}

// DefaultConfig returns defaults suitable for a slowly changing registry
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute}
}

// Stats describes the cache state
type Stats struct {
	Loaded   bool
	Size     int
	LoadedAt time.Time
	Hits     int64
	Misses   int64
}

// PharmacyList caches the registry's pharmacy list.
// Returned slices are shared snapshots and must not be modified.
type PharmacyList struct {
	lister  Lister
	shared  Shared
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	group singleflight.Group

	mu         sync.RWMutex
	records    []locator.Record
	loadedAt   time.Time
	valid      bool
	generation uint64
	hits       int64
	misses     int64
}

// Option configures a PharmacyList
type Option func(*PharmacyList)

// WithShared adds a shared tier consulted before the registry
func WithShared(s Shared) Option {
	return func(c *PharmacyList) { c.shared = s }
}

// WithMetrics records cache metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *PharmacyList) { c.metrics = m }
}

// WithClock overrides the time source
func WithClock(fn func() time.Time) Option {
	return func(c *PharmacyList) { c.now = fn }
}

// NewPharmacyList creates an empty cache over lister
func NewPharmacyList(lister Lister, cfg Config, logger *zap.Logger, opts ...Option) *PharmacyList {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	c := &PharmacyList{
		lister: lister,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached list, loading it when empty, stale or invalidated
func (c *PharmacyList) Get(ctx context.Context) ([]locator.Record, error) {
	c.mu.Lock()
	if c.valid && c.now().Sub(c.loadedAt) < c.config.TTL {
		c.hits++
		records := c.records
		c.mu.Unlock()
		c.metrics.ObserveCache(true)
		return records, nil
	}
	c.misses++
	c.mu.Unlock()
	c.metrics.ObserveCache(false)

	return c.load(ctx, true)
}

// Invalidate drops the cached list so the next Get reloads it
func (c *PharmacyList) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.generation++
	c.mu.Unlock()
	c.logger.Info("pharmacy cache invalidated")
}

// InvalidateAll drops both the local list and the shared tier
func (c *PharmacyList) InvalidateAll(ctx context.Context) error {
	c.Invalidate()
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Purge(ctx); err != nil {
		return fmt.Errorf("purge shared cache: %w", err)
	}
	return nil
}

// Refresh reloads the list from the registry, bypassing the shared tier
func (c *PharmacyList) Refresh(ctx context.Context) ([]locator.Record, error) {
	c.Invalidate()
	return c.load(ctx, false)
}

// Stats returns the current cache state
func (c *PharmacyList) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Loaded:   c.valid,
		Size:     len(c.records),
		LoadedAt: c.loadedAt,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func (c *PharmacyList) load(ctx context.Context, useShared bool) ([]locator.Record, error) {
	key := "registry"
	if useShared {
		key = "shared"
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		gen := c.generation
		c.mu.RUnlock()

		records, err := c.fetch(ctx, useShared)
		c.metrics.ObserveRefresh(err)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		// an Invalidate during the fetch means this result may already be stale
		if gen == c.generation {
			c.records = records
			c.loadedAt = c.now()
			c.valid = true
		}
		c.mu.Unlock()
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]locator.Record), nil
}

func (c *PharmacyList) fetch(ctx context.Context, useShared bool) ([]locator.Record, error) {
	if useShared && c.shared != nil {
		records, ok, err := c.shared.Load(ctx)
		if err != nil {
			c.logger.Warn("shared cache load failed", zap.Error(err))
		} else if ok {
			return records, nil
		}
	}

	records, err := c.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pharmacies: %w", err)
	}
	if records == nil {
		records = []locator.Record{}
	}

	if c.shared != nil {
		if err := c.shared.Store(ctx, records); err != nil {
			c.logger.Warn("shared cache store failed", zap.Error(err))
		}
	}

	c.logger.Info("pharmacy list loaded", zap.Int("count", len(records)))
	return records, nil
}
