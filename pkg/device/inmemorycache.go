package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type cachedDevice struct {
	device  Device
	expires time.Time
}

// InMemoryCache implements Cache with a map. Entries expire after the TTL; a zero TTL
// keeps them forever.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cachedDevice
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

func NewInMemoryCache(ttl time.Duration, logger zerolog.Logger) *InMemoryCache {
	return &InMemoryCache{
		entries: make(map[string]cachedDevice),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With().Str("component", "InMemoryCache").Logger(),
	}
}

func (c *InMemoryCache) Get(ctx context.Context, id string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	c.mu.RLock()
	entry, found := c.entries[id]
	c.mu.RUnlock()

	if !found || (!entry.expires.IsZero() && c.now().After(entry.expires)) {
		c.logger.Debug().Str("device_id", id).Msg("In-memory cache miss.")
		return Device{}, ErrCacheMiss{ID: id}
	}
	return entry.device, nil
}

func (c *InMemoryCache) Set(ctx context.Context, d Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := cachedDevice{device: d}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[d.ID] = entry
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
	return nil
}
