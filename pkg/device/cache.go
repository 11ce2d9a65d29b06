package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Cache is a fast store in front of a slower device source.
type Cache interface {
	// Get returns ErrCacheMiss when the device is not cached. Any other error is a
	// problem with the cache itself.
	Get(ctx context.Context, id string) (Device, error)
	Set(ctx context.Context, d Device) error
	io.Closer
}

// ErrCacheMiss indicates that the device was not found in the cache.
type ErrCacheMiss struct {
	ID string
}

func (e ErrCacheMiss) Error() string {
	return fmt.Sprintf("device not found in cache: %s", e.ID)
}

// IsCacheMiss checks if a given error is an ErrCacheMiss.
func IsCacheMiss(err error) bool {
	var miss ErrCacheMiss
	return errors.As(err, &miss)
}

// CachedFetcher checks the cache first, falls back to the source on a miss and writes
// the result back. Lookups that fail at the source are never cached.
type CachedFetcher struct {
	cache        Cache
	source       Registry
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewCachedFetcher creates a cache-then-source registry.
func NewCachedFetcher(cache Cache, source Registry, logger zerolog.Logger) (*CachedFetcher, error) {
	if cache == nil {
		return nil, errors.New("cache cannot be nil")
	}
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	return &CachedFetcher{
		cache:        cache,
		source:       source,
		writeTimeout: 5 * time.Second,
		logger:       logger.With().Str("component", "CachedFetcher").Logger(),
	}, nil
}

func (f *CachedFetcher) Fetch(ctx context.Context, id string) (Device, error) {
	d, err := f.cache.Get(ctx, id)
	if err == nil {
		f.logger.Debug().Str("device_id", id).Msg("Cache hit.")
		return d, nil
	}
	if !IsCacheMiss(err) {
		// A broken cache degrades to the source rather than failing the lookup.
		f.logger.Error().Err(err).Str("device_id", id).Msg("Error fetching from cache.")
	} else {
		f.logger.Debug().Str("device_id", id).Msg("Cache miss. Falling back to source.")
	}

	d, err = f.source.Fetch(ctx, id)
	if err != nil {
		return Device{}, fmt.Errorf("error fetching from source: %w", err)
	}
	f.writeBack(ctx, d)
	return d, nil
}

// ListDevices always reads the source and refreshes the cache with what it returns.
func (f *CachedFetcher) ListDevices(ctx context.Context) ([]Device, error) {
	devices, err := f.source.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		f.writeBack(ctx, d)
	}
	return devices, nil
}

func (f *CachedFetcher) writeBack(ctx context.Context, d Device) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.writeTimeout)
	defer cancel()
	if err := f.cache.Set(writeCtx, d); err != nil {
		f.logger.Error().Err(err).Str("device_id", d.ID).Msg("Failed to write to cache.")
	}
}

// Close releases the cache. The source is owned by the caller.
func (f *CachedFetcher) Close() error {
	return f.cache.Close()
}
