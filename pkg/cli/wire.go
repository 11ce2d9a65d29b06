package cli

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-simulator/pkg/config"
	"github.com/illmade-knight/go-iot-simulator/pkg/device"
	"github.com/illmade-knight/go-iot-simulator/pkg/iothub"
	"github.com/illmade-knight/go-iot-simulator/pkg/payload"
	"github.com/illmade-knight/go-iot-simulator/pkg/pubsubsink"
	"github.com/illmade-knight/go-iot-simulator/pkg/report"
	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

// cleanups runs registered close functions in reverse order.
type cleanups []func() error

func (c *cleanups) add(fn func() error) { *c = append(*c, fn) }

func (c cleanups) run() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func newConnector(ctx context.Context, cfg *config.Config, closers *cleanups, logger zerolog.Logger) (simulator.Connector, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		return iothub.NewMQTTConnector(cfg.MQTT, logger), nil
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		closers.add(client.Close)
		return pubsubsink.NewConnector(ctx, client, cfg.PubSub, logger)
	case config.TransportDryRun:
		return simulator.NewDryRunConnector(logger), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func newRegistry(ctx context.Context, cfg *config.Config, closers *cleanups, logger zerolog.Logger) (device.Registry, error) {
	if cfg.Registry.Source == config.RegistryStatic {
		return device.NewStaticRegistry(cfg.Registry.Devices)
	}

	client, err := iothub.NewRegistryClient(cfg.Registry.Hub, logger)
	if err != nil {
		return nil, err
	}
	hub := device.NewHubRegistry(client, logger)

	var cache device.Cache
	switch cfg.Cache.Backend {
	case config.CacheNone:
		return hub, nil
	case config.CacheMemory:
		cache = device.NewInMemoryCache(cfg.Cache.TTL, logger)
	case config.CacheRedis:
		redisCfg := cfg.Cache.Redis
		if redisCfg.CacheTTL == 0 {
			redisCfg.CacheTTL = cfg.Cache.TTL
		}
		if cache, err = device.NewRedisCache(ctx, redisCfg, logger); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	fetcher, err := device.NewCachedFetcher(cache, hub, logger)
	if err != nil {
		return nil, err
	}
	closers.add(fetcher.Close)
	return fetcher, nil
}

func newReporters(ctx context.Context, cfg *config.Config, closers *cleanups, logger zerolog.Logger) ([]report.Reporter, error) {
	var reporters []report.Reporter
	if cfg.Reporters.Log {
		reporters = append(reporters, report.NewLogReporter(logger))
	}

	if gcsCfg := cfg.Reporters.GCS; gcsCfg != nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		closers.add(client.Close)
		gcs, err := report.NewGCSReporter(report.NewGCSClientAdapter(client), *gcsCfg, logger)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, gcs)
	}

	if bqCfg := cfg.Reporters.BigQuery; bqCfg != nil {
		client, err := bigquery.NewClient(ctx, cfg.Reporters.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create bigquery client: %w", err)
		}
		closers.add(client.Close)
		bq, err := report.NewBigQueryReporter(ctx, client, *bqCfg, logger)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, bq)
	}
	return reporters, nil
}

// newDispatcher wires the configured transport and reporters into a Dispatcher.
func newDispatcher(ctx context.Context, cfg *config.Config, closers *cleanups, logger zerolog.Logger) (*simulator.Dispatcher, error) {
	connector, err := newConnector(ctx, cfg, closers, logger)
	if err != nil {
		return nil, err
	}
	reporters, err := newReporters(ctx, cfg, closers, logger)
	if err != nil {
		return nil, err
	}
	factory := newPayloadFactory(cfg, connector)
	return simulator.NewDispatcher(connector, factory, cfg.Dispatcher, logger, reporters...), nil
}

func newPayloadFactory(cfg *config.Config, connector simulator.Connector) payload.Factory {
	factory := payload.Factory{Stringify: cfg.Payload.Stringify}
	if labeler, ok := connector.(simulator.TargetLabeler); ok {
		factory.Label = labeler.Label
	}
	return factory
}
