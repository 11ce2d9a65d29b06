package simulator

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DryRunConnector accepts every target and logs payloads instead of sending them.
type DryRunConnector struct {
	logger zerolog.Logger
	sent   atomic.Int64
}

func NewDryRunConnector(logger zerolog.Logger) *DryRunConnector {
	return &DryRunConnector{logger: logger.With().Str("component", "DryRunConnector").Logger()}
}

func (c *DryRunConnector) Connect(_ context.Context, target string) (Connection, error) {
	return &dryRunConnection{parent: c, target: target}, nil
}

// Sent is the number of payloads accepted so far.
func (c *DryRunConnector) Sent() int64 { return c.sent.Load() }

type dryRunConnection struct {
	parent *DryRunConnector
	target string
}

func (c *dryRunConnection) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.parent.sent.Add(1)
	c.parent.logger.Info().Str("target", c.target).Bytes("payload", payload).Msg("Dry run send")
	return nil
}

func (c *dryRunConnection) Close() error { return nil }
