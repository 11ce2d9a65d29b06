package simulator

import (
	"context"
)

// Connector opens the outbound connection of one target. A connection is owned by a
// single target for the duration of a run and is never shared.
type Connector interface {
	Connect(ctx context.Context, target string) (Connection, error)
}

// Connection sends payloads on behalf of one target.
type Connection interface {
	// Send delivers one payload and reports exactly one outcome. It must be safe to call
	// while a previous Send on the same connection is still in flight.
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// PayloadGenerator produces the body of the message for a (target, iteration) pair.
type PayloadGenerator interface {
	Generate(target string, iteration int) ([]byte, error)
}

// PayloadFactory validates a message template once and returns the generator used for
// every message of a run.
type PayloadFactory interface {
	NewGenerator(template string, isTemplate bool) (PayloadGenerator, error)
}

// TargetLabeler is implemented by connectors whose target identifiers carry credentials.
// Label returns the name used for the target in logs, status and reports.
type TargetLabeler interface {
	Label(target string) string
}
