// Package device provides the registry of devices a simulator run can send from.
package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceNotFound is returned when a registry has no device with the requested id.
var ErrDeviceNotFound = errors.New("device not found")

// Device is a simulator target.
type Device struct {
	ID               string `json:"deviceId" yaml:"id" validate:"required"`
	ConnectionString string `json:"connectionString" yaml:"connection_string" validate:"required"`
	Status           string `json:"status,omitempty" yaml:"status"`
	ConnectionState  string `json:"connectionState,omitempty" yaml:"-"`
}

// Lister lists the devices available to the simulator.
type Lister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Fetcher looks a single device up by id.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (Device, error)
}

// Registry is a source of devices.
type Registry interface {
	Lister
	Fetcher
}

// ResolveTargets turns device ids into the connection strings a run sends from. Order
// is preserved and the first unresolvable id fails the whole set.
func ResolveTargets(ctx context.Context, f Fetcher, ids []string) ([]string, error) {
	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		d, err := f.Fetch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve device %s: %w", id, err)
		}
		targets = append(targets, d.ConnectionString)
	}
	return targets, nil
}
