package device

import (
	"context"
	"errors"
	"fmt"
)

// StaticRegistry serves a fixed device list, typically from configuration.
type StaticRegistry struct {
	devices []Device
	byID    map[string]Device
}

// NewStaticRegistry indexes devices by id. Duplicate ids are rejected.
func NewStaticRegistry(devices []Device) (*StaticRegistry, error) {
	byID := make(map[string]Device, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			return nil, errors.New("static device has no id")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate static device id %q", d.ID)
		}
		byID[d.ID] = d
	}
	return &StaticRegistry{devices: append([]Device(nil), devices...), byID: byID}, nil
}

func (r *StaticRegistry) ListDevices(_ context.Context) ([]Device, error) {
	return append([]Device(nil), r.devices...), nil
}

func (r *StaticRegistry) Fetch(_ context.Context, id string) (Device, error) {
	d, ok := r.byID[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}
