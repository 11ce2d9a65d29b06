package device

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-simulator/pkg/iothub"
)

// HubClient is the part of iothub.RegistryClient the hub registry uses.
type HubClient interface {
	ListDevices(ctx context.Context) ([]iothub.RegistryDevice, error)
	GetDevice(ctx context.Context, deviceID string) (iothub.RegistryDevice, error)
	DeviceConnectionString(d iothub.RegistryDevice) (string, error)
}

// HubRegistry lists the symmetric-key devices of an IoT Hub.
type HubRegistry struct {
	client HubClient
	logger zerolog.Logger
}

func NewHubRegistry(client HubClient, logger zerolog.Logger) *HubRegistry {
	return &HubRegistry{client: client, logger: logger.With().Str("component", "HubRegistry").Logger()}
}

// ListDevices skips devices that cannot be simulated with a connection string.
func (r *HubRegistry) ListDevices(ctx context.Context) ([]Device, error) {
	hubDevices, err := r.client.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(hubDevices))
	for _, hd := range hubDevices {
		d, err := r.toDevice(hd)
		if err != nil {
			r.logger.Debug().Err(err).Str("device_id", hd.DeviceID).Msg("Skipping device")
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (r *HubRegistry) Fetch(ctx context.Context, id string) (Device, error) {
	hd, err := r.client.GetDevice(ctx, id)
	if errors.Is(err, iothub.ErrDeviceNotFound) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, err
	}
	return r.toDevice(hd)
}

func (r *HubRegistry) toDevice(hd iothub.RegistryDevice) (Device, error) {
	cs, err := r.client.DeviceConnectionString(hd)
	if err != nil {
		return Device{}, err
	}
	return Device{ID: hd.DeviceID, ConnectionString: cs, Status: hd.Status, ConnectionState: hd.ConnectionState}, nil
}
