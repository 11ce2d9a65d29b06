package iothub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RegistryConfig configures access to the IoT Hub service API.
type RegistryConfig struct {
	ConnectionString string        `yaml:"connection_string"`
	APIVersion       string        `yaml:"api_version"`
	MaxDevices       int           `yaml:"max_devices"`
	RetryMax         int           `yaml:"retry_max"`
	Timeout          time.Duration `yaml:"timeout"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	// BaseURL overrides https://<HostName>, mainly for tests.
	BaseURL string `yaml:"base_url"`
}

// DefaultRegistryConfig provides sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		APIVersion: "2021-04-12",
		MaxDevices: 1000,
		RetryMax:   3,
		Timeout:    30 * time.Second,
		TokenTTL:   time.Hour,
	}
}

// RegistryDevice is a device identity as returned by the hub registry.
type RegistryDevice struct {
	DeviceID        string `json:"deviceId"`
	Status          string `json:"status"`
	ConnectionState string `json:"connectionState"`
	Authentication  struct {
		Type         string `json:"type"`
		SymmetricKey struct {
			PrimaryKey   string `json:"primaryKey"`
			SecondaryKey string `json:"secondaryKey"`
		} `json:"symmetricKey"`
	} `json:"authentication"`
}

// RegistryClient reads device identities from an IoT Hub.
type RegistryClient struct {
	hub     ConnectionString
	config  RegistryConfig
	baseURL string
	client  *retryablehttp.Client
	logger  zerolog.Logger
}

// NewRegistryClient creates a client from a hub (service policy) connection string.
func NewRegistryClient(cfg RegistryConfig, logger zerolog.Logger) (*RegistryClient, error) {
	hub, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	if hub.IsDevice() {
		return nil, fmt.Errorf("%w: a hub connection string with SharedAccessKeyName is required", ErrMalformedConnectionString)
	}
	defaults := DefaultRegistryConfig()
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = defaults.MaxDevices
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://" + hub.HostName
	}

	logger = logger.With().Str("component", "RegistryClient").Str("hub", hub.HostName).Logger()
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = leveledLogger{logger}

	return &RegistryClient{hub: hub, config: cfg, baseURL: baseURL, client: client, logger: logger}, nil
}

// HostName of the hub the client reads from.
func (c *RegistryClient) HostName() string { return c.hub.HostName }

// ListDevices returns up to MaxDevices device identities.
func (c *RegistryClient) ListDevices(ctx context.Context) ([]RegistryDevice, error) {
	query := url.Values{"top": {strconv.Itoa(c.config.MaxDevices)}}
	var devices []RegistryDevice
	if err := c.get(ctx, "/devices", query, &devices); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	c.logger.Debug().Int("count", len(devices)).Msg("Listed hub devices")
	return devices, nil
}

// GetDevice returns one device identity. A device unknown to the hub yields ErrDeviceNotFound.
func (c *RegistryClient) GetDevice(ctx context.Context, deviceID string) (RegistryDevice, error) {
	var device RegistryDevice
	if err := c.get(ctx, "/devices/"+url.PathEscape(deviceID), nil, &device); err != nil {
		return RegistryDevice{}, fmt.Errorf("failed to get device %s: %w", deviceID, err)
	}
	return device, nil
}

// DeviceConnectionString builds the primary-key connection string of a registry device.
func (c *RegistryClient) DeviceConnectionString(d RegistryDevice) (string, error) {
	if d.Authentication.SymmetricKey.PrimaryKey == "" {
		return "", fmt.Errorf("device %s does not use symmetric key authentication", d.DeviceID)
	}
	return DeviceConnectionString(c.hub.HostName, d.DeviceID, d.Authentication.SymmetricKey.PrimaryKey), nil
}

func (c *RegistryClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", c.config.APIVersion)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	token, err := c.hub.SASToken(c.config.TokenTTL)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrDeviceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("hub returned %s: %s", resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// leveledLogger routes retryablehttp logging into zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
