// Package config loads the simulator configuration from YAML, a .env file and SIM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-iot-simulator/pkg/device"
	"github.com/illmade-knight/go-iot-simulator/pkg/iothub"
	"github.com/illmade-knight/go-iot-simulator/pkg/pubsubsink"
	"github.com/illmade-knight/go-iot-simulator/pkg/report"
	"github.com/illmade-knight/go-iot-simulator/pkg/server"
	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

// Transports a run can send through.
const (
	TransportMQTT   = "mqtt"
	TransportPubSub = "pubsub"
	TransportDryRun = "dryrun"
)

// Device registry sources.
const (
	RegistryStatic = "static"
	RegistryHub    = "hub"
)

// Device cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// RegistryConfig selects where devices are listed from.
type RegistryConfig struct {
	Source  string                `yaml:"source" validate:"oneof=static hub"`
	Hub     iothub.RegistryConfig `yaml:"hub"`
	Devices []device.Device       `yaml:"devices" validate:"dive"`
}

// CacheConfig selects the cache in front of a hub registry.
type CacheConfig struct {
	Backend string             `yaml:"backend" validate:"oneof=none memory redis"`
	TTL     time.Duration      `yaml:"ttl" validate:"gte=0"`
	Redis   device.RedisConfig `yaml:"redis" validate:"-"`
}

// ReportersConfig lists the sinks of run reports. GCS and BigQuery are enabled by
// their presence.
type ReportersConfig struct {
	Log       bool                           `yaml:"log"`
	ProjectID string                         `yaml:"project_id" validate:"required_with=GCS BigQuery"`
	GCS       *report.GCSReporterConfig      `yaml:"gcs"`
	BigQuery  *report.BigQueryReporterConfig `yaml:"bigquery"`
}

// PayloadConfig controls how literal messages are encoded.
type PayloadConfig struct {
	// Stringify sends literal messages as JSON string values.
	Stringify bool `yaml:"stringify"`
}

// Config is the complete simulator configuration.
type Config struct {
	LogLevel   string                     `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	Transport  string                     `yaml:"transport" validate:"oneof=mqtt pubsub dryrun"`
	Dispatcher simulator.DispatcherConfig `yaml:"dispatcher"`
	Payload    PayloadConfig              `yaml:"payload"`
	MQTT       iothub.MQTTConfig          `yaml:"mqtt"`
	PubSub     pubsubsink.Config          `yaml:"pubsub" validate:"-"`
	Registry   RegistryConfig             `yaml:"registry"`
	Cache      CacheConfig                `yaml:"cache"`
	Reporters  ReportersConfig            `yaml:"reporters"`
	Server     server.Config              `yaml:"server"`
}

// Default returns a configuration that dry-runs against a static device list.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		Transport:  TransportDryRun,
		Dispatcher: simulator.DefaultDispatcherConfig(),
		MQTT:       iothub.DefaultMQTTConfig(),
		PubSub:     pubsubsink.DefaultConfig(),
		Registry: RegistryConfig{
			Source: RegistryStatic,
			Hub:    iothub.DefaultRegistryConfig(),
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			TTL:     5 * time.Minute,
			Redis:   device.RedisConfig{Addr: "localhost:6379"},
		},
		Reporters: ReportersConfig{Log: true},
		Server:    server.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path when given, then
// SIM_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process environment,
// never overriding variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks the configuration, including the sections its transport, cache and
// reporters depend on.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Transport == TransportPubSub {
		if err := v.Struct(c.PubSub); err != nil {
			return fmt.Errorf("invalid pubsub configuration: %w", err)
		}
	}
	if c.Registry.Source == RegistryHub && c.Registry.Hub.ConnectionString == "" {
		return errors.New("invalid configuration: registry.hub.connection_string is required for the hub registry")
	}
	if c.Cache.Backend == CacheRedis && c.Registry.Source == RegistryHub {
		if err := v.Struct(c.Cache.Redis); err != nil {
			return fmt.Errorf("invalid redis configuration: %w", err)
		}
	}
	return nil
}

// Level is the zerolog level named by LogLevel.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// HubHostName is the IoT Hub host of the registry connection string, or "".
func (c *Config) HubHostName() string {
	if c.Registry.Hub.ConnectionString == "" {
		return ""
	}
	cs, err := iothub.ParseConnectionString(c.Registry.Hub.ConnectionString)
	if err != nil {
		return ""
	}
	return cs.HostName
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"SIM_LOG_LEVEL":                &c.LogLevel,
		"SIM_TRANSPORT":                &c.Transport,
		"SIM_REGISTRY_SOURCE":          &c.Registry.Source,
		"SIM_IOTHUB_CONNECTION_STRING": &c.Registry.Hub.ConnectionString,
		"SIM_PUBSUB_PROJECT_ID":        &c.PubSub.ProjectID,
		"SIM_PUBSUB_TOPIC_ID":          &c.PubSub.TopicID,
		"SIM_CACHE_BACKEND":            &c.Cache.Backend,
		"SIM_REDIS_ADDR":               &c.Cache.Redis.Addr,
		"SIM_REDIS_PASSWORD":           &c.Cache.Redis.Password,
		"SIM_REPORTS_PROJECT_ID":       &c.Reporters.ProjectID,
		"SIM_SERVER_ADDR":              &c.Server.Addr,
		"SIM_SERVER_INPUTS_FILE":       &c.Server.InputsFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("SIM_GCS_BUCKET"); ok && v != "" {
		if c.Reporters.GCS == nil {
			c.Reporters.GCS = &report.GCSReporterConfig{}
		}
		c.Reporters.GCS.BucketName = v
	}

	durations := map[string]*time.Duration{
		"SIM_SEND_TIMEOUT":        &c.Dispatcher.SendTimeout,
		"SIM_CANCEL_GRACE_PERIOD": &c.Dispatcher.CancelGracePeriod,
		"SIM_CACHE_TTL":           &c.Cache.TTL,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("SIM_STRINGIFY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SIM_STRINGIFY %q: %w", v, err)
		}
		c.Payload.Stringify = b
	}

	if v, ok := lookup("SIM_CONNECT_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SIM_CONNECT_CONCURRENCY %q: %w", v, err)
		}
		c.Dispatcher.ConnectConcurrency = n
	}
	return nil
}
