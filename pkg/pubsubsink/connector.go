// Package pubsubsink delivers simulated device messages to a Google Cloud Pub/Sub topic
// instead of an IoT Hub. Each simulator target is a device id or a device connection string.
package pubsubsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-simulator/pkg/iothub"
	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

// Attribute keys set on every published message.
const (
	AttrDeviceID    = "device_id"
	AttrRunID       = "run_id"
	AttrContentType = "content_type"
)

// Config holds the settings of the Pub/Sub sink.
type Config struct {
	ProjectID string `yaml:"project_id" validate:"required"`
	TopicID   string `yaml:"topic_id" validate:"required"`
	// EnableOrdering publishes each device's messages with the device id as ordering key.
	EnableOrdering bool          `yaml:"enable_ordering"`
	CountThreshold int           `yaml:"count_threshold"`
	DelayThreshold time.Duration `yaml:"delay_threshold"`
}

// DefaultConfig provides sensible publish settings.
func DefaultConfig() Config {
	return Config{
		CountThreshold: 100,
		DelayThreshold: 10 * time.Millisecond,
	}
}

// Connector implements simulator.Connector on top of a shared Pub/Sub client.
type Connector struct {
	client *pubsub.Client
	config Config
	logger zerolog.Logger
}

// NewConnector checks that the topic exists and returns a connector publishing to it.
// The client is owned by the caller.
func NewConnector(ctx context.Context, client *pubsub.Client, cfg Config, logger zerolog.Logger) (*Connector, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for connector")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("pubsub topic id is required")
	}
	exists, err := client.Topic(cfg.TopicID).Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check existence of topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	defaults := DefaultConfig()
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = defaults.CountThreshold
	}
	if cfg.DelayThreshold <= 0 {
		cfg.DelayThreshold = defaults.DelayThreshold
	}
	logger = logger.With().Str("component", "PubsubConnector").Str("topic_id", cfg.TopicID).Logger()
	logger.Info().Msg("Pub/Sub connector initialized.")
	return &Connector{client: client, config: cfg, logger: logger}, nil
}

// Label implements simulator.TargetLabeler. Targets are device ids, or IoT Hub device
// connection strings, which are reduced to their identity so keys never reach a message.
func (c *Connector) Label(target string) string {
	if cs, err := iothub.ParseConnectionString(target); err == nil && cs.IsDevice() {
		return cs.Identity()
	}
	return target
}

// Connect returns a connection with its own topic handle, so closing one device flushes
// only that device's outstanding messages.
func (c *Connector) Connect(_ context.Context, target string) (simulator.Connection, error) {
	deviceID := c.Label(target)
	if deviceID == "" {
		return nil, errors.New("device id cannot be empty")
	}
	topic := c.client.Topic(c.config.TopicID)
	topic.PublishSettings.CountThreshold = c.config.CountThreshold
	topic.PublishSettings.DelayThreshold = c.config.DelayThreshold
	topic.EnableMessageOrdering = c.config.EnableOrdering

	return &connection{
		topic:    topic,
		deviceID: deviceID,
		ordering: c.config.EnableOrdering,
		logger:   c.logger.With().Str("device_id", deviceID).Logger(),
	}, nil
}

type connection struct {
	topic    *pubsub.Topic
	deviceID string
	ordering bool
	logger   zerolog.Logger
}

// Send publishes one message and blocks until the server has accepted or rejected it.
func (c *connection) Send(ctx context.Context, payload []byte) error {
	contentType := "text/plain"
	if json.Valid(payload) {
		contentType = "application/json"
	}
	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			AttrDeviceID:    c.deviceID,
			AttrContentType: contentType,
		},
	}
	if runID := simulator.RunIDFromContext(ctx); runID != "" {
		msg.Attributes[AttrRunID] = runID
	}
	if c.ordering {
		msg.OrderingKey = c.deviceID
	}

	msgID, err := c.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if c.ordering {
			// A failed ordered publish pauses the key until resumed.
			c.topic.ResumePublish(c.deviceID)
		}
		return fmt.Errorf("failed to publish message for device %s: %w", c.deviceID, err)
	}
	c.logger.Debug().Str("pubsub_msg_id", msgID).Msg("Message published successfully and confirmed by Pub/Sub.")
	return nil
}

// Close flushes outstanding messages of this device and releases the topic handle.
func (c *connection) Close() error {
	c.topic.Stop()
	return nil
}
