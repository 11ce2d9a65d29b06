package iothub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

// MQTTConfig holds the device-side MQTT settings used for every target.
type MQTTConfig struct {
	APIVersion         string        `yaml:"api_version"`
	Port               int           `yaml:"port"`
	QoS                byte          `yaml:"qos"`
	KeepAlive          time.Duration `yaml:"keep_alive"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	DisconnectQuiesce  time.Duration `yaml:"disconnect_quiesce"`
	CACertFile         string        `yaml:"ca_cert_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// DefaultMQTTConfig provides sensible defaults.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		APIVersion:        "2021-04-12",
		Port:              8883,
		QoS:               1,
		KeepAlive:         60 * time.Second,
		ConnectTimeout:    10 * time.Second,
		TokenTTL:          time.Hour,
		DisconnectQuiesce: 250 * time.Millisecond,
	}
}

// jsonProperties marks a D2C message as UTF-8 JSON so hub routing can query its body.
const jsonProperties = "$.ct=application%2Fjson&$.ce=utf-8"

// MQTTConnector implements simulator.Connector for IoT Hub devices. Targets are device
// (or module) connection strings and every target gets its own MQTT client.
type MQTTConnector struct {
	config    MQTTConfig
	logger    zerolog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
	now       func() time.Time
}

// NewMQTTConnector creates a connector, filling zero config values with defaults.
func NewMQTTConnector(cfg MQTTConfig, logger zerolog.Logger) *MQTTConnector {
	defaults := DefaultMQTTConfig()
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaults.KeepAlive
		logger.Warn().Msg("mqtt config had a zero KeepAlive value - setting to 60 * time.Second")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
		logger.Warn().Msg("mqtt config had a zero ConnectTimeout value - setting to 10 * time.Second")
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	return &MQTTConnector{
		config:    cfg,
		logger:    logger.With().Str("component", "MQTTConnector").Logger(),
		newClient: mqtt.NewClient,
		now:       time.Now,
	}
}

// Label hides the key of a connection string behind its device identity.
func (c *MQTTConnector) Label(target string) string {
	cs, err := ParseConnectionString(target)
	if err != nil || !cs.IsDevice() {
		return "invalid-connection-string"
	}
	return cs.Identity()
}

// Connect opens the MQTT session of one device.
func (c *MQTTConnector) Connect(ctx context.Context, target string) (simulator.Connection, error) {
	cs, err := ParseConnectionString(target)
	if err != nil {
		return nil, err
	}
	if !cs.IsDevice() {
		return nil, fmt.Errorf("%w: a device connection string is required", ErrMalformedConnectionString)
	}
	// Sign once up front so a bad key fails the connect instead of every reconnect.
	password, err := c.sign(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token for %s: %w", cs.Identity(), err)
	}
	tlsConfig, err := newTLSConfig(c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	logger := c.logger.With().Str("device_id", cs.Identity()).Logger()
	username := fmt.Sprintf("%s/%s/?api-version=%s", cs.HostName, cs.Identity(), c.config.APIVersion)
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", cs.BrokerHost(), c.config.Port)).
		SetClientID(cs.Identity()).
		// Every (re)connect presents a freshly signed token; a reconnect after TokenTTL
		// would otherwise be refused by the hub.
		SetCredentialsProvider(func() (string, string) {
			token, err := c.sign(cs)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to re-sign SAS token, reusing the previous one")
				return username, password
			}
			password = token
			return username, token
		}).
		SetTLSConfig(tlsConfig).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(c.config.KeepAlive).
		SetConnectTimeout(c.config.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Error().Err(err).Msg("MQTT Connection lost")
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Debug().Str("broker", cs.BrokerHost()).Msg("Connected to IoT Hub")
		})

	client := c.newClient(opts)
	token := client.Connect()
	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect error for device %s: %w", cs.Identity(), err)
		}
	case <-timer.C:
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s timed out after %s", cs.BrokerHost(), c.config.ConnectTimeout)
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("context cancelled while connecting device %s: %w", cs.Identity(), ctx.Err())
	}

	return &mqttConnection{
		client:   client,
		identity: cs.Identity(),
		topic:    eventsTopic(cs),
		qos:      c.config.QoS,
		quiesce:  uint(c.config.DisconnectQuiesce.Milliseconds()),
		logger:   logger,
	}, nil
}

func (c *MQTTConnector) sign(cs ConnectionString) (string, error) {
	return GenerateSASToken(cs.ResourceURI(), cs.SharedAccessKey, cs.SharedAccessKeyName, c.now().Add(c.config.TokenTTL))
}

func eventsTopic(cs ConnectionString) string {
	if cs.ModuleID != "" {
		return fmt.Sprintf("devices/%s/modules/%s/messages/events/", cs.DeviceID, cs.ModuleID)
	}
	return fmt.Sprintf("devices/%s/messages/events/", cs.DeviceID)
}

type mqttConnection struct {
	client   mqtt.Client
	identity string
	topic    string
	qos      byte
	quiesce  uint
	logger   zerolog.Logger
}

// Send publishes one D2C message and waits for the broker acknowledgement.
func (c *mqttConnection) Send(ctx context.Context, payload []byte) error {
	topic := c.topic
	if json.Valid(payload) {
		topic += jsonProperties
	}
	token := c.client.Publish(topic, c.qos, false, payload)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish error for device %s: %w", c.identity, err)
		}
		c.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Message published")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while publishing for device %s: %w", c.identity, ctx.Err())
	}
}

// Close disconnects whatever state the client is in, which also stops a pending
// auto-reconnect.
func (c *mqttConnection) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(c.quiesce)
	c.logger.Debug().Msg("MQTT client disconnected")
	return nil
}

// newTLSConfig creates the TLS configuration for device connections.
func newTLSConfig(cfg MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertFile == "" {
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append CA certificate to pool")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
