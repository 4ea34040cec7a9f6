// Package mqtt publishes corrected fixes and status transitions to an
// MQTT broker for remote consumers.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

// Config holds MQTT connection settings
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "locusd",
		TopicPrefix: "locus",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Client publishes pipeline output to a broker. A disabled client is a
// no-op so call sites need no conditionals.
type Client struct {
	mu        sync.Mutex
	client    MQTT.Client
	logger    *logx.Logger
	config    *Config
	connected bool
}

// NewClient creates an MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{logger: logger, config: config}
}

// Connect establishes the broker connection
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("mqtt client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
		"topic_prefix", c.config.TopicPrefix)
	return nil
}

func (c *Client) onConnect(MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Debug("mqtt connection established")
}

func (c *Client) onConnectionLost(_ MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Warn("mqtt connection lost", "error", err)
}

// Connected reports whether the broker connection is up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PublishFix publishes a corrected fix to <prefix>/fix as JSON
func (c *Client) PublishFix(fix *pkg.CorrectedFix) error {
	return c.publish("fix", fix)
}

// PublishStatus publishes a pipeline state transition to <prefix>/status
func (c *Client) PublishStatus(state pkg.PipelineState) error {
	return c.publish("status", map[string]string{"state": string(state)})
}

// PublishEvent publishes a diagnostic event to <prefix>/event
func (c *Client) PublishEvent(event *pkg.Event) error {
	return c.publish("event", event)
}

func (c *Client) publish(suffix string, payload interface{}) error {
	if !c.config.Enabled || !c.Connected() {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, raw)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
