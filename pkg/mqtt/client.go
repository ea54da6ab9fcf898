// Package mqtt publishes monitoring events to an MQTT broker for external
// consumers (dashboards, automation).
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/config"
	"github.com/tunnelworks/underlay/pkg/logx"
)

// Client wraps a paho MQTT client for event publishing.
type Client struct {
	client    MQTT.Client
	cfg       config.MQTTConfig
	logger    *logx.Logger
	connected bool
}

// NewClient creates a publisher. Connect must be called before publishing;
// with Enabled false every operation is a no-op.
func NewClient(cfg config.MQTTConfig, logger *logx.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

// Connect establishes the broker connection.
func (c *Client) Connect() error {
	if !c.cfg.Enabled {
		c.logger.Debug("mqtt publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Broker, c.cfg.Port))
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		c.connected = true
		c.logger.Info("mqtt connection established", "broker", c.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.connected = false
		c.logger.Error("mqtt connection lost", "error", err)
	})

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker %s:%d: %w", c.cfg.Broker, c.cfg.Port, token.Error())
	}
	return nil
}

// Disconnect tears down the broker connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
	}
}

// PublishEvent publishes one monitoring event under
// <prefix>/events/<type>.
func (c *Client) PublishEvent(ev *pkg.Event) error {
	if !c.cfg.Enabled || !c.connected {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	topic := fmt.Sprintf("%s/events/%s", c.cfg.TopicPrefix, ev.Type)
	token := c.client.Publish(topic, byte(c.cfg.QoS), false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}
