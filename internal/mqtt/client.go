// Package mqtt bridges session events onto an MQTT broker so external
// systems (displays, bots, the surrounding platform) can follow a play
// without holding a websocket to the engine.
package mqtt

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client wraps the Paho MQTT client for the event bridge.
type Client struct {
	client paho.Client
	log    zerolog.Logger
}

// NewClient creates a client for the given broker URL but does not
// connect.
func NewClient(brokerURL, clientID string, log zerolog.Logger) *Client {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	return &Client{
		client: paho.NewClient(opts),
		log:    log,
	}
}

// Connect attempts to connect to the broker with a bounded wait.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return &ConnectTimeoutError{}
	}
	return token.Error()
}

// Publish sends a payload to a topic at QoS 1.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return &PublishTimeoutError{Topic: topic}
	}
	return token.Error()
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.client.Disconnect(1000)
}

// StartWithRetry attempts to connect, logging failure but not crashing;
// paho keeps retrying in the background either way.
func (c *Client) StartWithRetry(brokerURL string) bool {
	if err := c.Connect(); err != nil {
		c.log.Warn().Err(err).Str("broker", brokerURL).Msg("mqtt connect failed, retrying in background")
		return false
	}
	c.log.Info().Str("broker", brokerURL).Msg("mqtt connected")
	return true
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct{}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout"
}

// PublishTimeoutError indicates a publish timed out.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}
