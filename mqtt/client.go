package mqtt

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/airmesh/config"
	"github.com/eddielth/airmesh/logger"
	"github.com/eddielth/airmesh/readings"
)

// MessageHandler receives a peer's payload together with the sender id taken from the topic
type MessageHandler func(from readings.NodeID, payload []byte)

// Client is the broadcast medium: every node publishes its readings document
// on its own topic and subscribes to everybody else's.
type Client struct {
	client     mqtt.Client
	config     config.MQTTConfig
	local      readings.NodeID
	handler    MessageHandler
	topicRE    *regexp.Regexp
	subscribed atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewClient creates a new MQTT client for the local node
func NewClient(cfg config.MQTTConfig, local readings.NodeID, handler MessageHandler) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("MQTT message handler cannot be nil")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("airmesh-%s", local)
	}

	c := &Client{
		config:  cfg,
		local:   local,
		handler: handler,
		topicRE: topicPattern(cfg.TopicPrefix),
		stopCh:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("Connected to MQTT broker: %s", cfg.Broker)
		// clean sessions drop subscriptions, restore them after a reconnect
		if c.subscribed.Load() {
			if err := c.Subscribe(); err != nil {
				logger.Error("Failed to restore subscription: %v", err)
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("Trying to reconnect to MQTT broker...")
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect waits for the initial connection, honouring ctx and Disconnect
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.client.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("failed to connect to MQTT broker: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

// Subscribe subscribes to every node's readings topic
func (c *Client) Subscribe() error {
	topic := SubscriptionTopic(c.config.TopicPrefix)
	token := c.client.Subscribe(topic, 0, c.onMessage)

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	c.subscribed.Store(true)
	logger.Info("Subscribed to topic: %s", topic)
	return nil
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	from, err := matchNodeID(c.topicRE, msg.Topic())
	if err != nil {
		logger.Warn("Ignoring message on topic %s: %v", msg.Topic(), err)
		return
	}
	if from == c.local {
		return
	}
	logger.Debug("Received %d bytes from node %s", len(msg.Payload()), from)
	c.handler(from, msg.Payload())
}

// Broadcast publishes the payload on the local node's topic at QoS 0.
// Delivery is best effort: nothing is retained or retried.
func (c *Client) Broadcast(ctx context.Context, payload []byte) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := ReadingsTopic(c.config.TopicPrefix, c.local)
	token := c.client.Publish(topic, 0, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports the broker connection state
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.client.Disconnect(250)
		logger.Info("Disconnected from MQTT broker")
	})
}

func topicRoot(prefix string) string {
	if prefix == "" {
		return "nodes"
	}
	return prefix + "/nodes"
}

// ReadingsTopic is the topic a node publishes on: <prefix>/nodes/<id>/readings
func ReadingsTopic(prefix string, id readings.NodeID) string {
	return fmt.Sprintf("%s/%s/readings", topicRoot(prefix), id)
}

// SubscriptionTopic matches every node's readings topic
func SubscriptionTopic(prefix string) string {
	return topicRoot(prefix) + "/+/readings"
}

func topicPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(topicRoot(prefix)) + `/([^/]+)/readings$`)
}

// NodeIDFromTopic extracts the sender id from a readings topic
func NodeIDFromTopic(prefix, topic string) (readings.NodeID, error) {
	return matchNodeID(topicPattern(prefix), topic)
}

func matchNodeID(re *regexp.Regexp, topic string) (readings.NodeID, error) {
	matches := re.FindStringSubmatch(topic)
	if len(matches) < 2 {
		return 0, fmt.Errorf("topic %s is not a readings topic", topic)
	}

	id, err := readings.ParseNodeID(matches[1])
	if err != nil {
		return 0, fmt.Errorf("invalid node id in topic %s: %v", topic, err)
	}
	return id, nil
}
