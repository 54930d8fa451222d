package mqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/furnace/pkg/metrics"
	"github.com/edgeflare/furnace/pkg/relay"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt client not connected")

// Client wraps a paho client. Messages on the configured topics are queued
// on Messages; a full queue drops the message.
type Client struct {
	cfg      Config
	opts     *paho.ClientOptions
	client   paho.Client
	logger   *zap.Logger
	messages chan relay.Message
	now      func() time.Time
	mu       sync.RWMutex
	closed   bool
}

// init ensures that the logger is not nil
func (c *Client) init() {
	if c.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			c.logger = zap.NewNop()
		} else {
			c.logger = logger
		}
	}
}

// NewClient prepares a client for cfg. Call Connect to reach the broker.
func NewClient(cfg Config, logger ...*zap.Logger) (*Client, error) {
	c := &Client{cfg: cfg.WithDefaults(), now: time.Now}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	c.init()

	opts, err := toPahoOptions(c.cfg)
	if err != nil {
		return nil, err
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("connection to MQTT broker lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		c.logger.Info("reconnecting to MQTT broker")
	})
	c.opts = opts
	c.messages = make(chan relay.Message, c.cfg.QueueSize)
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Messages yields inbound messages. It is closed by Disconnect.
func (c *Client) Messages() <-chan relay.Message { return c.messages }

// Connect establishes the broker connection, retrying with exponential
// backoff up to Config.ConnectRetries attempts. Subscriptions are made (and
// renewed after reconnects) by the on-connect handler.
func (c *Client) Connect(ctx context.Context) error {
	c.client = paho.NewClient(c.opts)

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.ConnectRetries-1)
	err := backoff.RetryNotify(func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return fmt.Errorf("timed out after %s", c.cfg.ConnectTimeout)
		}
		return token.Error()
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.Warn("broker connection failed", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	c.logger.Info("connected to MQTT broker", zap.Strings("servers", c.cfg.Servers), zap.String("client_id", c.cfg.ClientID))
	return nil
}

func (c *Client) onConnect(pc paho.Client) {
	filters := make(map[string]byte, len(c.cfg.Topics))
	for _, topic := range c.cfg.Topics {
		filters[topic] = c.cfg.QoS
	}
	token := pc.SubscribeMultiple(filters, c.handle)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		c.logger.Error("subscribe timed out", zap.Strings("topics", c.cfg.Topics))
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("subscribe error", zap.Error(err), zap.Strings("topics", c.cfg.Topics))
		return
	}
	c.logger.Info("subscribed", zap.Strings("topics", c.cfg.Topics))
}

func (c *Client) handle(_ paho.Client, m paho.Message) {
	msg := relay.Message{
		Topic:      m.Topic(),
		Payload:    m.Payload(),
		ReceivedAt: c.now(),
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.messages <- msg:
	default:
		metrics.IngestDropped.Inc()
		c.logger.Warn("ingest queue full, dropping message", zap.String("topic", msg.Topic))
	}
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.client == nil || !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		c.logger.Error("publish error", zap.Error(err), zap.String("topic", topic))
		return err
	}
	c.logger.Debug("message published", zap.String("topic", topic))
	return nil
}

// Disconnect unsubscribes, closes the connection and then closes Messages.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.cfg.Topics...).WaitTimeout(time.Second)
		c.client.Disconnect(250)
		c.logger.Info("disconnected from MQTT broker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.messages)
	}
}
