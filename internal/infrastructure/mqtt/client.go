package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
)

// MessageHandler handles one inbound message. It runs on a paho goroutine;
// a returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Logger is the logging the client needs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho client that owns the retained <prefix>/status topic and
// remembers its subscriptions across reconnects. Safe for concurrent use.
type Client struct {
	client    pahomqtt.Client
	cfg       config.MQTTConfig
	topics    Topics
	connected atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	hookMu       sync.RWMutex
	logger       Logger
	onConnect    func()
	onDisconnect func(err error)
}

// Connect dials the broker and returns once the session is up, or fails
// after ten seconds. The last will marks <prefix>/status offline; every
// (re)connect publishes it online again.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		subscriptions: make(map[string]subscription),
		logger:        noopLogger{},
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := await(c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}
	// The connect handler runs asynchronously.
	c.connected.Store(true)
	return c, nil
}

// await waits up to timeout for token and wraps any failure in op.
func await(token pahomqtt.Token, timeout time.Duration, op error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", op, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", op, err)
	}
	return nil
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// QoS returns the configured default QoS.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS) //nolint:gosec // Validated to 0..2 by config
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()
	c.client.Publish(c.topics.Status(), c.QoS(), true, statusPayload(StatusOnline, c.cfg.Broker.ClientID, ""))

	c.hookMu.RLock()
	fn := c.onConnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.hookMu.RLock()
	fn := c.onDisconnect
	c.hookMu.RUnlock()
	c.log().Warn("MQTT connection lost", "error", err)
	if fn != nil {
		fn(err)
	}
}

// restoreSubscriptions resubscribes every tracked filter. Acknowledgements
// are awaited off the connect handler.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subscriptions {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		go func() {
			if err := await(token, defaultPublishTimeout, ErrSubscribeFailed); err != nil {
				c.log().Warn("restoring MQTT subscription failed", "topic", topic, "error", err)
			}
		}()
	}
}

// Close marks the status topic offline and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.Status(), c.QoS(), true,
			statusPayload(StatusOffline, c.cfg.Broker.ClientID, "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets a callback run on connect and on every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnect = fn
	c.hookMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hookMu.Lock()
	c.onDisconnect = fn
	c.hookMu.Unlock()
}

// SetLogger sets the logger for lost connections and handler failures.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.hookMu.Lock()
	c.logger = logger
	c.hookMu.Unlock()
}

func (c *Client) log() Logger {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}

// wrapHandler recovers handler panics and logs handler errors.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
