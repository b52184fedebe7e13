package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"smart-health-backend/internal/metrics"
)

// ErrNotConnected is returned by publishers while the broker is unreachable
var ErrNotConnected = errors.New("mqtt client not connected")

// ConnectionState tracks the broker session lifecycle
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Subscribed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Client manages the MQTT connection (low-level connection management only)
// For subscribing and publishing, use Subscriber and Publisher respectively
type Client struct {
	client mqtt.Client
	config ClientConfig
	state  atomic.Int32

	mu            sync.Mutex
	subscriptions map[string]mqtt.MessageHandler
	startOnce     sync.Once
	done          chan struct{}

	retrying  atomic.Bool // a resubscribe loop is running
	stop      chan struct{}
	closeOnce sync.Once
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	QoS          byte
	ReconnectMin time.Duration // first retry delay of the initial connect
	ReconnectMax time.Duration // backoff ceiling, also used by paho auto-reconnect
}

// NewClient prepares a client for the broker. It does not connect; call Start.
func NewClient(config ClientConfig) *Client {
	c := newClient(config)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(messagePubHandler)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.ReconnectMax)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	c.client = mqtt.NewClient(opts)
	return c
}

func newClient(config ClientConfig) *Client {
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax < config.ReconnectMin {
		config.ReconnectMax = config.ReconnectMin
	}
	return &Client{
		config:        config,
		subscriptions: make(map[string]mqtt.MessageHandler),
		done:          make(chan struct{}),
		stop:          make(chan struct{}),
	}
}

// Subscribe registers a handler for topic. Subscriptions are (re)issued on
// every successful connect, so they survive broker reconnects.
func (c *Client) Subscribe(topic string, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler mqtt.MessageHandler) error {
	token := c.client.Subscribe(topic, c.config.QoS, handler)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// Start connects in the background, retrying with exponential backoff until the
// first connection succeeds or ctx is cancelled. Later drops are handled by
// paho's auto-reconnect. Start never blocks the caller.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.done)
			c.connectLoop(ctx)
		}()
	})
}

// Wait blocks until the initial connect loop has finished
func (c *Client) Wait() {
	<-c.done
}

func (c *Client) connectLoop(ctx context.Context) {
	delay := c.config.ReconnectMin
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		c.setState(Connecting)
		log.Printf("MQTT Client: Connecting to %s (attempt %d)", c.config.Broker, attempt)

		token := c.client.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			log.Println("MQTT Client: Connected to broker:", c.config.Broker)
			return
		}

		c.setState(Disconnected)
		log.Printf("MQTT Client: Connect failed: %v (retrying in %v)", err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextBackoff(delay, c.config.ReconnectMax)
	}
}

// nextBackoff doubles delay up to max
func nextBackoff(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		return max
	}
	return delay
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// StateName returns the current connection state as text
func (c *Client) StateName() string {
	return c.State().String()
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
	metrics.SetConnectionState(int(s))
}

// GetNativeClient returns the underlying paho MQTT client
// This is used by Subscriber and Publisher
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close closes the MQTT client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.client.Disconnect(250)
	c.setState(Disconnected)
	log.Println("MQTT Client: Disconnected")
}

// onConnect (re)subscribes every registered topic. A refused or timed out
// subscribe leaves the session open, so it is retried here with backoff.
func (c *Client) onConnect(client mqtt.Client) {
	log.Println("MQTT: Connection established, subscribing...")

	if err := c.subscribeAll(); err != nil {
		log.Printf("MQTT: %v", err)
		c.setState(Connecting)
		go c.retrySubscribe()
		return
	}
	c.setState(Subscribed)
}

func (c *Client) subscribeAll() error {
	c.mu.Lock()
	subs := make(map[string]mqtt.MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			return err
		}
		log.Printf("Subscribed to topic: %s", topic)
	}
	return nil
}

// retrySubscribe runs until the subscriptions succeed, the session drops (the
// next onConnect takes over) or the client is closed.
func (c *Client) retrySubscribe() {
	if !c.retrying.CompareAndSwap(false, true) {
		return
	}
	defer c.retrying.Store(false)

	delay := c.config.ReconnectMin
	for {
		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}

		if !c.client.IsConnectionOpen() {
			return
		}
		err := c.subscribeAll()
		if err == nil {
			c.setState(Subscribed)
			log.Println("MQTT: Subscriptions restored")
			return
		}
		delay = nextBackoff(delay, c.config.ReconnectMax)
		log.Printf("MQTT: %v (retrying in %v)", err, delay)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.setState(Disconnected)
	log.Printf("MQTT: Connection lost: %v", err)
}

func (c *Client) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.setState(Connecting)
	log.Println("MQTT: Reconnecting...")
}

var messagePubHandler mqtt.MessageHandler = func(client mqtt.Client, msg mqtt.Message) {
	log.Printf("MQTT: Received message on unexpected topic: %s", msg.Topic())
}
