// Package mqtt wraps the paho client with context-aware calls, a single
// incoming-message handler and subscriptions that survive reconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
)

// ErrBus wraps every connect, publish and subscribe failure.
var ErrBus = errors.New("mqtt")

const defaultTimeout = 30 * time.Second

type Options struct {
	BrokerURL string
	// ClientID defaults to "speedtest-" followed by a random suffix.
	ClientID string
	Username string
	Password string
	// ProxyURL routes the broker connection through a SOCKS5 proxy,
	// e.g. socks5://127.0.0.1:1080.
	ProxyURL string
	Timeout  time.Duration
}

// session is the subset of paho.Client the wrapper drives.
type session interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

var _ session = paho.Client(nil)

// Client is safe for concurrent use; paho serialises outgoing packets.
type Client struct {
	client  session
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	handler func(topic string, payload []byte)
	subs    map[string]struct{}
}

// New builds a client. Nothing is dialled until Connect.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	c := &Client{
		timeout: opts.Timeout,
		logger:  logger.With("component", "mqtt"),
		subs:    make(map[string]struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "speedtest-" + uuid.NewString()[:8]
	}

	po := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(clientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(c.timeout).
		SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
			c.dispatch(m.Topic(), m.Payload())
		}).
		SetOnConnectHandler(func(paho.Client) {
			c.resubscribe()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("connection lost", "error", err)
		})

	if opts.ProxyURL != "" {
		open, err := proxyOpener(opts.ProxyURL, c.timeout)
		if err != nil {
			return nil, err
		}
		po.SetCustomOpenConnectionFn(open)
		c.logger.Info("using proxy for broker connection", "proxy", opts.ProxyURL)
	}

	c.client = paho.NewClient(po)
	return c, nil
}

// OnMessage sets the handler for every message on subscribed topics.
// Install it before Connect so no message arriving early is lost.
func (c *Client) OnMessage(h func(topic string, payload []byte)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("message dropped, no handler", "topic", topic)
		return
	}
	h(topic, payload)
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("%w: connect: %w", ErrBus, err)
	}
	c.logger.Info("connected to broker")
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if err := c.wait(ctx, c.client.Publish(topic, 1, retained, payload)); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrBus, topic, err)
	}
	return nil
}

// Subscribe subscribes to topic and remembers it for later reconnects.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if err := c.wait(ctx, c.client.Subscribe(topic, 1, nil)); err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrBus, topic, err)
	}
	c.mu.Lock()
	c.subs[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Disconnect waits briefly for in-flight work and closes the connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.logger.Info("disconnected from broker")
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}

// resubscribe runs on paho's connect callback; the first connect has
// nothing to restore.
func (c *Client) resubscribe() {
	for _, topic := range c.subscriptions() {
		token := c.client.Subscribe(topic, 1, nil)
		go func() {
			if !token.WaitTimeout(c.timeout) {
				c.logger.Error("resubscribe timed out", "topic", topic)
				return
			}
			if err := token.Error(); err != nil {
				c.logger.Error("resubscribe failed", "topic", topic, "error", err)
				return
			}
			c.logger.Info("resubscribed", "topic", topic)
		}()
	}
}

func (c *Client) wait(ctx context.Context, token paho.Token) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// proxyOpener dials the broker through the proxy at rawURL, wrapping the
// stream in TLS for ssl/tls/mqtts brokers.
func proxyOpener(rawURL string, timeout time.Duration) (paho.OpenConnectionFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	dialer, err := proxy.FromURL(u, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("create proxy dialer: %w", err)
	}

	return func(uri *url.URL, options paho.ClientOptions) (net.Conn, error) {
		switch uri.Scheme {
		case "tcp", "mqtt":
			return dialer.Dial("tcp", uri.Host)
		case "ssl", "tls", "mqtts", "tcps":
			conn, err := dialer.Dial("tcp", uri.Host)
			if err != nil {
				return nil, err
			}
			cfg := &tls.Config{}
			if options.TLSConfig != nil {
				cfg = options.TLSConfig.Clone()
			}
			if cfg.ServerName == "" {
				cfg.ServerName = uri.Hostname()
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			tc := tls.Client(conn, cfg)
			if err := tc.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tc, nil
		default:
			return nil, fmt.Errorf("scheme %q is not supported through a proxy", uri.Scheme)
		}
	}, nil
}
