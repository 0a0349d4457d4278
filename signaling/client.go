package signaling

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds the connection settings for the signaling transport.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	RequestTimeout  int    `yaml:"request_timeout_ms"`
}

// Client wraps a NATS connection and tracks online state for the sync
// engine. Online handlers fire on every connectivity transition, including
// the initial connect.
type Client struct {
	conn    *nats.Conn
	config  NATSConfig
	timeout time.Duration

	mu       sync.Mutex
	handlers []func(online bool)
}

// NewClient connects to NATS with the configured reconnect policy.
func NewClient(cfg NATSConfig) (*Client, error) {
	c := &Client{
		config:  cfg,
		timeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("meridian-core"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
			c.notify(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			c.notify(true)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn
	c.notify(true)
	return c, nil
}

// OnOnlineChange registers a connectivity transition handler. If the client
// is already connected the handler fires immediately with true.
func (c *Client) OnOnlineChange(fn func(online bool)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	connected := c.conn != nil && c.conn.IsConnected()
	c.mu.Unlock()
	if connected {
		fn(true)
	}
}

func (c *Client) notify(online bool) {
	c.mu.Lock()
	handlers := make([]func(bool), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(online)
	}
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Status returns the connection status as a string.
func (c *Client) Status() string {
	switch c.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

// Close drains the connection.
func (c *Client) Close() {
	c.conn.Close()
}
