// Package mqtt subscribes to the weather station topics and hands each
// message to the feed router as a (channel, raw) pair.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	logx "weatherpush/pkg/logx"
)

// Handler receives readings. *feed.Router implements it.
type Handler interface {
	HandleMessage(ctx context.Context, channelID, raw string) error
}

type Config struct {
	Broker             string
	ClientID           string
	Username           string
	Password           string
	QoS                byte
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
	Topics             map[string]string // topic -> channel id
}

// Client owns one broker connection.
type Client struct {
	cfg Config
	log logx.Logger
	h   Handler

	mu  sync.Mutex
	cli paho.Client

	connected atomic.Bool
	messages  atomic.Uint64
	reconnect atomic.Uint64
}

func New(cfg Config, h Handler, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt: broker is empty")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("mqtt: no topics configured")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, h: h, log: log}, nil
}

// ChannelFor maps a topic to its channel id. Unmapped topics pass through
// unchanged so the router reports them as unknown channels.
func (c *Client) ChannelFor(topic string) string {
	if ch, ok := c.cfg.Topics[topic]; ok && ch != "" {
		return ch
	}
	return topic
}

func (c *Client) options(ctx context.Context) *paho.ClientOptions {
	id := strings.TrimSpace(c.cfg.ClientID)
	if id == "" {
		id = "weatherpush-" + uuid.NewString()[:8]
	}
	keepAlive := c.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	connectTimeout := c.cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	o := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(id).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetCleanSession(true).
		// Readings of one channel must reach the tracker in arrival order.
		SetOrderMatters(true)
	if c.cfg.Username != "" {
		o.SetUsername(c.cfg.Username)
		o.SetPassword(c.cfg.Password)
	}
	if c.cfg.InsecureSkipVerify {
		o.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // operator opt-in
	}

	o.SetOnConnectHandler(func(cli paho.Client) {
		c.connected.Store(true)
		c.log.Info("mqtt connected", logx.String("broker", c.cfg.Broker), logx.String("client_id", id))
		// Clean sessions forget subscriptions, so subscribe on every connect.
		c.subscribe(ctx, cli)
	})
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.connected.Store(false)
		c.log.Warn("mqtt connection lost", logx.Err(err))
	})
	o.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.reconnect.Add(1)
		c.log.Info("mqtt reconnecting", logx.String("broker", c.cfg.Broker))
	})
	return o
}

func (c *Client) filters() map[string]byte {
	f := make(map[string]byte, len(c.cfg.Topics))
	for topic := range c.cfg.Topics {
		f[topic] = c.cfg.QoS
	}
	return f
}

func (c *Client) subscribe(ctx context.Context, cli paho.Client) {
	tok := cli.SubscribeMultiple(c.filters(), c.onMessage(ctx))
	go func() {
		if !tok.WaitTimeout(10 * time.Second) {
			c.log.Warn("mqtt subscribe timed out")
			return
		}
		if err := tok.Error(); err != nil {
			c.log.Error("mqtt subscribe failed", logx.Err(err))
			return
		}
		c.log.Info("mqtt subscribed", logx.Any("topics", c.Topics()))
	}()
}

func (c *Client) onMessage(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		c.messages.Add(1)
		ch := c.ChannelFor(m.Topic())
		// The router logs every failure; the error is not actionable here.
		_ = c.h.HandleMessage(ctx, ch, string(m.Payload()))
	}
}

// Run connects and blocks until ctx is done. Connection failures are
// retried by the client library forever.
func (c *Client) Run(ctx context.Context) error {
	cli := paho.NewClient(c.options(ctx))
	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()

	c.log.Info("mqtt connecting", logx.String("broker", c.cfg.Broker))
	tok := cli.Connect()
	go func() {
		// With connect retry the token completes on first success or on disconnect.
		tok.Wait()
		if err := tok.Error(); err != nil && ctx.Err() == nil {
			c.log.Error("mqtt connect failed", logx.Err(err))
		}
	}()

	<-ctx.Done()
	cli.Disconnect(250)
	c.connected.Store(false)
	c.log.Info("mqtt disconnected")
	return nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Topics returns the subscribed topics, sorted.
func (c *Client) Topics() []string {
	out := make([]string, 0, len(c.cfg.Topics))
	for t := range c.cfg.Topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type Stats struct {
	Connected  bool     `json:"connected"`
	Broker     string   `json:"broker"`
	Topics     []string `json:"topics"`
	Messages   uint64   `json:"messages"`
	Reconnects uint64   `json:"reconnects"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Connected:  c.connected.Load(),
		Broker:     c.cfg.Broker,
		Topics:     c.Topics(),
		Messages:   c.messages.Load(),
		Reconnects: c.reconnect.Load(),
	}
}
