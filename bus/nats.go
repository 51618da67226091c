// Package bus wraps the NATS connection shared by the audit sink, the notifier and
// the run worker.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subject prefixes.
const (
	AuditPrefix  = "buildforge.audit"
	NotifyPrefix = "buildforge.notify"
	RunsStart    = "buildforge.runs.start"
	RunsPrefix   = "buildforge.runs"
)

// StreamSubject is where a run's stream fragments are published.
func StreamSubject(projectID string) string {
	return fmt.Sprintf("%s.%s.stream", RunsPrefix, projectID)
}

// Publisher sends raw payloads to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, subject, data)
}

// Client is a NATS connection with a JetStream context. Connection state,
// reconnects and trace headers are handled by natsclient.
type Client struct {
	nc     *natsclient.Client
	logger *slog.Logger
}

// Option configures Connect.
type Option func(*options)

type options struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	drainTimeout  time.Duration
	logger        *slog.Logger
}

// WithName sets the connection name shown in NATS monitoring.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger used for connection events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Connect dials NATS and opens a JetStream context.
func Connect(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		name:          "buildforge",
		maxReconnects: 5,
		reconnectWait: time.Second,
		drainTimeout:  5 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if url == "" {
		url = nats.DefaultURL
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := o.logger
	nc, err := natsclient.NewClient(url,
		natsclient.WithName(o.name),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(o.maxReconnects),
		natsclient.WithReconnectWait(o.reconnectWait),
		natsclient.WithDrainTimeout(o.drainTimeout),
		natsclient.WithDisconnectCallback(func(err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		natsclient.WithReconnectCallback(func() {
			logger.Info("NATS reconnected", "url", url)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if _, err := nc.JetStream(); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Client{nc: nc, logger: logger}, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *nats.Conn {
	return c.nc.GetConnection()
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	js, _ := c.nc.JetStream()
	return js
}

// CreateKeyValueBucket returns the named bucket, creating it when missing.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	return c.nc.CreateKeyValueBucket(ctx, cfg)
}

// Publish publishes a message to a subject. The trace carried by ctx, or a new
// one, is written to the message headers.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	return c.nc.Publish(ctx, subject, data)
}

// QueueSubscribe creates a queue subscription.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return c.Conn().QueueSubscribe(subject, queue, handler)
}

// Close drains the connection. Calling it again is a no-op.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.nc.Close(ctx)
}
