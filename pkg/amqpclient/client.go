// Package amqpclient owns the broker connection plumbing: dialing with
// backoff, channel handout and the shared publisher used for events and
// plugin commands.
package amqpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dial backoff bounds.
const (
	dialInitialBackoff = 1 * time.Second
	dialMaxBackoff     = 30 * time.Second
)

// Client wraps one broker connection shared by consumers and publishers.
type Client struct {
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker, retrying with capped exponential backoff
// until it succeeds or the context is cancelled.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	backoff := dialInitialBackoff
	for {
		conn, err := amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to AMQP broker")
			return &Client{logger: logger, conn: conn}, nil
		}

		logger.Warn("AMQP connection failed, retrying", "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > dialMaxBackoff {
		return dialMaxBackoff
	}
	return next
}

// Channel opens a fresh channel on the shared connection. Callers own the
// returned channel.
func (c *Client) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("amqp client is closed")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	return ch, nil
}

// NotifyClose registers a listener for connection-level failures.
func (c *Client) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		close(receiver)
		return receiver
	}
	return c.conn.NotifyClose(receiver)
}

// Close shuts the connection down; channels opened from it die with it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close AMQP connection: %w", err)
	}
	return nil
}

// Publisher publishes on one exchange over a dedicated channel. AMQP
// channels are not safe for concurrent publishing, so calls serialize on
// an internal mutex; every device actor of the plant shares one instance.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

// NewPublisher opens a publishing channel. A non-empty exchange is declared
// durable with the given kind; the empty exchange publishes directly to the
// queue named by the routing key.
func NewPublisher(client *Client, exchange, kind string) (*Publisher, error) {
	ch, err := client.Channel()
	if err != nil {
		return nil, err
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

// Publish sends one persistent message.
func (p *Publisher) Publish(ctx context.Context, routingKey string, headers amqp.Table, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", p.exchange, routingKey, err)
	}
	return nil
}

// Close releases the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("failed to close publisher channel: %w", err)
	}
	return nil
}
