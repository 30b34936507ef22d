// Package rabbitmq is a durable work queue on RabbitMQ. Messages are
// published persistent to a topic exchange and consumed with manual
// acknowledgement: a handler error requeues the delivery, so every message
// is handled at least once. Retry limits belong to the caller, which tracks
// attempts in the message body; the broker's redelivery counter is only kept
// by quorum queues.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
)

// Config names the exchange, queue and binding.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
}

// Client holds one connection and channel.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Dial connects and declares the exchange, queue and binding.
func Dial(cfg Config) (*Client, error) {
	cleanURL, err := sanitizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	c := &Client{cfg: cfg, conn: conn}
	if err := c.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// openChannel (re)opens the channel and declares the topology. Caller
// holds c.mu or is the constructor.
func (c *Client) openChannel() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.QueueBind(q.Name, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	c.ch = ch
	return nil
}

// Publish sends body as a persistent JSON message. A failed publish reopens
// the channel and tries once more.
func (c *Client) Publish(ctx context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	err := c.ch.PublishWithContext(ctx, c.cfg.Exchange, c.cfg.RoutingKey, false, false, msg)
	if err == nil {
		return nil
	}
	logger.Warn("publish failed; reopening channel", "exchange", c.cfg.Exchange, "error", err)
	if c.ch != nil {
		c.ch.Close()
	}
	if oerr := c.openChannel(); oerr != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := c.ch.PublishWithContext(ctx, c.cfg.Exchange, c.cfg.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Consume delivers messages to handle until ctx is done or the channel
// closes. A nil return from handle acks, anything else requeues.
func (c *Client) Consume(ctx context.Context, handle func(ctx context.Context, body []byte) error) error {
	c.mu.Lock()
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			c.handle(ctx, d, handle)
		}
	}
}

func (c *Client) handle(ctx context.Context, d amqp.Delivery, handle func(context.Context, []byte) error) {
	err := handle(ctx, d.Body)
	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			logger.Warn("ack failed", "queue", c.cfg.Queue, "error", aerr)
		}
		return
	}
	logger.Warn("handler failed; re-queuing", "queue", c.cfg.Queue, "redelivered", d.Redelivered, "error", err)
	if nerr := d.Nack(false, true); nerr != nil {
		logger.Warn("nack failed", "queue", c.cfg.Queue, "error", nerr)
	}
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
