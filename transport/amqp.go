// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/absmach/beetle/config"
)

// AMQPConn is the real broker connection. A single TCP connection
// carries one confirm-mode publish channel plus one channel per
// consumer.
type AMQPConn struct {
	addr   string
	url    string
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// NewDialer returns a Dialer producing AMQP connections configured
// from cfg.
func NewDialer(cfg *config.Config, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(addr string) (Conn, error) {
		return &AMQPConn{
			addr:   addr,
			url:    cfg.BrokerURL(addr),
			cfg:    cfg.Broker,
			logger: logger.With("broker", addr),
		}, nil
	}
}

// Addr returns the broker address.
func (c *AMQPConn) Addr() string {
	return c.addr
}

// ensure dials the broker if no live connection exists.
func (c *AMQPConn) ensure() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked()
}

func (c *AMQPConn) ensureLocked() (*amqp.Connection, error) {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	c.pubCh = nil

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Dial:      amqp.DefaultDial(c.cfg.ConnectTimeout),
		Heartbeat: 10 * time.Second,
		Properties: amqp.Table{
			"product": "beetle",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", c.addr, err)
	}

	c.conn = conn
	c.logger.Debug("connected to broker")
	return conn, nil
}

// publishChannel returns the warm confirm-mode channel, creating it on
// first use.
func (c *AMQPConn) publishChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, nil
	}

	conn, err := c.ensureLocked()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on %s: %w", c.addr, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable confirms on %s: %w", c.addr, err)
	}

	c.pubCh = ch
	return ch, nil
}

// Publish sends one publishing and waits for the broker confirm.
func (c *AMQPConn) Publish(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	ch, err := c.publishChannel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, pub)
	if err != nil {
		c.dropPublishChannel()
		return fmt.Errorf("publish to %s failed: %w", c.addr, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for confirm from %s: %w", c.addr, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNacked, c.addr)
	}
	return nil
}

func (c *AMQPConn) dropPublishChannel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh != nil {
		c.pubCh.Close()
		c.pubCh = nil
	}
}

// DeclareExchange declares a durable topic exchange.
func (c *AMQPConn) DeclareExchange(name string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
	})
}

// DeclareQueue declares a durable queue.
func (c *AMQPConn) DeclareQueue(name string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, nil)
		return err
	})
}

// Bind binds a queue to an exchange.
func (c *AMQPConn) Bind(queue, exchange, key string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		return ch.QueueBind(queue, key, exchange, false, nil)
	})
}

// Purge drops all ready messages from a queue.
func (c *AMQPConn) Purge(queue string) (int, error) {
	var n int
	err := c.withChannel(func(ch *amqp.Channel) error {
		var err error
		n, err = ch.QueuePurge(queue, false)
		return err
	})
	return n, err
}

// withChannel runs fn on a short-lived channel. Declarations are rare
// enough that channel churn is irrelevant.
func (c *AMQPConn) withChannel(fn func(*amqp.Channel) error) error {
	conn, err := c.ensure()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel on %s: %w", c.addr, err)
	}
	defer ch.Close()
	return fn(ch)
}

// Consume delivers messages from the queue until ctx is cancelled.
// Connection loss is redialled with exponential backoff; the caller
// only ever sees one delivery stream.
func (c *AMQPConn) Consume(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	out := make(chan amqp.Delivery)
	go c.consumeLoop(ctx, queue, out)
	return out, nil
}

func (c *AMQPConn) consumeLoop(ctx context.Context, queue string, out chan<- amqp.Delivery) {
	defer close(out)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		deliveries, ch, err := c.openConsumer(queue)
		if err != nil {
			c.logger.Warn("consumer setup failed, retrying", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		c.logger.Debug("consuming", "queue", queue)

		if !c.drain(ctx, deliveries, out) {
			ch.Close()
			return
		}
		ch.Close()
		c.logger.Warn("consumer channel closed, redialling", "queue", queue)
	}
}

// drain forwards deliveries until the source closes (returns true, the
// caller should redial) or the context ends (returns false).
func (c *AMQPConn) drain(ctx context.Context, in <-chan amqp.Delivery, out chan<- amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-in:
			if !ok {
				return true
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return false
			}
		}
	}
}

func (c *AMQPConn) openConsumer(queue string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	conn, err := c.ensure()
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return deliveries, ch, nil
}

// DeclareReplyQueue declares an exclusive auto-delete queue and
// consumes it with auto-ack. Replies need no dedup bookkeeping.
func (c *AMQPConn) DeclareReplyQueue(ctx context.Context) (string, <-chan amqp.Delivery, error) {
	conn, err := c.ensure()
	if err != nil {
		return "", nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return "", nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return "", nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return "", nil, err
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	return q.Name, deliveries, nil
}

// SubscribeBroadcast binds a private auto-delete queue to the topic
// exchange with a catch-all key and consumes it with auto-ack.
// Announcements are fire-and-forget; a missed one is repaired by the
// next periodic re-announce.
func (c *AMQPConn) SubscribeBroadcast(ctx context.Context, exchange string) (<-chan amqp.Delivery, error) {
	conn, err := c.ensure()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, "#", exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	return deliveries, nil
}

// Close tears down the connection.
func (c *AMQPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pubCh = nil
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
