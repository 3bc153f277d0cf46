// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/absmach/beetle/config"
	"github.com/absmach/beetle/transport"
)

// Notifier broadcasts master announcements to all clients.
type Notifier interface {
	Announce(ctx context.Context, a Announcement) error
}

// Listener receives master announcements.
type Listener interface {
	// Announcements returns the stream of inbound announcements. The
	// channel closes when ctx is cancelled. Duplicates and stale
	// epochs are the receiver's problem.
	Announcements(ctx context.Context) (<-chan Announcement, error)
}

// routing key for master announcements on the system exchange.
const announceKey = "master-change"

// AMQPChannel carries announcements over the broker fleet's system
// exchange. Announcements go out through every broker and come in
// through every broker, so the death of the Redis master being
// replaced, or of any single broker, cannot silence a failover.
type AMQPChannel struct {
	exchange string
	broker   config.BrokerConfig
	pool     *transport.Pool
	logger   *slog.Logger
}

// NewAMQPChannel creates the announcement channel over an existing
// broker pool.
func NewAMQPChannel(cfg *config.Config, pool *transport.Pool, logger *slog.Logger) *AMQPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPChannel{
		exchange: cfg.Broker.SystemExchange,
		broker:   cfg.Broker,
		pool:     pool,
		logger:   logger,
	}
}

// Announce publishes the announcement to every broker. It succeeds if
// at least one broker took it.
func (c *AMQPChannel) Announce(ctx context.Context, a Announcement) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}

	delivered := 0
	for _, addr := range c.pool.Addrs() {
		if err := c.announceTo(ctx, addr, body); err != nil {
			c.logger.Warn("announcement not delivered", "broker", addr, "error", err)
			c.pool.Invalidate(addr)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("announcement reached no broker")
	}
	return nil
}

func (c *AMQPChannel) announceTo(ctx context.Context, addr string, body []byte) error {
	conn, err := c.pool.Get(addr)
	if err != nil {
		return err
	}
	if err := conn.DeclareExchange(c.exchange); err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.broker.PublishTimeout)
	defer cancel()

	return conn.Publish(pubCtx, c.exchange, announceKey, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Announcements subscribes on every reachable broker and merges the
// streams. An error is returned only when no broker could be
// subscribed at all.
func (c *AMQPChannel) Announcements(ctx context.Context) (<-chan Announcement, error) {
	out := make(chan Announcement)

	var wg sync.WaitGroup
	subscribed := 0
	for _, addr := range c.pool.Addrs() {
		conn, err := c.pool.Get(addr)
		if err != nil {
			c.logger.Warn("not listening for announcements", "broker", addr, "error", err)
			continue
		}
		deliveries, err := conn.SubscribeBroadcast(ctx, c.exchange)
		if err != nil {
			c.logger.Warn("broadcast subscription failed", "broker", addr, "error", err)
			continue
		}
		subscribed++

		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			c.forward(ctx, addr, deliveries, out)
		}(addr)
	}
	if subscribed == 0 {
		close(out)
		return nil, fmt.Errorf("no broker reachable for announcements")
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (c *AMQPChannel) forward(ctx context.Context, addr string, in <-chan amqp.Delivery, out chan<- Announcement) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			var a Announcement
			if err := json.Unmarshal(d.Body, &a); err != nil {
				c.logger.Warn("discarding malformed announcement", "broker", addr, "error", err)
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}
}
