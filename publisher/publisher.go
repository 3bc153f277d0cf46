// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package publisher fans messages out to the broker registry. Redundant
// messages go to every server; plain messages fail over through the
// registry in order, with a cooldown on broken brokers.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/absmach/beetle/config"
	"github.com/absmach/beetle/message"
	"github.com/absmach/beetle/transport"
)

// Publisher errors.
var (
	// ErrDeliveryFailed reports that no broker acknowledged a publish.
	// The caller is always informed; nothing is dropped silently.
	ErrDeliveryFailed = errors.New("no broker server acknowledged the message")

	// ErrRPCTimeout reports that no reply arrived within the caller's
	// deadline.
	ErrRPCTimeout = errors.New("rpc reply timed out")
)

// Publisher sends messages to the configured broker servers.
type Publisher struct {
	cfg    *config.Config
	pool   *transport.Pool
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	declared map[string]map[string]bool
}

// New creates a publisher over the given connection pool.
func New(cfg *config.Config, pool *transport.Pool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		declared: make(map[string]map[string]bool),
	}
}

// Publish sends the message and returns the number of broker
// acknowledgements. Redundant messages are attempted on every server
// independently and succeed if at least one acks. Plain messages are
// tried in registry order until the first ack; servers that error are
// skipped for the configured cooldown before being probed again.
func (p *Publisher) Publish(ctx context.Context, msg *message.Message) (int, error) {
	if msg.Redundant {
		return p.publishRedundant(ctx, msg)
	}
	return p.publishFailover(ctx, msg)
}

func (p *Publisher) publishRedundant(ctx context.Context, msg *message.Message) (int, error) {
	addrs := p.pool.Addrs()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		acks    int
		lastErr error
	)
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := p.publishTo(ctx, addr, msg); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				p.logger.Warn("redundant publish leg failed",
					"broker", addr, "message_id", msg.ID, "error", err)
				return
			}
			mu.Lock()
			acks++
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	n := acks
	if n == 0 {
		err := lastErr
		if err == nil {
			err = ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if n < len(addrs) {
		p.logger.Warn("redundant publish acknowledged by subset",
			"message_id", msg.ID, "acks", n, "servers", len(addrs))
	}
	return n, nil
}

func (p *Publisher) publishFailover(ctx context.Context, msg *message.Message) (int, error) {
	var lastErr error
	for _, addr := range p.pool.Addrs() {
		cb := p.breaker(addr)
		_, err := cb.Execute(func() (any, error) {
			return nil, p.publishTo(ctx, addr, msg)
		})
		if err == nil {
			return 1, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			// Broker is cooling down after an earlier failure.
			continue
		}
		lastErr = err
		p.logger.Warn("publish failed, trying next broker",
			"broker", addr, "message_id", msg.ID, "error", err)
	}

	if lastErr == nil {
		lastErr = errors.New("all brokers cooling down")
	}
	return 0, fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

// publishTo sends the message to one server, declaring the target
// exchange on first use.
func (p *Publisher) publishTo(ctx context.Context, addr string, msg *message.Message) error {
	conn, err := p.pool.Get(addr)
	if err != nil {
		return err
	}
	if err := p.ensureExchange(conn, msg.Exchange); err != nil {
		p.pool.Invalidate(addr)
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.Broker.PublishTimeout)
	defer cancel()

	if err := conn.Publish(pubCtx, msg.Exchange, msg.RoutingKey, msg.Publishing()); err != nil {
		p.pool.Invalidate(addr)
		return err
	}
	return nil
}

// ensureExchange declares the exchange once per server. Replies travel
// over the default exchange, which needs no declaration.
func (p *Publisher) ensureExchange(conn transport.Conn, exchange string) error {
	if exchange == "" {
		return nil
	}

	p.mu.Lock()
	decl := p.declared[conn.Addr()]
	if decl == nil {
		decl = make(map[string]bool)
		p.declared[conn.Addr()] = decl
	}
	done := decl[exchange]
	p.mu.Unlock()

	if done {
		return nil
	}
	if err := conn.DeclareExchange(exchange); err != nil {
		return err
	}

	p.mu.Lock()
	decl[exchange] = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher) breaker(addr string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     p.cfg.Broker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("broker availability changed",
				"broker", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers[addr] = cb
	return cb
}

// PurgeResult reports the per-server outcome of a purge. Purging is
// best effort; one dead broker does not fail the whole operation.
type PurgeResult map[string]error

// Failed reports whether any server failed to purge.
func (r PurgeResult) Failed() bool {
	for _, err := range r {
		if err != nil {
			return true
		}
	}
	return false
}

// Purge empties the named queues on every configured broker server.
func (p *Publisher) Purge(ctx context.Context, queues ...string) PurgeResult {
	result := make(PurgeResult, len(p.pool.Addrs()))
	for _, addr := range p.pool.Addrs() {
		result[addr] = p.purgeOn(addr, queues)
	}
	return result
}

func (p *Publisher) purgeOn(addr string, queues []string) error {
	conn, err := p.pool.Get(addr)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if _, err := conn.Purge(q); err != nil {
			return fmt.Errorf("purging %q: %w", q, err)
		}
	}
	return nil
}

// Close shuts the underlying connections down.
func (p *Publisher) Close() error {
	return p.pool.Close()
}
