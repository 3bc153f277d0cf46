// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport manages the per-broker AMQP connections shared by
// publishers and subscribers. Connections are established lazily on
// first use and kept warm afterwards.
package transport

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport errors.
var (
	ErrClosed        = errors.New("transport closed")
	ErrNacked        = errors.New("broker rejected publish")
	ErrUnknownServer = errors.New("server not in registry")
)

// Conn is the operations surface of one broker connection.
type Conn interface {
	// Addr returns the broker address this connection talks to.
	Addr() string

	// Publish sends one publishing and waits for the broker
	// acknowledgement (publisher confirm) or the context deadline.
	Publish(ctx context.Context, exchange, key string, pub amqp.Publishing) error

	// DeclareExchange declares a durable topic exchange. Idempotent.
	DeclareExchange(name string) error

	// DeclareQueue declares a durable queue. Idempotent.
	DeclareQueue(name string) error

	// Bind binds a queue to an exchange with the given key. Idempotent.
	Bind(queue, exchange, key string) error

	// Consume delivers messages from the queue until the context is
	// cancelled. The returned channel closes once consumption stops
	// for good; transient connection loss is redialled internally.
	Consume(ctx context.Context, queue string) (<-chan amqp.Delivery, error)

	// DeclareReplyQueue declares an exclusive auto-delete queue for
	// RPC replies and starts consuming it. The queue dies with ctx.
	DeclareReplyQueue(ctx context.Context) (string, <-chan amqp.Delivery, error)

	// SubscribeBroadcast binds a private auto-delete queue to the
	// topic exchange and consumes every message published to it until
	// ctx is cancelled. Used for system announcements, not payloads.
	SubscribeBroadcast(ctx context.Context, exchange string) (<-chan amqp.Delivery, error)

	// Purge drops all ready messages from a queue and returns the
	// number removed.
	Purge(queue string) (int, error)

	// Close tears the connection down.
	Close() error
}

// Dialer produces a connection for a broker address.
type Dialer func(addr string) (Conn, error)

// Pool owns the connection set over a fixed, ordered server registry.
type Pool struct {
	addrs []string
	dial  Dialer

	mu     sync.Mutex
	conns  map[string]Conn
	closed bool
}

// NewPool creates a pool over the given server registry. The order of
// addrs is the failover order for non-redundant publishing.
func NewPool(addrs []string, dial Dialer) *Pool {
	return &Pool{
		addrs: addrs,
		dial:  dial,
		conns: make(map[string]Conn, len(addrs)),
	}
}

// Addrs returns the server registry in configured order.
func (p *Pool) Addrs() []string {
	return p.addrs
}

// Get returns the warm connection for addr, dialing lazily.
func (p *Pool) Get(addr string) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if !p.knownLocked(addr) {
		return nil, ErrUnknownServer
	}
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}

	c, err := p.dial(addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

// Invalidate drops a broken connection so the next Get redials.
func (p *Pool) Invalidate(addr string) {
	p.mu.Lock()
	c, ok := p.conns[addr]
	delete(p.conns, addr)
	p.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Close closes every open connection. The pool is unusable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for addr, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, addr)
	}
	return firstErr
}

func (p *Pool) knownLocked(addr string) bool {
	for _, a := range p.addrs {
		if a == addr {
			return true
		}
	}
	return false
}
