// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the static declarations of exchanges, queues,
// bindings and message kinds. Registration is explicit and typed; a
// duplicate or dangling reference fails at registration time, never at
// publish time.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/absmach/beetle/message"
)

// Registration errors.
var (
	ErrConfiguration  = errors.New("invalid configuration")
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrUnknownMessage = errors.New("unknown message")
)

// Exchange declares a durable topic exchange.
type Exchange struct {
	Name string
}

// Binding routes messages from an exchange into a queue.
type Binding struct {
	Exchange string
	Key      string
}

// Queue declares a durable queue with its bindings. By convention a
// queue binds to the same-named exchange with the queue name as key.
type Queue struct {
	Name     string
	Bindings []Binding
}

// MessageSpec declares a named message kind with its publishing
// defaults.
type MessageSpec struct {
	Name       string
	Exchange   string
	Key        string
	TTL        time.Duration
	Persistent bool
	Redundant  bool
}

// QueueOption customizes a queue declaration.
type QueueOption func(*Queue)

// BindTo adds an explicit binding, overriding the same-named-exchange
// convention.
func BindTo(exchange, key string) QueueOption {
	return func(q *Queue) {
		q.Bindings = append(q.Bindings, Binding{Exchange: exchange, Key: key})
	}
}

// MessageOption customizes a message declaration.
type MessageOption func(*MessageSpec)

// MessageKey sets the routing key. Defaults to the message name.
func MessageKey(key string) MessageOption {
	return func(m *MessageSpec) { m.Key = key }
}

// MessageTTL sets the message ttl.
func MessageTTL(ttl time.Duration) MessageOption {
	return func(m *MessageSpec) { m.TTL = ttl }
}

// MessagePersistent marks the message kind persistent.
func MessagePersistent() MessageOption {
	return func(m *MessageSpec) { m.Persistent = true }
}

// MessageRedundant marks the message kind for redundant publishing.
func MessageRedundant() MessageOption {
	return func(m *MessageSpec) { m.Redundant = true }
}

// Registry is the builder for all static declarations. It is not safe
// for concurrent registration; declare everything during startup, then
// treat it as read-only.
type Registry struct {
	exchanges map[string]Exchange
	queues    map[string]Queue
	messages  map[string]MessageSpec
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		exchanges: make(map[string]Exchange),
		queues:    make(map[string]Queue),
		messages:  make(map[string]MessageSpec),
	}
}

// RegisterExchange declares a topic exchange.
func (r *Registry) RegisterExchange(name string) error {
	if name == "" {
		return fmt.Errorf("%w: exchange name cannot be empty", ErrConfiguration)
	}
	if _, ok := r.exchanges[name]; ok {
		return fmt.Errorf("%w: exchange %q already registered", ErrConfiguration, name)
	}
	r.exchanges[name] = Exchange{Name: name}
	return nil
}

// RegisterQueue declares a durable queue. Without explicit bindings the
// queue binds to the same-named exchange with the queue name as key;
// the exchange is declared implicitly if absent.
func (r *Registry) RegisterQueue(name string, opts ...QueueOption) error {
	if name == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrConfiguration)
	}
	if _, ok := r.queues[name]; ok {
		return fmt.Errorf("%w: queue %q already registered", ErrConfiguration, name)
	}

	q := Queue{Name: name}
	for _, opt := range opts {
		opt(&q)
	}
	if len(q.Bindings) == 0 {
		q.Bindings = []Binding{{Exchange: name, Key: name}}
	}
	for _, b := range q.Bindings {
		if _, ok := r.exchanges[b.Exchange]; !ok {
			r.exchanges[b.Exchange] = Exchange{Name: b.Exchange}
		}
	}

	r.queues[name] = q
	return nil
}

// RegisterMessage declares a message kind. The exchange defaults to the
// message name and is declared implicitly if absent.
func (r *Registry) RegisterMessage(name string, opts ...MessageOption) error {
	if name == "" {
		return fmt.Errorf("%w: message name cannot be empty", ErrConfiguration)
	}
	if _, ok := r.messages[name]; ok {
		return fmt.Errorf("%w: message %q already registered", ErrConfiguration, name)
	}

	m := MessageSpec{
		Name:     name,
		Exchange: name,
		Key:      name,
		TTL:      message.DefaultTTL,
	}
	for _, opt := range opts {
		opt(&m)
	}
	if _, ok := r.exchanges[m.Exchange]; !ok {
		r.exchanges[m.Exchange] = Exchange{Name: m.Exchange}
	}

	r.messages[name] = m
	return nil
}

// Queue looks up a registered queue.
func (r *Registry) Queue(name string) (Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return Queue{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// Message looks up a registered message kind.
func (r *Registry) Message(name string) (MessageSpec, error) {
	m, ok := r.messages[name]
	if !ok {
		return MessageSpec{}, fmt.Errorf("%w: %q", ErrUnknownMessage, name)
	}
	return m, nil
}

// Queues returns all registered queues in name order.
func (r *Registry) Queues() []Queue {
	names := make([]string, 0, len(r.queues))
	for n := range r.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Queue, 0, len(names))
	for _, n := range names {
		out = append(out, r.queues[n])
	}
	return out
}

// Exchanges returns all registered exchanges in name order.
func (r *Registry) Exchanges() []Exchange {
	names := make([]string, 0, len(r.exchanges))
	for n := range r.exchanges {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Exchange, 0, len(names))
	for _, n := range names {
		out = append(out, r.exchanges[n])
	}
	return out
}

// Build constructs a publishable message from a registered kind.
func (r *Registry) Build(name string, body []byte, opts ...message.Option) (*message.Message, error) {
	spec, err := r.Message(name)
	if err != nil {
		return nil, err
	}

	base := []message.Option{
		message.WithKey(spec.Key),
		message.WithTTL(spec.TTL),
	}
	if spec.Persistent {
		base = append(base, message.WithPersistent())
	}
	if spec.Redundant {
		base = append(base, message.WithRedundant())
	}
	return message.New(spec.Exchange, body, append(base, opts...)...), nil
}
