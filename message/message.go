// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Default values.
const (
	// DefaultTTL bounds how long an unprocessed message stays alive.
	DefaultTTL = 24 * time.Hour

	// HeaderRedundant marks a message as published to every broker.
	HeaderRedundant = "x-beetle-redundant"
)

// Message errors.
var (
	ErrMissingID = errors.New("delivery carries no message id")
	ErrEmptyBody = errors.New("message body cannot be nil")
)

// Message is the logical unit of publishing. The ID is generated once
// per logical send and carried unchanged through every redundant copy
// and every redelivery; it is the deduplication key.
type Message struct {
	ID         string
	Body       []byte
	Exchange   string
	RoutingKey string
	TTL        time.Duration
	Persistent bool
	Redundant  bool
	Headers    map[string]string
	CreatedAt  time.Time

	// RPC correlation, filled on replies.
	ReplyTo       string
	CorrelationID string

	// Redelivered is set on inbound messages the broker re-sent.
	Redelivered bool
}

// Option customizes a new message.
type Option func(*Message)

// WithKey sets the routing key. Defaults to the exchange name.
func WithKey(key string) Option {
	return func(m *Message) { m.RoutingKey = key }
}

// WithTTL overrides the default message ttl.
func WithTTL(ttl time.Duration) Option {
	return func(m *Message) { m.TTL = ttl }
}

// WithPersistent marks the message persistent at the broker.
func WithPersistent() Option {
	return func(m *Message) { m.Persistent = true }
}

// WithRedundant requests fan-out to every configured broker.
func WithRedundant() Option {
	return func(m *Message) { m.Redundant = true }
}

// WithHeader attaches a custom header.
func WithHeader(key, value string) Option {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[key] = value
	}
}

// WithID overrides the generated message id. Used by RPC replies that
// must correlate with the request.
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// New creates a message bound for the named exchange.
func New(exchange string, body []byte, opts ...Option) *Message {
	m := &Message{
		ID:         uuid.New().String(),
		Body:       body,
		Exchange:   exchange,
		RoutingKey: exchange,
		TTL:        DefaultTTL,
		CreatedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Expired reports whether the message ttl has elapsed at the given time.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.TTL))
}

// ExpiresAt returns the instant the message ttl elapses.
func (m *Message) ExpiresAt() time.Time {
	return m.CreatedAt.Add(m.TTL)
}

// Publishing maps the message onto the wire representation.
func (m *Message) Publishing() amqp.Publishing {
	headers := make(amqp.Table, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if m.Redundant {
		headers[HeaderRedundant] = true
	}

	deliveryMode := amqp.Transient
	if m.Persistent {
		deliveryMode = amqp.Persistent
	}

	pub := amqp.Publishing{
		MessageId:     m.ID,
		Timestamp:     m.CreatedAt,
		DeliveryMode:  deliveryMode,
		Headers:       headers,
		Body:          m.Body,
		ReplyTo:       m.ReplyTo,
		CorrelationId: m.CorrelationID,
	}
	if m.TTL > 0 {
		pub.Expiration = strconv.FormatInt(m.TTL.Milliseconds(), 10)
	}
	return pub
}

// FromDelivery reconstructs the message from an inbound delivery.
// A delivery without a message id is rejected outright: without the
// deduplication key it must never reach a handler.
func FromDelivery(d amqp.Delivery) (*Message, error) {
	if d.MessageId == "" {
		return nil, ErrMissingID
	}

	m := &Message{
		ID:            d.MessageId,
		Body:          d.Body,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		CreatedAt:     d.Timestamp,
		Persistent:    d.DeliveryMode == amqp.Persistent,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		Redelivered:   d.Redelivered,
	}

	if d.Expiration != "" {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
			m.TTL = time.Duration(ms) * time.Millisecond
		}
	}

	for k, v := range d.Headers {
		switch k {
		case HeaderRedundant:
			if b, ok := v.(bool); ok {
				m.Redundant = b
			}
		default:
			if s, ok := v.(string); ok {
				if m.Headers == nil {
					m.Headers = make(map[string]string)
				}
				m.Headers[k] = s
			}
		}
	}

	return m, nil
}

// Simple reports whether the message can bypass the deduplication
// store: non-redundant messages arrive on exactly one queue and are
// dispatched directly unless the broker redelivered them.
func (m *Message) Simple() bool {
	return !m.Redundant && !m.Redelivered
}
