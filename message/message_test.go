// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	m := New("orders", []byte("hi"))

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "orders", m.Exchange)
	assert.Equal(t, "orders", m.RoutingKey, "routing key defaults to exchange name")
	assert.Equal(t, DefaultTTL, m.TTL)
	assert.False(t, m.Redundant)
	assert.False(t, m.Persistent)
}

func TestOptions(t *testing.T) {
	m := New("orders", []byte("hi"),
		WithKey("orders.created"),
		WithTTL(time.Minute),
		WithPersistent(),
		WithRedundant(),
		WithHeader("tenant", "acme"),
	)

	assert.Equal(t, "orders.created", m.RoutingKey)
	assert.Equal(t, time.Minute, m.TTL)
	assert.True(t, m.Persistent)
	assert.True(t, m.Redundant)
	assert.Equal(t, "acme", m.Headers["tenant"])
}

func TestIDIsUniquePerLogicalSend(t *testing.T) {
	a := New("x", nil)
	b := New("x", nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestExpired(t *testing.T) {
	m := New("x", nil, WithTTL(time.Second))
	assert.False(t, m.Expired(m.CreatedAt.Add(500*time.Millisecond)))
	assert.True(t, m.Expired(m.CreatedAt.Add(2*time.Second)))

	// TTL zero never expires.
	m.TTL = 0
	assert.False(t, m.Expired(m.CreatedAt.Add(1000*time.Hour)))
}

func TestRoundTripThroughDelivery(t *testing.T) {
	m := New("orders", []byte("payload"),
		WithKey("orders.created"),
		WithTTL(2*time.Second),
		WithPersistent(),
		WithRedundant(),
		WithHeader("tenant", "acme"),
	)

	pub := m.Publishing()
	assert.Equal(t, m.ID, pub.MessageId)
	assert.Equal(t, "2000", pub.Expiration)
	assert.EqualValues(t, amqp.Persistent, pub.DeliveryMode)

	got, err := FromDelivery(amqp.Delivery{
		MessageId:    pub.MessageId,
		Body:         pub.Body,
		Exchange:     "orders",
		RoutingKey:   "orders.created",
		Timestamp:    pub.Timestamp,
		Expiration:   pub.Expiration,
		DeliveryMode: pub.DeliveryMode,
		Headers:      pub.Headers,
	})
	require.NoError(t, err)

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Body, got.Body)
	assert.Equal(t, 2*time.Second, got.TTL)
	assert.True(t, got.Redundant)
	assert.True(t, got.Persistent)
	assert.Equal(t, "acme", got.Headers["tenant"])
}

func TestFromDeliveryRequiresID(t *testing.T) {
	_, err := FromDelivery(amqp.Delivery{Body: []byte("x")})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestSimple(t *testing.T) {
	assert.True(t, New("x", nil).Simple())
	assert.False(t, New("x", nil, WithRedundant()).Simple())

	m := New("x", nil)
	m.Redelivered = true
	assert.False(t, m.Simple(), "redelivered messages must go through the dedup store")
}
