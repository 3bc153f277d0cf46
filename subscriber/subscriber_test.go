// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/beetle/config"
	"github.com/absmach/beetle/dedup"
	"github.com/absmach/beetle/message"
	"github.com/absmach/beetle/registry"
	"github.com/absmach/beetle/transport"
)

type fakeAck struct {
	mu      sync.Mutex
	acks    int
	rejects int
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	return a.Reject(tag, requeue)
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	return nil
}

func (a *fakeAck) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.rejects
}

type published struct {
	exchange string
	key      string
	pub      amqp.Publishing
}

type fakeConn struct {
	addr string

	mu         sync.Mutex
	deliveries map[string]chan amqp.Delivery
	published  []published
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr, deliveries: make(map[string]chan amqp.Delivery)}
}

func (c *fakeConn) queueChan(queue string) chan amqp.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		c.deliveries[queue] = ch
	}
	return ch
}

func (c *fakeConn) deliver(queue string, d amqp.Delivery) {
	c.queueChan(queue) <- d
}

func (c *fakeConn) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]published, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeConn) Addr() string { return c.addr }

func (c *fakeConn) Publish(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{exchange: exchange, key: key, pub: pub})
	return nil
}

func (c *fakeConn) DeclareExchange(name string) error { return nil }
func (c *fakeConn) DeclareQueue(name string) error    { return nil }
func (c *fakeConn) Bind(queue, exchange, key string) error {
	return nil
}

func (c *fakeConn) Consume(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	return c.queueChan(queue), nil
}

func (c *fakeConn) DeclareReplyQueue(ctx context.Context) (string, <-chan amqp.Delivery, error) {
	return "", nil, errors.New("not an rpc connection")
}

func (c *fakeConn) SubscribeBroadcast(ctx context.Context, exchange string) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not a broadcast connection")
}

func (c *fakeConn) Purge(queue string) (int, error) { return 0, nil }
func (c *fakeConn) Close() error                    { return nil }

type env struct {
	sub   *Subscriber
	conns map[string]*fakeConn

	cancel context.CancelFunc
	done   chan struct{}
}

func newEnv(t *testing.T, servers []string) *env {
	t.Helper()
	return newEnvWithStore(t, servers, dedup.NewMemoryStore(time.Second, time.Hour))
}

func newEnvWithStore(t *testing.T, servers []string, store dedup.Store) *env {
	t.Helper()

	cfg := config.Default()
	cfg.Broker.Servers = servers

	reg := registry.New()
	require.NoError(t, reg.RegisterQueue("orders"))

	conns := make(map[string]*fakeConn, len(servers))
	for _, s := range servers {
		conns[s] = newFakeConn(s)
	}
	pool := transport.NewPool(servers, func(addr string) (transport.Conn, error) {
		return conns[addr], nil
	})

	return &env{
		sub:   New(cfg, reg, pool, store, slog.New(slog.NewTextHandler(io.Discard, nil))),
		conns: conns,
	}
}

func (e *env) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.sub.Listen(ctx)
	}()

	waitUntil(t, func() bool { return e.sub.State("orders") == StateListening })
	t.Cleanup(func() {
		cancel()
		<-e.done
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func redundantDelivery(id string, ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{message.HeaderRedundant: true},
		Body:         []byte("payload"),
	}
}

func TestRedundantDeliveryInvokesHandlerOnce(t *testing.T) {
	e := newEnv(t, []string{"a:5672", "b:5672"})

	var calls atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return nil
	}), nil))
	e.start(t)

	// The same logical message arrives through both brokers.
	ackA, ackB := &fakeAck{}, &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ackA))
	e.conns["b:5672"].deliver("orders", redundantDelivery("42", ackB))

	waitUntil(t, func() bool {
		a1, _ := ackA.counts()
		a2, _ := ackB.counts()
		return a1 == 1 && a2 == 1
	})
	assert.Equal(t, int32(1), calls.Load())
}

func TestSimpleMessageBypassesStore(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var calls atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return nil
	}), nil))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "7",
		Timestamp:    time.Now(),
		Body:         []byte("plain"),
	})

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(1), calls.Load())

	// No dedup record was created for the fast path.
	status, err := e.sub.store.Status(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "", status)
}

func TestExpiredMessageIsNeverHandled(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var calls atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return nil
	}), nil))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "stale",
		Timestamp:    time.Now().Add(-time.Hour),
		Expiration:   "1000",
		Body:         []byte("late"),
	})

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(0), calls.Load())
}

func TestDeliveryWithoutIDIsDiscarded(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var calls atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return nil
	}), nil))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", amqp.Delivery{Acknowledger: ack, Body: []byte("anonymous")})

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(0), calls.Load())
}

func TestRecoverableFailureIsRetriedViaRedelivery(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var calls atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream hiccup")
		}
		return nil
	}), &HandlerOptions{Exceptions: 2}))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ack))

	// First attempt fails and is rejected back to the broker.
	waitUntil(t, func() bool { _, r := ack.counts(); return r == 1 })

	redelivered := redundantDelivery("42", ack)
	redelivered.Redelivered = true
	e.conns["a:5672"].deliver("orders", redelivered)

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(2), calls.Load())

	status, err := e.sub.store.Status(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusCompleted, status)
}

func TestThresholdBreachRunsFailbackOnce(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var calls, failbacks atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return errors.New("always broken")
	}), &HandlerOptions{
		Exceptions: 0,
		Failback:   func(m *message.Message, err error) { failbacks.Add(1) },
	}))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ack))
	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })

	// A late duplicate finds the failed record and is suppressed.
	dup := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", dup))
	waitUntil(t, func() bool { a, _ := dup.counts(); return a == 1 })

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), failbacks.Load())

	status, err := e.sub.store.Status(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusFailed, status)
}

// brokenCounterStore fails exception counting while the rest of the
// store keeps working, like a Redis mid-failover.
type brokenCounterStore struct {
	dedup.Store
	mu     sync.Mutex
	incErr error
}

func (s *brokenCounterStore) IncrementExceptions(ctx context.Context, id string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	err := s.incErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.Store.IncrementExceptions(ctx, id, ttl)
}

func TestCounterOutageStillReachesThreshold(t *testing.T) {
	store := &brokenCounterStore{
		Store:  dedup.NewMemoryStore(time.Second, time.Hour),
		incErr: dedup.ErrTransient,
	}
	e := newEnvWithStore(t, []string{"a:5672"}, store)

	var calls, failbacks atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return errors.New("always broken")
	}), &HandlerOptions{
		Exceptions: 1,
		Failback:   func(m *message.Message, err error) { failbacks.Add(1) },
	}))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ack))

	// First failure cannot be recorded in the store but still counts.
	waitUntil(t, func() bool { _, r := ack.counts(); return r == 1 })

	redelivered := redundantDelivery("42", ack)
	redelivered.Redelivered = true
	e.conns["a:5672"].deliver("orders", redelivered)

	// The second failure breaches the threshold instead of requeueing
	// with a counter stuck at one.
	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), failbacks.Load())

	status, err := store.Status(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusFailed, status)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var calls, errbacks, failbacks atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return Permanent(errors.New("malformed payload"))
	}), &HandlerOptions{
		Exceptions: 5,
		Errback:    func(m *message.Message, err error) { errbacks.Add(1) },
		Failback:   func(m *message.Message, err error) { failbacks.Add(1) },
	}))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ack))

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), errbacks.Load())
	assert.Equal(t, int32(1), failbacks.Load())
}

func TestHandlerTimeoutIsRecoverable(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	block := make(chan struct{})
	defer close(block)
	var failedWith error
	var mu sync.Mutex
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	}), &HandlerOptions{
		Exceptions: 0,
		Timeout:    20 * time.Millisecond,
		Failback: func(m *message.Message, err error) {
			mu.Lock()
			failedWith = err
			mu.Unlock()
		},
	}))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ack))

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failedWith, ErrHandlerTimeout)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var errbacks atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		panic("boom")
	}), &HandlerOptions{
		Exceptions: 0,
		Errback:    func(m *message.Message, err error) { errbacks.Add(1) },
	}))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ack))

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(1), errbacks.Load())
}

func TestResponderPublishesCorrelatedReply(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	require.NoError(t, e.sub.Register("orders", ResponderFunc(func(ctx context.Context, m *message.Message) ([]byte, error) {
		return []byte("pong"), nil
	}), nil))
	e.start(t)

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", amqp.Delivery{
		Acknowledger:  ack,
		MessageId:     "req-1",
		Timestamp:     time.Now(),
		ReplyTo:       "amq.gen-reply",
		CorrelationId: "req-1",
		Body:          []byte("ping"),
	})

	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })

	sent := e.conns["a:5672"].sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "", sent[0].exchange)
	assert.Equal(t, "amq.gen-reply", sent[0].key)
	assert.Equal(t, "req-1", sent[0].pub.CorrelationId)
	assert.Equal(t, []byte("pong"), sent[0].pub.Body)
}

func TestPauseAndResumeListening(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	var calls atomic.Int32
	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		calls.Add(1)
		return nil
	}), nil))
	e.start(t)

	e.sub.PauseListening("orders")
	assert.Equal(t, StatePaused, e.sub.State("orders"))

	ack := &fakeAck{}
	e.conns["a:5672"].deliver("orders", redundantDelivery("42", ack))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	e.sub.ResumeListening("orders")
	waitUntil(t, func() bool { a, _ := ack.counts(); return a == 1 })
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateListening, e.sub.State("orders"))
}

func TestRegisterRejectsUnknownQueue(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	err := e.sub.Register("nonexistent", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		return nil
	}), nil)
	assert.ErrorIs(t, err, registry.ErrUnknownQueue)
}

func TestRegisterRejectsDuplicateHandler(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	h := HandlerFunc(func(ctx context.Context, m *message.Message) error { return nil })
	require.NoError(t, e.sub.Register("orders", h, nil))
	assert.ErrorIs(t, e.sub.Register("orders", h, nil), registry.ErrConfiguration)
}

func TestStopHaltsListening(t *testing.T) {
	e := newEnv(t, []string{"a:5672"})

	require.NoError(t, e.sub.Register("orders", HandlerFunc(func(ctx context.Context, m *message.Message) error {
		return nil
	}), nil))
	e.start(t)

	e.sub.Stop()
	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.Equal(t, StateStopped, e.sub.State("orders"))
}
