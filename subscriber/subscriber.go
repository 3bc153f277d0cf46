// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscriber consumes registered queues from every broker
// server and guarantees at-most-once handler invocation per logical
// message, backed by the deduplication store.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/absmach/beetle/config"
	"github.com/absmach/beetle/dedup"
	"github.com/absmach/beetle/message"
	"github.com/absmach/beetle/registry"
	"github.com/absmach/beetle/transport"
)

// Subscriber drives the consume loops and the dispatch algorithm.
type Subscriber struct {
	cfg    *config.Config
	reg    *registry.Registry
	pool   *transport.Pool
	store  dedup.Store
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	cancel   context.CancelFunc
	started  bool

	wg sync.WaitGroup
}

// binding ties a queue to its handler and per-queue lifecycle state.
type binding struct {
	queue   registry.Queue
	handler Handler
	opts    HandlerOptions
	state   *stateManager

	mu       sync.Mutex
	resume   chan struct{}
	attempts map[string]int
}

// bumpAttempts counts a handler failure locally while the dedup store
// cannot. The count survives redeliveries, so a flapping store still
// converges on the exception threshold instead of retrying forever.
func (b *binding) bumpAttempts(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts == nil {
		b.attempts = make(map[string]int)
	}
	b.attempts[id]++
	return b.attempts[id]
}

// forgetAttempts drops the local count once the message is settled or
// the store is authoritative again, returning the dropped value.
func (b *binding) forgetAttempts(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.attempts[id]
	delete(b.attempts, id)
	return n
}

// pause engages flow control without tearing down connections.
func (b *binding) pause() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.transition(StateListening, StatePaused) {
		return false
	}
	b.resume = make(chan struct{})
	return true
}

// unpause releases paused workers.
func (b *binding) unpause() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.transition(StatePaused, StateListening) {
		return false
	}
	close(b.resume)
	b.resume = nil
	return true
}

// await blocks while the binding is paused.
func (b *binding) await(ctx context.Context) {
	for {
		b.mu.Lock()
		ch := b.resume
		b.mu.Unlock()
		if ch == nil || !b.state.isPaused() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}

// New creates a subscriber over the given pool and dedup store. The
// pool should span the full subscription server set, including any
// subscribe-only extras.
func New(cfg *config.Config, reg *registry.Registry, pool *transport.Pool, store dedup.Store, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:      cfg,
		reg:      reg,
		pool:     pool,
		store:    store,
		logger:   logger,
		bindings: make(map[string]*binding),
	}
}

// Register attaches a handler to a registered queue. Registration
// errors are caller bugs and fail fast; nothing is retried.
func (s *Subscriber) Register(queueName string, h Handler, opts *HandlerOptions) error {
	q, err := s.reg.Queue(queueName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: cannot register handlers while listening", registry.ErrConfiguration)
	}
	if _, ok := s.bindings[queueName]; ok {
		return fmt.Errorf("%w: handler for queue %q already registered", registry.ErrConfiguration, queueName)
	}

	o := HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = s.cfg.Dedup.HandlerTimeout
	}

	s.bindings[queueName] = &binding{
		queue:   q,
		handler: h,
		opts:    o,
		state:   newStateManager(),
	}
	return nil
}

// Listen subscribes every registered queue on every subscription
// server and blocks until the context is cancelled or Stop is called.
// In-flight deliveries finish or time out; nothing is aborted forcibly.
func (s *Subscriber) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: subscriber already listening", registry.ErrConfiguration)
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	bindings := make([]*binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()

	for _, b := range bindings {
		b.state.set(StateSubscribing)
		s.subscribe(ctx, b)
		b.state.set(StateListening)
	}

	<-ctx.Done()
	s.wg.Wait()

	for _, b := range bindings {
		b.state.set(StateStopped)
	}
	s.logger.Info("subscriber stopped")
	return nil
}

// subscribe starts one consume worker per subscription server.
func (s *Subscriber) subscribe(ctx context.Context, b *binding) {
	for _, addr := range s.pool.Addrs() {
		conn, err := s.pool.Get(addr)
		if err != nil {
			s.logger.Warn("skipping unreachable broker", "broker", addr, "queue", b.queue.Name, "error", err)
			continue
		}
		if err := s.declare(conn, b.queue); err != nil {
			s.logger.Warn("declare failed", "broker", addr, "queue", b.queue.Name, "error", err)
			continue
		}
		deliveries, err := conn.Consume(ctx, b.queue.Name)
		if err != nil {
			s.logger.Warn("consume failed", "broker", addr, "queue", b.queue.Name, "error", err)
			continue
		}

		s.wg.Add(1)
		go s.worker(ctx, b, conn, deliveries)
	}
}

// declare sets up the durable exchange/queue/binding triple on one
// server. Producers and consumers may start in any order.
func (s *Subscriber) declare(conn transport.Conn, q registry.Queue) error {
	if err := conn.DeclareQueue(q.Name); err != nil {
		return err
	}
	for _, bind := range q.Bindings {
		if err := conn.DeclareExchange(bind.Exchange); err != nil {
			return err
		}
		if err := conn.Bind(q.Name, bind.Exchange, bind.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscriber) worker(ctx context.Context, b *binding, conn transport.Conn, deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.await(ctx)
			if ctx.Err() != nil {
				return
			}
			s.dispatch(ctx, b, conn, d)
		}
	}
}

// PauseListening engages flow control on the named queues, or all
// queues when none are named. Connections stay up.
func (s *Subscriber) PauseListening(queues ...string) {
	for _, b := range s.selectBindings(queues) {
		if b.pause() {
			s.logger.Info("paused listening", "queue", b.queue.Name)
		}
	}
}

// ResumeListening releases flow control on the named queues, or all
// queues when none are named.
func (s *Subscriber) ResumeListening(queues ...string) {
	for _, b := range s.selectBindings(queues) {
		if b.unpause() {
			s.logger.Info("resumed listening", "queue", b.queue.Name)
		}
	}
}

func (s *Subscriber) selectBindings(queues []string) []*binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(queues) == 0 {
		out := make([]*binding, 0, len(s.bindings))
		for _, b := range s.bindings {
			out = append(out, b)
		}
		return out
	}
	out := make([]*binding, 0, len(queues))
	for _, q := range queues {
		if b, ok := s.bindings[q]; ok {
			out = append(out, b)
		}
	}
	return out
}

// State returns the lifecycle state of one queue subscription.
func (s *Subscriber) State(queue string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bindings[queue]; ok {
		return b.state.get()
	}
	return StateUnsubscribed
}

// Stop unsubscribes everywhere and halts the consume loop. Safe to
// call more than once.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// dispatch runs the at-most-once algorithm for one inbound delivery.
func (s *Subscriber) dispatch(ctx context.Context, b *binding, conn transport.Conn, d amqp.Delivery) {
	msg, err := message.FromDelivery(d)
	if err != nil {
		// Without a message id there is no dedup key; discard.
		s.logger.Error("discarding unidentifiable delivery", "queue", b.queue.Name, "error", err)
		s.ack(d)
		return
	}

	if msg.Expired(time.Now()) {
		s.logger.Warn("dropping expired message",
			"queue", b.queue.Name, "message_id", msg.ID, "ttl", msg.TTL)
		s.ack(d)
		return
	}

	// Fast path: a non-redundant first delivery arrives on exactly one
	// queue, so it needs no cross-process bookkeeping.
	if msg.Simple() {
		s.conclude(ctx, b, conn, d, msg, s.invoke(ctx, b, msg), false)
		return
	}

	verdict, err := s.store.ShouldProcess(ctx, msg.ID, msg.TTL)
	if err != nil {
		// Store unreachable: assume not processed. An extra duplicate
		// invocation beats losing the message.
		s.logger.Error("dedup store unavailable, processing without dedup",
			"message_id", msg.ID, "error", err)
		s.conclude(ctx, b, conn, d, msg, s.invoke(ctx, b, msg), false)
		return
	}

	switch verdict {
	case dedup.Skip, dedup.Done:
		s.logger.Debug("suppressing duplicate delivery",
			"message_id", msg.ID, "verdict", verdict.String())
		if _, err := s.store.IncrementAckCount(ctx, msg.ID, msg.TTL); err != nil {
			s.logger.Debug("ack count update failed", "message_id", msg.ID, "error", err)
		}
		s.ack(d)
	case dedup.Proceed:
		s.conclude(ctx, b, conn, d, msg, s.invoke(ctx, b, msg), true)
	}
}

// invoke runs the handler with a bounded execution time and returns an
// explicit result. Panics are recovered into recoverable failures.
func (s *Subscriber) invoke(ctx context.Context, b *binding, msg *message.Message) result {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{
					outcome:    RecoverableFailure,
					err:        fmt.Errorf("handler panic: %v", r),
					unexpected: true,
				}
			}
		}()

		var res result
		if responder, ok := b.handler.(Responder); ok && msg.ReplyTo != "" {
			reply, err := responder.Respond(callCtx, msg)
			res = classify(err)
			if err == nil {
				res.reply = reply
				res.replied = true
			}
		} else {
			res = classify(b.handler.Process(callCtx, msg))
		}
		resCh <- res
	}()

	select {
	case res := <-resCh:
		return res
	case <-callCtx.Done():
		return result{outcome: RecoverableFailure, err: ErrHandlerTimeout}
	}
}

func classify(err error) result {
	switch {
	case err == nil:
		return result{outcome: Success}
	case IsPermanent(err):
		return result{outcome: PermanentFailure, err: err, unexpected: true}
	default:
		return result{outcome: RecoverableFailure, err: err}
	}
}

// conclude applies the outcome: completion, broker-level retry, or
// dead-lettering through failback. tracked tells whether the dedup
// store holds a live record for this delivery.
func (s *Subscriber) conclude(ctx context.Context, b *binding, conn transport.Conn, d amqp.Delivery, msg *message.Message, res result, tracked bool) {
	if res.outcome == Success {
		if tracked {
			if err := s.store.Complete(ctx, msg.ID); err != nil {
				s.logger.Error("failed to mark completion", "message_id", msg.ID, "error", err)
			}
		}
		b.forgetAttempts(msg.ID)
		s.publishReply(ctx, conn, msg, res)
		s.ack(d)
		return
	}

	// Unexpected failures surface through errback before the
	// threshold decision.
	if res.unexpected && b.opts.Errback != nil {
		b.opts.Errback(msg, res.err)
	}

	attempts := 1
	switch {
	case tracked:
		if n, err := s.store.IncrementExceptions(ctx, msg.ID, msg.TTL); err == nil {
			attempts = n
			if local := b.forgetAttempts(msg.ID); local > attempts {
				attempts = local
			}
		} else {
			s.logger.Error("failed to count handler exception", "message_id", msg.ID, "error", err)
			attempts = b.bumpAttempts(msg.ID)
		}
	case !msg.Simple():
		// The store was unreachable for this delivery; count the
		// failure locally so the flap cannot retry forever.
		attempts = b.bumpAttempts(msg.ID)
	}

	if res.outcome != PermanentFailure && attempts <= b.opts.Exceptions {
		s.logger.Warn("handler failed, requeueing for retry",
			"queue", b.queue.Name, "message_id", msg.ID,
			"attempts", attempts, "error", res.err)
		if tracked {
			if err := s.store.ReleaseMutex(ctx, msg.ID); err != nil {
				s.logger.Error("failed to release mutex", "message_id", msg.ID, "error", err)
			}
		}
		s.reject(d)
		return
	}

	// Give up: surface the failure exactly once, stop redelivery.
	s.logger.Error("handler failed permanently, dead-lettering",
		"queue", b.queue.Name, "message_id", msg.ID,
		"attempts", attempts, "error", res.err)
	if b.opts.Failback != nil {
		b.opts.Failback(msg, res.err)
	}
	b.forgetAttempts(msg.ID)
	if tracked {
		if err := s.store.Fail(ctx, msg.ID); err != nil {
			s.logger.Error("failed to mark failure", "message_id", msg.ID, "error", err)
		}
	}
	s.ack(d)
}

// publishReply answers an RPC request over the default exchange.
func (s *Subscriber) publishReply(ctx context.Context, conn transport.Conn, msg *message.Message, res result) {
	if !res.replied || msg.ReplyTo == "" {
		return
	}

	correlation := msg.CorrelationID
	if correlation == "" {
		correlation = msg.ID
	}
	pub := amqp.Publishing{
		CorrelationId: correlation,
		Body:          res.reply,
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.Broker.PublishTimeout)
	defer cancel()

	if err := conn.Publish(pubCtx, "", msg.ReplyTo, pub); err != nil {
		s.logger.Error("failed to publish rpc reply",
			"message_id", msg.ID, "reply_to", msg.ReplyTo, "error", err)
	}
}

func (s *Subscriber) ack(d amqp.Delivery) {
	if d.Acknowledger == nil {
		return
	}
	if err := d.Ack(false); err != nil {
		s.logger.Error("ack failed", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

func (s *Subscriber) reject(d amqp.Delivery) {
	if d.Acknowledger == nil {
		return
	}
	if err := d.Reject(true); err != nil {
		s.logger.Error("reject failed", "delivery_tag", d.DeliveryTag, "error", err)
	}
}
