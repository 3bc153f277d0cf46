// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/absmach/beetle/message"
)

// RPC publishes the message and blocks for exactly one reply on a
// transient reply queue, until ctx expires. If more than one recipient
// replies, the first reply wins and later ones are dropped; the
// protocol does not correct for competing responders.
func (p *Publisher) RPC(ctx context.Context, msg *message.Message) (*message.Message, error) {
	rpcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastErr error
	for _, addr := range p.pool.Addrs() {
		cb := p.breaker(addr)
		v, err := cb.Execute(func() (any, error) {
			conn, err := p.pool.Get(addr)
			if err != nil {
				return nil, err
			}

			replyQueue, replies, err := conn.DeclareReplyQueue(rpcCtx)
			if err != nil {
				p.pool.Invalidate(addr)
				return nil, err
			}

			msg.ReplyTo = replyQueue
			msg.CorrelationID = msg.ID

			if err := p.publishTo(rpcCtx, addr, msg); err != nil {
				return nil, err
			}
			return replies, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				// Broker is cooling down after an earlier failure.
				continue
			}
			lastErr = err
			continue
		}

		// Waiting for the reply sits outside the breaker: a slow
		// responder says nothing about the broker's health.
		return p.awaitReply(rpcCtx, msg.ID, v.(<-chan amqp.Delivery))
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no broker available")
	}
	return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

func (p *Publisher) awaitReply(ctx context.Context, correlationID string, replies <-chan amqp.Delivery) (*message.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ErrRPCTimeout
		case d, ok := <-replies:
			if !ok {
				return nil, ErrRPCTimeout
			}
			if d.CorrelationId != correlationID {
				// Stale reply from an earlier call on a reused queue.
				continue
			}
			reply, err := message.FromDelivery(d)
			if err != nil {
				// Replies are not required to carry their own id.
				reply = &message.Message{
					ID:            d.CorrelationId,
					Body:          d.Body,
					CorrelationID: d.CorrelationId,
				}
			}
			return reply, nil
		}
	}
}
