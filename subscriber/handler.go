// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/beetle/message"
)

// Handler processes one message. Any concrete form of handler (struct,
// closure, responder) is adapted onto this single capability.
type Handler interface {
	Process(ctx context.Context, msg *message.Message) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *message.Message) error

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, msg *message.Message) error {
	return f(ctx, msg)
}

// Responder is an optional handler capability: its reply is published
// back to the requester of an RPC message.
type Responder interface {
	Handler
	Respond(ctx context.Context, msg *message.Message) ([]byte, error)
}

// ResponderFunc adapts a reply-producing function to a Responder.
type ResponderFunc func(ctx context.Context, msg *message.Message) ([]byte, error)

// Process implements Handler.
func (f ResponderFunc) Process(ctx context.Context, msg *message.Message) error {
	_, err := f(ctx, msg)
	return err
}

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, msg *message.Message) ([]byte, error) {
	return f(ctx, msg)
}

// permanentError marks a failure that must never be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the runtime dead-letters the message
// immediately instead of rejecting it for redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether the error was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ErrHandlerTimeout is the failure recorded when a handler overruns
// its configured timeout. It counts as recoverable.
var ErrHandlerTimeout = errors.New("handler timed out")

// HandlerOptions configures the runtime behavior of one registration.
type HandlerOptions struct {
	// Exceptions is how many recoverable failures are retried via
	// broker redelivery before the message is dead-lettered. Zero
	// means the first failure is final.
	Exceptions int

	// Timeout bounds one handler invocation. Zero uses the
	// deduplication handler timeout from the configuration.
	Timeout time.Duration

	// Errback is called on unexpected failures (panics, permanent
	// errors) before the threshold decision, for observability.
	Errback func(msg *message.Message, err error)

	// Failback is called exactly once when the message is given up
	// on. This is the dead-lettering hook.
	Failback func(msg *message.Message, err error)
}

// Outcome classifies one handler invocation.
type Outcome int

// Outcomes.
const (
	// Success: the handler completed normally.
	Success Outcome = iota

	// RecoverableFailure: worth a broker-level retry if the exception
	// threshold permits.
	RecoverableFailure

	// PermanentFailure: dead-letter immediately.
	PermanentFailure
)

// result carries the explicit outcome of a handler invocation through
// the dispatch algorithm. No control flow by unwinding: panics are
// recovered into results.
type result struct {
	outcome    Outcome
	err        error
	reply      []byte
	replied    bool
	unexpected bool
}
