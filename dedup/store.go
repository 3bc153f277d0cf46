// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dedup tracks delivery records so a handler runs at most once
// per logical message despite redundant deliveries. All mutation is
// through single-key atomic backend operations; clients never lock
// across keys.
package dedup

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// Verdict is the outcome of a should-process check.
type Verdict int

// Verdicts.
const (
	// Proceed means this process won the record mutex and must run
	// the handler.
	Proceed Verdict = iota

	// Skip means another process currently holds the mutex; the
	// delivery is acknowledged without invoking the handler.
	Skip

	// Done means the record is already completed or failed; late
	// duplicates are acknowledged and never re-invoked.
	Done
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case Skip:
		return "skip"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Record status values.
const (
	StatusIncomplete = "incomplete"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrTransient wraps backend connectivity failures. Subscribers treat
// a transient failure as "assume not processed": an extra duplicate
// invocation beats a lost message.
var ErrTransient = errors.New("dedup store temporarily unavailable")

// Store is the bookkeeping surface needed by the handler runtime.
type Store interface {
	// ShouldProcess atomically creates the delivery record if absent
	// and decides whether this process runs the handler.
	ShouldProcess(ctx context.Context, id string, ttl time.Duration) (Verdict, error)

	// Complete marks the record completed and releases the mutex.
	Complete(ctx context.Context, id string) error

	// Fail marks the record permanently failed and releases the mutex.
	Fail(ctx context.Context, id string) error

	// ReleaseMutex frees the record for the next delivery attempt.
	ReleaseMutex(ctx context.Context, id string) error

	// IncrementExceptions bumps the handler exception counter and
	// returns the new value. The counter lives as long as the record
	// itself, so ttl must be the message's ttl.
	IncrementExceptions(ctx context.Context, id string, ttl time.Duration) (int, error)

	// IncrementAckCount bumps the broker acknowledgement counter and
	// returns the new value.
	IncrementAckCount(ctx context.Context, id string, ttl time.Duration) (int, error)

	// Status returns the current record status, or empty if no record
	// exists.
	Status(ctx context.Context, id string) (string, error)
}

// IsTransient classifies backend errors that should be treated as
// "record state unknown" rather than as a permanent answer.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout")
}
