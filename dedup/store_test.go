// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "proceed", Proceed.String())
	assert.Equal(t, "skip", Skip.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "unknown", Verdict(42).String())
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("handler exploded")))
	assert.True(t, IsTransient(ErrTransient))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
}

func newMemory() *MemoryStore {
	return NewMemoryStore(100*time.Millisecond, time.Hour)
}

func TestFirstDeliveryProceeds(t *testing.T) {
	s := newMemory()
	ctx := context.Background()

	v, err := s.ShouldProcess(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Proceed, v)

	status, err := s.Status(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, status)
}

func TestConcurrentDuplicateSkips(t *testing.T) {
	s := newMemory()
	ctx := context.Background()

	v, err := s.ShouldProcess(ctx, "42", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Proceed, v)

	// Second delivery while the first is still processing.
	v, err = s.ShouldProcess(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Skip, v)
}

func TestCompletedRecordIsDoneForever(t *testing.T) {
	s := newMemory()
	ctx := context.Background()

	v, _ := s.ShouldProcess(ctx, "42", time.Minute)
	require.Equal(t, Proceed, v)
	require.NoError(t, s.Complete(ctx, "42"))

	// Late duplicate, e.g. after a broker failover redelivery.
	v, err := s.ShouldProcess(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Done, v)

	status, _ := s.Status(ctx, "42")
	assert.Equal(t, StatusCompleted, status)
}

func TestFailedRecordIsDone(t *testing.T) {
	s := newMemory()
	ctx := context.Background()

	v, _ := s.ShouldProcess(ctx, "42", time.Minute)
	require.Equal(t, Proceed, v)
	require.NoError(t, s.Fail(ctx, "42"))

	v, err := s.ShouldProcess(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Done, v)
}

func TestReleasedMutexAllowsRetry(t *testing.T) {
	s := newMemory()
	ctx := context.Background()

	v, _ := s.ShouldProcess(ctx, "42", time.Minute)
	require.Equal(t, Proceed, v)
	require.NoError(t, s.ReleaseMutex(ctx, "42"))

	// Broker redelivery after a recoverable handler failure.
	v, err := s.ShouldProcess(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Proceed, v)
}

func TestMutexLeaseExpires(t *testing.T) {
	s := NewMemoryStore(20*time.Millisecond, time.Hour)
	ctx := context.Background()

	v, _ := s.ShouldProcess(ctx, "42", time.Minute)
	require.Equal(t, Proceed, v)

	// A crashed worker never releases; the lease must free the record.
	time.Sleep(40 * time.Millisecond)
	v, err := s.ShouldProcess(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Proceed, v)
}

func TestCounters(t *testing.T) {
	s := newMemory()
	ctx := context.Background()

	n, err := s.IncrementExceptions(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = s.IncrementExceptions(ctx, "42", time.Minute)
	assert.Equal(t, 2, n)

	n, err = s.IncrementAckCount(ctx, "42", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCounterLivesAsLongAsRecord(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	ctx := context.Background()

	// The counter's lifetime is bound to the message ttl, not to the
	// gc threshold alone; within the ttl window counting continues.
	n, err := s.IncrementExceptions(ctx, "42", 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	time.Sleep(20 * time.Millisecond)
	n, err = s.IncrementExceptions(ctx, "42", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExpiredRecordIsRecreated(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	ctx := context.Background()

	v, _ := s.ShouldProcess(ctx, "42", 10*time.Millisecond)
	require.Equal(t, Proceed, v)
	require.NoError(t, s.Complete(ctx, "42"))

	// Past ttl + gc threshold the record is collectable; a fresh
	// message with a recycled id starts over.
	time.Sleep(30 * time.Millisecond)
	status, err := s.Status(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "", status)
}
