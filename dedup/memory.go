// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store with the same semantics as the
// Redis implementation. It cannot deduplicate across processes; it
// exists for single-process deployments and tests.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*memoryRecord
	mutexLease  time.Duration
	gcThreshold time.Duration
}

type memoryRecord struct {
	status     string
	exceptions int
	ackCount   int
	mutexUntil time.Time
	expiresAt  time.Time
}

// NewMemoryStore creates an in-memory store. The mutex lease bounds
// how long a crashed handler can hold a record.
func NewMemoryStore(mutexLease, gcThreshold time.Duration) *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*memoryRecord),
		mutexLease:  mutexLease,
		gcThreshold: gcThreshold,
	}
}

func (s *MemoryStore) record(id string, ttl time.Duration, now time.Time) *memoryRecord {
	r, ok := s.records[id]
	if ok && (r.expiresAt.IsZero() || now.Before(r.expiresAt)) {
		return r
	}
	r = &memoryRecord{
		status:    StatusIncomplete,
		expiresAt: now.Add(ttl + s.gcThreshold),
	}
	s.records[id] = r
	return r
}

// ShouldProcess implements Store.
func (s *MemoryStore) ShouldProcess(ctx context.Context, id string, ttl time.Duration) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	r := s.record(id, ttl, now)

	if r.status == StatusCompleted || r.status == StatusFailed {
		return Done, nil
	}
	if now.Before(r.mutexUntil) {
		return Skip, nil
	}
	r.mutexUntil = now.Add(s.mutexLease)
	return Proceed, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(ctx context.Context, id string) error {
	return s.finish(id, StatusCompleted)
}

// Fail implements Store.
func (s *MemoryStore) Fail(ctx context.Context, id string) error {
	return s.finish(id, StatusFailed)
}

func (s *MemoryStore) finish(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(id, 0, time.Now())
	r.status = status
	r.mutexUntil = time.Time{}
	return nil
}

// ReleaseMutex implements Store.
func (s *MemoryStore) ReleaseMutex(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[id]; ok {
		r.mutexUntil = time.Time{}
	}
	return nil
}

// IncrementExceptions implements Store.
func (s *MemoryStore) IncrementExceptions(ctx context.Context, id string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(id, ttl, time.Now())
	r.exceptions++
	return r.exceptions, nil
}

// IncrementAckCount implements Store.
func (s *MemoryStore) IncrementAckCount(ctx context.Context, id string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(id, ttl, time.Now())
	r.ackCount++
	return r.ackCount, nil
}

// Status implements Store.
func (s *MemoryStore) Status(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || (!r.expiresAt.IsZero() && time.Now().After(r.expiresAt)) {
		return "", nil
	}
	return r.status, nil
}
