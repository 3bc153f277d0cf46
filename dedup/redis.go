// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/absmach/beetle/config"
)

// unlockScript releases the mutex only if this process still owns it.
// A lease that expired and was grabbed by someone else must not be
// deletable by the previous holder.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisStore keeps delivery records in a replicated Redis. It is the
// component redirected by the failover client when a new master is
// announced.
type RedisStore struct {
	cfg    config.DedupConfig
	dial   config.RedisConfig
	owner  string
	logger *slog.Logger

	mu     sync.RWMutex
	client *redis.Client
	addr   string
}

// NewRedisStore creates a store talking to the given master address.
// The owner token identifies this process's mutex holds.
func NewRedisStore(cfg *config.Config, masterAddr string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisStore{
		cfg:    cfg.Dedup,
		dial:   cfg.Redis,
		owner:  uuid.New().String(),
		logger: logger,
	}
	s.client = s.newClient(masterAddr)
	s.addr = masterAddr
	return s
}

func (s *RedisStore) newClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: s.dial.DialTimeout,
		ReadTimeout: s.dial.DialTimeout,
	})
}

// Reconfigure swaps the backend connection to a freshly promoted
// master. In-flight operations on the old connection surface as
// transient errors and are retried by callers.
func (s *RedisStore) Reconfigure(addr string) {
	s.mu.Lock()
	old := s.client
	if s.addr == addr {
		s.mu.Unlock()
		return
	}
	s.client = s.newClient(addr)
	s.addr = addr
	s.mu.Unlock()

	s.logger.Info("dedup store redirected to new master", "addr", addr)
	if old != nil {
		old.Close()
	}
}

// Addr returns the current master address.
func (s *RedisStore) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *RedisStore) conn() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *RedisStore) key(id, field string) string {
	return fmt.Sprintf("%s:%s:%s", s.cfg.KeyPrefix, id, field)
}

// recordTTL bounds record growth: records expire gc-threshold after
// the message ttl, whether or not a handler ever completed.
func (s *RedisStore) recordTTL(ttl time.Duration) time.Duration {
	return ttl + s.cfg.GCThreshold
}

// ShouldProcess creates the delivery record if absent and tries to
// acquire the per-record mutex with a lease.
func (s *RedisStore) ShouldProcess(ctx context.Context, id string, ttl time.Duration) (Verdict, error) {
	c := s.conn()

	status, err := c.Get(ctx, s.key(id, "status")).Result()
	switch {
	case err == redis.Nil:
		// First sight of this message: create the record.
		if err := c.SetNX(ctx, s.key(id, "status"), StatusIncomplete, s.recordTTL(ttl)).Err(); err != nil {
			return Skip, s.transient("create record", id, err)
		}
	case err != nil:
		return Skip, s.transient("read status", id, err)
	case status == StatusCompleted || status == StatusFailed:
		return Done, nil
	}

	acquired, err := c.SetNX(ctx, s.key(id, "mutex"), s.owner, s.cfg.HandlerTimeout).Result()
	if err != nil {
		return Skip, s.transient("acquire mutex", id, err)
	}
	if !acquired {
		return Skip, nil
	}
	return Proceed, nil
}

// Complete marks the record completed and releases the mutex.
func (s *RedisStore) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCompleted)
}

// Fail marks the record permanently failed and releases the mutex.
func (s *RedisStore) Fail(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusFailed)
}

func (s *RedisStore) finish(ctx context.Context, id, status string) error {
	c := s.conn()

	// Preserve the record's expiry; completion must not extend its
	// lifetime past the ttl-derived horizon.
	if err := c.SetArgs(ctx, s.key(id, "status"), status, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return s.transient("write status", id, err)
	}
	if err := c.ExpireNX(ctx, s.key(id, "status"), s.recordTTL(0)).Err(); err != nil {
		return s.transient("ensure expiry", id, err)
	}
	return s.ReleaseMutex(ctx, id)
}

// ReleaseMutex frees the record if this process still owns it.
func (s *RedisStore) ReleaseMutex(ctx context.Context, id string) error {
	c := s.conn()
	if err := c.Eval(ctx, unlockScript, []string{s.key(id, "mutex")}, s.owner).Err(); err != nil && err != redis.Nil {
		return s.transient("release mutex", id, err)
	}
	return nil
}

// IncrementExceptions bumps the handler exception counter.
func (s *RedisStore) IncrementExceptions(ctx context.Context, id string, ttl time.Duration) (int, error) {
	return s.increment(ctx, id, "exceptions", ttl)
}

// IncrementAckCount bumps the broker acknowledgement counter.
func (s *RedisStore) IncrementAckCount(ctx context.Context, id string, ttl time.Duration) (int, error) {
	return s.increment(ctx, id, "ack_count", ttl)
}

func (s *RedisStore) increment(ctx context.Context, id, field string, ttl time.Duration) (int, error) {
	c := s.conn()
	n, err := c.Incr(ctx, s.key(id, field)).Result()
	if err != nil {
		return 0, s.transient("increment "+field, id, err)
	}
	// Counters must outlive every redelivery of their record: a
	// shorter expiry would reset attempt counting mid-window.
	if err := c.ExpireNX(ctx, s.key(id, field), s.recordTTL(ttl)).Err(); err != nil {
		return int(n), s.transient("expire "+field, id, err)
	}
	return int(n), nil
}

// Status returns the record status, or empty if no record exists.
func (s *RedisStore) Status(ctx context.Context, id string) (string, error) {
	status, err := s.conn().Get(ctx, s.key(id, "status")).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", s.transient("read status", id, err)
	}
	return status, nil
}

// Close releases the backend connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RedisStore) transient(op, id string, err error) error {
	s.logger.Warn("dedup store operation failed", "op", op, "message_id", id, "error", err)
	return fmt.Errorf("%w: %s %s: %v", ErrTransient, op, id, err)
}
