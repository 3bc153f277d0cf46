// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package failover

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/absmach/beetle/config"
)

// Inspector reads and changes the replication topology of the replica
// set members.
type Inspector interface {
	// Role returns the replication role addr currently reports.
	Role(ctx context.Context, addr string) (Role, error)

	// Promote makes addr a master (stop replicating anyone).
	Promote(ctx context.Context, addr string) error

	// Enslave points addr at masterAddr as its replication source.
	Enslave(ctx context.Context, addr, masterAddr string) error
}

// RedisInspector implements Inspector over direct connections to each
// replica set member. Connections are cached per address.
type RedisInspector struct {
	cfg config.RedisConfig

	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewRedisInspector creates an inspector for the configured replica set.
func NewRedisInspector(cfg config.RedisConfig) *RedisInspector {
	return &RedisInspector{
		cfg:     cfg,
		clients: make(map[string]*redis.Client),
	}
}

func (i *RedisInspector) client(addr string) *redis.Client {
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.clients[addr]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: i.cfg.DialTimeout,
		ReadTimeout: i.cfg.DialTimeout,
		// A failed health check must surface immediately; the monitor
		// loop is the retry mechanism.
		MaxRetries: -1,
	})
	i.clients[addr] = c
	return c
}

// Role asks the server for its replication role.
func (i *RedisInspector) Role(ctx context.Context, addr string) (Role, error) {
	info, err := i.client(addr).Info(ctx, "replication").Result()
	if err != nil {
		return RoleUnknown, fmt.Errorf("replication info from %s: %w", addr, err)
	}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if role, ok := strings.CutPrefix(line, "role:"); ok {
			switch Role(role) {
			case RoleMaster:
				return RoleMaster, nil
			case RoleSlave:
				return RoleSlave, nil
			default:
				return RoleUnknown, nil
			}
		}
	}
	return RoleUnknown, fmt.Errorf("no role in replication info from %s", addr)
}

// Promote issues SLAVEOF NO ONE.
func (i *RedisInspector) Promote(ctx context.Context, addr string) error {
	if err := i.client(addr).SlaveOf(ctx, "NO", "ONE").Err(); err != nil {
		return fmt.Errorf("promoting %s: %w", addr, err)
	}
	return nil
}

// Enslave points addr at masterAddr.
func (i *RedisInspector) Enslave(ctx context.Context, addr, masterAddr string) error {
	host, port, err := net.SplitHostPort(masterAddr)
	if err != nil {
		return fmt.Errorf("invalid master address %q: %w", masterAddr, err)
	}
	if err := i.client(addr).SlaveOf(ctx, host, port).Err(); err != nil {
		return fmt.Errorf("enslaving %s to %s: %w", addr, masterAddr, err)
	}
	return nil
}

// Close releases all cached connections.
func (i *RedisInspector) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var firstErr error
	for addr, c := range i.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(i.clients, addr)
	}
	return firstErr
}
