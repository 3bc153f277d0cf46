// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package failover

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/beetle/config"
)

// Redirector is whatever needs to follow the master: the deduplication
// store implements it.
type Redirector interface {
	Reconfigure(addr string)
}

// Client is the configuration client: it applies master announcements
// to its redirector and, as a safety net, polls the replica set
// directly in case announcements stop arriving.
type Client struct {
	cfg        *config.Config
	listener   Listener
	insp       Inspector
	redirector Redirector
	logger     *slog.Logger

	mu     sync.Mutex
	master string
	epoch  uint64
}

// NewClient creates a configuration client. The inspector backs the
// polling fallback and may not be nil.
func NewClient(cfg *config.Config, listener Listener, insp Inspector, redirector Redirector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		listener:   listener,
		insp:       insp,
		redirector: redirector,
		logger:     logger,
	}
}

// Run follows master announcements until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	announcements, err := c.listener.Announcements(ctx)
	if err != nil {
		c.logger.Error("announcement channel unavailable, relying on polling", "error", err)
		announcements = nil
	}

	// The fallback poll runs at the retry timeout: by then a silent
	// election would have completed and the roles settled.
	ticker := time.NewTicker(c.cfg.Redis.RetryTimeout)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-announcements:
			if !ok {
				// Receiving from a nil channel blocks forever, which
				// leaves only the poll ticker.
				announcements = nil
				continue
			}
			c.apply(a)
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// apply installs an announced master, discarding stale epochs. A
// replayed or reordered announcement can never roll the client back.
func (c *Client) apply(a Announcement) {
	c.mu.Lock()
	if a.Epoch <= c.epoch {
		c.mu.Unlock()
		c.logger.Debug("ignoring stale announcement", "master", a.Master, "epoch", a.Epoch)
		return
	}
	changed := a.Master != c.master
	c.epoch = a.Epoch
	c.master = a.Master
	c.mu.Unlock()

	if changed {
		c.logger.Info("following new master", "master", a.Master, "epoch", a.Epoch)
		c.redirector.Reconfigure(a.Master)
	}
}

// poll discovers the master by asking the servers directly. It only
// redirects when the currently followed master no longer reports the
// master role, so a delayed announcement cannot be fought.
func (c *Client) poll(ctx context.Context) {
	c.mu.Lock()
	master := c.master
	c.mu.Unlock()

	if master != "" {
		if role, err := c.insp.Role(ctx, master); err == nil && role == RoleMaster {
			return
		}
	}

	for _, addr := range c.cfg.Redis.Servers {
		if addr == master {
			continue
		}
		role, err := c.insp.Role(ctx, addr)
		if err != nil || role != RoleMaster {
			continue
		}

		c.mu.Lock()
		c.master = addr
		c.mu.Unlock()

		c.logger.Warn("discovered master by polling", "master", addr)
		c.redirector.Reconfigure(addr)
		return
	}
}

// CurrentMaster returns the followed master and the epoch it was
// announced with. A polled discovery keeps the last applied epoch.
func (c *Client) CurrentMaster() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master, c.epoch
}

// MasterAddr returns the followed master, or ErrNoMaster before the
// first announcement or discovery.
func (c *Client) MasterAddr() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.master == "" {
		return "", ErrNoMaster
	}
	return c.master, nil
}
