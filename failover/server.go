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

// reannounceChecks is how many check intervals pass between periodic
// re-announcements of an unchanged master. Re-announcing repairs
// clients that missed the broadcast, e.g. after a broker restart.
const reannounceChecks = 10

// Server is the configuration server: it monitors the replica set,
// elects a new master when the current one goes silent past the retry
// timeout, and announces every change. Exactly one instance must run
// per replica set.
type Server struct {
	cfg      *config.Config
	insp     Inspector
	notifier Notifier
	logger   *slog.Logger

	mu           sync.Mutex
	records      map[string]*ServerRecord
	master       string
	epoch        uint64
	lastAnnounce time.Time
}

// NewServer creates a configuration server over the configured replica
// set. The order of cfg.Redis.Servers is the promotion priority.
func NewServer(cfg *config.Config, insp Inspector, notifier Notifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	records := make(map[string]*ServerRecord, len(cfg.Redis.Servers))
	for _, addr := range cfg.Redis.Servers {
		records[addr] = &ServerRecord{Addr: addr, Role: RoleUnknown}
	}
	return &Server{
		cfg:      cfg,
		insp:     insp,
		notifier: notifier,
		logger:   logger,
		records:  records,
	}
}

// Run drives the monitor loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("configuration server starting",
		"servers", s.cfg.Redis.Servers,
		"check_interval", s.cfg.Redis.CheckInterval,
		"retry_timeout", s.cfg.Redis.RetryTimeout)

	ticker := time.NewTicker(s.cfg.Redis.CheckInterval)
	defer ticker.Stop()

	s.check(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("configuration server stopped")
			return nil
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check runs one monitoring pass: refresh every record, then act on
// what changed.
func (s *Server) check(ctx context.Context) {
	now := time.Now()

	for _, addr := range s.cfg.Redis.Servers {
		role, err := s.insp.Role(ctx, addr)

		s.mu.Lock()
		rec := s.records[addr]
		if err != nil {
			rec.ConsecutiveFailures++
			s.mu.Unlock()
			s.logger.Warn("health check failed",
				"server", addr, "consecutive_failures", rec.ConsecutiveFailures, "error", err)
			continue
		}
		rec.Role = role
		rec.LastSeen = now
		rec.ConsecutiveFailures = 0
		s.mu.Unlock()
	}

	s.evaluate(ctx, now)
}

func (s *Server) evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	master := s.master
	var masterUp bool
	if master != "" {
		masterUp = s.records[master].Available(now, s.cfg.Redis.RetryTimeout)
	}
	s.mu.Unlock()

	switch {
	case master == "":
		s.electInitial(ctx, now)
	case !masterUp:
		s.logger.Error("master went silent past retry timeout, failing over", "master", master)
		s.failover(ctx, now)
	default:
		s.realign(ctx, now, false)
		s.maybeReannounce(ctx, now)
	}
}

// electInitial adopts a server that already holds the master role, or
// promotes the highest-priority reachable server on a cold start.
func (s *Server) electInitial(ctx context.Context, now time.Time) {
	var candidate string
	s.mu.Lock()
	for _, addr := range s.cfg.Redis.Servers {
		rec := s.records[addr]
		if rec.Role == RoleMaster && rec.Available(now, s.cfg.Redis.RetryTimeout) {
			candidate = addr
			break
		}
	}
	if candidate == "" {
		candidate = s.firstAvailableLocked(now, "")
	}
	s.mu.Unlock()

	if candidate == "" {
		s.logger.Warn("no reachable server, delaying initial election")
		return
	}
	s.promote(ctx, now, candidate)
}

// failover promotes the highest-priority reachable server other than
// the silent master. With no candidate the old master is kept so a
// recovery needs no election at all.
func (s *Server) failover(ctx context.Context, now time.Time) {
	s.mu.Lock()
	candidate := s.firstAvailableLocked(now, s.master)
	s.mu.Unlock()

	if candidate == "" {
		s.logger.Error("no promotion candidate reachable, keeping silent master", "master", s.Status().Master)
		return
	}
	s.promote(ctx, now, candidate)
}

// firstAvailableLocked returns the highest-priority reachable server,
// excluding one address.
func (s *Server) firstAvailableLocked(now time.Time, exclude string) string {
	for _, addr := range s.cfg.Redis.Servers {
		if addr == exclude {
			continue
		}
		if s.records[addr].Available(now, s.cfg.Redis.RetryTimeout) {
			return addr
		}
	}
	return ""
}

// promote makes candidate the master, repoints every other reachable
// server at it and announces the new epoch.
func (s *Server) promote(ctx context.Context, now time.Time, candidate string) {
	if err := s.insp.Promote(ctx, candidate); err != nil {
		s.logger.Error("promotion failed", "candidate", candidate, "error", err)
		return
	}

	s.mu.Lock()
	s.epoch++
	s.master = candidate
	s.records[candidate].Role = RoleMaster
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Info("elected new master", "master", candidate, "epoch", epoch)
	s.realign(ctx, now, true)
	s.announce(ctx, now)
}

// realign repoints reachable servers at the current master. After an
// election everything is repointed; in steady state only stray
// masters, such as an old master that came back, are touched.
func (s *Server) realign(ctx context.Context, now time.Time, all bool) {
	s.mu.Lock()
	master := s.master
	var targets []string
	for _, addr := range s.cfg.Redis.Servers {
		if addr == master {
			continue
		}
		rec := s.records[addr]
		if !rec.Available(now, s.cfg.Redis.RetryTimeout) {
			continue
		}
		if all || rec.Role == RoleMaster {
			targets = append(targets, addr)
		}
	}
	s.mu.Unlock()

	for _, addr := range targets {
		if err := s.insp.Enslave(ctx, addr, master); err != nil {
			s.logger.Error("failed to repoint server", "server", addr, "master", master, "error", err)
			continue
		}
		s.mu.Lock()
		s.records[addr].Role = RoleSlave
		s.mu.Unlock()
	}
}

func (s *Server) maybeReannounce(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := now.Sub(s.lastAnnounce) >= time.Duration(reannounceChecks)*s.cfg.Redis.CheckInterval
	s.mu.Unlock()
	if due {
		s.announce(ctx, now)
	}
}

func (s *Server) announce(ctx context.Context, now time.Time) {
	s.mu.Lock()
	a := Announcement{Master: s.master, Epoch: s.epoch, At: now}
	s.lastAnnounce = now
	s.mu.Unlock()

	if err := s.notifier.Announce(ctx, a); err != nil {
		s.logger.Error("announcement failed", "master", a.Master, "epoch", a.Epoch, "error", err)
	}
}

// Status returns a snapshot of the election state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers := make([]ServerRecord, 0, len(s.cfg.Redis.Servers))
	for _, addr := range s.cfg.Redis.Servers {
		servers = append(servers, *s.records[addr])
	}
	return Status{Master: s.master, Epoch: s.epoch, Servers: servers}
}
