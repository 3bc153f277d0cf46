// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package failover

import (
	"errors"
	"time"
)

// ErrNoMaster is returned while no elected master is known.
var ErrNoMaster = errors.New("no master elected")

// Role is the replication role a server reports.
type Role string

// Replication roles.
const (
	RoleMaster  Role = "master"
	RoleSlave   Role = "slave"
	RoleUnknown Role = "unknown"
)

// ServerRecord tracks the observed health of one replica set member.
type ServerRecord struct {
	Addr                string    `json:"addr"`
	Role                Role      `json:"role"`
	LastSeen            time.Time `json:"last_seen"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Available reports whether the server answered a health check within
// the retry timeout. A single missed check never flips availability.
func (r *ServerRecord) Available(now time.Time, retryTimeout time.Duration) bool {
	if r.LastSeen.IsZero() {
		return false
	}
	return now.Sub(r.LastSeen) <= retryTimeout
}

// Announcement is one master-change broadcast. Epoch increases with
// every election; clients discard anything at or below the epoch they
// already applied.
type Announcement struct {
	Master string    `json:"master"`
	Epoch  uint64    `json:"epoch"`
	At     time.Time `json:"at"`
}

// Status is a point-in-time snapshot of the election state, served by
// the health endpoint.
type Status struct {
	Master  string         `json:"master"`
	Epoch   uint64         `json:"epoch"`
	Servers []ServerRecord `json:"servers"`
}
