// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package failover implements master election for the replicated
// key-value store behind the deduplication layer. A single
// configuration server monitors the replica set, promotes a slave when
// the master goes silent past the retry timeout, and broadcasts the
// new master to configuration clients, which redirect their local
// deduplication stores.
//
// The protocol trades consistency for availability: promotion needs no
// quorum, so a network partition that isolates the configuration
// server from a healthy master can produce two masters until the
// partition heals and the stale one is enslaved. Deduplication then
// degrades to at-least-once for messages whose records landed on the
// losing side. Run the configuration server close to the brokers to
// keep that window small.
package failover
