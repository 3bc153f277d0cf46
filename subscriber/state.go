// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import "sync/atomic"

// State represents the lifecycle of one queue subscription.
type State uint32

// Subscription states.
const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateListening
	StatePaused
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateUnsubscribed)}
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// set unconditionally sets the state.
func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// isPaused returns true if flow control is engaged.
func (sm *stateManager) isPaused() bool {
	return sm.get() == StatePaused
}

// isStopped returns true if the subscription halted for good.
func (sm *stateManager) isStopped() bool {
	return sm.get() == StateStopped
}
