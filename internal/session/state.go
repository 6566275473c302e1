// Package session implements the per-session state machine: starting,
// advancing and concluding rounds, pausing at safe points, rolling back and
// timing out. Each Machine owns its session exclusively and serializes every
// mutation behind one mutex.
package session

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a session. The zero value is StateIdle.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateRunning
	// StateDeliberating is the part of running during which at least one
	// participant exchange is in flight.
	StateDeliberating
	StatePaused
	StateCompleted
	StateStopped
	StateError
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateConfigured:   "configured",
	StateRunning:      "running",
	StateDeliberating: "deliberating",
	StatePaused:       "paused",
	StateCompleted:    "completed",
	StateStopped:      "stopped",
	StateError:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", name)
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown session state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText rejects names that are not session states.
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateError
}

// Active reports whether rounds can make progress.
func (s State) Active() bool {
	return s == StateRunning || s == StateDeliberating
}

// ValidTransitions is the session state machine.
var ValidTransitions = map[State][]State{
	StateIdle: {
		StateConfigured,
		StateRunning,
		StateStopped,
	},
	StateConfigured: {
		StateConfigured, // reconfigure before start
		StateRunning,
		StateStopped,
	},
	StateRunning: {
		StateDeliberating,
		StatePaused,
		StateCompleted,
		StateStopped,
		StateError,
	},
	StateDeliberating: {
		StateRunning,
		StatePaused, // last exchange released but not yet observed
		StateCompleted,
		StateStopped,
		StateError,
	},
	StatePaused: {
		StateRunning,
		StateStopped,
		StateError,
	},

	// Terminal states: no transitions out
	StateCompleted: {},
	StateStopped:   {},
	StateError:     {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	targets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(targets, to)
}

// RoundState is the lifecycle of one round.
type RoundState string

const (
	RoundPending    RoundState = "pending"
	RoundInProgress RoundState = "in_progress"
	RoundCompleted  RoundState = "completed"
	RoundConverged  RoundState = "converged"
	RoundFailed     RoundState = "failed"
)

// Sealed reports whether the round is finished and immutable.
func (s RoundState) Sealed() bool {
	return s == RoundCompleted || s == RoundConverged || s == RoundFailed
}

// UnmarshalText rejects unknown round states.
func (s *RoundState) UnmarshalText(b []byte) error {
	switch rs := RoundState(b); rs {
	case RoundPending, RoundInProgress, RoundCompleted, RoundConverged, RoundFailed:
		*s = rs
		return nil
	}
	return fmt.Errorf("unknown round state %q", string(b))
}
