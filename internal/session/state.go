package session

import "zapinbox/internal/models"

// State is the in-memory lifecycle state of a channel's session.
type State string

const (
	StatePending        State = "pending"
	StateInitializing   State = "initializing"
	StateWaitingForScan State = "waiting_for_scan"
	StateActive         State = "active"
	StateDisconnected   State = "disconnected"
	StateError          State = "error"
)

var transitions = map[State][]State{
	StatePending:        {StateInitializing, StateError, StateDisconnected},
	StateInitializing:   {StateWaitingForScan, StateActive, StateError, StateDisconnected},
	StateWaitingForScan: {StateWaitingForScan, StateInitializing, StateActive, StateError, StateDisconnected},
	StateActive:         {StateDisconnected, StateError},
	StateDisconnected:   {StateInitializing, StateError, StateDisconnected},
	StateError:          {StateInitializing, StateError, StateDisconnected},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateFromChannel is the state assumed for a channel with no live session.
func stateFromChannel(status models.ChannelStatus) State {
	switch status {
	case models.ChannelPending:
		return StatePending
	case models.ChannelError:
		return StateError
	default:
		return StateDisconnected
	}
}
