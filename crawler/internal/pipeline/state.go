package pipeline

import (
	"slices"
	"time"
)

// State is a step of the escalation state machine.
type State string

const (
	StateStart             State = "start"
	StateFetchAttempted    State = "fetch_attempted"
	StateClassified        State = "classified"
	StateEndpointAttempted State = "endpoint_attempted"
	StateRenderAttempted   State = "render_attempted"

	StateDoneSuccess      State = "done_success"
	StateDoneUnchanged    State = "done_unchanged"
	StateDoneInsufficient State = "done_insufficient"
	StateDoneFailed       State = "done_failed"
	StateDoneDisallowed   State = "done_disallowed"
)

// transitions lists the legal successors of every non-terminal state.
// done_failed is reachable from anywhere.
var transitions = map[State][]State{
	StateStart:             {StateFetchAttempted, StateDoneDisallowed, StateDoneInsufficient},
	StateFetchAttempted:    {StateFetchAttempted, StateClassified, StateDoneUnchanged},
	StateClassified:        {StateDoneSuccess, StateEndpointAttempted, StateRenderAttempted, StateDoneInsufficient},
	StateEndpointAttempted: {StateDoneSuccess, StateRenderAttempted, StateDoneInsufficient},
	StateRenderAttempted:   {StateDoneSuccess},
}

// Terminal reports a done_* state.
func (s State) Terminal() bool {
	switch s {
	case StateDoneSuccess, StateDoneUnchanged, StateDoneInsufficient, StateDoneFailed, StateDoneDisallowed:
		return true
	}
	return false
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateDoneFailed {
		return true
	}
	return slices.Contains(transitions[s], next)
}

// Transition is one recorded step.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
