package conversation

import (
	"fmt"
	"slices"
)

// State represents a conversation's channel-binding lifecycle state.
type State string

const (
	// Unbound: constructed without a channel (history materialization).
	Unbound State = "UNBOUND"
	// BoundValid: a live channel is bound and usable.
	BoundValid State = "BOUND_VALID"
	// BoundInvalid: the bound channel was invalidated by the provider.
	BoundInvalid State = "BOUND_INVALID"
	// Delegated: handling was handed to another process. Terminal.
	Delegated State = "DELEGATED"
)

// validTransitions defines allowed state transitions. BoundValid->BoundValid
// covers channel rebinds after reconnection.
var validTransitions = map[State][]State{
	Unbound:      {BoundValid, Delegated},
	BoundValid:   {BoundValid, BoundInvalid, Delegated},
	BoundInvalid: {BoundValid, Delegated},
	Delegated:    {},
}

// transition attempts to move to a new state. Returns an error if the
// transition is invalid; state is unchanged in that case.
func (c *Conversation) transition(to State) error {
	if !slices.Contains(validTransitions[c.state], to) {
		return fmt.Errorf("invalid transition from %s to %s", c.state, to)
	}
	c.state = to
	return nil
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	return c.state
}
