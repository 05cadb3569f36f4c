package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event published on the bus.
type Event struct {
	// ID uniquely identifies the event instance. Optional for ad-hoc
	// publishes; NewEvent always assigns one.
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event with a fresh ID and the current timestamp.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
