package chat

import "time"

// HandleType classifies a channel target.
type HandleType int

const (
	HandleContact HandleType = iota
	HandleRoom
)

func (h HandleType) String() string {
	if h == HandleRoom {
		return "room"
	}
	return "contact"
}

// Direction indicates which side originated a message.
type Direction int

const (
	RemoteToLocal Direction = iota
	LocalToRemote
)

// Kind classifies a message for presentation purposes.
type Kind int

const (
	KindIncoming Kind = iota
	KindOutgoing
	KindAction
	KindNotice
)

// ChatState is the tri-state typing indicator sent to the remote party.
type ChatState int

const (
	StateActive ChatState = iota
	StateComposing
	StatePaused
)

// DeliveryStatus is the late-bound per-message delivery state.
type DeliveryStatus int

const (
	DeliveryUnknown DeliveryStatus = iota
	DeliveryDelivered
	DeliveryRead
	DeliveryFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Presence is the projected presence of a channel target.
type Presence int

const (
	PresenceOffline Presence = iota
	PresenceAvailable
	PresenceAway
)

// Contact is the metadata projection of a channel target.
type Contact struct {
	ID         string
	Alias      string
	AvatarPath string
	Presence   Presence
}

// Message is an immutable processed message, produced by the filter chain
// from a raw transport message or a persisted log row. The only mutable
// state associated with it (delivery status) lives in the owning ledger.
type Message struct {
	// Token is an opaque correlation key. It may be empty; empty tokens are
	// never matched against each other.
	Token     string
	Timestamp time.Time // zero for synthetic/notice messages
	Direction Direction

	SenderID     string
	SenderAlias  string
	SenderAvatar string

	Kind Kind
	Body string
	// Fragments holds decorator-appended body fragments, in append order.
	Fragments []string
}

// HasTimestamp reports whether the message carries a valid send timestamp.
func (m Message) HasTimestamp() bool {
	return !m.Timestamp.IsZero()
}

// DeliveryReport is a secondary signal correlated to a previously sent
// message via OriginalToken.
type DeliveryReport struct {
	OriginalToken string
	Status        DeliveryStatus
	ReceivedAt    time.Time
}

// Received is a raw transport message as handed over by the channel
// provider, before the filter chain has run.
type Received struct {
	Token     string
	Timestamp time.Time

	SenderID     string
	SenderAlias  string
	SenderAvatar string

	Kind     Kind
	Body     string
	FromSelf bool

	// Report is non-nil when this is a delivery report rather than a
	// conversational message.
	Report *DeliveryReport
}

// IsDeliveryReport reports whether this is a delivery report.
func (r Received) IsDeliveryReport() bool {
	return r.Report != nil
}

// Request carries optional hints attached to an incoming channel.
type Request struct {
	// PreferredHandler, when non-empty, asks that the channel be handed to
	// that handler instead of being bound locally.
	PreferredHandler string
}

// WantsDelegation reports whether the request hints at delegation.
func (r Request) WantsDelegation() bool {
	return r.PreferredHandler != ""
}
