package chat

import "context"

// ChannelEvents is the fixed set of notifications a channel emits. Handlers
// are invoked from the provider's own goroutines; subscribers are expected
// to marshal onto the core loop themselves.
type ChannelEvents struct {
	MessageReceived func(Received)
	MessageSent     func(msg Received, token string)
	Invalidated     func(reason error)
}

// Channel is one active text-chat transport session, owned by the provider.
// The core only reads its protocol properties and issues
// acknowledge/close/send/chat-state operations.
type Channel interface {
	TargetID() string
	HandleType() HandleType
	// Target returns the contact metadata projection for the channel target.
	Target() Contact
	// Requested reports whether the channel was locally requested (outgoing).
	Requested() bool
	Valid() bool

	// Queued returns the messages the provider still holds as
	// unacknowledged. The provider owns the authoritative queue.
	Queued() []Received
	Acknowledge(msgs []Received) error

	Send(ctx context.Context, text string, kind Kind) (token string, err error)
	SetChatState(state ChatState) error
	Close() error

	// Subscribe registers event handlers and returns a cancel function.
	Subscribe(ev ChannelEvents) (cancel func())
}

// Account is a provider-owned account handle.
type Account interface {
	ID() string
	Connected() bool
	// OnConnectionChanged registers a connection-change handler and returns
	// a cancel function.
	OnConnectionChanged(fn func(connected bool)) (cancel func())
	// EnsureTextChat requests a text channel for the target and completes
	// asynchronously. done receives either a channel or an error, never both.
	EnsureTextChat(ctx context.Context, targetID string, done func(Channel, error))
}

// AccountManager resolves account identifiers to live accounts.
type AccountManager interface {
	Account(id string) (Account, bool)
}

// Delegator hands ownership of a channel to another handler without
// closing it.
type Delegator interface {
	Delegate(a Account, ch Channel) error
}

// DelegatorFunc adapts a function to the Delegator interface.
type DelegatorFunc func(Account, Channel) error

func (f DelegatorFunc) Delegate(a Account, ch Channel) error {
	return f(a, ch)
}
