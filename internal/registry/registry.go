// Package registry owns the ordered collection of conversations and is the
// channel-handler entry point: incoming text channels are matched against
// existing conversations or wrapped in new ones.
package registry

import (
	"time"

	"github.com/pvieira/palaver/internal/chat"
	"github.com/pvieira/palaver/internal/conversation"
	"github.com/pvieira/palaver/internal/eventloop"
	"github.com/pvieira/palaver/internal/filter"
	"github.com/pvieira/palaver/internal/store"
	"go.uber.org/zap"
)

// Events is the fixed set of collection change notifications. Indices refer
// to positions in the ordered sequence at the time of the event.
type Events struct {
	Inserted      func(idx int)
	Removed       func(idx int)
	Changed       func(idx int)
	ActiveChanged func(idx int)
	// CloseRequested relays a conversation's close request (delegation or a
	// user close) to the hosting layer, which decides when to actually call
	// RemoveConversation.
	CloseRequested func(idx int)
	// MessageLogged relays live ledger insertions from every owned
	// conversation, for history persistence.
	MessageLogged func(accountID, entity string, msg chat.Message)
}

// Options configures a registry and the conversations it constructs.
type Options struct {
	Delegator chat.Delegator
	Store     store.LogStore
	Chain     *filter.Chain
	Poster    eventloop.Poster
	Logger    *zap.Logger

	ScrollbackLimit int
	ComposeTimeout  time.Duration

	Events Events
}

// Registry is the ordered conversation collection. At most one
// conversation is bound to a given (targetID, handleType) pair at any time.
type Registry struct {
	convs  []*conversation.Conversation
	active int // index into convs, -1 when none

	opts   Options
	logger *zap.Logger
}

// New creates an empty registry with no active conversation.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Poster == nil {
		opts.Poster = eventloop.Immediate{}
	}
	return &Registry{active: -1, opts: opts, logger: opts.Logger}
}

// HandleChannels is invoked whenever the provider hands this process a text
// channel. Exactly one branch executes per invocation:
//   - match, no delegation hint: rebind the existing conversation, activate;
//   - match, delegation hint, same channel object: delegate it away;
//   - no match, no hint: create a new conversation, activate if the channel
//     was locally requested or nothing is active yet;
//   - no match, hint: ignore, another handler will pick it up.
func (r *Registry) HandleChannels(acct chat.Account, ch chat.Channel, requests []chat.Request) {
	if ch == nil {
		return
	}
	shouldDelegate := false
	for _, req := range requests {
		if req.WantsDelegation() {
			shouldDelegate = true
			break
		}
	}

	idx := r.indexOfTarget(ch.TargetID(), ch.HandleType())
	switch {
	case idx >= 0 && !shouldDelegate:
		// The channel object may differ after reconnection even for the
		// same logical target.
		r.convs[idx].SetChannel(ch)
		r.SetActive(idx)
	case idx >= 0 && shouldDelegate:
		if r.convs[idx].Channel() == ch {
			r.convs[idx].Delegate(r.opts.Delegator)
		}
	case !shouldDelegate:
		c := r.newConversation(acct, ch)
		r.convs = append(r.convs, c)
		pos := len(r.convs) - 1
		if r.opts.Events.Inserted != nil {
			r.opts.Events.Inserted(pos)
		}
		if ch.Requested() || r.active < 0 {
			r.SetActive(pos)
		}
	default:
		r.logger.Debug("ignoring channel destined for another handler",
			zap.String("target", ch.TargetID()))
	}
}

func (r *Registry) newConversation(acct chat.Account, ch chat.Channel) *conversation.Conversation {
	var c *conversation.Conversation
	c = conversation.New(conversation.Options{
		Account:         acct,
		Channel:         ch,
		Store:           r.opts.Store,
		Chain:           r.opts.Chain,
		Poster:          r.opts.Poster,
		Logger:          r.logger,
		ScrollbackLimit: r.opts.ScrollbackLimit,
		ComposeTimeout:  r.opts.ComposeTimeout,
		Events: conversation.Events{
			CloseRequested: func() {
				if r.opts.Events.CloseRequested == nil {
					return
				}
				if idx := r.indexOf(c); idx >= 0 {
					r.opts.Events.CloseRequested(idx)
				}
			},
			UnreadChanged:  func(int) { r.fireChanged(c) },
			TitleChanged:   func(string) { r.fireChanged(c) },
			ValidityChanged: func(bool) {
				r.fireChanged(c)
			},
			MessageLogged: r.opts.Events.MessageLogged,
		},
	})
	return c
}

func (r *Registry) fireChanged(c *conversation.Conversation) {
	if r.opts.Events.Changed == nil {
		return
	}
	if idx := r.indexOf(c); idx >= 0 {
		r.opts.Events.Changed(idx)
	}
}

// RemoveConversation removes c from the sequence and tears it down. A
// conversation not present is a logged no-op.
func (r *Registry) RemoveConversation(c *conversation.Conversation) {
	idx := r.indexOf(c)
	if idx < 0 {
		r.logger.Warn("conversation not in registry, ignoring removal",
			zap.String("target", c.TargetID()))
		return
	}
	r.convs = append(r.convs[:idx], r.convs[idx+1:]...)
	c.Teardown()
	if r.opts.Events.Removed != nil {
		r.opts.Events.Removed(idx)
	}
	switch {
	case r.active == idx:
		r.active = -1
		if r.opts.Events.ActiveChanged != nil {
			r.opts.Events.ActiveChanged(-1)
		}
	case r.active > idx:
		r.active--
	}
}

// NextActiveConversation scans circularly starting at startRow (inclusive),
// wrapping exactly once, and returns the index of the first conversation
// with unread messages, or -1.
func (r *Registry) NextActiveConversation(startRow int) int {
	n := len(r.convs)
	if n == 0 {
		return -1
	}
	start := ((startRow % n) + n) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if r.convs[idx].UnreadCount() > 0 {
			return idx
		}
	}
	return -1
}

// TotalUnreadCount sums every conversation's unread count. Recomputed on
// demand; the registry has no authoritative way to know every mutation
// source.
func (r *Registry) TotalUnreadCount() int {
	total := 0
	for _, c := range r.convs {
		total += c.UnreadCount()
	}
	return total
}

// ActiveIndex returns the active conversation index, -1 when none.
func (r *Registry) ActiveIndex() int {
	return r.active
}

// SetActive marks the conversation at idx active.
func (r *Registry) SetActive(idx int) {
	if idx < 0 || idx >= len(r.convs) || idx == r.active {
		return
	}
	r.active = idx
	if r.opts.Events.ActiveChanged != nil {
		r.opts.Events.ActiveChanged(idx)
	}
}

// Len returns the number of conversations.
func (r *Registry) Len() int {
	return len(r.convs)
}

// At returns the conversation at index i.
func (r *Registry) At(i int) *conversation.Conversation {
	return r.convs[i]
}

// Shutdown tears down every conversation. Channels close unless delegated.
func (r *Registry) Shutdown() {
	for _, c := range r.convs {
		c.Teardown()
	}
	r.convs = nil
	r.active = -1
}

func (r *Registry) indexOf(c *conversation.Conversation) int {
	for i, have := range r.convs {
		if have == c {
			return i
		}
	}
	return -1
}

func (r *Registry) indexOfTarget(targetID string, ht chat.HandleType) int {
	for i, c := range r.convs {
		if c.TargetID() == targetID && c.HandleType() == ht {
			return i
		}
	}
	return -1
}
