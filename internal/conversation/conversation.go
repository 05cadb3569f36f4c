// Package conversation implements one logical chat bound to zero-or-one
// live channel, including delivery tracking, scrollback, the typing-state
// machine, and the close/delegate lifecycle.
package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/pvieira/palaver/internal/chat"
	"github.com/pvieira/palaver/internal/eventloop"
	"github.com/pvieira/palaver/internal/filter"
	"github.com/pvieira/palaver/internal/ledger"
	"github.com/pvieira/palaver/internal/scrollback"
	"github.com/pvieira/palaver/internal/store"
	"go.uber.org/zap"
)

const defaultComposeTimeout = 5 * time.Second
const defaultScrollbackLimit = 50

// Events is the fixed set of notifications a conversation emits toward its
// owner. Nil callbacks are skipped. Everything fires on the core loop.
type Events struct {
	TitleChanged    func(title string)
	AvatarChanged   func(path string)
	PresenceChanged func(p chat.Presence)
	ValidityChanged func(valid bool)
	UnreadChanged   func(count int)
	EntriesInserted func(lo, hi int)
	EntryChanged    func(lo, hi int)
	// CloseRequested asks the owning collection to remove this conversation.
	CloseRequested func()
	// MessageLogged fires for every live ledger insertion so traffic can be
	// persisted to the history store.
	MessageLogged func(accountID, entity string, msg chat.Message)
}

// Options configures a conversation. Channel may be nil: history
// materialization constructs unbound conversations keyed by TargetID.
type Options struct {
	Account    chat.Account
	Channel    chat.Channel
	TargetID   string
	HandleType chat.HandleType

	Store  store.LogStore
	Chain  *filter.Chain
	Poster eventloop.Poster
	Logger *zap.Logger

	ScrollbackLimit int
	ComposeTimeout  time.Duration

	Events Events
}

// Conversation is one logical chat with one contact or room. The channel
// and account are weak references into provider-owned objects; the ledger
// is exclusively owned.
type Conversation struct {
	account    chat.Account
	channel    chat.Channel
	targetID   string
	handleType chat.HandleType
	target     chat.Contact
	group      bool

	state     State
	valid     bool
	delegated bool

	ledger *ledger.Ledger
	loader *scrollback.Loader
	chain  *filter.Chain

	backlogRequested bool
	scrollbackLimit  int

	composeTimeout time.Duration
	composeTimer   *time.Timer
	composing      bool

	poster eventloop.Poster
	logger *zap.Logger
	events Events

	unsubChannel func()
	unsubConn    func()
}

// New constructs a conversation. When Options.Channel is non-nil the
// conversation starts Bound-Valid, otherwise Unbound.
func New(opts Options) *Conversation {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Poster == nil {
		opts.Poster = eventloop.Immediate{}
	}
	if opts.ScrollbackLimit <= 0 {
		opts.ScrollbackLimit = defaultScrollbackLimit
	}
	if opts.ComposeTimeout <= 0 {
		opts.ComposeTimeout = defaultComposeTimeout
	}

	c := &Conversation{
		account:         opts.Account,
		targetID:        opts.TargetID,
		handleType:      opts.HandleType,
		state:           Unbound,
		chain:           opts.Chain,
		scrollbackLimit: opts.ScrollbackLimit,
		composeTimeout:  opts.ComposeTimeout,
		poster:          opts.Poster,
		logger:          opts.Logger,
		events:          opts.Events,
	}
	c.target = chat.Contact{ID: opts.TargetID}

	c.ledger = ledger.New(opts.Logger, ledger.Events{
		Inserted: func(lo, hi int) {
			if c.events.EntriesInserted != nil {
				c.events.EntriesInserted(lo, hi)
			}
		},
		Changed: func(lo, hi int) {
			if c.events.EntryChanged != nil {
				c.events.EntryChanged(lo, hi)
			}
		},
		UnreadChanged: func(count int) {
			if c.events.UnreadChanged != nil {
				c.events.UnreadChanged(count)
			}
		},
		Recorded: func(msg chat.Message) {
			if c.events.MessageLogged != nil {
				c.events.MessageLogged(c.accountID(), c.targetID, msg)
			}
		},
	})
	c.loader = scrollback.New(opts.Store, opts.Poster, opts.Logger)

	if opts.Account != nil {
		c.unsubConn = opts.Account.OnConnectionChanged(func(connected bool) {
			c.poster.Post(func() { c.handleConnectionChanged(connected) })
		})
	}
	if opts.Channel != nil {
		c.SetChannel(opts.Channel)
	}
	return c
}

// SetChannel binds (or rebinds) the conversation to a channel: rewire
// event subscriptions, feed the ledger, replay the channel's still-queued
// messages skipping known tokens, and re-derive the target projections.
// A call with the currently bound channel object is a no-op.
func (c *Conversation) SetChannel(ch chat.Channel) {
	if ch == nil || ch == c.channel {
		return
	}
	if err := c.transition(BoundValid); err != nil {
		c.logger.Warn("refusing channel bind", zap.Error(err))
		return
	}
	if c.unsubChannel != nil {
		c.unsubChannel()
	}

	c.channel = ch
	c.targetID = ch.TargetID()
	c.handleType = ch.HandleType()
	c.group = c.handleType == chat.HandleRoom
	c.target = ch.Target()
	c.valid = true
	c.ledger.SetChannel(ch)

	c.unsubChannel = ch.Subscribe(chat.ChannelEvents{
		MessageReceived: func(r chat.Received) {
			c.poster.Post(func() { c.handleReceived(ch, r) })
		},
		MessageSent: func(r chat.Received, token string) {
			c.poster.Post(func() { c.handleSent(ch, r, token) })
		},
		Invalidated: func(reason error) {
			c.poster.Post(func() { c.handleInvalidated(ch, reason) })
		},
	})

	if !c.backlogRequested {
		c.backlogRequested = true
		exclude := make(map[string]struct{})
		for _, r := range ch.Queued() {
			if r.Token != "" {
				exclude[r.Token] = struct{}{}
			}
		}
		c.loader.Fetch(context.Background(), c.accountID(), c.targetID, c.scrollbackLimit, exclude,
			func(msgs []chat.Message) {
				if c.channel != ch {
					// A rebind superseded this fetch; applying it would
					// resurrect stale scrollback.
					c.logger.Debug("discarding stale scrollback result",
						zap.String("entity", c.targetID))
					return
				}
				c.ledger.LoadBacklog(msgs)
				c.replayQueued(ch)
			})
	} else {
		c.replayQueued(ch)
	}

	c.fireProjections()
}

// replayQueued feeds the channel's still-unacknowledged messages into the
// ledger, skipping any whose token the ledger already has.
func (c *Conversation) replayQueued(ch chat.Channel) {
	for _, r := range ch.Queued() {
		if r.IsDeliveryReport() || c.ledger.HasToken(r.Token) {
			continue
		}
		c.handleReceived(ch, r)
	}
}

func (c *Conversation) fireProjections() {
	if c.events.TitleChanged != nil {
		c.events.TitleChanged(c.Title())
	}
	if c.events.AvatarChanged != nil {
		c.events.AvatarChanged(c.target.AvatarPath)
	}
	if c.events.PresenceChanged != nil {
		c.events.PresenceChanged(c.target.Presence)
	}
	if c.events.ValidityChanged != nil {
		c.events.ValidityChanged(c.valid)
	}
}

func (c *Conversation) handleReceived(ch chat.Channel, r chat.Received) {
	if ch != c.channel {
		return
	}
	if r.IsDeliveryReport() {
		c.ledger.RecordReport(*r.Report)
		return
	}
	msg := c.chain.Process(r, c.filterContext())
	c.ledger.RecordIncoming(msg, r)
}

func (c *Conversation) handleSent(ch chat.Channel, r chat.Received, token string) {
	if ch != c.channel {
		return
	}
	r.FromSelf = true
	if r.Kind == chat.KindIncoming {
		r.Kind = chat.KindOutgoing
	}
	msg := c.chain.Process(r, c.filterContext())
	c.ledger.RecordOutgoing(msg, token)
}

func (c *Conversation) handleInvalidated(ch chat.Channel, reason error) {
	if ch != c.channel {
		return
	}
	if err := c.transition(BoundInvalid); err != nil {
		return
	}
	c.valid = false
	c.stopComposeTimer()
	c.logger.Info("channel invalidated",
		zap.String("target", c.targetID), zap.Error(reason))
	if c.events.ValidityChanged != nil {
		c.events.ValidityChanged(false)
	}
}

// handleConnectionChanged re-requests a text channel for the same target
// after the account reconnects. Failure is logged; the conversation stays
// Bound-Invalid until an externally triggered event provides a channel.
func (c *Conversation) handleConnectionChanged(connected bool) {
	if !connected || c.delegated || c.state != BoundInvalid || c.account == nil {
		return
	}
	target := c.targetID
	c.account.EnsureTextChat(context.Background(), target, func(ch chat.Channel, err error) {
		c.poster.Post(func() {
			if err != nil {
				c.logger.Warn("failed to re-acquire channel after reconnect",
					zap.String("target", target), zap.Error(err))
				return
			}
			c.SetChannel(ch)
		})
	})
}

// Delegate hands the channel to another handler via the external delegation
// primitive and requests removal from the owning collection. The channel is
// not closed; the other handler owns it now.
func (c *Conversation) Delegate(d chat.Delegator) {
	if c.delegated || d == nil {
		return
	}
	if err := d.Delegate(c.account, c.channel); err != nil {
		c.logger.Warn("delegation failed", zap.String("target", c.targetID), zap.Error(err))
		return
	}
	if err := c.transition(Delegated); err != nil {
		c.logger.Warn("delegation in unexpected state", zap.Error(err))
		return
	}
	c.delegated = true
	c.stopComposeTimer()
	if c.events.CloseRequested != nil {
		c.events.CloseRequested()
	}
}

// SendText sends a message on the bound channel. The sent message enters
// the ledger via the channel's message-sent notification, carrying the
// token used for delivery-report correlation.
func (c *Conversation) SendText(ctx context.Context, text string) error {
	if c.channel == nil || !c.valid {
		return ErrNoChannel
	}
	_, err := c.channel.Send(ctx, text, chat.KindOutgoing)
	return err
}

// OnUserTextChanged drives the typing-state machine. Rapid keystrokes
// coalesce into a single Composing notification; the Paused state fires
// after the compose timeout with no further typing.
func (c *Conversation) OnUserTextChanged(text string) {
	if c.channel == nil || !c.valid {
		return
	}
	if text == "" {
		c.composing = false
		c.stopComposeTimer()
		if err := c.channel.SetChatState(chat.StateActive); err != nil {
			c.logger.Debug("failed to set chat state", zap.Error(err))
		}
		return
	}
	if c.composing {
		c.composeTimer.Reset(c.composeTimeout)
		return
	}
	c.composing = true
	if err := c.channel.SetChatState(chat.StateComposing); err != nil {
		c.logger.Debug("failed to set chat state", zap.Error(err))
	}
	c.composeTimer = time.AfterFunc(c.composeTimeout, func() {
		c.poster.Post(c.composeExpired)
	})
}

func (c *Conversation) composeExpired() {
	if !c.composing || c.channel == nil || !c.valid {
		return
	}
	c.composing = false
	if err := c.channel.SetChatState(chat.StatePaused); err != nil {
		c.logger.Debug("failed to set chat state", zap.Error(err))
	}
}

func (c *Conversation) stopComposeTimer() {
	if c.composeTimer != nil {
		c.composeTimer.Stop()
	}
	c.composing = false
}

// SetVisible marks the conversation (in)visible to the user. Becoming
// visible acknowledges all queued messages.
func (c *Conversation) SetVisible(visible bool) {
	c.ledger.SetVisible(visible)
}

// UnreadCount is derived from the channel's delivery queue.
func (c *Conversation) UnreadCount() int {
	return c.ledger.UnreadCount()
}

// Title returns the display title. Group titles use the room id truncated
// at the first '@'; without one the whole id is used.
func (c *Conversation) Title() string {
	if c.group {
		if i := strings.Index(c.targetID, "@"); i >= 0 {
			return c.targetID[:i]
		}
		return c.targetID
	}
	if c.target.Alias != "" {
		return c.target.Alias
	}
	return c.targetID
}

// Avatar returns the target's avatar path projection.
func (c *Conversation) Avatar() string { return c.target.AvatarPath }

// Presence returns the target's presence projection.
func (c *Conversation) Presence() chat.Presence { return c.target.Presence }

// Valid reports whether the bound channel is still usable.
func (c *Conversation) Valid() bool { return c.valid }

// Delegated reports whether handling was handed to another process.
func (c *Conversation) Delegated() bool { return c.delegated }

// IsGroup reports whether the conversation targets a room.
func (c *Conversation) IsGroup() bool { return c.group }

// TargetID returns the target contact or room identifier.
func (c *Conversation) TargetID() string { return c.targetID }

// HandleType returns the target classification.
func (c *Conversation) HandleType() chat.HandleType { return c.handleType }

// Channel returns the currently bound channel, nil when unbound.
func (c *Conversation) Channel() chat.Channel { return c.channel }

// Account returns the owning account reference.
func (c *Conversation) Account() chat.Account { return c.account }

// Ledger exposes the message list to the hosting UI layer.
func (c *Conversation) Ledger() *ledger.Ledger { return c.ledger }

// Teardown releases subscriptions and, unless delegated, requests closure
// of the bound channel.
func (c *Conversation) Teardown() {
	c.stopComposeTimer()
	if c.unsubChannel != nil {
		c.unsubChannel()
		c.unsubChannel = nil
	}
	if c.unsubConn != nil {
		c.unsubConn()
		c.unsubConn = nil
	}
	if !c.delegated && c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Debug("channel close failed", zap.Error(err))
		}
	}
}

func (c *Conversation) accountID() string {
	if c.account == nil {
		return ""
	}
	return c.account.ID()
}

func (c *Conversation) filterContext() filter.Context {
	return filter.Context{
		AccountID: c.accountID(),
		TargetID:  c.targetID,
		Group:     c.group,
	}
}
