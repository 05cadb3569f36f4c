package wa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pvieira/palaver/internal/chat"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// Channel is one WhatsApp chat exposed as a chat.Channel. The adapter keeps
// the authoritative unacknowledged queue here; acknowledged messages are
// removed and relayed to the server as read receipts.
type Channel struct {
	a          *Adapter
	jid        types.JID
	handleType chat.HandleType
	requested  bool

	mu    sync.Mutex
	valid bool
	queue []chat.Received
	subs  map[int]chat.ChannelEvents
	next  int
}

var _ chat.Channel = (*Channel)(nil)

func (c *Channel) TargetID() string {
	return c.jid.String()
}

func (c *Channel) HandleType() chat.HandleType {
	return c.handleType
}

// Target resolves contact metadata from the whatsmeow device store. Rooms
// carry no alias here; their display name is derived from the target ID.
func (c *Channel) Target() chat.Contact {
	contact := chat.Contact{ID: c.jid.String()}
	if c.handleType == chat.HandleRoom {
		return contact
	}
	info, err := c.a.client.Store.Contacts.GetContact(context.Background(), c.jid)
	if err == nil && info.Found {
		if info.FullName != "" {
			contact.Alias = info.FullName
		} else {
			contact.Alias = info.PushName
		}
	}
	return contact
}

func (c *Channel) Requested() bool {
	return c.requested
}

func (c *Channel) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *Channel) Queued() []chat.Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Received, len(c.queue))
	copy(out, c.queue)
	return out
}

// Acknowledge removes the given messages from the unacknowledged queue and
// sends read receipts for them, grouped by sender.
func (c *Channel) Acknowledge(msgs []chat.Received) error {
	if len(msgs) == 0 {
		return nil
	}

	tokens := make(map[string]struct{}, len(msgs))
	bySender := make(map[string][]types.MessageID)
	for _, m := range msgs {
		if m.Token != "" {
			tokens[m.Token] = struct{}{}
		}
		sender := m.SenderID
		if sender == "" {
			sender = c.jid.String()
		}
		if m.Token != "" {
			bySender[sender] = append(bySender[sender], types.MessageID(m.Token))
		}
	}

	c.dequeueTokens(tokens)

	var firstErr error
	now := time.Now()
	for sender, ids := range bySender {
		senderJID, err := types.ParseJID(sender)
		if err != nil {
			senderJID = c.jid
		}
		if err := c.a.markRead(ids, now, c.jid, senderJID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mark read: %w", err)
		}
	}
	return firstErr
}

// Send delivers a text message and returns the server-assigned token. The
// MessageSent notification fires before Send returns so the echo is recorded
// through the same path as remote-originated echoes.
func (c *Channel) Send(ctx context.Context, text string, kind chat.Kind) (string, error) {
	resp, err := c.a.client.SendMessage(ctx, c.jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	c.fireSent(chat.Received{
		Token:     resp.ID,
		Timestamp: resp.Timestamp,
		Kind:      kind,
		Body:      text,
		FromSelf:  true,
	}, resp.ID)
	return resp.ID, nil
}

// SetChatState relays the typing indicator. WhatsApp only distinguishes
// composing from not composing, so active and paused both map to paused.
func (c *Channel) SetChatState(state chat.ChatState) error {
	pres := types.ChatPresencePaused
	if state == chat.StateComposing {
		pres = types.ChatPresenceComposing
	}
	return c.a.client.SendChatPresence(context.Background(), c.jid, pres, types.ChatPresenceMediaText)
}

// Close drops the channel from the adapter registry. The underlying
// WhatsApp chat is untouched; a new message recreates the channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.valid = false
	c.subs = make(map[int]chat.ChannelEvents)
	c.mu.Unlock()
	c.a.dropChannel(c.jid.String())
	return nil
}

func (c *Channel) Subscribe(ev chat.ChannelEvents) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = ev
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Channel) dequeueTokens(tokens map[string]struct{}) {
	c.mu.Lock()
	kept := c.queue[:0]
	for _, q := range c.queue {
		if _, ok := tokens[q.Token]; !ok {
			kept = append(kept, q)
		}
	}
	c.queue = kept
	c.mu.Unlock()
}

func (c *Channel) enqueue(r chat.Received) {
	c.mu.Lock()
	c.queue = append(c.queue, r)
	c.mu.Unlock()
}

func (c *Channel) snapshotSubs() []chat.ChannelEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]chat.ChannelEvents, 0, len(c.subs))
	for _, ev := range c.subs {
		subs = append(subs, ev)
	}
	return subs
}

func (c *Channel) fireReceived(r chat.Received) {
	for _, ev := range c.snapshotSubs() {
		if ev.MessageReceived != nil {
			ev.MessageReceived(r)
		}
	}
}

func (c *Channel) fireSent(r chat.Received, token string) {
	for _, ev := range c.snapshotSubs() {
		if ev.MessageSent != nil {
			ev.MessageSent(r, token)
		}
	}
}

func (c *Channel) invalidate(reason error) {
	c.mu.Lock()
	if !c.valid {
		c.mu.Unlock()
		return
	}
	c.valid = false
	c.mu.Unlock()
	for _, ev := range c.snapshotSubs() {
		if ev.Invalidated != nil {
			ev.Invalidated(reason)
		}
	}
}
