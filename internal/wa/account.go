package wa

import (
	"context"
	"fmt"

	"github.com/pvieira/palaver/internal/chat"
	"go.mau.fi/whatsmeow/types"
)

// Account is the single WhatsApp account handle served by an adapter.
type Account struct {
	a *Adapter
}

var _ chat.Account = (*Account)(nil)

// ID returns the phone number of the paired device, or the session name
// before pairing completes.
func (acc *Account) ID() string {
	if id := acc.a.client.Store.ID; id != nil {
		return id.User
	}
	return acc.a.session
}

func (acc *Account) Connected() bool {
	return acc.a.client.IsConnected()
}

func (acc *Account) OnConnectionChanged(fn func(connected bool)) func() {
	return acc.a.subscribeConnection(fn)
}

// EnsureTextChat resolves or creates a channel for the target JID and
// completes asynchronously. The requester owns wiring the channel; no
// ChannelHandler notification fires for locally requested channels.
func (acc *Account) EnsureTextChat(ctx context.Context, targetID string, done func(chat.Channel, error)) {
	go func() {
		jid, err := types.ParseJID(targetID)
		if err != nil {
			done(nil, fmt.Errorf("parse JID: %w", err))
			return
		}
		ch, _ := acc.a.channelFor(jid, true)
		done(ch, nil)
	}()
}

// accountManager adapts the single-account adapter to chat.AccountManager.
type accountManager struct {
	a *Adapter
}

func (m accountManager) Account(id string) (chat.Account, bool) {
	acct := m.a.account
	if id == "" || id == acct.ID() {
		return acct, true
	}
	return nil, false
}
