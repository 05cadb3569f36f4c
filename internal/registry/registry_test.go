package registry

import (
	"context"
	"testing"
	"time"

	"github.com/pvieira/palaver/internal/chat"
)

type fakeChannel struct {
	id        string
	ht        chat.HandleType
	requested bool
	valid     bool
	queued    []chat.Received
	closed    bool
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, valid: true}
}

func (f *fakeChannel) TargetID() string            { return f.id }
func (f *fakeChannel) HandleType() chat.HandleType { return f.ht }
func (f *fakeChannel) Target() chat.Contact        { return chat.Contact{ID: f.id} }
func (f *fakeChannel) Requested() bool             { return f.requested }
func (f *fakeChannel) Valid() bool                 { return f.valid }
func (f *fakeChannel) Queued() []chat.Received     { return f.queued }

func (f *fakeChannel) Acknowledge(msgs []chat.Received) error {
	tokens := make(map[string]struct{})
	for _, m := range msgs {
		tokens[m.Token] = struct{}{}
	}
	kept := f.queued[:0]
	for _, q := range f.queued {
		if _, ok := tokens[q.Token]; !ok {
			kept = append(kept, q)
		}
	}
	f.queued = kept
	return nil
}

func (f *fakeChannel) Send(context.Context, string, chat.Kind) (string, error) { return "T", nil }
func (f *fakeChannel) SetChatState(chat.ChatState) error                       { return nil }
func (f *fakeChannel) Close() error                                            { f.closed = true; return nil }
func (f *fakeChannel) Subscribe(chat.ChannelEvents) func()                     { return func() {} }

type fakeAccount struct{ id string }

func (f *fakeAccount) ID() string                              { return f.id }
func (f *fakeAccount) Connected() bool                         { return true }
func (f *fakeAccount) OnConnectionChanged(func(bool)) func()   { return func() {} }
func (f *fakeAccount) EnsureTextChat(context.Context, string, func(chat.Channel, error)) {
}

type recorder struct {
	inserted       []int
	removed        []int
	active         []int
	closeRequested []int
}

func newRegistry(rec *recorder, delegator chat.Delegator) *Registry {
	return New(Options{
		Delegator: delegator,
		Events: Events{
			Inserted:       func(i int) { rec.inserted = append(rec.inserted, i) },
			Removed:        func(i int) { rec.removed = append(rec.removed, i) },
			ActiveChanged:  func(i int) { rec.active = append(rec.active, i) },
			CloseRequested: func(i int) { rec.closeRequested = append(rec.closeRequested, i) },
		},
	})
}

func handle(r *Registry, ch chat.Channel, requests ...chat.Request) {
	r.HandleChannels(&fakeAccount{id: "acct"}, ch, requests)
}

func TestFirstChannelCreatesAndActivates(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)

	handle(r, newFakeChannel("alice@s.whatsapp.net"))

	if r.Len() != 1 || r.ActiveIndex() != 0 {
		t.Fatalf("len=%d active=%d, want a single active conversation", r.Len(), r.ActiveIndex())
	}
	if len(rec.inserted) != 1 || rec.inserted[0] != 0 {
		t.Errorf("inserted = %v, want [0]", rec.inserted)
	}
	if len(rec.active) != 1 || rec.active[0] != 0 {
		t.Errorf("active = %v, want [0]", rec.active)
	}
}

// A second unrequested channel joins the collection without stealing focus.
func TestUnrequestedChannelDoesNotStealFocus(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)
	handle(r, newFakeChannel("alice@s.whatsapp.net"))

	handle(r, newFakeChannel("bob@s.whatsapp.net"))

	if r.Len() != 2 || r.ActiveIndex() != 0 {
		t.Fatalf("len=%d active=%d, focus must stay on the first conversation", r.Len(), r.ActiveIndex())
	}
}

func TestRequestedChannelActivates(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)
	handle(r, newFakeChannel("alice@s.whatsapp.net"))

	ch := newFakeChannel("bob@s.whatsapp.net")
	ch.requested = true
	handle(r, ch)

	if r.ActiveIndex() != 1 {
		t.Fatalf("active = %d, locally requested channels take focus", r.ActiveIndex())
	}
}

func TestRebindExistingConversation(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)
	handle(r, newFakeChannel("alice@s.whatsapp.net"))
	handle(r, newFakeChannel("bob@s.whatsapp.net"))

	// Same logical target, fresh channel object after reconnect.
	fresh := newFakeChannel("bob@s.whatsapp.net")
	handle(r, fresh)

	if r.Len() != 2 {
		t.Fatalf("len = %d, rebind must not add a conversation", r.Len())
	}
	if r.At(1).Channel() != fresh {
		t.Error("existing conversation was not rebound to the new channel")
	}
	if r.ActiveIndex() != 1 {
		t.Errorf("active = %d, rebind activates the conversation", r.ActiveIndex())
	}
}

// Same target id but a different handle type is a different conversation.
func TestHandleTypeDistinguishesTargets(t *testing.T) {
	r := newRegistry(&recorder{}, nil)
	handle(r, newFakeChannel("12345@g.us"))

	room := newFakeChannel("12345@g.us")
	room.ht = chat.HandleRoom
	handle(r, room)

	if r.Len() != 2 {
		t.Fatalf("len = %d, want contact and room tracked separately", r.Len())
	}
}

func TestDelegationHintWithMatchingChannel(t *testing.T) {
	rec := &recorder{}
	var delegated chat.Channel
	r := newRegistry(rec, chat.DelegatorFunc(func(a chat.Account, ch chat.Channel) error {
		delegated = ch
		return nil
	}))
	ch := newFakeChannel("alice@s.whatsapp.net")
	handle(r, ch)

	handle(r, ch, chat.Request{PreferredHandler: "other"})

	if delegated != ch {
		t.Fatal("matching channel with a delegation hint must be delegated")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, delegation leaves the row until the host removes it", r.Len())
	}
	if len(rec.closeRequested) != 1 || rec.closeRequested[0] != 0 {
		t.Errorf("closeRequested = %v, want [0]", rec.closeRequested)
	}
	if !r.At(0).Delegated() {
		t.Error("conversation not marked delegated")
	}
}

// A hint for a target we track, arriving with a different channel object,
// is left alone: the hinted channel belongs to someone else.
func TestDelegationHintDifferentChannelIgnored(t *testing.T) {
	called := false
	r := newRegistry(&recorder{}, chat.DelegatorFunc(func(chat.Account, chat.Channel) error {
		called = true
		return nil
	}))
	handle(r, newFakeChannel("alice@s.whatsapp.net"))

	other := newFakeChannel("alice@s.whatsapp.net")
	handle(r, other, chat.Request{PreferredHandler: "other"})

	if called {
		t.Fatal("delegator must not run for a foreign channel object")
	}
	if r.At(0).Delegated() {
		t.Fatal("conversation wrongly delegated")
	}
}

func TestDelegationHintWithoutMatchIgnored(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)

	handle(r, newFakeChannel("alice@s.whatsapp.net"), chat.Request{PreferredHandler: "other"})

	if r.Len() != 0 {
		t.Fatalf("len = %d, hinted channels for unknown targets are not adopted", r.Len())
	}
}

func TestNilChannelIgnored(t *testing.T) {
	r := newRegistry(&recorder{}, nil)
	r.HandleChannels(&fakeAccount{}, nil, nil)
	if r.Len() != 0 {
		t.Fatal("nil channel must be a no-op")
	}
}

func TestRemoveConversation(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)
	chans := []*fakeChannel{
		newFakeChannel("a@s.whatsapp.net"),
		newFakeChannel("b@s.whatsapp.net"),
		newFakeChannel("c@s.whatsapp.net"),
	}
	for _, ch := range chans {
		handle(r, ch)
	}
	r.SetActive(2)

	r.RemoveConversation(r.At(1))

	if r.Len() != 2 {
		t.Fatalf("len = %d after removal, want 2", r.Len())
	}
	if r.ActiveIndex() != 1 {
		t.Errorf("active = %d, index must shift down past the removal", r.ActiveIndex())
	}
	if !chans[1].closed {
		t.Error("removed conversation's channel must be closed")
	}
	if len(rec.removed) != 1 || rec.removed[0] != 1 {
		t.Errorf("removed = %v, want [1]", rec.removed)
	}
}

func TestRemoveActiveConversationClearsActive(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)
	handle(r, newFakeChannel("a@s.whatsapp.net"))
	handle(r, newFakeChannel("b@s.whatsapp.net"))
	r.SetActive(1)

	r.RemoveConversation(r.At(1))

	if r.ActiveIndex() != -1 {
		t.Fatalf("active = %d, removing the active conversation clears focus", r.ActiveIndex())
	}
	if last := rec.active[len(rec.active)-1]; last != -1 {
		t.Errorf("last ActiveChanged = %d, want -1", last)
	}
}

func TestRemoveUnknownConversationNoop(t *testing.T) {
	r := newRegistry(&recorder{}, nil)
	handle(r, newFakeChannel("a@s.whatsapp.net"))
	c := r.At(0)
	r.RemoveConversation(c)

	// Second removal of the same conversation is ignored.
	r.RemoveConversation(c)
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0", r.Len())
	}
}

func TestNextActiveConversation(t *testing.T) {
	r := newRegistry(&recorder{}, nil)
	chans := make([]*fakeChannel, 4)
	for i, id := range []string{"a@s", "b@s", "c@s", "d@s"} {
		chans[i] = newFakeChannel(id)
		handle(r, chans[i])
	}
	// Unread on b (1) and d (3).
	chans[1].queued = []chat.Received{{Token: "x"}}
	chans[3].queued = []chat.Received{{Token: "y"}}

	cases := []struct {
		start int
		want  int
	}{
		{0, 1},
		{1, 1}, // inclusive: the start row itself counts
		{2, 3},
		{3, 3},
		{-1, 3},  // negative normalizes before scanning
		{6, 3},   // overflow wraps: 6 mod 4 = 2
		{100, 1}, // 100 mod 4 = 0
	}
	for _, tc := range cases {
		if got := r.NextActiveConversation(tc.start); got != tc.want {
			t.Errorf("NextActiveConversation(%d) = %d, want %d", tc.start, got, tc.want)
		}
	}
}

func TestNextActiveConversationNoneUnread(t *testing.T) {
	r := newRegistry(&recorder{}, nil)
	handle(r, newFakeChannel("a@s"))

	if got := r.NextActiveConversation(0); got != -1 {
		t.Fatalf("got %d, want -1 with nothing unread", got)
	}
	if got := New(Options{}).NextActiveConversation(0); got != -1 {
		t.Fatalf("got %d, want -1 on an empty registry", got)
	}
}

func TestTotalUnreadCount(t *testing.T) {
	r := newRegistry(&recorder{}, nil)
	a := newFakeChannel("a@s")
	a.queued = []chat.Received{{Token: "1"}, {Token: "2"}}
	b := newFakeChannel("b@s")
	b.queued = []chat.Received{{Token: "3"}}
	handle(r, a)
	handle(r, b)

	if got := r.TotalUnreadCount(); got != 3 {
		t.Fatalf("TotalUnreadCount = %d, want 3", got)
	}
}

func TestSetActiveBounds(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec, nil)
	handle(r, newFakeChannel("a@s"))
	before := len(rec.active)

	r.SetActive(5)
	r.SetActive(-2)
	r.SetActive(0) // already active

	if len(rec.active) != before {
		t.Fatalf("ActiveChanged fired for out-of-range or redundant SetActive")
	}
}

func TestShutdown(t *testing.T) {
	r := newRegistry(&recorder{}, nil)
	a := newFakeChannel("a@s")
	b := newFakeChannel("b@s")
	handle(r, a)
	handle(r, b)

	r.Shutdown()

	if r.Len() != 0 || r.ActiveIndex() != -1 {
		t.Fatalf("len=%d active=%d after shutdown", r.Len(), r.ActiveIndex())
	}
	if !a.closed || !b.closed {
		t.Error("shutdown must close non-delegated channels")
	}
}

// The hosting layer resolves the close request to a conversation identity
// when the event fires and defers only the removal itself. Removal by
// identity stays correct even when indices shift in between; a deferred
// removal keyed by the original index would tear down the wrong conversation.
func TestCloseRequestRemovalByIdentity(t *testing.T) {
	var deferred []func()
	var r *Registry
	r = New(Options{
		Delegator: chat.DelegatorFunc(func(chat.Account, chat.Channel) error { return nil }),
		Events: Events{
			CloseRequested: func(idx int) {
				conv := r.At(idx)
				deferred = append(deferred, func() { r.RemoveConversation(conv) })
			},
		},
	})
	chA := newFakeChannel("a@s.whatsapp.net")
	chB := newFakeChannel("b@s.whatsapp.net")
	handle(r, chA)
	handle(r, chB)

	// Delegate B (index 1), then remove A before the deferred removal runs:
	// B is now at index 0.
	handle(r, chB, chat.Request{PreferredHandler: "other"})
	r.RemoveConversation(r.At(0))

	for _, fn := range deferred {
		fn()
	}

	if r.Len() != 0 {
		t.Fatalf("len = %d, the delegated conversation must be removed despite the shift", r.Len())
	}
	if chB.closed {
		t.Error("delegated channel must not be closed by its removal")
	}
}

// Unread traffic arriving on a background conversation fires Changed with the
// conversation's current index.
func TestUnreadRelayFiresChanged(t *testing.T) {
	var changed []int
	r := New(Options{Events: Events{
		Changed: func(i int) { changed = append(changed, i) },
	}})
	ch := newFakeChannel("a@s")
	handle(r, ch)
	sub := captureSubscriber(t, r, ch)
	changed = nil

	ch.queued = append(ch.queued, chat.Received{Token: "x", Timestamp: time.Now()})
	sub.MessageReceived(chat.Received{Token: "x", Timestamp: time.Now(), Body: "hi"})

	if len(changed) == 0 || changed[0] != 0 {
		t.Fatalf("changed = %v, want index 0 notified", changed)
	}
}

// captureSubscriber re-binds the conversation to a subscribable channel so the
// test can push provider events through the real relay path.
func captureSubscriber(t *testing.T, r *Registry, ch *fakeChannel) chat.ChannelEvents {
	t.Helper()
	sc := &subscribableChannel{fakeChannel: ch}
	r.At(0).SetChannel(sc)
	if sc.ev.MessageReceived == nil {
		t.Fatal("conversation did not subscribe to the channel")
	}
	return sc.ev
}

type subscribableChannel struct {
	*fakeChannel
	ev chat.ChannelEvents
}

func (s *subscribableChannel) Subscribe(ev chat.ChannelEvents) func() {
	s.ev = ev
	return func() {}
}
