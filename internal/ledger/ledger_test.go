package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/pvieira/palaver/internal/chat"
)

// fakeChannel records acknowledgements and serves a canned delivery queue.
type fakeChannel struct {
	queued []chat.Received
	acked  [][]chat.Received
	ackErr error
}

func (f *fakeChannel) TargetID() string            { return "target@s.whatsapp.net" }
func (f *fakeChannel) HandleType() chat.HandleType { return chat.HandleContact }
func (f *fakeChannel) Target() chat.Contact        { return chat.Contact{ID: f.TargetID()} }
func (f *fakeChannel) Requested() bool             { return false }
func (f *fakeChannel) Valid() bool                 { return true }
func (f *fakeChannel) Queued() []chat.Received     { return f.queued }

func (f *fakeChannel) Acknowledge(msgs []chat.Received) error {
	f.acked = append(f.acked, msgs)
	if f.ackErr != nil {
		return f.ackErr
	}
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

func (f *fakeChannel) Send(context.Context, string, chat.Kind) (string, error) { return "", nil }
func (f *fakeChannel) SetChatState(chat.ChatState) error                       { return nil }
func (f *fakeChannel) Close() error                                            { return nil }
func (f *fakeChannel) Subscribe(chat.ChannelEvents) func()                     { return func() {} }

func at(min int) time.Time {
	return time.Date(2026, 3, 1, 12, min, 0, 0, time.UTC)
}

func incoming(token string, ts time.Time) chat.Message {
	return chat.Message{Token: token, Timestamp: ts, Body: "m-" + token}
}

func bodies(l *Ledger) []string {
	out := make([]string, l.Len())
	for i := 0; i < l.Len(); i++ {
		out[i] = l.At(i).Message.Token
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRecordIncomingKeepsTimestampOrder(t *testing.T) {
	l := New(nil, Events{})
	l.RecordIncoming(incoming("B", at(10)), chat.Received{Token: "B"})
	l.RecordIncoming(incoming("D", at(30)), chat.Received{Token: "D"})
	// Late arrival with an earlier timestamp must slot between B and D.
	l.RecordIncoming(incoming("C", at(20)), chat.Received{Token: "C"})
	// Even earlier than everything.
	l.RecordIncoming(incoming("A", at(0)), chat.Received{Token: "A"})

	want := []string{"A", "B", "C", "D"}
	if got := bodies(l); !equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

// Equal timestamps keep arrival order: the scan looks for strictly-less, so
// a tie lands after the existing entry.
func TestRecordIncomingEqualTimestampsStable(t *testing.T) {
	l := New(nil, Events{})
	l.RecordIncoming(incoming("first", at(5)), chat.Received{Token: "first"})
	l.RecordIncoming(incoming("second", at(5)), chat.Received{Token: "second"})

	if got := bodies(l); !equal(got, []string{"first", "second"}) {
		t.Fatalf("order = %v, want ties after existing entries", got)
	}
}

func TestRecordIncomingNoTimestampAppends(t *testing.T) {
	l := New(nil, Events{})
	l.RecordIncoming(incoming("A", at(10)), chat.Received{Token: "A"})
	l.RecordIncoming(chat.Message{Token: "N", Body: "notice"}, chat.Received{Token: "N"})
	l.RecordIncoming(incoming("B", at(5)), chat.Received{Token: "B"})

	// The tail scan stops at the timestampless entry, so later arrivals land
	// after it regardless of their timestamp.
	if got := bodies(l); !equal(got, []string{"A", "N", "B"}) {
		t.Fatalf("order = %v, want [A N B]", got)
	}
}

func TestLoadBacklogOnlyOnce(t *testing.T) {
	l := New(nil, Events{})
	l.LoadBacklog([]chat.Message{incoming("H1", at(1)), incoming("H2", at(2))})
	if !l.BacklogLoaded() {
		t.Fatal("BacklogLoaded should be true after first load")
	}
	l.LoadBacklog([]chat.Message{incoming("H3", at(3))})

	if l.Len() != 2 {
		t.Fatalf("Len = %d, second backlog load must be a no-op", l.Len())
	}
}

func TestLoadBacklogEmptyStillMarksLoaded(t *testing.T) {
	l := New(nil, Events{})
	l.LoadBacklog(nil)
	if !l.BacklogLoaded() {
		t.Fatal("empty backlog still counts as loaded")
	}
}

func TestLoadBacklogNormalizesReversedOrder(t *testing.T) {
	l := New(nil, Events{})
	l.LoadBacklog([]chat.Message{incoming("H3", at(3)), incoming("H2", at(2)), incoming("H1", at(1))})

	if got := bodies(l); !equal(got, []string{"H1", "H2", "H3"}) {
		t.Fatalf("order = %v, want chronological ascending", got)
	}
}

// Backlog arrives after a live send: the prefix goes in front and the
// outgoing token index shifts so report correlation still lands.
func TestLoadBacklogPrefixShiftsOutgoingIndex(t *testing.T) {
	var changed [][2]int
	l := New(nil, Events{
		Changed: func(lo, hi int) { changed = append(changed, [2]int{lo, hi}) },
	})

	l.RecordOutgoing(chat.Message{Timestamp: at(50), Body: "sent"}, "OUT1")
	l.LoadBacklog([]chat.Message{incoming("H1", at(1)), incoming("H2", at(2))})

	l.RecordReport(chat.DeliveryReport{OriginalToken: "OUT1", Status: chat.DeliveryRead, ReceivedAt: at(51)})

	if l.At(2).Delivery.Status != chat.DeliveryRead {
		t.Fatalf("delivery status = %v, want read on the shifted outgoing entry", l.At(2).Delivery.Status)
	}
	if len(changed) != 1 || changed[0] != [2]int{2, 2} {
		t.Fatalf("Changed = %v, want a single [2 2] range", changed)
	}
}

// A later incoming with an older timestamp lands before the outgoing entry;
// the token index must follow the shift.
func TestMidInsertShiftsOutgoingIndex(t *testing.T) {
	l := New(nil, Events{})
	l.RecordOutgoing(chat.Message{Timestamp: at(40), Body: "sent"}, "OUT1")
	l.RecordIncoming(incoming("early", at(10)), chat.Received{Token: "early"})

	l.RecordReport(chat.DeliveryReport{OriginalToken: "OUT1", Status: chat.DeliveryDelivered})
	if l.At(1).Delivery.Status != chat.DeliveryDelivered {
		t.Fatalf("report did not follow the shifted outgoing entry: %+v", l.At(1))
	}
	if l.At(0).Delivery.Status != chat.DeliveryUnknown {
		t.Fatal("incoming entry must not receive the delivery record")
	}
}

func TestRecordReportDropsEmptyAndUnknownTokens(t *testing.T) {
	var changed int
	l := New(nil, Events{Changed: func(int, int) { changed++ }})
	l.RecordOutgoing(chat.Message{Timestamp: at(1)}, "OUT1")

	l.RecordReport(chat.DeliveryReport{OriginalToken: "", Status: chat.DeliveryRead})
	l.RecordReport(chat.DeliveryReport{OriginalToken: "nope", Status: chat.DeliveryRead})

	if changed != 0 {
		t.Fatalf("Changed fired %d times, want 0 for dropped reports", changed)
	}
	if l.At(0).Delivery.Status != chat.DeliveryUnknown {
		t.Fatal("dropped report must not touch delivery state")
	}
}

func TestInvisibleIncomingCountsUnread(t *testing.T) {
	var unread []int
	l := New(nil, Events{UnreadChanged: func(n int) { unread = append(unread, n) }})

	l.RecordIncoming(incoming("A", at(1)), chat.Received{Token: "A"})
	l.RecordIncoming(incoming("B", at(2)), chat.Received{Token: "B"})

	if len(unread) != 2 || unread[0] != 1 || unread[1] != 2 {
		t.Fatalf("unread notifications = %v, want [1 2]", unread)
	}
}

func TestSetVisibleAcknowledgesAllWithSingleZero(t *testing.T) {
	ch := &fakeChannel{}
	var unread []int
	l := New(nil, Events{UnreadChanged: func(n int) { unread = append(unread, n) }})
	l.SetChannel(ch)

	ch.queued = append(ch.queued, chat.Received{Token: "A"}, chat.Received{Token: "B"})
	l.RecordIncoming(incoming("A", at(1)), chat.Received{Token: "A"})
	l.RecordIncoming(incoming("B", at(2)), chat.Received{Token: "B"})
	unread = nil

	l.SetVisible(true)

	if len(ch.acked) != 1 || len(ch.acked[0]) != 2 {
		t.Fatalf("acked = %v, want one batch of two", ch.acked)
	}
	if len(unread) != 1 || unread[0] != 0 {
		t.Fatalf("unread notifications = %v, want a single zero", unread)
	}
}

// Becoming visible with nothing pending still announces zero, so a stale
// badge always clears.
func TestSetVisibleWithNothingPendingStillAnnouncesZero(t *testing.T) {
	var unread []int
	l := New(nil, Events{UnreadChanged: func(n int) { unread = append(unread, n) }})

	l.SetVisible(true)

	if len(unread) != 1 || unread[0] != 0 {
		t.Fatalf("unread notifications = %v, want [0]", unread)
	}
}

func TestVisibleIncomingAcknowledgedImmediately(t *testing.T) {
	ch := &fakeChannel{}
	l := New(nil, Events{})
	l.SetChannel(ch)
	l.SetVisible(true)

	src := chat.Received{Token: "A"}
	ch.queued = append(ch.queued, src)
	l.RecordIncoming(incoming("A", at(1)), src)

	if len(ch.acked) != 1 || ch.acked[0][0].Token != "A" {
		t.Fatalf("acked = %v, want immediate acknowledgement of A", ch.acked)
	}
	if n := l.UnreadCount(); n != 0 {
		t.Fatalf("UnreadCount = %d, want 0", n)
	}
}

// The channel's queue is authoritative for the unread count once bound.
func TestUnreadCountDerivedFromChannelQueue(t *testing.T) {
	ch := &fakeChannel{queued: []chat.Received{{Token: "X"}, {Token: "Y"}, {Token: "Z"}}}
	l := New(nil, Events{})
	l.SetChannel(ch)

	if n := l.UnreadCount(); n != 3 {
		t.Fatalf("UnreadCount = %d, want 3 from channel queue", n)
	}
}

func TestHasToken(t *testing.T) {
	l := New(nil, Events{})
	l.RecordIncoming(incoming("A", at(1)), chat.Received{Token: "A"})
	l.LoadBacklog([]chat.Message{incoming("H", at(0))})

	if !l.HasToken("A") || !l.HasToken("H") {
		t.Error("tokens from live and backlog inserts must both be known")
	}
	if l.HasToken("") {
		t.Error("empty tokens never match")
	}
	if l.HasToken("missing") {
		t.Error("unknown token reported present")
	}
}

func TestRecordedFiresOnlyForLiveInserts(t *testing.T) {
	var recorded []string
	l := New(nil, Events{Recorded: func(m chat.Message) { recorded = append(recorded, m.Token) }})

	l.LoadBacklog([]chat.Message{incoming("H1", at(1))})
	l.RecordIncoming(incoming("A", at(2)), chat.Received{Token: "A"})
	l.RecordOutgoing(chat.Message{Timestamp: at(3)}, "OUT1")

	if !equal(recorded, []string{"A", "OUT1"}) {
		t.Fatalf("recorded = %v, want live inserts only", recorded)
	}
}
