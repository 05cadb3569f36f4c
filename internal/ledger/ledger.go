package ledger

import (
	"time"

	"github.com/pvieira/palaver/internal/chat"
	"go.uber.org/zap"
)

// DeliveryRecord is the mutable per-message delivery state. It is owned by
// the ledger and mutated only by delivery-report correlation.
type DeliveryRecord struct {
	Status    chat.DeliveryStatus
	ReceiptAt time.Time
}

// Entry pairs an immutable message with its delivery record.
type Entry struct {
	Message  chat.Message
	Delivery DeliveryRecord
}

// Events is the fixed set of change notifications a ledger emits. All
// ranges are inclusive. Nil callbacks are skipped.
type Events struct {
	Inserted      func(lo, hi int)
	Changed       func(lo, hi int)
	UnreadChanged func(count int)
	// Recorded fires once per live (non-backlog) insertion, so a feeder can
	// persist traffic without replaying what came from the store.
	Recorded func(msg chat.Message)
}

// Ledger is the ordered message list for one channel binding: backlog
// inserts keep timestamp order, live sends append. It also maintains the
// token index used to correlate delivery reports.
type Ledger struct {
	entries  []Entry
	outgoing map[string]int      // token -> entry index, for report correlation
	known    map[string]struct{} // every non-empty token ever inserted

	// pending holds incoming messages received while not visible, still
	// unacknowledged on the channel.
	pending []chat.Received

	backlogLoaded bool
	visible       bool
	channel       chat.Channel

	events Events
	logger *zap.Logger
}

// New creates an empty ledger.
func New(logger *zap.Logger, ev Events) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		outgoing: make(map[string]int),
		known:    make(map[string]struct{}),
		events:   ev,
		logger:   logger,
	}
}

// SetChannel points the ledger at the channel whose delivery queue backs
// the unread count. The ledger never caches that count independently.
func (l *Ledger) SetChannel(ch chat.Channel) {
	l.channel = ch
}

// BacklogLoaded reports whether the single backlog load already happened.
func (l *Ledger) BacklogLoaded() bool {
	return l.backlogLoaded
}

// LoadBacklog inserts history messages as a contiguous prefix. Messages may
// arrive oldest-to-newest or reversed; order is normalized to chronological
// ascending. Only the first call has any effect.
func (l *Ledger) LoadBacklog(msgs []chat.Message) {
	if l.backlogLoaded {
		l.logger.Debug("logs already loaded, ignoring backlog")
		return
	}
	l.backlogLoaded = true
	if len(msgs) == 0 {
		return
	}

	ordered := make([]chat.Message, len(msgs))
	copy(ordered, msgs)
	if len(ordered) > 1 && ordered[0].Timestamp.After(ordered[len(ordered)-1].Timestamp) {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	prefix := make([]Entry, len(ordered))
	for i, m := range ordered {
		prefix[i] = Entry{Message: m}
		if m.Token != "" {
			l.known[m.Token] = struct{}{}
		}
	}

	// Existing outgoing correlation entries shift by the prefix length.
	for tok, idx := range l.outgoing {
		l.outgoing[tok] = idx + len(prefix)
	}
	l.entries = append(prefix, l.entries...)

	if l.events.Inserted != nil {
		l.events.Inserted(0, len(prefix)-1)
	}
}

// RecordIncoming inserts a received conversational message at the position
// preserving timestamp order (appended when it has no valid timestamp).
// While the ledger is not visible the message counts as unread; when
// visible it is acknowledged immediately.
func (l *Ledger) RecordIncoming(msg chat.Message, src chat.Received) {
	pos := l.insertionIndex(msg)
	l.insertAt(pos, Entry{Message: msg})

	if l.events.Recorded != nil {
		l.events.Recorded(msg)
	}

	if l.visible {
		l.acknowledge([]chat.Received{src})
		return
	}
	l.pending = append(l.pending, src)
	if l.events.UnreadChanged != nil {
		l.events.UnreadChanged(l.UnreadCount())
	}
}

// RecordOutgoing appends a sent message. Outgoing messages are always
// newest, so no ordering scan is needed. A non-empty token is indexed for
// later delivery-report correlation.
func (l *Ledger) RecordOutgoing(msg chat.Message, token string) {
	msg.Token = token
	pos := len(l.entries)
	l.insertAt(pos, Entry{Message: msg})
	if token != "" {
		l.outgoing[token] = pos
	}
	if l.events.Recorded != nil {
		l.events.Recorded(msg)
	}
}

// RecordReport correlates a delivery report against a prior outgoing
// message. Reports with no token, or whose token matches nothing, are
// dropped.
func (l *Ledger) RecordReport(rep chat.DeliveryReport) {
	if rep.OriginalToken == "" {
		l.logger.Debug("delivery report without original token, dropping")
		return
	}
	idx, ok := l.outgoing[rep.OriginalToken]
	if !ok {
		l.logger.Debug("delivery report for unknown token, dropping",
			zap.String("token", rep.OriginalToken))
		return
	}
	l.entries[idx].Delivery = DeliveryRecord{
		Status:    rep.Status,
		ReceiptAt: rep.ReceivedAt,
	}
	if l.events.Changed != nil {
		l.events.Changed(idx, idx)
	}
}

// SetVisible transitions visibility. Becoming visible acknowledges every
// queued message and fires a single unread-count-changed carrying zero.
func (l *Ledger) SetVisible(visible bool) {
	l.visible = visible
	if !visible {
		return
	}
	if len(l.pending) > 0 {
		l.acknowledge(l.pending)
		l.pending = nil
	}
	if l.events.UnreadChanged != nil {
		l.events.UnreadChanged(0)
	}
}

// Visible reports current visibility.
func (l *Ledger) Visible() bool {
	return l.visible
}

// UnreadCount is advisory: it is re-derived from the channel's
// authoritative delivery queue whenever a channel is bound.
func (l *Ledger) UnreadCount() int {
	if l.channel != nil {
		return len(l.channel.Queued())
	}
	return len(l.pending)
}

// HasToken reports whether a message with the given non-empty token is
// already present. Used to skip re-insertion when replaying a channel's
// still-queued messages after a rebind.
func (l *Ledger) HasToken(token string) bool {
	if token == "" {
		return false
	}
	_, ok := l.known[token]
	return ok
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// At returns the entry at index i.
func (l *Ledger) At(i int) Entry {
	return l.entries[i]
}

// insertionIndex scans from the end for the first entry whose timestamp is
// strictly less than the message's. Messages without a valid timestamp
// always go last.
func (l *Ledger) insertionIndex(msg chat.Message) int {
	if !msg.HasTimestamp() {
		return len(l.entries)
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Message.Timestamp.Before(msg.Timestamp) {
			return i + 1
		}
	}
	return 0
}

func (l *Ledger) insertAt(pos int, e Entry) {
	for tok, idx := range l.outgoing {
		if idx >= pos {
			l.outgoing[tok] = idx + 1
		}
	}
	l.entries = append(l.entries, Entry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = e
	if e.Message.Token != "" {
		l.known[e.Message.Token] = struct{}{}
	}
	if l.events.Inserted != nil {
		l.events.Inserted(pos, pos)
	}
}

func (l *Ledger) acknowledge(msgs []chat.Received) {
	if l.channel == nil {
		return
	}
	if err := l.channel.Acknowledge(msgs); err != nil {
		l.logger.Warn("failed to acknowledge messages", zap.Error(err))
	}
}
