// Package history maintains the persisted contact/account index backing
// the log-browsing surface: one row per pair with a last-message summary,
// merged with live conversation state once a channel shows up.
package history

import (
	"context"
	"time"

	"github.com/pvieira/palaver/internal/chat"
	"github.com/pvieira/palaver/internal/conversation"
	"github.com/pvieira/palaver/internal/eventloop"
	"github.com/pvieira/palaver/internal/filter"
	"github.com/pvieira/palaver/internal/store"
	"go.uber.org/zap"
)

// Seeder is the subset of the store the index needs for its initial bulk
// query.
type Seeder interface {
	store.LogStore
	QueryRecentContacts(ctx context.Context, limit int) ([]store.ContactSummary, error)
}

// Row is one indexed (account, contact) pair.
type Row struct {
	AccountID     string
	Entity        string
	LastTimestamp time.Time
	LastBody      string
	Conv          *conversation.Conversation
}

// Events is the fixed set of notifications the index emits.
type Events struct {
	RowInserted func(idx int)
	RowChanged  func(idx int)
	// FocusRequested asks the hosting UI to focus the row, fired when a
	// channel was locally requested or the force-open flag is consumed.
	FocusRequested func(idx int)
}

// Options configures an index.
type Options struct {
	Store    Seeder
	Accounts chat.AccountManager
	Chain    *filter.Chain
	Poster   eventloop.Poster
	Logger   *zap.Logger

	SeedLimit       int
	ScrollbackLimit int
	// ForceOpen requests focus for the first handled channel. Consumed
	// exactly once per process invocation.
	ForceOpen bool

	Events Events
}

// Index is the ordered row collection, unique per accountID+entity.
type Index struct {
	rows  []*Row
	byKey map[string]int

	opts      Options
	forceOpen bool
	logger    *zap.Logger
}

// New creates an empty index.
func New(opts Options) *Index {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Poster == nil {
		opts.Poster = eventloop.Immediate{}
	}
	if opts.SeedLimit <= 0 {
		opts.SeedLimit = 100
	}
	return &Index{
		byKey:     make(map[string]int),
		opts:      opts,
		forceOpen: opts.ForceOpen,
		logger:    opts.Logger,
	}
}

// Seed runs the initial bulk query (most recent message per contact,
// newest first) off the core loop and materializes one unbound
// conversation per row. Already-indexed pairs are never duplicated.
func (ix *Index) Seed(ctx context.Context) {
	if ix.opts.Store == nil {
		return
	}
	go func() {
		summaries, err := ix.opts.Store.QueryRecentContacts(ctx, ix.opts.SeedLimit)
		if err != nil {
			ix.logger.Warn("history seed query failed", zap.Error(err))
			return
		}
		ix.opts.Poster.Post(func() { ix.applySeed(summaries) })
	}()
}

func (ix *Index) applySeed(summaries []store.ContactSummary) {
	for _, s := range summaries {
		if _, ok := ix.byKey[key(s.AccountID, s.Entity)]; ok {
			continue
		}
		acct, ok := ix.resolveAccount(s.AccountID)
		if !ok {
			ix.logger.Warn("cannot resolve account for history row",
				zap.String("account", s.AccountID))
			continue
		}
		row := ix.insertRow(acct, nil, s.AccountID, s.Entity)
		row.LastTimestamp = s.LastTimestamp
		row.LastBody = s.LastBody
	}
}

// HandleChannel merges a live channel into the index: an already-indexed
// pair gets its conversation rebound, an unknown pair gets a new row at the
// end. Locally requested channels (and the one-shot force-open flag)
// request UI focus.
func (ix *Index) HandleChannel(acct chat.Account, ch chat.Channel) {
	if acct == nil || ch == nil {
		return
	}
	k := key(acct.ID(), ch.TargetID())
	idx, ok := ix.byKey[k]
	if ok {
		ix.rows[idx].Conv.SetChannel(ch)
	} else {
		ix.insertRow(acct, ch, acct.ID(), ch.TargetID())
		idx = len(ix.rows) - 1
	}
	if ch.Requested() || ix.forceOpen {
		ix.forceOpen = false
		if ix.opts.Events.FocusRequested != nil {
			ix.opts.Events.FocusRequested(idx)
		}
	}
}

func (ix *Index) insertRow(acct chat.Account, ch chat.Channel, accountID, entity string) *Row {
	row := &Row{AccountID: accountID, Entity: entity}
	row.Conv = conversation.New(conversation.Options{
		Account:         acct,
		Channel:         ch,
		TargetID:        entity,
		Store:           ix.opts.Store,
		Chain:           ix.opts.Chain,
		Poster:          ix.opts.Poster,
		Logger:          ix.logger,
		ScrollbackLimit: ix.opts.ScrollbackLimit,
		Events: conversation.Events{
			EntriesInserted: func(lo, hi int) { ix.rowUpdated(row, hi) },
			UnreadChanged:   func(int) { ix.rowChanged(row) },
			TitleChanged:    func(string) { ix.rowChanged(row) },
			ValidityChanged: func(bool) { ix.rowChanged(row) },
		},
	})
	ix.rows = append(ix.rows, row)
	ix.byKey[key(accountID, entity)] = len(ix.rows) - 1
	if ix.opts.Events.RowInserted != nil {
		ix.opts.Events.RowInserted(len(ix.rows) - 1)
	}
	return row
}

// rowUpdated refreshes the last-message summary from the newest ledger
// entry and relays a row change.
func (ix *Index) rowUpdated(row *Row, hi int) {
	l := row.Conv.Ledger()
	if hi >= 0 && hi < l.Len() {
		last := l.At(l.Len() - 1)
		row.LastTimestamp = last.Message.Timestamp
		row.LastBody = last.Message.Body
	}
	ix.rowChanged(row)
}

func (ix *Index) rowChanged(row *Row) {
	if ix.opts.Events.RowChanged == nil {
		return
	}
	for i, have := range ix.rows {
		if have == row {
			ix.opts.Events.RowChanged(i)
			return
		}
	}
}

func (ix *Index) resolveAccount(id string) (chat.Account, bool) {
	if ix.opts.Accounts == nil {
		return nil, false
	}
	return ix.opts.Accounts.Account(id)
}

// Len returns the number of rows.
func (ix *Index) Len() int {
	return len(ix.rows)
}

// At returns the row at index i.
func (ix *Index) At(i int) *Row {
	return ix.rows[i]
}

func key(accountID, entity string) string {
	return accountID + "/" + entity
}
