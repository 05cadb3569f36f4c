package scrollback

import (
	"context"
	"sort"

	"github.com/pvieira/palaver/internal/chat"
	"github.com/pvieira/palaver/internal/eventloop"
	"github.com/pvieira/palaver/internal/store"
	"go.uber.org/zap"
)

// Loader orchestrates one best-effort history fetch for a conversation:
// discover the available dates, pick the single most recent one, load that
// day's entries, and drop anything still sitting in the channel's live
// queue. A loader is single use.
type Loader struct {
	store   store.LogStore
	poster  eventloop.Poster
	logger  *zap.Logger
	started bool
}

// New creates a loader bound to a log store.
func New(st store.LogStore, poster eventloop.Poster, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: st, poster: poster, logger: logger}
}

// Fetch runs the store queries off the core loop and posts the result back
// through done. Failures yield an empty result, never an error: scrollback
// is best-effort. A second Fetch on the same loader is ignored.
func (l *Loader) Fetch(ctx context.Context, accountID, entity string, limit int, exclude map[string]struct{}, done func([]chat.Message)) {
	if l.started {
		l.logger.Warn("scrollback fetch already started, ignoring",
			zap.String("entity", entity))
		return
	}
	l.started = true
	if l.store == nil {
		l.poster.Post(func() { done(nil) })
		return
	}

	go func() {
		msgs := l.fetch(ctx, accountID, entity, limit, exclude)
		l.poster.Post(func() { done(msgs) })
	}()
}

func (l *Loader) fetch(ctx context.Context, accountID, entity string, limit int, exclude map[string]struct{}) []chat.Message {
	exists, err := l.store.LogsExist(ctx, accountID, entity)
	if err != nil {
		l.logger.Warn("history store unavailable", zap.Error(err))
		return nil
	}
	if !exists {
		return nil
	}

	dates, err := l.store.QueryDates(ctx, accountID, entity)
	if err != nil {
		l.logger.Warn("failed to query log dates", zap.Error(err))
		return nil
	}
	if len(dates) == 0 {
		return nil
	}

	// Only the latest day's log is consulted, even when limit is unmet.
	latest := dates[0]
	for _, d := range dates[1:] {
		if d > latest {
			latest = d
		}
	}

	entries, err := l.store.QueryLogs(ctx, accountID, entity, latest)
	if err != nil {
		l.logger.Warn("failed to query logs",
			zap.String("date", latest), zap.Error(err))
		return nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	kept := entries[:0]
	for _, m := range entries {
		if m.Token != "" {
			if _, queued := exclude[m.Token]; queued {
				continue
			}
		}
		kept = append(kept, m)
	}

	if limit > 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept
}
