package store

import (
	"context"
	"time"

	"github.com/pvieira/palaver/internal/chat"
)

// LogStore is the history-store query contract. All three queries may
// legitimately return empty/false with no error; callers treat failures as
// "no history". Implementations may run on worker goroutines; callers are
// responsible for marshaling results back onto the core loop.
type LogStore interface {
	// QueryDates lists the dates (ISO yyyy-mm-dd, ascending) for which logs
	// exist for the (account, entity) pair.
	QueryDates(ctx context.Context, accountID, entity string) ([]string, error)
	// QueryLogs fetches the persisted messages for one date, oldest first.
	QueryLogs(ctx context.Context, accountID, entity, date string) ([]chat.Message, error)
	// LogsExist reports whether the pair resolves to a loggable entity with
	// any history at all.
	LogsExist(ctx context.Context, accountID, entity string) (bool, error)
}

// ContactSummary is one row of the most-recent-message-per-contact seed
// query used by the history index.
type ContactSummary struct {
	AccountID     string
	Entity        string
	LastTimestamp time.Time
	LastBody      string
}

// LoggedMessage is a message addressed for persistence: the (account,
// entity) pair it belongs to plus the message itself. Used both for live
// logging and for transport history imports.
type LoggedMessage struct {
	AccountID string
	Entity    string
	Message   chat.Message
}
