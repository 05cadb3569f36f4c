package store

import (
	"context"
	"time"

	"github.com/pvieira/palaver/internal/chat"
)

const dateLayout = "2006-01-02"

// InsertMessage persists one message under its (account, entity) pair. The
// date bucket is derived from the message timestamp (current time when the
// message carries none).
func (db *DB) InsertMessage(ctx context.Context, accountID, entity string, m chat.Message) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.ExecContext(ctx, insertMessageSQL,
		accountID, entity, m.Token, m.SenderID, m.SenderAlias, int(m.Direction), int(m.Kind),
		m.Body, ts.UnixMilli(), ts.UTC().Format(dateLayout), time.Now().UnixMilli())
	return err
}

// OR IGNORE makes re-imports of already-logged tokens a no-op.
const insertMessageSQL = `
	INSERT OR IGNORE INTO messages (account_id, entity, token, sender_id, sender_alias, direction, kind, body, timestamp, date, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertBatch persists a batch of messages in one transaction. Duplicate
// tokens already on disk are skipped. Used for transport history imports.
func (db *DB) InsertBatch(ctx context.Context, batch []LoggedMessage) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertMessageSQL)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	now := time.Now().UnixMilli()
	for _, lm := range batch {
		m := lm.Message
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, lm.AccountID, lm.Entity, m.Token, m.SenderID, m.SenderAlias,
			int(m.Direction), int(m.Kind), m.Body, ts.UnixMilli(), ts.UTC().Format(dateLayout), now); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return err
		}
	}
	_ = stmt.Close()
	return tx.Commit()
}

// QueryDates lists distinct log dates for the pair, ascending.
func (db *DB) QueryDates(ctx context.Context, accountID, entity string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT date FROM messages
		WHERE account_id = ? AND entity = ?
		ORDER BY date ASC`, accountID, entity)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// QueryLogs fetches the persisted messages for one date bucket, oldest first.
func (db *DB) QueryLogs(ctx context.Context, accountID, entity, date string) ([]chat.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT token, sender_id, sender_alias, direction, kind, body, timestamp
		FROM messages
		WHERE account_id = ? AND entity = ? AND date = ?
		ORDER BY timestamp ASC`, accountID, entity, date)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var dir, kind int
		var ts int64
		if err := rows.Scan(&m.Token, &m.SenderID, &m.SenderAlias, &dir, &kind, &m.Body, &ts); err != nil {
			return nil, err
		}
		m.Direction = chat.Direction(dir)
		m.Kind = chat.Kind(kind)
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LogsExist reports whether any history exists for the pair.
func (db *DB) LogsExist(ctx context.Context, accountID, entity string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages WHERE account_id = ? AND entity = ?)`,
		accountID, entity).Scan(&exists)
	return exists, err
}

// QueryRecentContacts returns one row per (account, entity) pair with its
// most recent message, newest pair first. This is the history-index seed
// query.
func (db *DB) QueryRecentContacts(ctx context.Context, limit int) ([]ContactSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT m.account_id, m.entity, MAX(m.timestamp) AS last_ts,
			(SELECT body FROM messages b
			 WHERE b.account_id = m.account_id AND b.entity = m.entity
			 ORDER BY b.timestamp DESC LIMIT 1) AS last_body
		FROM messages m
		GROUP BY m.account_id, m.entity
		ORDER BY last_ts DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []ContactSummary
	for rows.Next() {
		var s ContactSummary
		var ts int64
		if err := rows.Scan(&s.AccountID, &s.Entity, &ts, &s.LastBody); err != nil {
			return nil, err
		}
		s.LastTimestamp = time.UnixMilli(ts)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
