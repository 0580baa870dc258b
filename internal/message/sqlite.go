package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const messageSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	native_id       TEXT NOT NULL,
	sender_json     TEXT NOT NULL,
	recipients_json TEXT NOT NULL,
	subject         TEXT,
	preview         TEXT,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	received_at     INTEGER NOT NULL,
	labels_json     TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (account_id, native_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_account_received ON messages(account_id, received_at);
`

// SQLiteStore is the sqlite-backed Message Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the message metadata database.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(messageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// InsertBatch inserts all records in one transaction. INSERT OR IGNORE
// plus the UNIQUE (account_id, native_id) index makes redelivery of the
// same notification a no-op; RowsAffected tells us which inserts stuck.
func (s *SQLiteStore) InsertBatch(ctx context.Context, records []*Record) ([]*Record, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages
		(id, account_id, native_id, sender_json, recipients_json, subject, preview,
		 has_attachments, received_at, labels_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	var inserted []*Record
	for _, r := range records {
		senderJSON, _ := json.Marshal(r.Sender)
		recipientsJSON, _ := json.Marshal(r.Recipients)
		labelsJSON, _ := json.Marshal(r.Labels)

		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now

		res, err := stmt.ExecContext(ctx,
			r.ID, r.AccountID, r.NativeID, string(senderJSON), string(recipientsJSON),
			r.Subject, r.Preview, boolInt(r.HasAttachments), r.ReceivedAt.Unix(),
			string(labelsJSON), r.CreatedAt.Unix(), r.UpdatedAt.Unix())
		if err != nil {
			return nil, fmt.Errorf("insert message %s: %w", r.NativeID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, r)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, accountID, nativeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE account_id = ? AND native_id = ?
	`, accountID, nativeID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) CountSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = ? AND received_at >= ?
	`, accountID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count since: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpdateLabels(ctx context.Context, accountID, nativeID string, labels []string) error {
	labelsJSON, _ := json.Marshal(labels)
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET labels_json = ?, updated_at = ? WHERE account_id = ? AND native_id = ?
	`, string(labelsJSON), time.Now().Unix(), accountID, nativeID)
	if err != nil {
		return fmt.Errorf("update labels: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
