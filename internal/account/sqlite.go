package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const accountSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	address         TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT 'DISCONNECTED',
	last_synced_at  INTEGER NOT NULL DEFAULT 0,
	credentials     BLOB,
	session_json    TEXT,
	subscription_ref TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (user_id, address, kind)
);
CREATE INDEX IF NOT EXISTS idx_accounts_ref ON accounts(subscription_ref);
CREATE INDEX IF NOT EXISTS idx_accounts_address ON accounts(address);
`

// SQLiteStore is the sqlite-backed Account Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the account database.
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

	if _, err := db.Exec(accountSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const accountColumns = `id, user_id, kind, address, active, state, last_synced_at, credentials, session_json, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a           Account
		active      int
		lastSynced  int64
		sessionJSON sql.NullString
		created     int64
		updated     int64
	)
	err := row.Scan(&a.ID, &a.UserID, (*string)(&a.Kind), &a.Address, &active,
		(*string)(&a.State), &lastSynced, &a.Credentials, &sessionJSON, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Active = active != 0
	if lastSynced > 0 {
		a.LastSyncedAt = time.Unix(lastSynced, 0).UTC()
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	if sessionJSON.Valid {
		if err := a.UnmarshalSession([]byte(sessionJSON.String)); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetBySubscriptionRef(ctx context.Context, ref string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE subscription_ref = ?`, ref)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by ref: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetByAddress(ctx context.Context, address string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE address = ?`, address)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by address: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context, kind ProviderKind) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE active = 1`
	args := []any{}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, a *Account) error {
	sessionJSON, err := a.MarshalSession()
	if err != nil {
		return err
	}

	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	var lastSynced int64
	if !a.LastSyncedAt.IsZero() {
		lastSynced = a.LastSyncedAt.Unix()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts
		(id, user_id, kind, address, active, state, last_synced_at, credentials, session_json, subscription_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			state = excluded.state,
			last_synced_at = excluded.last_synced_at,
			credentials = excluded.credentials,
			session_json = excluded.session_json,
			subscription_ref = excluded.subscription_ref,
			updated_at = excluded.updated_at
	`, a.ID, a.UserID, string(a.Kind), a.Address, boolInt(a.Active), string(a.State),
		lastSynced, a.Credentials, string(sessionJSON), a.SubscriptionRef(),
		a.CreatedAt.Unix(), a.UpdatedAt.Unix())

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceCursor applies a newer-cursor-only update inside a transaction
// so concurrent sync runs cannot interleave a regression.
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, id, candidate string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load account: %w", err)
	}

	if !ApplyCursor(a, candidate, now) {
		return false, nil
	}

	sessionJSON, err := a.MarshalSession()
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET session_json = ?, last_synced_at = ?, updated_at = ? WHERE id = ?
	`, string(sessionJSON), a.LastSyncedAt.Unix(), now.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cursor advance: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) TouchLastSynced(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_synced_at = ?, updated_at = ? WHERE id = ?
	`, now.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("touch last synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubscription re-reads the row inside the transaction and merges
// the stored cursor into a before writing, so a renewal sweep working
// from a pre-sweep snapshot cannot rewind a concurrently advanced
// cursor. last_synced_at is left to the sync paths.
func (s *SQLiteStore) UpdateSubscription(ctx context.Context, a *Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, a.ID)
	stored, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	mergeStoredCursor(a, stored.Cursor())

	sessionJSON, err := a.MarshalSession()
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET active = ?, state = ?, session_json = ?, subscription_ref = ?, updated_at = ?
		WHERE id = ?
	`, boolInt(a.Active), string(a.State), string(sessionJSON), a.SubscriptionRef(), a.UpdatedAt.Unix(), a.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit subscription update: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
