package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const jobSchema = `
CREATE TABLE IF NOT EXISTS sync_jobs (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	full_sync       INTEGER NOT NULL DEFAULT 0,
	message_hint    TEXT,
	attempts        INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT 'pending',
	last_error      TEXT,
	enqueued_at     INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	finished_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_due ON sync_jobs(state, next_attempt_at);
`

// Job states in the backing store.
const (
	statePending   = "pending"
	stateRunning   = "running"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// SQLiteQueue is the durable queue backing store.
type SQLiteQueue struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the job queue database.
func OpenSQLite(dbPath string) (*SQLiteQueue, error) {
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

	if _, err := db.Exec(jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}
	if err := q.recoverOrphans(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// recoverOrphans resets jobs stuck in running after an unclean shutdown
// so the at-least-once guarantee holds across restarts.
func (q *SQLiteQueue) recoverOrphans(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET state = ?, next_attempt_at = ? WHERE state = ?
	`, statePending, time.Now().Unix(), stateRunning)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, account_id, full_sync, message_hint, attempts, state, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, job.AccountID, boolInt(job.FullSync), job.MessageHint,
		statePending, job.EnqueuedAt.Unix(), job.EnqueuedAt.Unix())
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue claims due pending jobs in enqueue order. The claim happens
// in one transaction so two workers cannot grab the same job.
func (q *SQLiteQueue) Dequeue(ctx context.Context, limit int) ([]Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, account_id, full_sync, message_hint, attempts, enqueued_at, COALESCE(last_error, '')
		FROM sync_jobs
		WHERE state = ? AND next_attempt_at <= ?
		ORDER BY enqueued_at
		LIMIT ?
	`, statePending, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		var (
			j        Job
			fullSync int
			enqueued int64
		)
		if err := rows.Scan(&j.ID, &j.AccountID, &fullSync, &j.MessageHint, &j.Attempts, &enqueued, &j.LastError); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.FullSync = fullSync != 0
		j.EnqueuedAt = time.Unix(enqueued, 0).UTC()
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range jobs {
		jobs[i].Attempts++
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_jobs SET state = ?, attempts = attempts + 1 WHERE id = ?
		`, stateRunning, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobs[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET state = ?, finished_at = ? WHERE id = ?
	`, stateCompleted, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Retry(ctx context.Context, id string, backoff time.Duration, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET state = ?, last_error = ?, next_attempt_at = ? WHERE id = ?
	`, statePending, lastError, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Fail(ctx context.Context, id string, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET state = ?, last_error = ?, finished_at = ? WHERE id = ?
	`, stateFailed, lastError, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, full_sync, message_hint, attempts, enqueued_at, COALESCE(last_error, '')
		FROM sync_jobs WHERE state = ? ORDER BY finished_at DESC
	`, stateFailed)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j        Job
			fullSync int
			enqueued int64
		)
		if err := rows.Scan(&j.ID, &j.AccountID, &fullSync, &j.MessageHint, &j.Attempts, &enqueued, &j.LastError); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		j.FullSync = fullSync != 0
		j.EnqueuedAt = time.Unix(enqueued, 0).UTC()
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (q *SQLiteQueue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM sync_jobs WHERE state = ? AND finished_at < ?
	`, stateCompleted, time.Now().Add(-olderThan).Unix())
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
