package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one sync request. Jobs are ephemeral: they live only in the
// queue's own backing store and are never persisted elsewhere.
type Job struct {
	ID        string
	AccountID string
	FullSync  bool
	// MessageHint optionally names one provider-native message the
	// notification was about; the engine may use it to prioritize.
	MessageHint string
	Attempts    int
	EnqueuedAt  time.Time
	LastError   string
}

// NewJob builds a sync job for an account.
func NewJob(accountID string, fullSync bool) Job {
	return Job{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		FullSync:   fullSync,
		EnqueuedAt: time.Now(),
	}
}

// Enqueuer is the producer-side view of the queue. Webhook ingestion,
// the renewal scheduler, and the IMAP monitor only ever enqueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Queue is a durable, at-least-once job queue. Ordering is FIFO-ish:
// no cross-account guarantee, and same-account jobs need none because
// sync runs are idempotent and cursor-monotonic.
type Queue interface {
	Enqueuer
	// Dequeue claims up to limit due jobs, marking them running.
	Dequeue(ctx context.Context, limit int) ([]Job, error)
	// Complete removes a finished job into brief completed history.
	Complete(ctx context.Context, id string) error
	// Retry reschedules a failed attempt after the given backoff.
	Retry(ctx context.Context, id string, backoff time.Duration, lastError string) error
	// Fail parks a job in the dead-letter state; it is inspectable but
	// never auto-retried.
	Fail(ctx context.Context, id string, lastError string) error
	// DeadLetters lists parked jobs for inspection.
	DeadLetters(ctx context.Context) ([]Job, error)
	// PurgeCompleted discards completed history older than the cutoff.
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}
