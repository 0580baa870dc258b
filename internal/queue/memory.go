package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-memory Queue for tests and dev wiring. Same
// at-least-once semantics as the sqlite queue, minus durability.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*memJob
}

type memJob struct {
	job      Job
	state    string
	due      time.Time
	finished time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*memJob)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = &memJob{job: job, state: statePending, due: job.EnqueuedAt}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var due []*memJob
	for _, mj := range q.jobs {
		if mj.state == statePending && !mj.due.After(now) {
			due = append(due, mj)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].job.EnqueuedAt.Before(due[j].job.EnqueuedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, mj := range due {
		mj.state = stateRunning
		mj.job.Attempts++
		out = append(out, mj.job)
	}
	return out, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if mj, ok := q.jobs[id]; ok {
		mj.state = stateCompleted
		mj.finished = time.Now()
	}
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id string, backoff time.Duration, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if mj, ok := q.jobs[id]; ok {
		mj.state = statePending
		mj.due = time.Now().Add(backoff)
		mj.job.LastError = lastError
	}
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id string, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if mj, ok := q.jobs[id]; ok {
		mj.state = stateFailed
		mj.finished = time.Now()
		mj.job.LastError = lastError
	}
	return nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, mj := range q.jobs {
		if mj.state == stateFailed {
			out = append(out, mj.job)
		}
	}
	return out, nil
}

func (q *MemoryQueue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for id, mj := range q.jobs {
		if mj.state == stateCompleted && mj.finished.Before(cutoff) {
			delete(q.jobs, id)
			n++
		}
	}
	return n, nil
}

// Pending reports how many jobs are waiting; used by tests.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, mj := range q.jobs {
		if mj.state == statePending {
			n++
		}
	}
	return n
}
