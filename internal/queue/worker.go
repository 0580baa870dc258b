package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/reliability"
)

// Handler processes one claimed job. A context deadline is applied by
// the pool; a handler that outlives it is considered failed and the job
// is retried.
type Handler func(ctx context.Context, job Job) error

// PoolConfig is the worker pool policy.
type PoolConfig struct {
	Workers            int
	MaxAttempts        int
	JobTimeout         time.Duration
	Retry              reliability.RetryConfig
	CompletedRetention time.Duration
}

// DefaultPoolConfig: 5 concurrent jobs, 3 attempts, 60s per-job budget.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:            5,
		MaxAttempts:        3,
		JobTimeout:         60 * time.Second,
		Retry:              reliability.DefaultRetryConfig(),
		CompletedRetention: time.Hour,
	}
}

// Pool consumes jobs from a Queue with bounded concurrency. It owns the
// consume loop; producers only ever touch the Enqueuer side.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	log     zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(q Queue, handler Handler, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{queue: q, handler: handler, cfg: cfg, log: log}
}

// Start launches the workers and the completed-history purge loop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	jobs := make(chan Job)

	// Dispatcher: polls the queue and feeds the worker channel. A single
	// claimer keeps the dequeue transaction uncontended.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(jobs)
		for {
			claimed, err := p.queue.Dequeue(ctx, p.cfg.Workers)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Error().Err(err).Msg("dequeue failed")
			}
			if len(claimed) == 0 {
				select {
				case <-time.After(500 * time.Millisecond):
					continue
				case <-ctx.Done():
					return
				}
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range jobs {
				p.runJob(ctx, job)
			}
		}()
	}

	if p.cfg.CompletedRetention > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(p.cfg.CompletedRetention)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n, err := p.queue.PurgeCompleted(ctx, p.cfg.CompletedRetention); err == nil && n > 0 {
						p.log.Debug().Int("purged", n).Msg("discarded completed job history")
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop cancels all workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runJob(ctx context.Context, job Job) {
	log := p.log.With().Str("job_id", job.ID).Str("account_id", job.AccountID).
		Int("attempt", job.Attempts).Logger()

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err := p.handler(jobCtx, job)
	cancel()

	switch {
	case err == nil:
		if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
			log.Error().Err(cerr).Msg("failed to mark job completed")
		}

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Timed-out jobs are retried, not abandoned. The provider call
		// was cancelled by the per-job deadline.
		p.retryOrFail(ctx, job, err, log)

	case ctx.Err() != nil:
		// Pool shutdown: put the job back so the next process picks it
		// up (at-least-once, never lost).
		if rerr := p.queue.Retry(context.Background(), job.ID, 0, "shutdown"); rerr != nil {
			log.Error().Err(rerr).Msg("failed to release job on shutdown")
		}

	case !reliability.Retryable(err):
		log.Warn().Err(err).Msg("job failed with terminal error")
		if ferr := p.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to park job")
		}

	default:
		p.retryOrFail(ctx, job, err, log)
	}
}

func (p *Pool) retryOrFail(ctx context.Context, job Job, err error, log zerolog.Logger) {
	if job.Attempts >= p.cfg.MaxAttempts {
		log.Warn().Err(err).Msg("job exhausted retries, moving to dead letters")
		if ferr := p.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to park job")
		}
		return
	}
	backoff := p.cfg.Retry.Backoff(job.Attempts - 1)
	log.Debug().Err(err).Dur("backoff", backoff).Msg("job failed, scheduling retry")
	if rerr := p.queue.Retry(ctx, job.ID, backoff, err.Error()); rerr != nil {
		log.Error().Err(rerr).Msg("failed to schedule retry")
	}
}
