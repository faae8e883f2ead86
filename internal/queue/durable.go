package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pollInterval = 250 * time.Millisecond

// DurableExecutor persists jobs in Postgres and processes them with a pool of
// polling workers. Claims use FOR UPDATE SKIP LOCKED so workers never contend
// on the same row; a reaper returns jobs whose worker died to the pending
// state after the visibility window (at-least-once delivery).
type DurableExecutor struct {
	pool        *pgxpool.Pool
	registry    *Registry
	logger      *slog.Logger
	workers     int
	maxAttempts int
	visibility  time.Duration
	workerID    string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDurableExecutor creates the Postgres-backed executor.
func NewDurableExecutor(log *slog.Logger, pool *pgxpool.Pool, registry *Registry, workers, maxAttempts int, visibility time.Duration) *DurableExecutor {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &DurableExecutor{
		pool:        pool,
		registry:    registry,
		logger:      log.With(slog.String("executor", "durable")),
		workers:     workers,
		maxAttempts: maxAttempts,
		visibility:  visibility,
		workerID:    uuid.NewString(),
	}
}

// Enqueue inserts the job row.
func (e *DurableExecutor) Enqueue(ctx context.Context, queue string, payload []byte) error {
	_, err := e.pool.Exec(ctx,
		`INSERT INTO jobs (queue, payload) VALUES ($1, $2)`, queue, payload)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", queue, err)
	}
	return nil
}

// Start launches the worker pool.
func (e *DurableExecutor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
	e.logger.Info("queue workers started", slog.Int("workers", e.workers))
}

// Stop signals the workers and waits for in-flight jobs to finish. Jobs are
// never cancelled mid-flight; a unit runs to completion or failure.
func (e *DurableExecutor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *DurableExecutor) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		processed, err := e.processOne(ctx)
		if err != nil {
			e.logger.Warn("job poll failed", slog.Any("error", err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

type claimedJob struct {
	ID       pgtype.UUID
	Queue    string
	Payload  []byte
	Attempts int
}

func (e *DurableExecutor) processOne(ctx context.Context) (bool, error) {
	job, claimed, err := e.claim(ctx)
	if err != nil || !claimed {
		return false, err
	}

	// The job body runs under a detached context: shutdown waits for it
	// rather than aborting it.
	runCtx := context.WithoutCancel(ctx)
	runErr := e.run(runCtx, job)
	if runErr == nil {
		_, err := e.pool.Exec(runCtx, `UPDATE jobs SET state = 'done', locked_by = NULL WHERE id = $1`, job.ID)
		return true, err
	}

	e.logger.Warn("job failed",
		slog.String("queue", job.Queue),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", runErr))
	if job.Attempts >= e.maxAttempts {
		_, err := e.pool.Exec(runCtx,
			`UPDATE jobs SET state = 'failed', locked_by = NULL, last_error = $2 WHERE id = $1`,
			job.ID, runErr.Error())
		return true, err
	}
	// Linear re-delivery delay per attempt.
	_, err = e.pool.Exec(runCtx, `
		UPDATE jobs
		SET state = 'pending', locked_by = NULL, last_error = $2,
		    run_after = now() + make_interval(secs => attempts * 5)
		WHERE id = $1`,
		job.ID, runErr.Error())
	return true, err
}

func (e *DurableExecutor) claim(ctx context.Context) (claimedJob, bool, error) {
	var job claimedJob
	err := e.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = 'running', locked_by = $1, locked_at = now(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'pending' AND run_after <= now()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, payload, attempts`,
		e.workerID).Scan(&job.ID, &job.Queue, &job.Payload, &job.Attempts)
	if err == pgx.ErrNoRows {
		return claimedJob{}, false, nil
	}
	if err != nil {
		return claimedJob{}, false, err
	}
	return job, true, nil
}

func (e *DurableExecutor) run(ctx context.Context, job claimedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	fn, err := e.registry.Get(job.Queue)
	if err != nil {
		return err
	}
	return fn(ctx, job.Payload)
}

// ReapStuck returns running jobs whose visibility window elapsed to pending.
// Called by the cron sweeper.
func (e *DurableExecutor) ReapStuck(ctx context.Context) (int64, error) {
	tag, err := e.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'pending', locked_by = NULL, locked_at = NULL
		WHERE state = 'running' AND locked_at < now() - $1`,
		e.visibility)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
