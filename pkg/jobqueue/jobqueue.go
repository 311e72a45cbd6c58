// Package jobqueue is a small Postgres-backed durable job queue. There is no
// broker here: the database is the queue, claims are SELECT ... FOR UPDATE
// SKIP LOCKED, and fairness is FIFO per queue name.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusDeferred = "deferred"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

func terminal(status string) bool {
	switch status {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Job is a single queued unit of work.
type Job struct {
	ID        string
	JobID     string
	Queue     string
	Func      string
	Args      json.RawMessage
	Status    string
	Attempts  int
	LastError *string
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Queue wraps a pool for enqueue/claim operations against a single logical queue.
type Queue struct {
	pool *pgxpool.Pool
	name string
}

func New(pool *pgxpool.Pool, name string) *Queue {
	if name == "" {
		name = "default"
	}
	return &Queue{pool: pool, name: name}
}

// EnqueueUnique inserts a job keyed on jobID. If a job with jobID already
// exists and is not in a terminal state, it is returned unchanged with
// deduped = true. If it exists and is terminal, it is replaced in place.
func (q *Queue) EnqueueUnique(ctx context.Context, fn string, args any, jobID string) (job Job, deduped bool, err error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Job{}, false, fmt.Errorf("marshaling job args: %w", err)
	}

	err = pgxTx(ctx, q.pool, func(tx pgx.Tx) error {
		existing, getErr := q.getForUpdate(ctx, tx, jobID)
		if getErr != nil && !errors.Is(getErr, pgx.ErrNoRows) {
			return getErr
		}

		if getErr == nil {
			if !terminal(existing.Status) {
				job = existing
				deduped = true
				return nil
			}
			const update = `
				UPDATE queued_jobs
				SET func = $2, args = $3, status = $4, attempts = 0, last_error = NULL,
				    locked_by = NULL, locked_at = NULL, run_at = now(), updated_at = now()
				WHERE job_id = $1
				RETURNING id, job_id, queue, func, args, status, attempts, last_error, run_at, created_at, updated_at`
			row := tx.QueryRow(ctx, update, jobID, fn, argsJSON, StatusQueued)
			return scanJob(row, &job)
		}

		const insert = `
			INSERT INTO queued_jobs (job_id, queue, func, args, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, job_id, queue, func, args, status, attempts, last_error, run_at, created_at, updated_at`
		row := tx.QueryRow(ctx, insert, jobID, q.name, fn, argsJSON, StatusQueued)
		return scanJob(row, &job)
	})
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue_unique %s: %w", jobID, err)
	}
	return job, deduped, nil
}

func (q *Queue) getForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Job, error) {
	const query = `
		SELECT id, job_id, queue, func, args, status, attempts, last_error, run_at, created_at, updated_at
		FROM queued_jobs WHERE job_id = $1 FOR UPDATE`
	var j Job
	err := scanJob(tx.QueryRow(ctx, query, jobID), &j)
	return j, err
}

// Claim locks and returns the next eligible job on this queue, or
// (Job{}, false, nil) if none are ready.
func (q *Queue) Claim(ctx context.Context, workerID string) (job Job, ok bool, err error) {
	err = pgxTx(ctx, q.pool, func(tx pgx.Tx) error {
		const selectNext = `
			SELECT id, job_id, queue, func, args, status, attempts, last_error, run_at, created_at, updated_at
			FROM queued_jobs
			WHERE queue = $1 AND status IN ($2, $3) AND run_at <= now()
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`
		var j Job
		scanErr := scanJob(tx.QueryRow(ctx, selectNext, q.name, StatusQueued, StatusDeferred), &j)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		const claim = `
			UPDATE queued_jobs
			SET status = $2, locked_by = $3, locked_at = now(), attempts = attempts + 1, updated_at = now()
			WHERE id = $1
			RETURNING id, job_id, queue, func, args, status, attempts, last_error, run_at, created_at, updated_at`
		if scanErr := scanJob(tx.QueryRow(ctx, claim, j.ID, StatusRunning, workerID), &j); scanErr != nil {
			return scanErr
		}
		job, ok = j, true
		return nil
	})
	if err != nil {
		return Job{}, false, fmt.Errorf("claiming job: %w", err)
	}
	return job, ok, nil
}

// MarkDone transitions a running job to done.
func (q *Queue) MarkDone(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `UPDATE queued_jobs SET status = $2, updated_at = now() WHERE id = $1`, id, StatusDone)
	return err
}

// MarkFailed transitions a running job to failed, recording the error.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := cause.Error()
	_, err := q.pool.Exec(ctx, `UPDATE queued_jobs SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`, id, StatusFailed, msg)
	return err
}

// Defer reschedules a job for a later run_at and marks it deferred.
func (q *Queue) Defer(ctx context.Context, id string, runAt time.Time) error {
	_, err := q.pool.Exec(ctx, `UPDATE queued_jobs SET status = $2, run_at = $3, updated_at = now() WHERE id = $1`, id, StatusDeferred, runAt)
	return err
}

func scanJob(row pgx.Row, j *Job) error {
	return row.Scan(&j.ID, &j.JobID, &j.Queue, &j.Func, &j.Args, &j.Status, &j.Attempts, &j.LastError, &j.RunAt, &j.CreatedAt, &j.UpdatedAt)
}

func pgxTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RunLoop polls for jobs on a ticker until ctx is cancelled, dispatching each
// claimed job to handle. Modeled on the simple ticker-driven worker loop used
// elsewhere in this codebase for periodic background work.
func RunLoop(ctx context.Context, q *Queue, workerID string, interval time.Duration, handle func(context.Context, Job) error, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		for {
			job, ok, err := q.Claim(ctx, workerID)
			if err != nil {
				onErr(fmt.Errorf("claim: %w", err))
				return
			}
			if !ok {
				return
			}
			if err := handle(ctx, job); err != nil {
				if markErr := q.MarkFailed(ctx, job.ID, err); markErr != nil {
					onErr(fmt.Errorf("marking job %s failed: %w", job.ID, markErr))
				}
				continue
			}
			if err := q.MarkDone(ctx, job.ID); err != nil {
				onErr(fmt.Errorf("marking job %s done: %w", job.ID, err))
			}
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
