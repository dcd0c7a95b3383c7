// Package queue is the durable Postgres-backed job queue for
// sequence-jobs and email-jobs (the contact_jobs and thread_watch_jobs
// tables of the migration have no queue type here), grounded on the teacher's claim-batch idiom in
// internal/worker/send_worker.go: UPDATE ... WHERE status='queued' ...
// FOR UPDATE SKIP LOCKED, returning the claimed rows in one statement.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// lockTimeout is how long a claimed-but-unfinished row is considered
// abandoned and eligible for re-claim, mirroring the teacher's
// 5-minute `locked_at` staleness window.
const lockTimeout = 5 * time.Minute

// EmailJob is a claimed row from email_jobs, matching the payload shape
// spec §4.5 names: {sequenceId, contactId, stepId, userId, to, subject,
// threadId?, scheduledTime, testMode}.
type EmailJob struct {
	ID            uuid.UUID
	SequenceID    uuid.UUID
	ContactID     uuid.UUID
	StepID        uuid.UUID
	UserID        uuid.UUID
	To            string
	Subject       string
	ThreadID      string
	ScheduledTime time.Time
	TestMode      bool
	Priority      int
	Attempts      int
}

// SequenceJob is a claimed row from sequence_jobs: launch/resume/
// periodic re-evaluation trigger for one Sequence.
type SequenceJob struct {
	ID         uuid.UUID
	SequenceID uuid.UUID
	Attempts   int
}

// EmailQueue claims and finalizes email_jobs rows.
type EmailQueue struct {
	db       *sql.DB
	workerID string
}

// NewEmailQueue builds an EmailQueue bound to workerID, used to tag
// claimed rows the way the teacher's SendWorkerPool tags
// mailing_campaign_queue rows with worker_id.
func NewEmailQueue(db *sql.DB, workerID string) *EmailQueue {
	return &EmailQueue{db: db, workerID: workerID}
}

// Enqueue inserts a new email job, used by the sequence processor and
// sweeper per spec §4.3/§4.4.
func (q *EmailQueue) Enqueue(ctx context.Context, j EmailJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Priority == 0 {
		j.Priority = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO email_jobs
			(id, sequence_id, contact_id, step_id, user_id, to_email, subject,
			 thread_id, scheduled_time, test_mode, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'queued', NOW())
	`, j.ID, j.SequenceID, j.ContactID, j.StepID, j.UserID, j.To, j.Subject,
		j.ThreadID, j.ScheduledTime, j.TestMode, j.Priority)
	if err != nil {
		return fmt.Errorf("enqueue email job: %w", err)
	}
	return nil
}

// ClaimBatch atomically claims up to batchSize due rows, exactly
// mirroring the teacher's WITH claimed AS (UPDATE ... RETURNING ...)
// SELECT FROM claimed idiom.
func (q *EmailQueue) ClaimBatch(ctx context.Context, batchSize int) ([]EmailJob, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE email_jobs
			SET status = 'sending', locked_by = $1, locked_at = NOW()
			WHERE id IN (
				SELECT j.id FROM email_jobs j
				WHERE j.status = 'queued'
				  AND j.scheduled_time <= NOW()
				  AND (j.locked_at IS NULL OR j.locked_at < NOW() - INTERVAL '5 minutes')
				ORDER BY j.priority DESC, j.scheduled_time ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, sequence_id, contact_id, step_id, user_id, to_email, subject,
			          COALESCE(thread_id,''), scheduled_time, test_mode, priority, attempts
		)
		SELECT * FROM claimed
	`, q.workerID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim email jobs: %w", err)
	}
	defer rows.Close()

	var out []EmailJob
	for rows.Next() {
		var j EmailJob
		if err := rows.Scan(
			&j.ID, &j.SequenceID, &j.ContactID, &j.StepID, &j.UserID, &j.To, &j.Subject,
			&j.ThreadID, &j.ScheduledTime, &j.TestMode, &j.Priority, &j.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scan email job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkDone deletes a successfully processed job.
func (q *EmailQueue) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM email_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark email job done: %w", err)
	}
	return nil
}

// MaxRetries is spec §4.5's default retry budget for an email job
// before it is abandoned and the contact is marked failed.
const MaxRetries = 2

// MarkFailed increments the attempt counter and either releases the job
// for retry (status back to queued) or, once Attempts exceeds
// MaxRetries, deletes the job row and reports attemptsExhausted so the
// caller can finalize the contact.
func (q *EmailQueue) MarkFailed(ctx context.Context, id uuid.UUID) (attemptsExhausted bool, err error) {
	var attempts int
	err = q.db.QueryRowContext(ctx, `
		UPDATE email_jobs SET status = 'queued', attempts = attempts + 1, locked_at = NULL
		WHERE id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return false, fmt.Errorf("mark email job failed: %w", err)
	}
	if attempts > MaxRetries {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM email_jobs WHERE id = $1`, id); err != nil {
			return true, fmt.Errorf("remove exhausted email job: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// SequenceQueue claims and finalizes sequence_jobs rows.
type SequenceQueue struct {
	db       *sql.DB
	workerID string
}

// NewSequenceQueue builds a SequenceQueue bound to workerID.
func NewSequenceQueue(db *sql.DB, workerID string) *SequenceQueue {
	return &SequenceQueue{db: db, workerID: workerID}
}

// Enqueue inserts a new sequence job (launch, resume, or periodic
// re-evaluation trigger).
func (q *SequenceQueue) Enqueue(ctx context.Context, sequenceID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sequence_jobs (id, sequence_id, status, run_after, created_at)
		VALUES ($1, $2, 'queued', NOW(), NOW())
	`, id, sequenceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue sequence job: %w", err)
	}
	return id, nil
}

// MaxSequenceJobRetries matches spec §4.3's "retries up to 3 times".
const MaxSequenceJobRetries = 3

// ClaimOne claims the single oldest due sequence job, if any.
func (q *SequenceQueue) ClaimOne(ctx context.Context) (*SequenceJob, error) {
	row := q.db.QueryRowContext(ctx, `
		WITH claimed AS (
			UPDATE sequence_jobs
			SET status = 'running', locked_by = $1, locked_at = NOW()
			WHERE id = (
				SELECT id FROM sequence_jobs
				WHERE status = 'queued' AND run_after <= NOW()
				  AND (locked_at IS NULL OR locked_at < NOW() - INTERVAL '5 minutes')
				ORDER BY run_after ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, sequence_id, attempts
		)
		SELECT * FROM claimed
	`, q.workerID)

	var j SequenceJob
	if err := row.Scan(&j.ID, &j.SequenceID, &j.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim sequence job: %w", err)
	}
	return &j, nil
}

// MarkDone deletes a successfully processed sequence job.
func (q *SequenceQueue) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sequence_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark sequence job done: %w", err)
	}
	return nil
}

// MarkFailed applies exponential backoff and increments attempts;
// exhausted jobs are deleted rather than retried forever, per spec
// §4.3's "the sequence job itself only fails if the sequence cannot be
// loaded... retries up to 3 times with exponential backoff".
func (q *SequenceQueue) MarkFailed(ctx context.Context, id uuid.UUID) error {
	var attempts int
	err := q.db.QueryRowContext(ctx, `
		UPDATE sequence_jobs
		SET status = 'queued', attempts = attempts + 1, locked_at = NULL,
		    run_after = NOW() + (INTERVAL '1 minute' * POWER(2, LEAST(attempts + 1, 6)))
		WHERE id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("mark sequence job failed: %w", err)
	}
	if attempts > MaxSequenceJobRetries {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM sequence_jobs WHERE id = $1`, id); err != nil {
			return fmt.Errorf("remove exhausted sequence job: %w", err)
		}
	}
	return nil
}
