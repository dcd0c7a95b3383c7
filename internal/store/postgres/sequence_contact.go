package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
)

// SequenceContactRepo implements store.SequenceContactStore against
// PostgreSQL.
type SequenceContactRepo struct{ db *sql.DB }

// NewSequenceContactRepo creates a Postgres-backed repository.
func NewSequenceContactRepo(db *sql.DB) *SequenceContactRepo { return &SequenceContactRepo{db: db} }

func (r *SequenceContactRepo) ListActive(ctx context.Context, sequenceID uuid.UUID) ([]domain.SequenceContact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence_id, contact_id, status, current_step, next_scheduled_at,
		       COALESCE(thread_id,''), started_at, last_processed_at, completed_at
		FROM sequence_contacts
		WHERE sequence_id = $1 AND status NOT IN ($2, $3)
		ORDER BY contact_id ASC
	`, sequenceID, domain.StatusCompleted, domain.StatusOptedOut)
	if err != nil {
		return nil, fmt.Errorf("list active sequence contacts: %w", err)
	}
	defer rows.Close()
	return scanSequenceContacts(rows)
}

func (r *SequenceContactRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.SequenceContact, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence_id, contact_id, status, current_step, next_scheduled_at,
		       COALESCE(thread_id,''), started_at, last_processed_at, completed_at
		FROM sequence_contacts
		WHERE status NOT IN ($1, $2) AND next_scheduled_at IS NOT NULL AND next_scheduled_at <= $3
		ORDER BY next_scheduled_at ASC
		LIMIT $4
	`, domain.StatusCompleted, domain.StatusOptedOut, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due sequence contacts: %w", err)
	}
	defer rows.Close()
	return scanSequenceContacts(rows)
}

func (r *SequenceContactRepo) Get(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.SequenceContact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sequence_id, contact_id, status, current_step, next_scheduled_at,
		       COALESCE(thread_id,''), started_at, last_processed_at, completed_at
		FROM sequence_contacts
		WHERE sequence_id = $1 AND contact_id = $2
	`, sequenceID, contactID)

	sc, err := scanSequenceContact(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence contact: %w", err)
	}
	return sc, nil
}

// AdvanceIfUnchanged is the CAS-style conditional update spec §4.4
// requires, mirroring the teacher's campaign_scheduler.go idiom of
// treating RowsAffected()==0 as "another worker already claimed this
// row" rather than an error.
func (r *SequenceContactRepo) AdvanceIfUnchanged(ctx context.Context, sc domain.SequenceContact, expectedStep int, expectedNext *time.Time) (bool, error) {
	var res sql.Result
	var err error
	if expectedNext == nil {
		res, err = r.db.ExecContext(ctx, `
			UPDATE sequence_contacts
			SET status = $1, current_step = $2, next_scheduled_at = $3,
			    thread_id = $4, last_processed_at = $5, completed_at = $6
			WHERE sequence_id = $7 AND contact_id = $8
			  AND current_step = $9 AND next_scheduled_at IS NULL
		`, sc.Status, sc.CurrentStep, sc.NextScheduledAt, sc.ThreadID, sc.LastProcessedAt, sc.CompletedAt,
			sc.SequenceID, sc.ContactID, expectedStep)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE sequence_contacts
			SET status = $1, current_step = $2, next_scheduled_at = $3,
			    thread_id = $4, last_processed_at = $5, completed_at = $6
			WHERE sequence_id = $7 AND contact_id = $8
			  AND current_step = $9 AND next_scheduled_at = $10
		`, sc.Status, sc.CurrentStep, sc.NextScheduledAt, sc.ThreadID, sc.LastProcessedAt, sc.CompletedAt,
			sc.SequenceID, sc.ContactID, expectedStep, *expectedNext)
	}
	if err != nil {
		return false, fmt.Errorf("advance sequence contact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SequenceContactRepo) Upsert(ctx context.Context, sc domain.SequenceContact) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sequence_contacts
			(sequence_id, contact_id, status, current_step, next_scheduled_at,
			 thread_id, started_at, last_processed_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence_id, contact_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			next_scheduled_at = EXCLUDED.next_scheduled_at,
			thread_id = EXCLUDED.thread_id,
			started_at = COALESCE(sequence_contacts.started_at, EXCLUDED.started_at),
			last_processed_at = EXCLUDED.last_processed_at,
			completed_at = EXCLUDED.completed_at
	`, sc.SequenceID, sc.ContactID, sc.Status, sc.CurrentStep, sc.NextScheduledAt,
		sc.ThreadID, sc.StartedAt, sc.LastProcessedAt, sc.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert sequence contact: %w", err)
	}
	return nil
}

func (r *SequenceContactRepo) CountScheduledInMinute(ctx context.Context, minute time.Time) (int, error) {
	return r.countScheduledBetween(ctx, minute, minute.Add(time.Minute))
}

func (r *SequenceContactRepo) CountScheduledInHour(ctx context.Context, hour time.Time) (int, error) {
	return r.countScheduledBetween(ctx, hour, hour.Add(time.Hour))
}

func (r *SequenceContactRepo) countScheduledBetween(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sequence_contacts
		WHERE next_scheduled_at >= $1 AND next_scheduled_at < $2
	`, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scheduled: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSequenceContact(row rowScanner) (*domain.SequenceContact, error) {
	var sc domain.SequenceContact
	var threadID string
	var nextScheduled, startedAt, lastProcessed, completedAt sql.NullTime
	if err := row.Scan(
		&sc.SequenceID, &sc.ContactID, &sc.Status, &sc.CurrentStep, &nextScheduled,
		&threadID, &startedAt, &lastProcessed, &completedAt,
	); err != nil {
		return nil, err
	}
	sc.ThreadID = threadID
	if nextScheduled.Valid {
		sc.NextScheduledAt = &nextScheduled.Time
	}
	if startedAt.Valid {
		sc.StartedAt = &startedAt.Time
	}
	if lastProcessed.Valid {
		sc.LastProcessedAt = &lastProcessed.Time
	}
	if completedAt.Valid {
		sc.CompletedAt = &completedAt.Time
	}
	return &sc, nil
}

func scanSequenceContacts(rows *sql.Rows) ([]domain.SequenceContact, error) {
	var out []domain.SequenceContact
	for rows.Next() {
		sc, err := scanSequenceContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sequence contact: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}
