// Package postgres implements the store interfaces against PostgreSQL
// with hand-rolled SQL, following the teacher's
// internal/repository/postgres idiom: no ORM, $N placeholders,
// sql.ErrNoRows mapped to domain sentinel errors.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
)

// SequenceRepo implements store.SequenceStore against PostgreSQL.
type SequenceRepo struct{ db *sql.DB }

// NewSequenceRepo creates a Postgres-backed sequence repository.
func NewSequenceRepo(db *sql.DB) *SequenceRepo { return &SequenceRepo{db: db} }

func (r *SequenceRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Sequence, error) {
	s := &domain.Sequence{}
	var tz sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, status, test_mode, business_hours_tz, created_at, updated_at
		FROM sequences
		WHERE id = $1
	`, id).Scan(&s.ID, &s.OwnerUserID, &s.Name, &s.Status, &s.TestMode, &tz, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	if tz.Valid && tz.String != "" {
		s.BusinessHours = domain.DefaultBusinessHours(tz.String)
		if err := r.loadHolidays(ctx, id, s.BusinessHours); err != nil {
			return nil, fmt.Errorf("load holidays: %w", err)
		}
	}

	steps, err := r.loadSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	s.Steps = steps
	return s, nil
}

func (r *SequenceRepo) loadSteps(ctx context.Context, sequenceID uuid.UUID) ([]domain.SequenceStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sequence_id, "order", step_type, timing, delay_amount, delay_unit,
		       COALESCE(subject,''), COALESCE(html_content,''), reply_to_thread, previous_step_id
		FROM sequence_steps
		WHERE sequence_id = $1
		ORDER BY "order" ASC
	`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SequenceStep
	for rows.Next() {
		var st domain.SequenceStep
		var delayAmount sql.NullInt64
		var delayUnit sql.NullString
		var prevStep uuid.NullUUID
		if err := rows.Scan(
			&st.ID, &st.SequenceID, &st.Order, &st.StepType, &st.Timing,
			&delayAmount, &delayUnit, &st.Subject, &st.HTMLContent, &st.ReplyToThread, &prevStep,
		); err != nil {
			return nil, err
		}
		if delayAmount.Valid {
			amt := int(delayAmount.Int64)
			st.DelayAmount = &amt
		}
		if delayUnit.Valid {
			u := domain.DelayUnit(delayUnit.String)
			st.DelayUnit = &u
		}
		if prevStep.Valid {
			st.PreviousStepID = &prevStep.UUID
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *SequenceRepo) loadHolidays(ctx context.Context, sequenceID uuid.UUID, bh *domain.BusinessHours) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT holiday_date FROM sequence_holidays WHERE sequence_id = $1
	`, sequenceID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d sql.NullTime
		if err := rows.Scan(&d); err != nil {
			return err
		}
		if d.Valid {
			bh.Holidays = append(bh.Holidays, d.Time)
		}
	}
	return rows.Err()
}

func (r *SequenceRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.SequenceStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequences SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("set sequence status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SequenceRepo) SetTestMode(ctx context.Context, id uuid.UUID, testMode bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequences SET test_mode = $1, updated_at = NOW() WHERE id = $2
	`, testMode, id)
	if err != nil {
		return fmt.Errorf("set sequence test mode: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResetProgress implements spec §3's reset semantics: delete tracking
// rows with their tracked links and clicks, events and thread rows
// (stats and health are computed on demand and have no rows of their
// own), re-initialize every SequenceContact
// row to (not_sent, currentStep=0, all timestamps null), and return the
// sequence itself to (draft, testMode=false).
func (r *SequenceRepo) ResetProgress(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sequences SET status = $1, test_mode = FALSE, updated_at = NOW() WHERE id = $2
	`, domain.SequenceDraft, id); err != nil {
		return fmt.Errorf("reset sequence status: %w", err)
	}

	stmts := []string{
		`DELETE FROM link_clicks WHERE tracked_link_id IN (
			SELECT tl.id FROM tracked_links tl
			JOIN email_tracking et ON et.id = tl.tracking_id
			WHERE et.sequence_id = $1)`,
		`DELETE FROM tracked_links WHERE tracking_id IN (
			SELECT id FROM email_tracking WHERE sequence_id = $1)`,
		`DELETE FROM email_events WHERE sequence_id = $1`,
		`DELETE FROM email_tracking WHERE sequence_id = $1`,
		`DELETE FROM email_threads WHERE sequence_id = $1`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("reset cleanup: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sequence_contacts
		SET status = $1, current_step = 0, next_scheduled_at = NULL,
		    thread_id = '', started_at = NULL, last_processed_at = NULL, completed_at = NULL
		WHERE sequence_id = $2
	`, domain.StatusNotSent, id); err != nil {
		return fmt.Errorf("reset progress rows: %w", err)
	}

	return tx.Commit()
}
