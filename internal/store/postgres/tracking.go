package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
)

// TrackingRepo implements store.TrackingStore against PostgreSQL.
type TrackingRepo struct{ db *sql.DB }

// NewTrackingRepo creates a Postgres-backed tracking repository.
func NewTrackingRepo(db *sql.DB) *TrackingRepo { return &TrackingRepo{db: db} }

func (r *TrackingRepo) CreateTracking(ctx context.Context, t domain.EmailTracking) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_tracking
			(id, hash, sequence_id, contact_id, step_id, gmail_message_id, gmail_thread_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Hash, t.SequenceID, t.ContactID, t.StepID, t.GmailMessageID, t.GmailThreadID, t.SentAt)
	if err != nil {
		return fmt.Errorf("create email tracking: %w", err)
	}
	return nil
}

func (r *TrackingRepo) GetTrackingByHash(ctx context.Context, hash string) (*domain.EmailTracking, error) {
	t := &domain.EmailTracking{}
	var firstOpened, firstClicked sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, hash, sequence_id, contact_id, step_id, COALESCE(gmail_message_id,''),
		       COALESCE(gmail_thread_id,''), sent_at, first_opened_at, open_count,
		       first_clicked_at, click_count
		FROM email_tracking WHERE hash = $1
	`, hash).Scan(
		&t.ID, &t.Hash, &t.SequenceID, &t.ContactID, &t.StepID, &t.GmailMessageID,
		&t.GmailThreadID, &t.SentAt, &firstOpened, &t.OpenCount, &firstClicked, &t.ClickCount,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email tracking: %w", err)
	}
	if firstOpened.Valid {
		t.FirstOpenedAt = &firstOpened.Time
	}
	if firstClicked.Valid {
		t.FirstClickedAt = &firstClicked.Time
	}
	return t, nil
}

// RecordFirstOpen implements spec §4.7's idempotent-first-event rule via
// a conditional update on first_opened_at IS NULL.
func (r *TrackingRepo) RecordFirstOpen(ctx context.Context, hash string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_tracking SET first_opened_at = $1
		WHERE hash = $2 AND first_opened_at IS NULL
	`, at, hash)
	if err != nil {
		return false, fmt.Errorf("record first open: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *TrackingRepo) IncrementOpenCount(ctx context.Context, hash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_tracking SET open_count = open_count + 1 WHERE hash = $1
	`, hash)
	if err != nil {
		return fmt.Errorf("increment open count: %w", err)
	}
	return nil
}

func (r *TrackingRepo) CreateTrackedLink(ctx context.Context, l domain.TrackedLink) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracked_links (id, tracking_id, lid, target_url)
		VALUES ($1, $2, $3, $4)
	`, l.ID, l.TrackingID, l.LID, l.TargetURL)
	if err != nil {
		return fmt.Errorf("create tracked link: %w", err)
	}
	return nil
}

func (r *TrackingRepo) GetTrackedLinkByLID(ctx context.Context, trackingHash, lid string) (*domain.TrackedLink, error) {
	l := &domain.TrackedLink{}
	err := r.db.QueryRowContext(ctx, `
		SELECT tl.id, tl.tracking_id, tl.lid, tl.target_url
		FROM tracked_links tl
		JOIN email_tracking et ON et.id = tl.tracking_id
		WHERE et.hash = $1 AND tl.lid = $2
	`, trackingHash, lid).Scan(&l.ID, &l.TrackingID, &l.LID, &l.TargetURL)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracked link: %w", err)
	}
	return l, nil
}

// RecordClick inserts the click row and reports whether this was the
// first click against the tracking row (for the stats idempotence rule).
func (r *TrackingRepo) RecordClick(ctx context.Context, c domain.LinkClick) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin click tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO link_clicks (id, tracked_link_id, clicked_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.TrackedLinkID, c.ClickedAt, c.IP, c.UserAgent); err != nil {
		return false, fmt.Errorf("insert link click: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tracked_links SET click_count = click_count + 1 WHERE id = $1
	`, c.TrackedLinkID)
	if err != nil {
		return false, fmt.Errorf("increment click count: %w", err)
	}

	first := false
	firstClickRes, err := tx.ExecContext(ctx, `
		UPDATE email_tracking SET first_clicked_at = $1, click_count = click_count + 1
		WHERE id = (SELECT tracking_id FROM tracked_links WHERE id = $2) AND first_clicked_at IS NULL
	`, c.ClickedAt, c.TrackedLinkID)
	if err != nil {
		return false, fmt.Errorf("record first click: %w", err)
	}
	if n, _ := firstClickRes.RowsAffected(); n > 0 {
		first = true
	}
	_ = res

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit click tx: %w", err)
	}
	return first, nil
}

func (r *TrackingRepo) AppendEvent(ctx context.Context, e domain.EmailEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_events (id, sequence_id, contact_id, event_type, gmail_message_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence_id, contact_id, event_type, gmail_message_id) DO NOTHING
	`, e.ID, e.SequenceID, e.ContactID, e.EventType, e.GmailMessageID, e.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("append email event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *TrackingRepo) HasEvent(ctx context.Context, sequenceID, contactID uuid.UUID, eventType domain.EmailEventType, gmailMessageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_events
			WHERE sequence_id = $1 AND contact_id = $2 AND event_type = $3 AND gmail_message_id = $4
		)
	`, sequenceID, contactID, eventType, gmailMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has email event: %w", err)
	}
	return exists, nil
}

func (r *TrackingRepo) UpsertThread(ctx context.Context, th domain.EmailThread) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_threads
			(sequence_id, contact_id, gmail_thread_id, root_message_id, reference_chain, last_history_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence_id, contact_id) DO UPDATE SET
			gmail_thread_id = EXCLUDED.gmail_thread_id,
			reference_chain = EXCLUDED.reference_chain,
			last_history_id = EXCLUDED.last_history_id
	`, th.SequenceID, th.ContactID, th.GmailThreadID, th.RootMessageID, joinComma(th.ReferenceChain), th.LastHistoryID)
	if err != nil {
		return fmt.Errorf("upsert email thread: %w", err)
	}
	return nil
}

func (r *TrackingRepo) GetThread(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.EmailThread, error) {
	th := &domain.EmailThread{}
	var refs string
	err := r.db.QueryRowContext(ctx, `
		SELECT sequence_id, contact_id, gmail_thread_id, root_message_id, COALESCE(reference_chain,''), last_history_id
		FROM email_threads WHERE sequence_id = $1 AND contact_id = $2
	`, sequenceID, contactID).Scan(&th.SequenceID, &th.ContactID, &th.GmailThreadID, &th.RootMessageID, &refs, &th.LastHistoryID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email thread: %w", err)
	}
	th.ReferenceChain = splitComma(refs)
	return th, nil
}

func (r *TrackingRepo) GetThreadByGmailThreadID(ctx context.Context, userID, gmailThreadID string) (*domain.EmailThread, error) {
	th := &domain.EmailThread{}
	var refs string
	err := r.db.QueryRowContext(ctx, `
		SELECT et.sequence_id, et.contact_id, et.gmail_thread_id, et.root_message_id, COALESCE(et.reference_chain,''), et.last_history_id
		FROM email_threads et
		JOIN sequences s ON s.id = et.sequence_id
		WHERE s.owner_user_id = $1 AND et.gmail_thread_id = $2
	`, userID, gmailThreadID).Scan(&th.SequenceID, &th.ContactID, &th.GmailThreadID, &th.RootMessageID, &refs, &th.LastHistoryID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email thread by gmail thread id: %w", err)
	}
	th.ReferenceChain = splitComma(refs)
	return th, nil
}

func (r *TrackingRepo) GetThreadByMessageID(ctx context.Context, userID, messageID string) (*domain.EmailThread, error) {
	th := &domain.EmailThread{}
	var refs string
	err := r.db.QueryRowContext(ctx, `
		SELECT et.sequence_id, et.contact_id, et.gmail_thread_id, et.root_message_id, COALESCE(et.reference_chain,''), et.last_history_id
		FROM email_threads et
		JOIN sequences s ON s.id = et.sequence_id
		WHERE s.owner_user_id = $1
		  AND (et.root_message_id = $2 OR et.reference_chain LIKE '%' || $2 || '%')
		LIMIT 1
	`, userID, messageID).Scan(&th.SequenceID, &th.ContactID, &th.GmailThreadID, &th.RootMessageID, &refs, &th.LastHistoryID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email thread by message id: %w", err)
	}
	th.ReferenceChain = splitComma(refs)
	return th, nil
}

func (r *TrackingRepo) Stats(ctx context.Context, sequenceID uuid.UUID) (domain.SequenceStats, error) {
	stats := domain.SequenceStats{SequenceID: sequenceID.String()}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE true) AS total_contacts,
			COUNT(*) FILTER (WHERE status IN ('sent','replied','bounced','completed')) AS sent,
			COUNT(*) FILTER (WHERE status = 'replied') AS replied,
			COUNT(*) FILTER (WHERE status = 'bounced') AS bounced,
			COUNT(*) FILTER (WHERE status = 'opted_out') AS opted_out,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed
		FROM sequence_contacts WHERE sequence_id = $1
	`, sequenceID).Scan(&stats.TotalContacts, &stats.Sent, &stats.Replied, &stats.Bounced, &stats.OptedOut, &stats.Completed)
	if err != nil {
		return stats, fmt.Errorf("sequence contact stats: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE first_opened_at IS NOT NULL),
			COUNT(*) FILTER (WHERE first_clicked_at IS NOT NULL)
		FROM email_tracking WHERE sequence_id = $1
	`, sequenceID).Scan(&stats.Opened, &stats.Clicked)
	if err != nil {
		return stats, fmt.Errorf("tracking stats: %w", err)
	}
	return stats, nil
}

func (r *TrackingRepo) Health(ctx context.Context, sequenceID uuid.UUID) (domain.SequenceHealth, error) {
	stats, err := r.Stats(ctx, sequenceID)
	if err != nil {
		return domain.SequenceHealth{}, err
	}
	const bounceThreshold = 0.05
	h := domain.SequenceHealth{
		SequenceID:  sequenceID.String(),
		BounceRate:  stats.BounceRate(),
		Threshold:   bounceThreshold,
		EvaluatedAt: time.Now().UTC(),
	}
	h.Healthy = h.BounceRate < bounceThreshold
	if !h.Healthy {
		h.Reason = fmt.Sprintf("bounce rate %.2f%% exceeds threshold %.2f%%", h.BounceRate*100, bounceThreshold*100)
	}
	return h, nil
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
