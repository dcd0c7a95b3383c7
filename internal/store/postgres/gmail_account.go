package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
)

// GmailAccountRepo implements store.GmailAccountStore over the
// gmail_accounts table, following the same hand-rolled-SQL idiom as
// SequenceRepo and ContactRepo.
type GmailAccountRepo struct {
	db *sql.DB
}

// NewGmailAccountRepo builds a GmailAccountRepo.
func NewGmailAccountRepo(db *sql.DB) *GmailAccountRepo {
	return &GmailAccountRepo{db: db}
}

func (r *GmailAccountRepo) Get(ctx context.Context, userID uuid.UUID) (*domain.GmailAccount, error) {
	return r.scanOne(ctx, `
		SELECT user_id, email_address, access_token, refresh_token, token_expiry, last_history_id
		FROM gmail_accounts WHERE user_id = $1
	`, userID)
}

func (r *GmailAccountRepo) GetByEmail(ctx context.Context, emailAddress string) (*domain.GmailAccount, error) {
	return r.scanOne(ctx, `
		SELECT user_id, email_address, access_token, refresh_token, token_expiry, last_history_id
		FROM gmail_accounts WHERE email_address = $1
	`, emailAddress)
}

func (r *GmailAccountRepo) scanOne(ctx context.Context, query string, arg interface{}) (*domain.GmailAccount, error) {
	var a domain.GmailAccount
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&a.UserID, &a.EmailAddress, &a.AccessToken, &a.RefreshToken, &a.TokenExpiry, &a.LastHistoryID,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gmail account: %w", err)
	}
	return &a, nil
}

func (r *GmailAccountRepo) UpdateToken(ctx context.Context, userID uuid.UUID, accessToken string, expiry time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gmail_accounts SET access_token = $1, token_expiry = $2 WHERE user_id = $3
	`, accessToken, expiry, userID)
	if err != nil {
		return fmt.Errorf("update gmail account token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GmailAccountRepo) UpdateHistoryID(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gmail_accounts SET last_history_id = $1 WHERE user_id = $2
	`, historyID, userID)
	if err != nil {
		return fmt.Errorf("update gmail account history id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
