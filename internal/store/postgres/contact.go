package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
)

// ContactRepo implements store.ContactStore against PostgreSQL.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

func (r *ContactRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, email, COALESCE(company,'') FROM contacts WHERE id = $1
	`, id).Scan(&c.ID, &c.OwnerUserID, &c.Email, &c.Company)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (r *ContactRepo) GetByEmail(ctx context.Context, ownerUserID uuid.UUID, email string) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, email, COALESCE(company,'')
		FROM contacts WHERE owner_user_id = $1 AND email = $2
	`, ownerUserID, email).Scan(&c.ID, &c.OwnerUserID, &c.Email, &c.Company)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by email: %w", err)
	}
	return c, nil
}
