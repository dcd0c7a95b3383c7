// Package store defines the persistence interfaces the orchestration
// components depend on. internal/store/postgres provides the concrete
// implementation, following the teacher's hand-rolled-SQL repository
// idiom (no ORM) in internal/repository/postgres.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
)

// SequenceStore loads and mutates Sequence aggregates.
type SequenceStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Sequence, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.SequenceStatus) error
	SetTestMode(ctx context.Context, id uuid.UUID, testMode bool) error
	ResetProgress(ctx context.Context, id uuid.UUID) error
}

// ContactStore loads Contact rows referenced by a sequence.
type ContactStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	GetByEmail(ctx context.Context, ownerUserID uuid.UUID, email string) (*domain.Contact, error)
}

// SequenceContactStore loads and mutates the per-(sequence,contact)
// progress rows.
type SequenceContactStore interface {
	ListActive(ctx context.Context, sequenceID uuid.UUID) ([]domain.SequenceContact, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.SequenceContact, error)
	Get(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.SequenceContact, error)

	// AdvanceIfUnchanged performs the CAS-style conditional update spec
	// §4.4 requires: it only applies the write if the row's
	// (currentStep, nextScheduledAt) still match expectedStep/expectedNext,
	// returning false (no error) if another worker already advanced it.
	AdvanceIfUnchanged(ctx context.Context, sc domain.SequenceContact, expectedStep int, expectedNext *time.Time) (bool, error)

	Upsert(ctx context.Context, sc domain.SequenceContact) error

	// CountScheduledInMinute/CountScheduledInHour back scheduler.RateWindow.
	CountScheduledInMinute(ctx context.Context, minute time.Time) (int, error)
	CountScheduledInHour(ctx context.Context, hour time.Time) (int, error)
}

// TrackingStore persists EmailTracking, TrackedLink, LinkClick,
// EmailEvent and EmailThread rows.
type TrackingStore interface {
	CreateTracking(ctx context.Context, t domain.EmailTracking) error
	GetTrackingByHash(ctx context.Context, hash string) (*domain.EmailTracking, error)
	RecordFirstOpen(ctx context.Context, hash string, at time.Time) (firstEvent bool, err error)
	IncrementOpenCount(ctx context.Context, hash string) error

	CreateTrackedLink(ctx context.Context, l domain.TrackedLink) error
	GetTrackedLinkByLID(ctx context.Context, trackingHash, lid string) (*domain.TrackedLink, error)
	RecordClick(ctx context.Context, c domain.LinkClick) (firstEvent bool, err error)

	AppendEvent(ctx context.Context, e domain.EmailEvent) (inserted bool, err error)
	HasEvent(ctx context.Context, sequenceID, contactID uuid.UUID, eventType domain.EmailEventType, gmailMessageID string) (bool, error)

	UpsertThread(ctx context.Context, th domain.EmailThread) error
	GetThread(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.EmailThread, error)
	GetThreadByGmailThreadID(ctx context.Context, userID, gmailThreadID string) (*domain.EmailThread, error)

	// GetThreadByMessageID backs the reference-based reply/open fallback
	// of spec §4.8: it resolves a thread from any RFC 5322 Message-ID
	// ever sent on it (root or a later step), scoped to the owning
	// user's sequences.
	GetThreadByMessageID(ctx context.Context, userID, messageID string) (*domain.EmailThread, error)

	Stats(ctx context.Context, sequenceID uuid.UUID) (domain.SequenceStats, error)
	Health(ctx context.Context, sequenceID uuid.UUID) (domain.SequenceHealth, error)
}

// GmailAccountStore loads and persists per-user Gmail OAuth credentials
// and the Gmail history cursor used by the inbound event pipeline.
type GmailAccountStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.GmailAccount, error)
	GetByEmail(ctx context.Context, emailAddress string) (*domain.GmailAccount, error)
	UpdateToken(ctx context.Context, userID uuid.UUID, accessToken string, expiry time.Time) error
	UpdateHistoryID(ctx context.Context, userID uuid.UUID, historyID uint64) error
}
