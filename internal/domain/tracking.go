package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmailTracking is the per-sent-email tracking row created at send time.
// Hash is the opaque token embedded in the pixel and click-redirect URLs.
type EmailTracking struct {
	ID              uuid.UUID
	Hash            string
	SequenceID      uuid.UUID
	ContactID       uuid.UUID
	StepID          uuid.UUID
	GmailMessageID  string
	GmailThreadID   string
	SentAt          time.Time
	FirstOpenedAt   *time.Time
	OpenCount       int
	FirstClickedAt  *time.Time
	ClickCount      int
}

// TrackedLink is a single rewritten URL extracted from a sent email's HTML
// body. LID is the opaque per-link identifier used in the click-redirect
// query string.
type TrackedLink struct {
	ID        uuid.UUID
	TrackingID uuid.UUID
	LID       string
	TargetURL string
}

// LinkClick records one click-through event against a TrackedLink.
type LinkClick struct {
	ID            uuid.UUID
	TrackedLinkID uuid.UUID
	ClickedAt     time.Time
	IP            string
	UserAgent     string
}

// EmailEventType classifies an EmailEvent, whether it is recorded by the
// send worker (sent, failed), the tracking redirector (open, click) or
// the inbound Gmail history pipeline (reply, bounce, open).
type EmailEventType string

const (
	EventSent    EmailEventType = "sent"
	EventOpen    EmailEventType = "open"
	EventClick   EmailEventType = "click"
	EventReply   EmailEventType = "reply"
	EventBounce  EmailEventType = "bounce"
	EventFailed  EmailEventType = "failed"
)

// EmailEvent is an idempotent record of one classified event,
// deduplicated on (SequenceID, ContactID, EventType, GmailMessageID).
type EmailEvent struct {
	ID             uuid.UUID
	SequenceID     uuid.UUID
	ContactID      uuid.UUID
	EventType      EmailEventType
	GmailMessageID string
	OccurredAt     time.Time
}

// EmailThread associates a SequenceContact's Gmail conversation with the
// RFC 5322 identifiers needed to thread subsequent sends and to recognize
// inbound replies/bounces against it.
type EmailThread struct {
	SequenceID       uuid.UUID
	ContactID        uuid.UUID
	GmailThreadID    string
	RootMessageID    string   // RFC 5322 Message-ID of the first sent step
	ReferenceChain   []string // accumulated References header values
	LastHistoryID    uint64
}
