package domain

import (
	"time"

	"github.com/google/uuid"
)

// GmailAccount is the OAuth2 credential set and history-walk cursor for
// one user's connected Gmail mailbox.
type GmailAccount struct {
	UserID        uuid.UUID
	EmailAddress  string
	AccessToken   string
	RefreshToken  string
	TokenExpiry   time.Time
	LastHistoryID uint64
}
