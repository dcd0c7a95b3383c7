// Package inbound is the Gmail push-notification event pipeline of
// spec §4.8: a Pub/Sub push delivers {emailAddress, historyId}, which
// is walked via Gmail's history.list API to classify newly-arrived
// messages as opens (secondary signal), replies, or bounces, each
// recorded as an idempotent EmailEvent with a guarded SequenceContact
// status transition. Grounded on the teacher's
// internal/worker/webhook_receiver.go webhook-to-typed-event shape,
// generalized from ESP JSON payloads to Gmail's push envelope, and on
// jhjaggars-package-tracking's Gmail message-header parsing.
package inbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/gmailclient"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/ratelimit"
	"github.com/outreach-hq/sequencer/internal/store"
)

// metadataHeaders is the fixed header set fetched for every touched
// message, just enough for the classification rules in classify.go.
var metadataHeaders = []string{
	"From", "Content-Type", "Message-ID", "In-Reply-To", "References", "X-Failed-Recipients",
}

// blockedStatusTransitions are the SequenceContact states spec §4.8
// says a reply/bounce classification must never override.
var blockedStatusTransitions = map[domain.ContactStatus]bool{
	domain.StatusCompleted: true,
	domain.StatusReplied:   true,
	domain.StatusOptedOut:  true,
}

// EventProcessor walks Gmail history on behalf of one push notification.
type EventProcessor struct {
	Accounts store.GmailAccountStore
	Tracking store.TrackingStore
	Contacts store.SequenceContactStore
	Gmail    *gmailclient.Factory
	Limiter  *ratelimit.Limiter
	Clock    func() time.Time
}

// New builds an EventProcessor.
func New(accounts store.GmailAccountStore, tracking store.TrackingStore, contacts store.SequenceContactStore, gm *gmailclient.Factory, limiter *ratelimit.Limiter) *EventProcessor {
	return &EventProcessor{Accounts: accounts, Tracking: tracking, Contacts: contacts, Gmail: gm, Limiter: limiter, Clock: time.Now}
}

// ProcessNotification is the entry point spec §4.8 describes: resolve
// the pushing user by mailbox address, then walk history from the
// last stored cursor. It returns domain.ErrNotFound, unwrapped, when
// the emailAddress is not a connected account (the handler maps that
// to a 404).
func (p *EventProcessor) ProcessNotification(ctx context.Context, emailAddress string) error {
	account, err := p.Accounts.GetByEmail(ctx, emailAddress)
	if err != nil {
		return err
	}
	return p.Gmail.Do(ctx, account.UserID, func(svc *gmail.Service) error {
		return p.walkHistory(ctx, svc, account)
	})
}

func (p *EventProcessor) walkHistory(ctx context.Context, svc *gmail.Service, account *domain.GmailAccount) error {
	startID := account.LastHistoryID
	maxHistoryID := startID
	pageToken := ""

	for {
		call := svc.Users.History.List("me").
			StartHistoryId(startID).
			HistoryTypes("messageAdded", "labelAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return err
		}

		for _, h := range resp.History {
			if h.Id > maxHistoryID {
				maxHistoryID = h.Id
			}
			for _, id := range collectMessageIDs(h) {
				msg, err := svc.Users.Messages.Get("me", id).
					Format("metadata").
					MetadataHeaders(metadataHeaders...).
					Context(ctx).Do()
				if err != nil {
					logger.Warn("inbound: fetch message metadata failed", "message_id", id, "error", err.Error())
					continue
				}
				p.processMessage(ctx, account, msg)
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if maxHistoryID <= account.LastHistoryID {
		return nil
	}
	return p.Accounts.UpdateHistoryID(ctx, account.UserID, maxHistoryID)
}

func (p *EventProcessor) processMessage(ctx context.Context, account *domain.GmailAccount, msg *gmail.Message) {
	pm := parseMessage(msg)
	if shouldSkip(pm, account.EmailAddress) {
		return
	}

	p.classifyOpen(ctx, account, pm)

	if isBounce(pm) {
		p.classifyBounce(ctx, account, pm)
		return
	}
	p.classifyReply(ctx, account, pm)
}

// classifyOpen is spec §4.8's secondary open signal: a reply observed
// in the mailbox whose last reference points at a message we sent
// counts as proof the recipient opened it, independent of the pixel.
func (p *EventProcessor) classifyOpen(ctx context.Context, account *domain.GmailAccount, pm parsedMessage) {
	ref := lastReference(pm)
	if ref == "" {
		return
	}
	th, err := p.Tracking.GetThreadByMessageID(ctx, account.UserID.String(), ref)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("inbound: open-signal thread lookup failed", "message_id", pm.id, "error", err.Error())
		}
		return
	}
	if _, err := p.Tracking.AppendEvent(ctx, domain.EmailEvent{
		SequenceID:     th.SequenceID,
		ContactID:      th.ContactID,
		EventType:      domain.EventOpen,
		GmailMessageID: pm.id,
		OccurredAt:     p.now(),
	}); err != nil {
		logger.Warn("inbound: append open event failed", "message_id", pm.id, "error", err.Error())
	}
}

// classifyReply implements spec §4.8's thread-based-then-reference-based
// resolution order.
func (p *EventProcessor) classifyReply(ctx context.Context, account *domain.GmailAccount, pm parsedMessage) {
	th, err := p.Tracking.GetThreadByGmailThreadID(ctx, account.UserID.String(), pm.threadID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("inbound: reply thread-based lookup failed", "message_id", pm.id, "error", err.Error())
			return
		}
		th = p.findThreadByReferences(ctx, account, pm)
		if th == nil {
			return
		}
	}

	inserted, err := p.Tracking.AppendEvent(ctx, domain.EmailEvent{
		SequenceID:     th.SequenceID,
		ContactID:      th.ContactID,
		EventType:      domain.EventReply,
		GmailMessageID: pm.id,
		OccurredAt:     p.now(),
	})
	if err != nil {
		logger.Warn("inbound: append reply event failed", "message_id", pm.id, "error", err.Error())
		return
	}
	if !inserted {
		return
	}
	p.markContactStatus(ctx, th.SequenceID, th.ContactID, domain.StatusReplied)
}

// classifyBounce mirrors classifyReply's thread-based-then-reference-based
// resolution, against the bounce event type.
func (p *EventProcessor) classifyBounce(ctx context.Context, account *domain.GmailAccount, pm parsedMessage) {
	th, err := p.Tracking.GetThreadByGmailThreadID(ctx, account.UserID.String(), pm.threadID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("inbound: bounce thread-based lookup failed", "message_id", pm.id, "error", err.Error())
			return
		}
		th = p.findThreadByReferences(ctx, account, pm)
		if th == nil {
			return
		}
	}

	inserted, err := p.Tracking.AppendEvent(ctx, domain.EmailEvent{
		SequenceID:     th.SequenceID,
		ContactID:      th.ContactID,
		EventType:      domain.EventBounce,
		GmailMessageID: pm.id,
		OccurredAt:     p.now(),
	})
	if err != nil {
		logger.Warn("inbound: append bounce event failed", "message_id", pm.id, "error", err.Error())
		return
	}
	if !inserted {
		return
	}
	p.markContactStatus(ctx, th.SequenceID, th.ContactID, domain.StatusBounced)

	if p.Limiter != nil {
		if err := p.Limiter.RecordBounce(ctx, account.UserID.String(), th.SequenceID.String(), th.ContactID.String()); err != nil {
			logger.Warn("inbound: start bounce cooldown failed", "message_id", pm.id, "error", err.Error())
		}
	}
}

func (p *EventProcessor) findThreadByReferences(ctx context.Context, account *domain.GmailAccount, pm parsedMessage) *domain.EmailThread {
	for _, ref := range referencedMessageIDs(pm) {
		th, err := p.Tracking.GetThreadByMessageID(ctx, account.UserID.String(), ref)
		if err == nil {
			return th
		}
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("inbound: reference-based thread lookup failed", "message_id", pm.id, "ref", ref, "error", err.Error())
		}
	}
	return nil
}

// markContactStatus applies spec §4.8's guarded status transition: a
// contact already completed, replied, or opted out is never moved
// backwards by a later-arriving classification. The write itself goes
// through AdvanceIfUnchanged so it also loses gracefully to a
// concurrently racing sweeper/processor update of the same row.
func (p *EventProcessor) markContactStatus(ctx context.Context, sequenceID, contactID uuid.UUID, newStatus domain.ContactStatus) {
	sc, err := p.Contacts.Get(ctx, sequenceID, contactID)
	if err != nil {
		logger.Warn("inbound: load contact for status transition failed", "sequence_id", sequenceID, "contact_id", contactID, "error", err.Error())
		return
	}
	if blockedStatusTransitions[sc.Status] {
		return
	}
	updated := *sc
	updated.Status = newStatus
	// Null out next_scheduled_at so the row stops coming back due on the
	// sweeper's next tick: ListDue only excludes completed/opted_out, and
	// without this a replied/bounced contact with a past schedule would be
	// re-admitted and the following step enqueued anyway.
	updated.NextScheduledAt = nil
	if _, err := p.Contacts.AdvanceIfUnchanged(ctx, updated, sc.CurrentStep, sc.NextScheduledAt); err != nil {
		logger.Warn("inbound: status transition failed", "sequence_id", sequenceID, "contact_id", contactID, "error", err.Error())
	}
}

func (p *EventProcessor) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}
