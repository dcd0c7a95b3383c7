// Package sequenceproc is the sequence processor (launch path) of
// spec §4.3: given a sequence job, it fans out to every active
// SequenceContact, computes each one's next send instant, enqueues an
// email job, and advances SequenceContact progress. Grounded on the
// teacher's internal/automation/engine.go FlowEngine.Trigger /
// advanceExecution, generalized from a single hard-coded email step
// type to the full Sequence/SequenceStep model and moved off Execution
// polling onto the explicit SequenceContact.nextScheduledAt the
// sweeper (internal/sweeper) reads.
package sequenceproc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/queue"
	"github.com/outreach-hq/sequencer/internal/ratelimit"
	"github.com/outreach-hq/sequencer/internal/scheduler"
	"github.com/outreach-hq/sequencer/internal/store"
)

// interContactDelay smooths a burst of scheduling decisions for a
// single sequence launch, per spec §4.3 step 4's "sleep 1s between
// contacts".
const interContactDelay = time.Second

// Processor implements the REDESIGN FLAG #2 Handler shape: a plain
// struct with an explicit Process method rather than a BaseProcessor
// that sequence/email/contact processors would otherwise inherit from.
type Processor struct {
	Sequences store.SequenceStore
	Contacts  store.SequenceContactStore
	People    store.ContactStore
	Limiter   *ratelimit.Limiter
	Emails    *queue.EmailQueue
	Clock     func() time.Time
}

// New builds a Processor with a real wall clock.
func New(sequences store.SequenceStore, contacts store.SequenceContactStore, people store.ContactStore, limiter *ratelimit.Limiter, emails *queue.EmailQueue) *Processor {
	return &Processor{Sequences: sequences, Contacts: contacts, People: people, Limiter: limiter, Emails: emails, Clock: time.Now}
}

// Process implements spec §4.3 for one sequence-job.
func (p *Processor) Process(ctx context.Context, userID, sequenceID uuid.UUID) error {
	seqIDStr := sequenceID.String()
	decision, err := p.Limiter.Check(ctx, userID.String(), &seqIDStr, nil)
	if err != nil {
		return fmt.Errorf("sequenceproc: rate limit check: %w", err)
	}
	if !decision.Allowed {
		logger.Info("sequence processor deferred by rate limit", "sequence_id", seqIDStr, "reason", decision.Reason)
		return nil
	}

	seq, err := p.Sequences.Get(ctx, sequenceID)
	if err != nil {
		return fmt.Errorf("sequenceproc: load sequence: %w", err)
	}
	if seq.Status != domain.SequenceActive {
		return domain.ErrSequenceNotActive
	}
	if len(seq.Steps) == 0 {
		return domain.ErrNoSteps
	}

	contacts, err := p.Contacts.ListActive(ctx, sequenceID)
	if err != nil {
		return fmt.Errorf("sequenceproc: load active contacts: %w", err)
	}

	for i, sc := range contacts {
		if err := p.processContact(ctx, userID, seq, sc); err != nil {
			logger.Warn("sequence processor: contact failed, continuing", "sequence_id", seqIDStr, "contact_id", sc.ContactID.String(), "error", err.Error())
		}
		if i < len(contacts)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interContactDelay):
			}
		}
	}
	return nil
}

func (p *Processor) processContact(ctx context.Context, userID uuid.UUID, seq *domain.Sequence, sc domain.SequenceContact) error {
	contactIDStr := sc.ContactID.String()
	seqIDStr := seq.ID.String()

	decision, err := p.Limiter.Check(ctx, userID.String(), &seqIDStr, &contactIDStr)
	if err != nil {
		return fmt.Errorf("per-contact rate check: %w", err)
	}
	if !decision.Allowed {
		return nil // skip, per spec §4.3 step 4
	}

	if sc.CurrentStep >= len(seq.Steps) {
		sc.Status = domain.StatusCompleted
		now := p.Clock().UTC()
		sc.CompletedAt = &now
		sc.NextScheduledAt = nil
		return p.Contacts.Upsert(ctx, sc)
	}

	step := seq.Steps[sc.CurrentStep]
	subject := step.Subject
	if step.ReplyToThread && sc.CurrentStep > 0 {
		subject = "Re: " + seq.Steps[sc.CurrentStep-1].Subject
	}

	contact, err := p.People.Get(ctx, sc.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}

	now := p.Clock().UTC()
	sendTime := scheduler.Next(ctx, now, step, scheduler.Options{
		BusinessHours: seq.BusinessHours,
		RateWindow:    rateWindowAdapter{p.Contacts},
	})

	job := queue.EmailJob{
		ID:            uuid.New(),
		SequenceID:    seq.ID,
		ContactID:     sc.ContactID,
		StepID:        step.ID,
		UserID:        userID,
		To:            contact.Email,
		Subject:       subject,
		ThreadID:      sc.ThreadID,
		ScheduledTime: sendTime,
		TestMode:      seq.TestMode,
		Priority:      1,
	}
	if err := p.Emails.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue email job: %w", err)
	}

	sc.CurrentStep++
	sc.NextScheduledAt = &sendTime
	sc.LastProcessedAt = &now
	sc.Status = domain.StatusScheduled
	if err := p.Contacts.Upsert(ctx, sc); err != nil {
		return fmt.Errorf("upsert sequence contact: %w", err)
	}

	return p.Limiter.Increment(ctx, userID.String(), &seqIDStr, &contactIDStr)
}

// rateWindowAdapter bridges store.SequenceContactStore's count methods
// to scheduler.RateWindow without the scheduler package depending on
// the store package.
type rateWindowAdapter struct {
	contacts store.SequenceContactStore
}

func (a rateWindowAdapter) CountInMinute(ctx context.Context, minute time.Time) (int, error) {
	return a.contacts.CountScheduledInMinute(ctx, minute)
}

func (a rateWindowAdapter) CountInHour(ctx context.Context, hour time.Time) (int, error) {
	return a.contacts.CountScheduledInHour(ctx, hour)
}
