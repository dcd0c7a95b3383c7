// Package sweeper implements the schedule sweeper of spec §4.4: a
// periodic loop that finds SequenceContact rows whose nextScheduledAt
// has arrived, advances their step with a CAS write so two sweeper
// instances never double-advance the same row, and hands off an email
// job for the step that just came due. Grounded on the teacher's
// internal/worker/campaign_scheduler.go poll loop and its
// distlock-guarded per-row claim.
package sweeper

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/pkg/distlock"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/queue"
	"github.com/outreach-hq/sequencer/internal/ratelimit"
	"github.com/outreach-hq/sequencer/internal/scheduler"
	"github.com/outreach-hq/sequencer/internal/store"
)

// pollInterval matches spec §4.4's "~30s tick".
const pollInterval = 30 * time.Second

// retryDelay is how far a row whose tick raised an exception is pushed
// out without advancing currentStep, per spec §4.4.
const retryDelay = 5 * time.Minute

// batchSize bounds how many due rows one tick claims; it is larger than
// the teacher's LIMIT 10 in processReadyCampaigns.
const batchSize = 200

// rowLockTTL is how long one row's distributed lock is held while the
// sweeper works it, long enough to survive a slow Gmail round trip.
const rowLockTTL = 2 * time.Minute

// nonAdvanceableStatuses are SequenceContact states a reply, bounce, or
// send failure has already moved past; ListDue only filters out
// completed/opted_out, so these three are caught here instead.
var nonAdvanceableStatuses = map[domain.ContactStatus]bool{
	domain.StatusReplied: true,
	domain.StatusBounced: true,
	domain.StatusFailed:  true,
}

// Sweeper ticks over due SequenceContact rows and advances them.
type Sweeper struct {
	Sequences store.SequenceStore
	Contacts  store.SequenceContactStore
	People    store.ContactStore
	Emails    *queue.EmailQueue
	Limiter   *ratelimit.Limiter

	lockDB      *sql.DB       // backs the Postgres advisory-lock fallback
	redisClient *redis.Client // optional; when set, row locks use Redis instead

	Clock func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	seqCache map[uuid.UUID]*domain.Sequence
}

// New builds a Sweeper. lockDB backs the per-row distributed lock that
// keeps two sweeper instances from racing to advance the same contact
// (belt-and-suspenders over AdvanceIfUnchanged's CAS, matching the
// teacher's distlock-around-processCampaign idiom).
func New(sequences store.SequenceStore, contacts store.SequenceContactStore, people store.ContactStore, emails *queue.EmailQueue, limiter *ratelimit.Limiter, lockDB *sql.DB) *Sweeper {
	return &Sweeper{
		Sequences: sequences,
		Contacts:  contacts,
		People:    people,
		Emails:    emails,
		Limiter:   limiter,
		lockDB:    lockDB,
		Clock:     time.Now,
		seqCache:  make(map[uuid.UUID]*domain.Sequence),
	}
}

// SetRedisClient enables Redis-backed row locking instead of the
// Postgres advisory-lock fallback, matching the teacher's
// CampaignScheduler.SetRedisClient toggle.
func (s *Sweeper) SetRedisClient(client *redis.Client) {
	s.redisClient = client
}

// Start begins the poll loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(loopCtx)
	}()
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep: find due rows and advance each independently.
func (s *Sweeper) Tick(ctx context.Context) {
	// Drop the per-tick sequence cache so a pause/resume that happened
	// since the last tick is picked up rather than served stale.
	s.seqCache = make(map[uuid.UUID]*domain.Sequence)

	now := s.Clock().UTC()
	due, err := s.Contacts.ListDue(ctx, now, batchSize)
	if err != nil {
		logger.Warn("sweeper: list due failed", "error", err.Error())
		return
	}
	for _, sc := range due {
		s.advanceOne(ctx, sc)
	}
}

func (s *Sweeper) advanceOne(ctx context.Context, sc domain.SequenceContact) {
	lockKey := fmt.Sprintf("sequence-contact:%s:%s", sc.SequenceID, sc.ContactID)
	lock := distlock.NewLock(s.redisClient, s.lockDB, lockKey, rowLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.Warn("sweeper: lock acquire failed, will retry next tick", "contact_id", sc.ContactID.String(), "error", err.Error())
		return
	}
	if !acquired {
		// Another sweeper instance already holds this row.
		return
	}
	defer lock.Release(ctx)

	// A reply/bounce/failure classification that raced this row between
	// ListDue and the lock acquire (or one that landed before the
	// next_scheduled_at-clearing fix existed) must never be advanced: it
	// would enqueue the following step for a contact spec §4.8 says is done.
	// Clear the stale schedule so it stops coming back due at all.
	if nonAdvanceableStatuses[sc.Status] {
		s.clearSchedule(ctx, sc)
		return
	}

	seq, err := s.loadSequence(ctx, sc.SequenceID)
	if err != nil {
		logger.Warn("sweeper: load sequence failed, will retry", "sequence_id", sc.SequenceID.String(), "error", err.Error())
		s.pushBack(ctx, sc)
		return
	}
	if seq.Status != domain.SequenceActive {
		return
	}

	// The step the row is currently sitting on may have been deleted by
	// the user after it was scheduled; treat that as "nothing left to
	// send" and finalize instead of panicking on an out-of-range index.
	if sc.CurrentStep < 0 || sc.CurrentStep >= len(seq.Steps) {
		s.finalize(ctx, sc)
		return
	}

	userIDStr := seq.OwnerUserID.String()
	seqIDStr := seq.ID.String()
	contactIDStr := sc.ContactID.String()
	decision, err := s.Limiter.Check(ctx, userIDStr, &seqIDStr, &contactIDStr)
	if err != nil {
		logger.Warn("sweeper: rate check failed, will retry", "contact_id", contactIDStr, "error", err.Error())
		s.pushBack(ctx, sc)
		return
	}
	if !decision.Allowed {
		// Leave the row untouched; it stays due and is re-evaluated next tick.
		return
	}

	step := seq.Steps[sc.CurrentStep]
	expectedStep := sc.CurrentStep
	expectedNext := sc.NextScheduledAt

	contact, err := s.People.Get(ctx, sc.ContactID)
	if err != nil {
		logger.Warn("sweeper: load contact failed, will retry", "contact_id", contactIDStr, "error", err.Error())
		s.pushBack(ctx, sc)
		return
	}

	subject := step.Subject
	if step.ReplyToThread && sc.CurrentStep > 0 {
		subject = "Re: " + seq.Steps[sc.CurrentStep-1].Subject
	}

	job := queue.EmailJob{
		ID:            uuid.New(),
		SequenceID:    seq.ID,
		ContactID:     sc.ContactID,
		StepID:        step.ID,
		UserID:        seq.OwnerUserID,
		To:            contact.Email,
		Subject:       subject,
		ThreadID:      sc.ThreadID,
		ScheduledTime: sc.NextScheduledAt.UTC(),
		TestMode:      seq.TestMode,
		Priority:      1,
	}
	if err := s.Emails.Enqueue(ctx, job); err != nil {
		logger.Warn("sweeper: enqueue email job failed, will retry", "contact_id", contactIDStr, "error", err.Error())
		s.pushBack(ctx, sc)
		return
	}

	nextStep := sc.CurrentStep + 1
	updated := sc
	updated.CurrentStep = nextStep
	now := s.Clock().UTC()
	updated.LastProcessedAt = &now

	if nextStep >= len(seq.Steps) {
		updated.Status = domain.StatusCompleted
		updated.CompletedAt = &now
		updated.NextScheduledAt = nil
	} else {
		next := scheduler.Next(ctx, now, seq.Steps[nextStep], scheduler.Options{
			BusinessHours: seq.BusinessHours,
			RateWindow:    rateWindowAdapter{s.Contacts},
		})
		updated.Status = domain.StatusScheduled
		updated.NextScheduledAt = &next
	}

	ok, err := s.Contacts.AdvanceIfUnchanged(ctx, updated, expectedStep, expectedNext)
	if err != nil {
		logger.Warn("sweeper: advance failed, will retry", "contact_id", contactIDStr, "error", err.Error())
		s.pushBack(ctx, sc)
		return
	}
	if !ok {
		// Another sweeper instance already advanced this row; nothing to do.
		return
	}

	if err := s.Limiter.Increment(ctx, userIDStr, &seqIDStr, &contactIDStr); err != nil {
		logger.Warn("sweeper: rate increment failed", "contact_id", contactIDStr, "error", err.Error())
	}
}

func (s *Sweeper) finalize(ctx context.Context, sc domain.SequenceContact) {
	now := s.Clock().UTC()
	updated := sc
	updated.Status = domain.StatusCompleted
	updated.CompletedAt = &now
	updated.NextScheduledAt = nil
	if _, err := s.Contacts.AdvanceIfUnchanged(ctx, updated, sc.CurrentStep, sc.NextScheduledAt); err != nil {
		logger.Warn("sweeper: finalize failed", "contact_id", sc.ContactID.String(), "error", err.Error())
	}
}

// pushBack implements spec §4.4's "retry delay of 5 minutes on
// exception without advancing currentStep": it only moves
// nextScheduledAt forward, leaving CurrentStep and Status untouched.
func (s *Sweeper) pushBack(ctx context.Context, sc domain.SequenceContact) {
	retryAt := s.Clock().UTC().Add(retryDelay)
	updated := sc
	updated.NextScheduledAt = &retryAt
	if _, err := s.Contacts.AdvanceIfUnchanged(ctx, updated, sc.CurrentStep, sc.NextScheduledAt); err != nil {
		logger.Warn("sweeper: push-back failed", "contact_id", sc.ContactID.String(), "error", err.Error())
	}
}

// clearSchedule nulls next_scheduled_at on a row whose status already
// says it's done, so a stale schedule left over from before a status
// transition stops bringing the row back due on every tick.
func (s *Sweeper) clearSchedule(ctx context.Context, sc domain.SequenceContact) {
	if sc.NextScheduledAt == nil {
		return
	}
	updated := sc
	updated.NextScheduledAt = nil
	if _, err := s.Contacts.AdvanceIfUnchanged(ctx, updated, sc.CurrentStep, sc.NextScheduledAt); err != nil {
		logger.Warn("sweeper: clear stale schedule failed", "contact_id", sc.ContactID.String(), "error", err.Error())
	}
}

func (s *Sweeper) loadSequence(ctx context.Context, id uuid.UUID) (*domain.Sequence, error) {
	// A short-lived cache keeps one tick from refetching the same
	// sequence for every one of its due contacts.
	if seq, ok := s.seqCache[id]; ok {
		return seq, nil
	}
	seq, err := s.Sequences.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load sequence %s: %w", id, err)
	}
	s.seqCache[id] = seq
	return seq, nil
}

type rateWindowAdapter struct {
	contacts store.SequenceContactStore
}

func (a rateWindowAdapter) CountInMinute(ctx context.Context, minute time.Time) (int, error) {
	return a.contacts.CountScheduledInMinute(ctx, minute)
}

func (a rateWindowAdapter) CountInHour(ctx context.Context, hour time.Time) (int, error) {
	return a.contacts.CountScheduledInHour(ctx, hour)
}
