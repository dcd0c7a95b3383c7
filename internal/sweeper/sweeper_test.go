package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/queue"
	"github.com/outreach-hq/sequencer/internal/ratelimit"
	"github.com/outreach-hq/sequencer/internal/store"
)

type fakeSequenceStore struct {
	seq *domain.Sequence
}

func (f *fakeSequenceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Sequence, error) {
	return f.seq, nil
}
func (f *fakeSequenceStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.SequenceStatus) error {
	f.seq.Status = status
	return nil
}
func (f *fakeSequenceStore) SetTestMode(ctx context.Context, id uuid.UUID, testMode bool) error {
	f.seq.TestMode = testMode
	return nil
}
func (f *fakeSequenceStore) ResetProgress(ctx context.Context, id uuid.UUID) error { return nil }

type fakePeopleStore struct{}

func (f *fakePeopleStore) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	return &domain.Contact{ID: id, Email: "prospect@example.com"}, nil
}
func (f *fakePeopleStore) GetByEmail(ctx context.Context, ownerUserID uuid.UUID, email string) (*domain.Contact, error) {
	return nil, domain.ErrNotFound
}

var _ store.ContactStore = (*fakePeopleStore)(nil)

type fakeContactStore struct {
	due     []domain.SequenceContact
	advance []domain.SequenceContact
}

func (f *fakeContactStore) ListActive(ctx context.Context, sequenceID uuid.UUID) ([]domain.SequenceContact, error) {
	return nil, nil
}
func (f *fakeContactStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.SequenceContact, error) {
	return f.due, nil
}
func (f *fakeContactStore) Get(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.SequenceContact, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeContactStore) AdvanceIfUnchanged(ctx context.Context, sc domain.SequenceContact, expectedStep int, expectedNext *time.Time) (bool, error) {
	f.advance = append(f.advance, sc)
	return true, nil
}
func (f *fakeContactStore) Upsert(ctx context.Context, sc domain.SequenceContact) error { return nil }
func (f *fakeContactStore) CountScheduledInMinute(ctx context.Context, minute time.Time) (int, error) {
	return 0, nil
}
func (f *fakeContactStore) CountScheduledInHour(ctx context.Context, hour time.Time) (int, error) {
	return 0, nil
}

var _ store.SequenceStore = (*fakeSequenceStore)(nil)
var _ store.SequenceContactStore = (*fakeContactStore)(nil)

func newTestLimiter(t *testing.T) (*ratelimit.Limiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return ratelimit.New(client, ratelimit.DefaultCaps), func() {
		client.Close()
		mr.Close()
	}
}

func newTestSweeper(t *testing.T, seq *domain.Sequence, contacts *fakeContactStore) (*Sweeper, func()) {
	t.Helper()
	limiter, limCleanup := newTestLimiter(t)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	mock.ExpectQuery("pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	emailDB, emailMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	emailMock.ExpectExec("INSERT INTO email_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	sw := New(&fakeSequenceStore{seq: seq}, contacts, &fakePeopleStore{}, queue.NewEmailQueue(emailDB, "test-sweeper"), limiter, db)
	sw.Clock = func() time.Time { return time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC) }

	return sw, func() {
		limCleanup()
		db.Close()
		emailDB.Close()
	}
}

func TestSweeper_Tick_AdvancesDueContactToNextStep(t *testing.T) {
	seqID, contactID, step0, step1 := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	seq := &domain.Sequence{
		ID: seqID, Status: domain.SequenceActive,
		Steps: []domain.SequenceStep{
			{ID: step0, SequenceID: seqID, Order: 0, StepType: domain.StepManualEmail, Timing: domain.TimingImmediate, Subject: "Intro"},
			{ID: step1, SequenceID: seqID, Order: 1, StepType: domain.StepWait, Timing: domain.TimingDelay},
		},
	}
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	contacts := &fakeContactStore{due: []domain.SequenceContact{
		{SequenceID: seqID, ContactID: contactID, Status: domain.StatusScheduled, CurrentStep: 0, NextScheduledAt: &now},
	}}

	sw, cleanup := newTestSweeper(t, seq, contacts)
	defer cleanup()

	sw.Tick(context.Background())

	if len(contacts.advance) != 1 {
		t.Fatalf("expected 1 AdvanceIfUnchanged call, got %d", len(contacts.advance))
	}
	got := contacts.advance[0]
	if got.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", got.CurrentStep)
	}
	if got.Status != domain.StatusScheduled {
		t.Errorf("Status = %q, want %q", got.Status, domain.StatusScheduled)
	}
}

func TestSweeper_Tick_FinalizesLastStep(t *testing.T) {
	seqID, contactID, step0 := uuid.New(), uuid.New(), uuid.New()
	seq := &domain.Sequence{
		ID: seqID, Status: domain.SequenceActive,
		Steps: []domain.SequenceStep{
			{ID: step0, SequenceID: seqID, Order: 0, StepType: domain.StepManualEmail, Timing: domain.TimingImmediate, Subject: "Last"},
		},
	}
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	contacts := &fakeContactStore{due: []domain.SequenceContact{
		{SequenceID: seqID, ContactID: contactID, Status: domain.StatusScheduled, CurrentStep: 0, NextScheduledAt: &now},
	}}

	sw, cleanup := newTestSweeper(t, seq, contacts)
	defer cleanup()

	sw.Tick(context.Background())

	if len(contacts.advance) != 1 {
		t.Fatalf("expected 1 AdvanceIfUnchanged call, got %d", len(contacts.advance))
	}
	got := contacts.advance[0]
	if got.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, domain.StatusCompleted)
	}
	if got.NextScheduledAt != nil {
		t.Error("NextScheduledAt should be nil once completed")
	}
}

func TestSweeper_Tick_ClearsScheduleForRepliedContactWithoutAdvancing(t *testing.T) {
	seqID, contactID, step0, step1 := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	seq := &domain.Sequence{
		ID: seqID, Status: domain.SequenceActive,
		Steps: []domain.SequenceStep{
			{ID: step0, SequenceID: seqID, Order: 0},
			{ID: step1, SequenceID: seqID, Order: 1},
		},
	}
	stalePast := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	contacts := &fakeContactStore{due: []domain.SequenceContact{
		{SequenceID: seqID, ContactID: contactID, Status: domain.StatusReplied, CurrentStep: 1, NextScheduledAt: &stalePast},
	}}

	sw, cleanup := newTestSweeper(t, seq, contacts)
	defer cleanup()

	sw.Tick(context.Background())

	if len(contacts.advance) != 1 {
		t.Fatalf("expected 1 AdvanceIfUnchanged call clearing the schedule, got %d", len(contacts.advance))
	}
	got := contacts.advance[0]
	if got.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want unchanged at 1 (no step should be enqueued)", got.CurrentStep)
	}
	if got.Status != domain.StatusReplied {
		t.Errorf("Status = %q, want unchanged at replied", got.Status)
	}
	if got.NextScheduledAt != nil {
		t.Error("expected NextScheduledAt to be cleared so the row stops coming back due")
	}
}

func TestSweeper_Tick_SkipsPausedSequence(t *testing.T) {
	seqID, contactID, step0 := uuid.New(), uuid.New(), uuid.New()
	seq := &domain.Sequence{
		ID: seqID, Status: domain.SequencePaused,
		Steps: []domain.SequenceStep{{ID: step0, SequenceID: seqID, Order: 0}},
	}
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	contacts := &fakeContactStore{due: []domain.SequenceContact{
		{SequenceID: seqID, ContactID: contactID, Status: domain.StatusScheduled, CurrentStep: 0, NextScheduledAt: &now},
	}}

	sw, cleanup := newTestSweeper(t, seq, contacts)
	defer cleanup()

	sw.Tick(context.Background())

	if len(contacts.advance) != 0 {
		t.Fatalf("expected paused sequence to be left untouched, got %d advance calls", len(contacts.advance))
	}
}
