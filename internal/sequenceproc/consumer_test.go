package sequenceproc

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/queue"
)

func TestConsumer_ClaimAndProcess_ProcessesAndMarksDone(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	userID, seqID, contactID, stepID, jobID := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{"id", "sequence_id", "attempts"}).AddRow(jobID, seqID, 0)
	mock.ExpectQuery("WITH claimed AS").WithArgs("test-worker").WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO email_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM sequence_jobs").WithArgs(jobID).WillReturnResult(sqlmock.NewResult(0, 1))

	seq := &domain.Sequence{
		ID: seqID, OwnerUserID: userID, Status: domain.SequenceActive,
		Steps: []domain.SequenceStep{
			{ID: stepID, SequenceID: seqID, Order: 0, StepType: domain.StepManualEmail, Timing: domain.TimingImmediate, Subject: "Hello"},
		},
	}
	seqStore := &fakeSequenceStore{seq: seq}
	contactStore := &fakeContactStore{contacts: []domain.SequenceContact{
		{SequenceID: seqID, ContactID: contactID, Status: domain.StatusNotSent, CurrentStep: 0},
	}}
	peopleStore := &fakePeopleStore{byID: map[uuid.UUID]domain.Contact{
		contactID: {ID: contactID, OwnerUserID: userID, Email: "prospect@example.com"},
	}}

	limiter, cleanup := newTestLimiter(t)
	defer cleanup()

	proc := New(seqStore, contactStore, peopleStore, limiter, queue.NewEmailQueue(db, "test-worker"))
	proc.Clock = func() time.Time { return time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC) } // a Monday

	jobs := queue.NewSequenceQueue(db, "test-worker")
	c := NewConsumer(proc, jobs)

	if ok := c.claimAndProcess(context.Background()); !ok {
		t.Fatal("claimAndProcess() = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
	if len(contactStore.upserts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(contactStore.upserts))
	}
}

func TestConsumer_ClaimAndProcess_NoJobReturnsFalse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("WITH claimed AS").WithArgs("test-worker").WillReturnError(sql.ErrNoRows)

	jobs := queue.NewSequenceQueue(db, "test-worker")
	c := NewConsumer(&Processor{}, jobs)

	if ok := c.claimAndProcess(context.Background()); ok {
		t.Fatal("claimAndProcess() = true, want false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestConsumer_ClaimAndProcess_ProcessFailureMarksJobFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	userID, seqID, jobID := uuid.New(), uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{"id", "sequence_id", "attempts"}).AddRow(jobID, seqID, 0)
	mock.ExpectQuery("WITH claimed AS").WithArgs("test-worker").WillReturnRows(rows)
	mock.ExpectQuery("UPDATE sequence_jobs").WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))

	seq := &domain.Sequence{ID: seqID, OwnerUserID: userID, Status: domain.SequencePaused, Steps: []domain.SequenceStep{{}}}
	seqStore := &fakeSequenceStore{seq: seq}
	contactStore := &fakeContactStore{}

	limiter, cleanup := newTestLimiter(t)
	defer cleanup()

	proc := New(seqStore, contactStore, &fakePeopleStore{}, limiter, queue.NewEmailQueue(nil, "test-worker"))
	jobs := queue.NewSequenceQueue(db, "test-worker")
	c := NewConsumer(proc, jobs)

	if ok := c.claimAndProcess(context.Background()); !ok {
		t.Fatal("claimAndProcess() = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestConsumer_StartStop_IsIdempotentAndClean(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	jobs := queue.NewSequenceQueue(db, "test-worker")
	c := NewConsumer(&Processor{}, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.Start(ctx) // second Start is a no-op while already running

	c.Stop()
	c.Stop() // second Stop is a no-op once stopped
	cancel()
}
