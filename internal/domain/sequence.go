// Package domain holds the core entities of the sequence automation engine:
// Sequence, SequenceStep, Contact, SequenceContact, BusinessHours,
// EmailTracking, TrackedLink, LinkClick, EmailEvent, EmailThread,
// SequenceStats and SequenceHealth.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SequenceStatus is the lifecycle state of a Sequence.
type SequenceStatus string

const (
	SequenceDraft  SequenceStatus = "draft"
	SequenceActive SequenceStatus = "active"
	SequencePaused SequenceStatus = "paused"
)

// StepType distinguishes an email step from a pure delay step.
type StepType string

const (
	StepManualEmail    StepType = "manual_email"
	StepAutomatedEmail StepType = "automated_email"
	StepWait           StepType = "wait"
)

// TimingMode controls whether an email step fires immediately or after a delay.
type TimingMode string

const (
	TimingImmediate TimingMode = "immediate"
	TimingDelay     TimingMode = "delay"
)

// DelayUnit is the unit of a step's configured delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// Sequence is an ordered outreach flow owned by a user.
type Sequence struct {
	ID            uuid.UUID
	OwnerUserID   uuid.UUID
	Name          string
	Status        SequenceStatus
	TestMode      bool           // when true, every send is redirected to a fixed test address
	BusinessHours *BusinessHours // nil means no business-hours gating
	Steps         []SequenceStep // ordered by Order, ascending
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SequenceStep is one stage of a Sequence: an email (immediate or delayed)
// or a pure wait. Order is 0-based and must be strictly monotonic within
// a sequence.
type SequenceStep struct {
	ID             uuid.UUID
	SequenceID     uuid.UUID
	Order          int
	StepType       StepType
	Timing         TimingMode
	DelayAmount    *int
	DelayUnit      *DelayUnit
	Subject        string
	HTMLContent    string
	ReplyToThread  bool
	PreviousStepID *uuid.UUID
}

// Contact is a recipient owned by a user. Email is globally unique in the store.
type Contact struct {
	ID          uuid.UUID
	OwnerUserID uuid.UUID
	Email       string
	Company     string
}

// ContactStatus tracks a SequenceContact's progress through a Sequence.
type ContactStatus string

const (
	StatusNotSent   ContactStatus = "not_sent"
	StatusPending   ContactStatus = "pending"
	StatusScheduled ContactStatus = "scheduled"
	StatusSent      ContactStatus = "sent"
	StatusReplied   ContactStatus = "replied"
	StatusBounced   ContactStatus = "bounced"
	StatusCompleted ContactStatus = "completed"
	StatusOptedOut  ContactStatus = "opted_out"
	StatusFailed    ContactStatus = "failed"
)

// TerminalStatuses are the states the sweeper never advances past.
var TerminalStatuses = map[ContactStatus]bool{
	StatusCompleted: true,
	StatusOptedOut:  true,
}

// SequenceContact is the per-(sequence, contact) progress row. Unique on
// (SequenceID, ContactID). CurrentStep is the 0-based index of the next
// step to send; when it equals len(steps) the row is due for completion.
type SequenceContact struct {
	SequenceID      uuid.UUID
	ContactID       uuid.UUID
	Status          ContactStatus
	CurrentStep     int
	NextScheduledAt *time.Time
	ThreadID        string
	StartedAt       *time.Time
	LastProcessedAt *time.Time
	CompletedAt     *time.Time
}

// IsActive reports whether the row should still be processed by the
// sequence processor and sweeper (not completed, not opted out).
func (sc *SequenceContact) IsActive() bool {
	return !TerminalStatuses[sc.Status]
}
