// Package scheduler turns a sequence step's timing declaration into a
// concrete send instant, honoring business hours, holidays and the
// rate-window distribution rules of the sequencer. It is a pure function
// of its inputs plus an injectable PRNG, following the weekday-iteration
// style of the teacher's holiday calendar code.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/outreach-hq/sequencer/internal/domain"
)

const (
	defaultWaitMinutes  = 30
	defaultDelayMinutes = 30
	maxBusinessDayScans = 14
	maxRateRetries      = 5
	demoMaxDelay        = 8 * time.Hour

	MaxEmailsPerMinute  = 50
	DistributionWindow  = 15 // minutes
	MaxEmailsPerHour    = 1000

	fallbackDelay = time.Hour
)

// RateWindow answers how many sends are already scheduled around a
// candidate instant, so step 6 of the algorithm can detect a crowded
// minute or hour and redistribute. Implementations query the store.
type RateWindow interface {
	CountInMinute(ctx context.Context, minute time.Time) (int, error)
	CountInHour(ctx context.Context, hour time.Time) (int, error)
}

// Options carries the optional inputs to Next beyond (now, step).
type Options struct {
	BusinessHours *domain.BusinessHours
	RateWindow    RateWindow // nil disables the rate-window check
	DemoMode      bool       // business-hours adjustment skipped, delay capped
	Rand          *rand.Rand // nil uses a process-wide default
}

var processRand = rand.New(rand.NewSource(1))

func (o Options) rng() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return processRand
}

// Next computes the next eligible send instant for step, given now (UTC)
// and the supplied options. On any internal error it falls back to
// now+1h rather than propagating, per the scheduler's failure semantics.
func Next(ctx context.Context, now time.Time, step domain.SequenceStep, opts Options) time.Time {
	target, err := next(ctx, now, step, opts)
	if err != nil {
		return now.Add(fallbackDelay)
	}
	return target
}

func next(ctx context.Context, now time.Time, step domain.SequenceStep, opts Options) (time.Time, error) {
	base := baseDelay(step)
	if opts.DemoMode && base > demoMaxDelay {
		base = demoMaxDelay
	}
	target := now.UTC().Add(base)

	if opts.BusinessHours == nil || opts.DemoMode {
		return target, nil
	}

	target = adjustToBusinessHours(target, opts.BusinessHours, opts.rng())

	if opts.RateWindow != nil {
		var err error
		target, err = adjustForRateWindow(ctx, target, opts.BusinessHours, opts.RateWindow, opts.rng())
		if err != nil {
			return time.Time{}, err
		}
	}

	return target.UTC(), nil
}

// baseDelay implements algorithm step 1: derive a base delay in minutes
// from the step's declared timing.
func baseDelay(step domain.SequenceStep) time.Duration {
	switch step.StepType {
	case domain.StepWait:
		if step.DelayAmount != nil && step.DelayUnit != nil {
			return delayDuration(*step.DelayAmount, *step.DelayUnit)
		}
		return defaultWaitMinutes * time.Minute
	default: // manual_email / automated_email
		if step.Timing == domain.TimingImmediate {
			return 0
		}
		if step.Timing == domain.TimingDelay && step.DelayAmount != nil {
			unit := domain.DelayMinutes
			if step.DelayUnit != nil {
				unit = *step.DelayUnit
			}
			return delayDuration(*step.DelayAmount, unit)
		}
		return defaultDelayMinutes * time.Minute
	}
}

func delayDuration(amount int, unit domain.DelayUnit) time.Duration {
	switch unit {
	case domain.DelayHours:
		return time.Duration(amount) * time.Hour
	case domain.DelayDays:
		return time.Duration(amount) * 24 * time.Hour
	default:
		return time.Duration(amount) * time.Minute
	}
}

// adjustToBusinessHours implements algorithm step 4-5: a target already
// inside business hours is returned as is; otherwise it is pushed into
// the next valid business window and given intraday jitter so sends
// don't burst exactly at open time.
func adjustToBusinessHours(target time.Time, bh *domain.BusinessHours, rng *rand.Rand) time.Time {
	loc := bh.LocationOrUTC()
	local := target.In(loc)

	for i := 0; i < maxBusinessDayScans; i++ {
		if bh.Contains(local) {
			if i == 0 {
				return local
			}
			return distributeIntraday(local, bh, rng)
		}
		local = nextBusinessDayStart(local, bh)
	}
	return distributeIntraday(local, bh, rng)
}

// nextBusinessDayStart advances to workHoursStart of the next calendar
// day, then keeps advancing a day at a time while the resulting day is
// not a configured work day or is a holiday.
func nextBusinessDayStart(t time.Time, bh *domain.BusinessHours) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), bh.StartHour, 0, 0, 0, t.Location())
	if !d.After(t) {
		d = d.AddDate(0, 0, 1)
	}
	for i := 0; i < 7; i++ {
		if bh.IsWeekdayAllowed(d.Weekday()) && !bh.IsHoliday(d) {
			return d
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// distributeIntraday picks a uniform-random minute offset inside the
// business-day window so a burst of sequences doesn't all fire at
// exactly workHoursStart.
func distributeIntraday(local time.Time, bh *domain.BusinessHours, rng *rand.Rand) time.Time {
	windowMinutes := (bh.EndHour - bh.StartHour) * 60
	if windowMinutes <= 0 {
		return local
	}
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), bh.StartHour, 0, 0, 0, local.Location())
	offset := rng.Intn(windowMinutes)
	return dayStart.Add(time.Duration(offset) * time.Minute)
}

// adjustForRateWindow implements algorithm step 6: detect a crowded
// minute/hour around target and jitter forward, re-validating business
// hours each retry.
func adjustForRateWindow(ctx context.Context, target time.Time, bh *domain.BusinessHours, rw RateWindow, rng *rand.Rand) (time.Time, error) {
	for attempt := 0; attempt < maxRateRetries; attempt++ {
		minuteCount, err := rw.CountInMinute(ctx, target.Truncate(time.Minute))
		if err != nil {
			return time.Time{}, err
		}
		hourCount, err := rw.CountInHour(ctx, target.Truncate(time.Hour))
		if err != nil {
			return time.Time{}, err
		}

		crowded := false
		if hourCount >= MaxEmailsPerHour {
			target = target.Truncate(time.Hour).Add(time.Hour).Add(time.Duration(rng.Intn(60)) * time.Minute)
			crowded = true
		} else if minuteCount >= MaxEmailsPerMinute {
			target = target.Add(time.Duration(rng.Intn(DistributionWindow)) * time.Minute)
			crowded = true
		}

		if !crowded {
			return target, nil
		}
		target = adjustToBusinessHours(target, bh, rng)
	}
	return target, nil
}
