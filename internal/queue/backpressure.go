package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/outreach-hq/sequencer/internal/pkg/logger"
)

// BackpressureMonitor watches the depth of email_jobs and signals when
// the sweeper should stop enqueueing new sends because Gmail delivery
// (or the send worker pool) has fallen behind. Adapted from the
// teacher's BackpressureMonitor in internal/worker/backpressure.go,
// dropping its v1/v2-table migration probe since this schema has a
// single email_jobs table.
type BackpressureMonitor struct {
	db            *sql.DB
	maxQueueDepth int64
	checkInterval time.Duration
	paused        bool
	mu            sync.RWMutex
}

// NewBackpressureMonitor creates a monitor that pauses enqueueing once
// email_jobs depth reaches maxDepth (default 100,000) and resumes once
// it drains to half that, matching the teacher's hysteresis band.
func NewBackpressureMonitor(db *sql.DB, maxDepth int64) *BackpressureMonitor {
	if maxDepth <= 0 {
		maxDepth = 100000
	}
	return &BackpressureMonitor{
		db:            db,
		maxQueueDepth: maxDepth,
		checkInterval: 30 * time.Second,
	}
}

// Start runs the periodic depth-check loop until ctx is cancelled.
func (bp *BackpressureMonitor) Start(ctx context.Context) {
	bp.check(ctx)

	ticker := time.NewTicker(bp.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.check(ctx)
		}
	}
}

func (bp *BackpressureMonitor) check(ctx context.Context) {
	depth, err := bp.queryDepth(ctx)
	if err != nil {
		logger.Warn("backpressure check failed", "error", err.Error())
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	wasPaused := bp.paused
	if depth >= bp.maxQueueDepth {
		bp.paused = true
		if !wasPaused {
			logger.Warn("backpressure engaged", "depth", depth, "threshold", bp.maxQueueDepth)
		}
	} else if depth < bp.maxQueueDepth/2 {
		bp.paused = false
		if wasPaused {
			logger.Info("backpressure cleared", "depth", depth, "resume_threshold", bp.maxQueueDepth/2)
		}
	}
}

func (bp *BackpressureMonitor) queryDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := bp.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_jobs WHERE status IN ('queued', 'sending')
	`).Scan(&depth)
	return depth, err
}

// IsPaused reports whether enqueue operations should be deferred.
func (bp *BackpressureMonitor) IsPaused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}

// QueueDepth returns the current email_jobs depth, for health checks.
func (bp *BackpressureMonitor) QueueDepth() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	depth, err := bp.queryDepth(ctx)
	if err != nil {
		return -1
	}
	return depth
}
