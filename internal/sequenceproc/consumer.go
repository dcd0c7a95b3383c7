package sequenceproc

import (
	"context"
	"sync"
	"time"

	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/queue"
)

// consumerPollInterval is how often an idle Consumer checks sequence_jobs
// for new work; it is much shorter than the sweeper's 30s tick.
const consumerPollInterval = 2 * time.Second

// Consumer drains the sequence_jobs queue one row at a time and hands
// each off to a Processor, following the same Start/Stop poll-loop
// shape as internal/sweeper.Sweeper.
type Consumer struct {
	Processor *Processor
	Jobs      *queue.SequenceQueue

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer builds a Consumer.
func NewConsumer(processor *Processor, jobs *queue.SequenceQueue) *Consumer {
	return &Consumer{Processor: processor, Jobs: jobs}
}

// Start begins the poll loop until ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(loopCtx)
	}()
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	ticker := time.NewTicker(consumerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for c.claimAndProcess(ctx) {
				// drain every job currently due before waiting for the next tick
			}
		}
	}
}

// claimAndProcess claims at most one sequence job and processes it,
// reporting whether a job was found so the loop can keep draining.
func (c *Consumer) claimAndProcess(ctx context.Context) bool {
	job, err := c.Jobs.ClaimOne(ctx)
	if err != nil {
		logger.Error("sequenceproc consumer: claim failed", "error", err.Error())
		return false
	}
	if job == nil {
		return false
	}

	seq, err := c.Processor.Sequences.Get(ctx, job.SequenceID)
	if err != nil {
		logger.Error("sequenceproc consumer: load sequence failed", "sequence_id", job.SequenceID.String(), "error", err.Error())
		_ = c.Jobs.MarkFailed(ctx, job.ID)
		return true
	}

	if err := c.Processor.Process(ctx, seq.OwnerUserID, job.SequenceID); err != nil {
		logger.Error("sequenceproc consumer: process failed", "sequence_id", job.SequenceID.String(), "error", err.Error())
		_ = c.Jobs.MarkFailed(ctx, job.ID)
		return true
	}

	if err := c.Jobs.MarkDone(ctx, job.ID); err != nil {
		logger.Error("sequenceproc consumer: mark done failed", "sequence_id", job.SequenceID.String(), "error", err.Error())
	}
	return true
}
