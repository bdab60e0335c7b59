package processor

import (
	"context"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"brewlab/internal/channel"
)

// RunnerOptions tunes the partition workers.
type RunnerOptions struct {
	// IdleWait is the pause after an empty fetch.
	IdleWait     time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Runner drives one sequential worker per partition.
type Runner struct {
	consumer channel.Consumer
	proc     *Processor
	opts     RunnerOptions
}

// NewRunner creates a Runner.
func NewRunner(consumer channel.Consumer, proc *Processor, opts RunnerOptions) *Runner {
	if opts.IdleWait <= 0 {
		opts.IdleWait = 250 * time.Millisecond
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 250 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	return &Runner{consumer: consumer, proc: proc, opts: opts}
}

// Run blocks until ctx is cancelled. An event already being handled is
// finished first.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < r.consumer.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			r.runPartition(gctx, partition)
			return nil
		})
	}
	log.WithField("partitions", r.consumer.Partitions()).Info("event processor started")
	err := g.Wait()
	log.Info("event processor stopped")
	return err
}

func (r *Runner) runPartition(ctx context.Context, partition int) {
	entry := log.WithField("partition", partition)
	attempt := 0
	for ctx.Err() == nil {
		deliveries, err := r.consumer.Fetch(ctx, partition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			entry.WithError(err).WithField("attempt", attempt).Warn("fetch failed")
			sleep(ctx, exponentialBackoff(attempt, r.opts.RetryInitial, r.opts.RetryMax))
			continue
		}
		if len(deliveries) == 0 {
			sleep(ctx, r.opts.IdleWait)
			continue
		}
		if r.drain(ctx, deliveries) {
			attempt = 0
			continue
		}
		attempt++
		sleep(ctx, exponentialBackoff(attempt, r.opts.RetryInitial, r.opts.RetryMax))
	}
}

// drain handles deliveries in order and stops at the first one left
// unacknowledged, so later events of the same entity wait for redelivery.
func (r *Runner) drain(ctx context.Context, deliveries []channel.Delivery) bool {
	for _, d := range deliveries {
		if !r.proc.Deliver(ctx, d) {
			return false
		}
		if ctx.Err() != nil {
			return true
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
