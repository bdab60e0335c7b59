// Package publisher hands domain events to the channel. Publishing is best
// effort: a failure is reported and counted but never rolled back.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/channel"
	"brewlab/internal/domain"
)

// Options tunes the publisher.
type Options struct {
	Timeout time.Duration
}

// Stats reports publish outcomes since start.
type Stats struct {
	Published   uint64    `json:"published"`
	Failed      uint64    `json:"failed"`
	Rejected    uint64    `json:"rejected"`
	LastError   string    `json:"lastError,omitempty"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Publisher sends events keyed by entity id.
type Publisher struct {
	producer channel.Producer
	timeout  time.Duration
	now      func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	mu          sync.Mutex
	lastErr     string
	lastFailure time.Time

	inflight sync.WaitGroup
}

// New creates a Publisher. A zero timeout defaults to five seconds.
func New(producer channel.Producer, opts Options) *Publisher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Publisher{producer: producer, timeout: opts.Timeout, now: time.Now}
}

// Prepare fills in the event id and occurrence time when absent and
// validates the result.
func (p *Publisher) Prepare(ev domain.Event) (domain.Event, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = domain.At(p.now())
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

// Publish sends ev and returns where it was stored. Channel failures wrap
// domain.ErrPublishUnavailable; the caller is expected to log and go on.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) (channel.Receipt, error) {
	ev, err := p.Prepare(ev)
	if err != nil {
		p.rejected.Add(1)
		return channel.Receipt{}, err
	}
	payload, err := domain.EncodeEvent(ev)
	if err != nil {
		p.rejected.Add(1)
		return channel.Receipt{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	fields := log.Fields{
		"event_id":   ev.EventID,
		"experiment": ev.EntityID,
		"event_type": ev.Kind,
	}
	receipt, err := p.producer.Send(ctx, ev.EntityID, payload)
	if err != nil {
		p.recordFailure(err)
		log.WithFields(fields).WithError(err).Error("publish failed, event dropped")
		return channel.Receipt{}, fmt.Errorf("%w: %v", domain.ErrPublishUnavailable, err)
	}
	p.published.Add(1)
	fields["partition"] = receipt.Partition
	fields["offset"] = receipt.Offset
	log.WithFields(fields).Debug("event published")
	return receipt, nil
}

// PublishAsync publishes in the background and reports the outcome to done,
// which may be nil.
func (p *Publisher) PublishAsync(ev domain.Event, done func(channel.Receipt, error)) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		receipt, err := p.Publish(context.Background(), ev)
		if done != nil {
			done(receipt, err)
		}
	}()
}

// Wait blocks until every PublishAsync call has completed.
func (p *Publisher) Wait() {
	p.inflight.Wait()
}

func (p *Publisher) recordFailure(err error) {
	p.failed.Add(1)
	p.mu.Lock()
	p.lastErr = err.Error()
	p.lastFailure = p.now().UTC()
	p.mu.Unlock()
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Published:   p.published.Load(),
		Failed:      p.failed.Load(),
		Rejected:    p.rejected.Load(),
		LastError:   p.lastErr,
		LastFailure: p.lastFailure,
	}
}
