// Package processor applies consumed events to the search index and the
// counter store, acknowledging a delivery only once every write succeeded.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"brewlab/internal/channel"
	"brewlab/internal/domain"
	"brewlab/internal/index"
)

const (
	tracerName   = "brewlab/processor"
	spanName     = "brewlab.event.process"
	reconcileKey = "reconcile:"
)

// Counters is the part of the cache the processor writes to.
type Counters interface {
	ApplyCounters(ctx context.Context, key string, deltas []domain.Delta) (bool, error)
	// ApplyCountersOnce keeps its idempotency marker forever.
	ApplyCountersOnce(ctx context.Context, key string, deltas []domain.Delta) (bool, error)
	PushRecent(ctx context.Context, ev domain.Event) error
	RemoveRecent(ctx context.Context, entityID string) (int64, error)
}

// Options tunes the processor.
type Options struct {
	// EventTimeout bounds all store writes of one event.
	EventTimeout time.Duration
	AckTimeout   time.Duration
}

// Stats counts delivery outcomes since start.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Skipped   uint64 `json:"skipped"`
}

// Processor is safe for concurrent use by one worker per partition.
type Processor struct {
	index        index.Index
	counters     Counters
	eventTimeout time.Duration
	ackTimeout   time.Duration
	now          func() time.Time

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	skipped   atomic.Uint64
}

// New creates a Processor.
func New(idx index.Index, counters Counters, opts Options) *Processor {
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 30 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	return &Processor{
		index:        idx,
		counters:     counters,
		eventTimeout: opts.EventTimeout,
		ackTimeout:   opts.AckTimeout,
		now:          time.Now,
	}
}

func (p *Processor) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Skipped:   p.skipped.Load(),
	}
}

// Handle applies ev to the index and the counters. Every step is safe to
// repeat, so a failed event can simply be handled again. Store failures wrap
// domain.ErrProcessing.
func (p *Processor) Handle(ctx context.Context, ev domain.Event) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(
		attribute.String("brewlab.event.id", ev.EventID),
		attribute.String("brewlab.event.type", string(ev.Kind)),
		attribute.String("brewlab.experiment.id", ev.EntityID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if ev.EventID == "" {
		return fmt.Errorf("%w: missing eventId", domain.ErrMalformedEvent)
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Kind == domain.Deleted {
		return p.reconcile(ctx, ev)
	}
	return p.apply(ctx, ev)
}

func (p *Processor) apply(ctx context.Context, ev domain.Event) error {
	entry := log.WithFields(log.Fields{
		"event_id":   ev.EventID,
		"experiment": ev.EntityID,
		"event_type": ev.Kind,
	})
	tomb, err := p.index.Get(ctx, domain.TombstoneID(ev.EntityID))
	if err != nil {
		return fmt.Errorf("%w: tombstone lookup: %w", domain.ErrProcessing, err)
	}
	if tomb != nil {
		p.skipped.Add(1)
		entry.Info("experiment already deleted, skipping event")
		trace.SpanFromContext(ctx).AddEvent("skipped.tombstoned")
		return nil
	}

	if err := p.index.Upsert(ctx, domain.NewDocument(ev)); err != nil {
		return fmt.Errorf("%w: upsert document: %w", domain.ErrProcessing, err)
	}
	entry.Debug("document indexed")

	if ev.Kind == domain.Completed {
		applied, err := p.counters.ApplyCounters(ctx, ev.EventID, domain.CounterDeltas(ev.Attributes, 1))
		if err != nil {
			return fmt.Errorf("%w: apply counters: %w", domain.ErrProcessing, err)
		}
		entry.WithField("applied", applied).Debug("counters updated")
	}

	if err := p.counters.PushRecent(ctx, ev); err != nil {
		return fmt.Errorf("%w: push recent: %w", domain.ErrProcessing, err)
	}
	return nil
}

// reconcile handles a deletion. The tombstone is written before anything is
// removed and records the counter deltas it reverts, so a replay after a
// crash at any step finishes the same reconciliation.
func (p *Processor) reconcile(ctx context.Context, ev domain.Event) error {
	entry := log.WithFields(log.Fields{
		"event_id":   ev.EventID,
		"experiment": ev.EntityID,
		"event_type": ev.Kind,
	})
	tombID := domain.TombstoneID(ev.EntityID)
	existing, err := p.index.Get(ctx, tombID)
	if err != nil {
		return fmt.Errorf("%w: tombstone lookup: %w", domain.ErrProcessing, err)
	}
	docs, err := p.liveDocuments(ctx, ev.EntityID)
	if err != nil {
		return fmt.Errorf("%w: find documents: %w", domain.ErrProcessing, err)
	}
	var completed []domain.Document
	for _, d := range docs {
		if d.Kind == domain.Completed {
			completed = append(completed, d)
		}
	}

	deltas := []domain.Delta{}
	if existing != nil {
		deltas = existing.Reconciled
		entry.Info("tombstone already written, resuming reconciliation")
	} else {
		for _, d := range completed {
			deltas = domain.MergeDeltas(deltas, domain.CounterDeltas(d.Attributes, -1))
		}
		if len(completed) == 0 {
			entry.WithError(domain.ErrReconciliationNotFound).Info("writing tombstone without reconciliation")
		}
		tomb := domain.Document{
			ID:         tombID,
			EntityID:   ev.EntityID,
			Kind:       domain.Deleted,
			OccurredAt: ev.OccurredAt.UTC(),
			Attributes: lastKnown(docs).Overlay(ev.Attributes),
			Reconciled: deltas,
		}
		if err := p.index.Upsert(ctx, tomb); err != nil {
			return fmt.Errorf("%w: write tombstone: %w", domain.ErrProcessing, err)
		}
	}

	for _, d := range completed {
		if err := p.index.Delete(ctx, d.ID); err != nil {
			return fmt.Errorf("%w: delete document %s: %w", domain.ErrProcessing, d.ID, err)
		}
	}
	if len(deltas) > 0 {
		applied, err := p.counters.ApplyCountersOnce(ctx, reconcileKey+ev.EntityID, deltas)
		if err != nil {
			return fmt.Errorf("%w: revert counters: %w", domain.ErrProcessing, err)
		}
		entry.WithField("applied", applied).Debug("counters reverted")
	}
	removed, err := p.counters.RemoveRecent(ctx, ev.EntityID)
	if err != nil {
		return fmt.Errorf("%w: remove recent: %w", domain.ErrProcessing, err)
	}
	entry.WithFields(log.Fields{
		"completed_removed": len(completed),
		"recent_removed":    removed,
	}).Info("experiment deletion reconciled")
	return nil
}

// liveDocuments returns every non-tombstone document of an entity, newest
// first.
func (p *Processor) liveDocuments(ctx context.Context, entityID string) ([]domain.Document, error) {
	q := index.Query{
		Where: index.ByEntity(entityID, domain.Started, domain.Completed, domain.Updated, domain.Failed),
		Sort:  []index.Sort{{Field: index.FieldTimestamp, Desc: true}},
		Size:  index.MaxPageSize,
	}
	var out []domain.Document
	for {
		page, err := p.index.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Documents...)
		if len(page.Documents) == 0 || len(out) >= page.Total {
			return out, nil
		}
		q.Page++
	}
}

// lastKnown folds documents, oldest to newest, into the most recent view of
// the experiment's attributes.
func lastKnown(newestFirst []domain.Document) domain.Attributes {
	var attrs domain.Attributes
	for i := len(newestFirst) - 1; i >= 0; i-- {
		attrs = attrs.Overlay(newestFirst[i].Attributes)
	}
	return attrs
}

// Deliver decodes and handles one delivery and acknowledges it on success.
// Malformed payloads are acknowledged and dropped. It reports whether the
// delivery was acknowledged and never panics.
func (p *Processor) Deliver(ctx context.Context, d channel.Delivery) (acked bool) {
	receipt := d.Receipt()
	entry := log.WithFields(log.Fields{
		"partition": receipt.Partition,
		"offset":    receipt.Offset,
	})
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			entry.WithField("panic", r).Error("event handling panicked, leaving unacknowledged")
			acked = false
		}
	}()

	ev, err := domain.DecodeEvent(d.Payload())
	if err == nil {
		if ev.EventID == "" {
			ev.EventID = fmt.Sprintf("%d/%s", receipt.Partition, receipt.Offset)
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = domain.At(p.now())
			entry.WithField("event_id", ev.EventID).Warn("event without timestamp, using current time")
		}
		err = ev.Validate()
	}
	if err != nil {
		p.dropped.Add(1)
		entry.WithError(err).Error("dropping malformed event")
		return p.ack(ctx, d, entry)
	}

	// Shutdown must not interrupt an event halfway.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.eventTimeout)
	err = p.Handle(hctx, ev)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			p.dropped.Add(1)
			entry.WithError(err).Error("dropping malformed event")
			return p.ack(ctx, d, entry)
		}
		p.failed.Add(1)
		entry.WithError(err).WithField("event_id", ev.EventID).Warn("event processing failed, leaving unacknowledged")
		return false
	}
	if !p.ack(ctx, d, entry) {
		return false
	}
	p.processed.Add(1)
	return true
}

func (p *Processor) ack(ctx context.Context, d channel.Delivery, entry *log.Entry) bool {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.ackTimeout)
	defer cancel()
	if err := d.Ack(actx); err != nil {
		entry.WithError(err).Warn("acknowledge failed, event will be redelivered")
		return false
	}
	return true
}
