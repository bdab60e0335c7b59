// Package query answers read requests from the search index and the cache.
// It never touches the system of record and treats both stores as
// eventually consistent: an unreachable store yields an empty result, not an
// error.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"brewlab/internal/cache"
	"brewlab/internal/domain"
	"brewlab/internal/index"
)

// ErrInvalidRequest marks requests that can never succeed, such as sorting
// by an unknown field.
var ErrInvalidRequest = errors.New("invalid request")

// TopRatedThreshold is the lowest taste score listed as top rated.
const TopRatedThreshold = 7.0

// Cache is the read side of the counter store.
type Cache interface {
	Counters(ctx context.Context) (cache.CounterSet, error)
	Recent(ctx context.Context, limit int64) ([]domain.Event, error)
	RecentLen(ctx context.Context) (int64, error)
}

// Options tunes the service.
type Options struct {
	// Timeout bounds every store read.
	Timeout time.Duration
}

// Service serves searches, history windows and statistics.
type Service struct {
	index   index.Index
	cache   Cache
	timeout time.Duration
	group   singleflight.Group
}

// New creates a Service.
func New(idx index.Index, c Cache, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Service{index: idx, cache: c, timeout: opts.Timeout}
}

// SearchRequest combines free text and structured filters. Empty fields do
// not filter.
type SearchRequest struct {
	// Text matches coffeeBean, flavorNotes or notes.
	Text       string
	CoffeeBean string
	BrewMethod string
	RoastLevel string
	MinScore   *float64
	MaxScore   *float64
	From, To   time.Time
	// Kinds narrows the event types. Live searches default to completed
	// experiments, history searches to completed and deleted ones.
	Kinds  []domain.Kind
	SortBy index.Field
	Asc    bool
	Page   int
	Size   int
	// History includes deleted experiments and their tombstones.
	History bool
}

// Query translates the request into an index query.
func (r SearchRequest) Query() (index.Query, error) {
	var preds []index.Predicate
	if text := strings.TrimSpace(r.Text); text != "" {
		preds = append(preds, index.Or(
			index.Contains(index.FieldCoffeeBean, text),
			index.Contains(index.FieldFlavorNotes, text),
			index.Contains(index.FieldNotes, text),
		))
	}
	if v := strings.TrimSpace(r.CoffeeBean); v != "" {
		preds = append(preds, index.Contains(index.FieldCoffeeBean, v))
	}
	if v := strings.TrimSpace(r.BrewMethod); v != "" {
		preds = append(preds, index.Eq(index.FieldBrewMethod, v))
	}
	if v := strings.TrimSpace(r.RoastLevel); v != "" {
		preds = append(preds, index.Eq(index.FieldRoastLevel, v))
	}
	if r.MinScore != nil || r.MaxScore != nil {
		if r.MinScore != nil && r.MaxScore != nil && *r.MinScore > *r.MaxScore {
			return index.Query{}, fmt.Errorf("%w: minScore above maxScore", ErrInvalidRequest)
		}
		preds = append(preds, index.Range(index.FieldTasteScore, r.MinScore, r.MaxScore))
	}
	if !r.From.IsZero() || !r.To.IsZero() {
		if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
			return index.Query{}, fmt.Errorf("%w: date range ends before it starts", ErrInvalidRequest)
		}
		preds = append(preds, index.Between(r.From, r.To))
	}
	preds = append(preds, kindFilter(r.Kinds, r.History))

	sortField := r.SortBy
	if sortField == "" {
		sortField = index.FieldTimestamp
	}
	q := index.Query{
		Where:             index.And(preds...),
		Sort:              []index.Sort{{Field: sortField, Desc: !r.Asc}},
		Page:              r.Page,
		Size:              r.Size,
		ExcludeTombstoned: !r.History,
	}.Normalized()
	if err := q.Validate(); err != nil {
		return index.Query{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return q, nil
}

func kindFilter(kinds []domain.Kind, history bool) index.Predicate {
	if len(kinds) == 0 {
		if history {
			kinds = []domain.Kind{domain.Completed, domain.Deleted}
		} else {
			kinds = []domain.Kind{domain.Completed}
		}
	}
	vals := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if k == domain.Deleted && !history {
			continue
		}
		vals = append(vals, string(k))
	}
	return index.In(index.FieldKind, vals...)
}

// Search returns one page of matching documents. Only an invalid request is
// reported as an error; index failures produce an empty page.
func (s *Service) Search(ctx context.Context, req SearchRequest) (index.Page, error) {
	q, err := req.Query()
	if err != nil {
		return emptyPage(index.Query{Page: req.Page, Size: req.Size}), err
	}
	return s.search(ctx, q), nil
}

func (s *Service) search(ctx context.Context, q index.Query) index.Page {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	page, err := s.index.Search(ctx, q)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"page": q.Page,
			"size": q.Size,
		}).Error("search index unavailable, returning empty page")
		return emptyPage(q)
	}
	log.WithFields(log.Fields{
		"total":       page.Total,
		"returned":    len(page.Documents),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("search completed")
	return page
}

func emptyPage(q index.Query) index.Page {
	q = q.Normalized()
	return index.Page{Documents: []domain.Document{}, Page: q.Page, Size: q.Size}
}

// Recent returns up to limit recent events, newest first, without deleted
// experiments.
func (s *Service) Recent(ctx context.Context, limit int) []domain.Event {
	events := s.recentEvents(ctx, int64(limit))
	out := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if ev.Kind != domain.Deleted {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Service) recentEvents(ctx context.Context, limit int64) []domain.Event {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	events, err := s.cache.Recent(ctx, limit)
	if err != nil {
		log.WithError(err).Error("recent list unavailable")
		return nil
	}
	return events
}

// TopRated lists live completed experiments scoring at least
// TopRatedThreshold, best first.
func (s *Service) TopRated(ctx context.Context, limit int) []domain.Document {
	min := TopRatedThreshold
	q := index.Query{
		Where: index.And(
			index.Eq(index.FieldKind, string(domain.Completed)),
			index.Range(index.FieldTasteScore, &min, nil),
		),
		Sort: []index.Sort{
			{Field: index.FieldTasteScore, Desc: true},
			{Field: index.FieldTimestamp, Desc: true},
		},
		Size:              limit,
		ExcludeTombstoned: true,
	}.Normalized()
	return s.search(ctx, q).Documents
}
