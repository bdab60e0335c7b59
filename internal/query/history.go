package query

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/domain"
	"brewlab/internal/index"
)

// Window is an inclusive time range.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DayWindow covers the UTC day containing t.
func DayWindow(t time.Time) Window {
	from := domain.Day(t)
	return Window{From: from, To: from.AddDate(0, 0, 1).Add(-time.Nanosecond)}
}

// MonthWindow covers one calendar month in UTC.
func MonthWindow(year int, month time.Month) Window {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Window{From: from, To: from.AddDate(0, 1, 0).Add(-time.Nanosecond)}
}

// WeekWindow covers ISO week `week` of `year`, Monday to Sunday in UTC.
func WeekWindow(year, week int) Window {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	from := jan4.AddDate(0, 0, -offset+(week-1)*7)
	return Window{From: from, To: from.AddDate(0, 0, 7).Add(-time.Nanosecond)}
}

func (w Window) contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

func historyQuery(w Window, page, size int) index.Query {
	return index.Query{
		Where: index.And(
			index.Between(w.From, w.To),
			index.In(index.FieldKind, string(domain.Completed), string(domain.Deleted)),
		),
		Sort: []index.Sort{{Field: index.FieldTimestamp, Desc: true}},
		Page: page,
		Size: size,
	}.Normalized()
}

// ByDate pages through the completed and deleted experiments of one day.
func (s *Service) ByDate(ctx context.Context, day time.Time, page, size int) index.Page {
	return s.history(ctx, DayWindow(day), page, size)
}

// ByMonth lists up to index.MaxPageSize completed and deleted experiments
// of one month.
func (s *Service) ByMonth(ctx context.Context, year int, month time.Month) []domain.Document {
	return s.history(ctx, MonthWindow(year, month), 0, index.MaxPageSize).Documents
}

// ByWeek lists up to index.MaxPageSize completed and deleted experiments of
// one ISO week.
func (s *Service) ByWeek(ctx context.Context, year, week int) []domain.Document {
	return s.history(ctx, WeekWindow(year, week), 0, index.MaxPageSize).Documents
}

// history searches the index and falls back to the recent list when the
// index has nothing for the window, which happens while it catches up.
func (s *Service) history(ctx context.Context, w Window, page, size int) index.Page {
	q := historyQuery(w, page, size)
	result := s.search(ctx, q)
	if result.Total > 0 {
		return result
	}
	docs := s.recentInWindow(ctx, w)
	if len(docs) == 0 {
		return result
	}
	log.WithFields(log.Fields{
		"from":  w.From,
		"to":    w.To,
		"found": len(docs),
	}).Info("history served from recent list")
	return index.Apply(docs, q, nil)
}

func (s *Service) recentInWindow(ctx context.Context, w Window) []domain.Document {
	var docs []domain.Document
	seen := map[string]bool{}
	for _, ev := range s.recentEvents(ctx, 0) {
		if ev.Kind != domain.Completed && ev.Kind != domain.Deleted {
			continue
		}
		if !w.contains(ev.OccurredAt.Time) {
			continue
		}
		doc := domain.NewDocument(ev)
		if ev.Kind == domain.Deleted {
			doc.ID = domain.TombstoneID(ev.EntityID)
		}
		if seen[doc.ID] {
			continue
		}
		seen[doc.ID] = true
		docs = append(docs, doc)
	}
	return docs
}

// MonthSummary aggregates the history of one month.
type MonthSummary struct {
	Year         int               `json:"year"`
	Month        time.Month        `json:"month"`
	Documents    []domain.Document `json:"documents"`
	Completed    int               `json:"completed"`
	Deleted      int               `json:"deleted"`
	AverageScore float64           `json:"averageTasteScore"`
	ByBrewMethod map[string]int    `json:"countByBrewMethod"`
}

// Summarize builds the summary of a month.
func (s *Service) Summarize(ctx context.Context, year int, month time.Month) MonthSummary {
	docs := s.ByMonth(ctx, year, month)
	sum := MonthSummary{
		Year:         year,
		Month:        month,
		Documents:    docs,
		ByBrewMethod: map[string]int{},
	}
	total := decimal.Zero
	scored := 0
	for _, d := range docs {
		if d.Tombstone() {
			sum.Deleted++
			continue
		}
		sum.Completed++
		if d.BrewMethod != nil && *d.BrewMethod != "" {
			sum.ByBrewMethod[*d.BrewMethod]++
		}
		if d.TasteScore != nil {
			total = total.Add(decimal.NewFromFloat(*d.TasteScore))
			scored++
		}
	}
	if scored > 0 {
		sum.AverageScore = total.Div(decimal.NewFromInt(int64(scored))).Round(2).InexactFloat64()
	}
	return sum
}

// sortedKeys returns the keys of m in lexicographic order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
