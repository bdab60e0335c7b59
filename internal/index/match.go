package index

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"brewlab/internal/domain"
)

type fieldType int

const (
	stringField fieldType = iota + 1
	numberField
	timeField
)

var fieldTypes = map[Field]fieldType{
	FieldEntityID:         stringField,
	FieldKind:             stringField,
	FieldCoffeeBean:       stringField,
	FieldRoastLevel:       stringField,
	FieldBrewMethod:       stringField,
	FieldFlavorNotes:      stringField,
	FieldNotes:            stringField,
	FieldTimestamp:        timeField,
	FieldTasteScore:       numberField,
	FieldExtractionTime:   numberField,
	FieldGrindSize:        numberField,
	FieldWaterTemperature: numberField,
}

// Validate checks that every operator is applied to a field of a suitable
// type.
func (q Query) Validate() error {
	if err := q.Where.validate(); err != nil {
		return err
	}
	for _, s := range q.Sort {
		if _, ok := fieldTypes[s.Field]; !ok {
			return fmt.Errorf("%w: sort by %q", ErrUnsupportedField, s.Field)
		}
	}
	return nil
}

func (p Predicate) validate() error {
	switch p.Op {
	case OpAll:
		return nil
	case OpAnd, OpOr:
		for _, c := range p.Children {
			if err := c.validate(); err != nil {
				return err
			}
		}
		return nil
	}
	ft, ok := fieldTypes[p.Field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedField, p.Field)
	}
	switch p.Op {
	case OpEq, OpContains, OpIn:
		if ft != stringField {
			return fmt.Errorf("%w: %q is not a text field", ErrUnsupportedField, p.Field)
		}
	case OpRange:
		if ft == stringField {
			return fmt.Errorf("%w: range on %q", ErrUnsupportedField, p.Field)
		}
	default:
		return fmt.Errorf("unknown operator %d", p.Op)
	}
	return nil
}

func stringValue(d domain.Document, f Field) (string, bool) {
	var s *string
	switch f {
	case FieldEntityID:
		return d.EntityID, d.EntityID != ""
	case FieldKind:
		return string(d.Kind), d.Kind != ""
	case FieldCoffeeBean:
		s = d.CoffeeBean
	case FieldRoastLevel:
		s = d.RoastLevel
	case FieldBrewMethod:
		s = d.BrewMethod
	case FieldFlavorNotes:
		s = d.FlavorNotes
	case FieldNotes:
		s = d.Notes
	}
	if s == nil {
		return "", false
	}
	return *s, true
}

func numberValue(d domain.Document, f Field) (float64, bool) {
	var n *float64
	switch f {
	case FieldTasteScore:
		n = d.TasteScore
	case FieldGrindSize:
		n = d.GrindSize
	case FieldWaterTemperature:
		n = d.WaterTemperature
	case FieldExtractionTime:
		if d.ExtractionTime == nil {
			return 0, false
		}
		return float64(*d.ExtractionTime), true
	}
	if n == nil {
		return 0, false
	}
	return *n, true
}

// Match reports whether d satisfies p.
func (p Predicate) Match(d domain.Document) bool {
	switch p.Op {
	case OpAll:
		return true
	case OpAnd:
		for _, c := range p.Children {
			if !c.Match(d) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range p.Children {
			if c.Match(d) {
				return true
			}
		}
		return false
	case OpEq:
		v, ok := stringValue(d, p.Field)
		return ok && v == p.Value
	case OpContains:
		v, ok := stringValue(d, p.Field)
		return ok && strings.Contains(strings.ToLower(v), strings.ToLower(p.Value))
	case OpIn:
		v, ok := stringValue(d, p.Field)
		if !ok {
			return false
		}
		for _, want := range p.Values {
			if v == want {
				return true
			}
		}
		return false
	case OpRange:
		if p.Field == FieldTimestamp {
			return inTimeRange(d.OccurredAt, p.From, p.To)
		}
		v, ok := numberValue(d, p.Field)
		if !ok {
			return false
		}
		return (p.Min == nil || v >= *p.Min) && (p.Max == nil || v <= *p.Max)
	}
	return false
}

func inTimeRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

// compare orders a and b on one field. Missing values sort after present
// ones regardless of direction.
func compare(a, b domain.Document, s Sort) int {
	var c int
	switch fieldTypes[s.Field] {
	case timeField:
		c = a.OccurredAt.Compare(b.OccurredAt)
	case numberField:
		av, aok := numberValue(a, s.Field)
		bv, bok := numberValue(b, s.Field)
		if aok != bok {
			if aok {
				return -1
			}
			return 1
		}
		switch {
		case av < bv:
			c = -1
		case av > bv:
			c = 1
		}
	case stringField:
		av, aok := stringValue(a, s.Field)
		bv, bok := stringValue(b, s.Field)
		if aok != bok {
			if aok {
				return -1
			}
			return 1
		}
		c = strings.Compare(av, bv)
	}
	if s.Desc {
		return -c
	}
	return c
}

// SortDocuments orders docs by the given sorts, newest first when no sort is
// given, with the document id as the final tie-break.
func SortDocuments(docs []domain.Document, sorts []Sort) {
	if len(sorts) == 0 {
		sorts = []Sort{{Field: FieldTimestamp, Desc: true}}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			if c := compare(docs[i], docs[j], s); c != 0 {
				return c < 0
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

// Tombstoned returns the entities that own a Deleted document.
func Tombstoned(docs []domain.Document) map[string]bool {
	out := map[string]bool{}
	for _, d := range docs {
		if d.Tombstone() {
			out[d.EntityID] = true
		}
	}
	return out
}

// Apply evaluates q over an in-memory candidate set. tombstoned is consulted
// only when q.ExcludeTombstoned is set.
func Apply(docs []domain.Document, q Query, tombstoned map[string]bool) Page {
	q = q.Normalized()
	matched := make([]domain.Document, 0, len(docs))
	for _, d := range docs {
		if q.ExcludeTombstoned && tombstoned[d.EntityID] {
			continue
		}
		if q.Where.Match(d) {
			matched = append(matched, d)
		}
	}
	SortDocuments(matched, q.Sort)
	page := Page{Total: len(matched), Page: q.Page, Size: q.Size, Documents: []domain.Document{}}
	start := q.Page * q.Size
	if start >= len(matched) {
		return page
	}
	end := start + q.Size
	if end > len(matched) {
		end = len(matched)
	}
	page.Documents = append(page.Documents, matched[start:end]...)
	return page
}
