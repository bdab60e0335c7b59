// Package index defines the search index holding one document per event and
// the query model every backend understands.
package index

import (
	"context"
	"errors"
	"time"

	"brewlab/internal/domain"
)

// Field names a queryable document attribute. Values match the JSON names.
type Field string

const (
	FieldEntityID         Field = "experimentId"
	FieldKind             Field = "eventType"
	FieldTimestamp        Field = "timestamp"
	FieldCoffeeBean       Field = "coffeeBean"
	FieldRoastLevel       Field = "roastLevel"
	FieldBrewMethod       Field = "brewMethod"
	FieldFlavorNotes      Field = "flavorNotes"
	FieldNotes            Field = "notes"
	FieldTasteScore       Field = "tasteScore"
	FieldExtractionTime   Field = "extractionTime"
	FieldGrindSize        Field = "grindSize"
	FieldWaterTemperature Field = "waterTemperature"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

var (
	// ErrUnsupportedField is returned for predicates or sorts on a field the
	// operator cannot apply to.
	ErrUnsupportedField = errors.New("unsupported field")
	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("search index unavailable")
)

// Op is a predicate operator.
type Op int

const (
	OpAll Op = iota
	OpEq
	OpContains
	OpRange
	OpIn
	OpAnd
	OpOr
)

// Predicate is a node of the boolean query tree. The zero value matches
// every document.
type Predicate struct {
	Op       Op
	Field    Field
	Value    string
	Values   []string
	Min, Max *float64
	From, To time.Time
	Children []Predicate
}

// Eq matches documents whose field equals v exactly.
func Eq(f Field, v string) Predicate { return Predicate{Op: OpEq, Field: f, Value: v} }

// Contains matches a case-insensitive substring.
func Contains(f Field, v string) Predicate { return Predicate{Op: OpContains, Field: f, Value: v} }

// Range matches numeric fields within inclusive bounds. A nil bound is open.
func Range(f Field, min, max *float64) Predicate {
	return Predicate{Op: OpRange, Field: f, Min: min, Max: max}
}

// Between matches timestamps within inclusive bounds. A zero bound is open.
func Between(from, to time.Time) Predicate {
	return Predicate{Op: OpRange, Field: FieldTimestamp, From: from, To: to}
}

// In matches documents whose field is one of values.
func In(f Field, values ...string) Predicate { return Predicate{Op: OpIn, Field: f, Values: values} }

// And matches when every child matches. Children that match all are
// dropped.
func And(ps ...Predicate) Predicate { return combine(OpAnd, ps) }

// Or matches when any child matches.
func Or(ps ...Predicate) Predicate { return combine(OpOr, ps) }

func combine(op Op, ps []Predicate) Predicate {
	children := make([]Predicate, 0, len(ps))
	for _, p := range ps {
		if p.Op == OpAll {
			if op == OpOr {
				return Predicate{}
			}
			continue
		}
		children = append(children, p)
	}
	switch len(children) {
	case 0:
		return Predicate{}
	case 1:
		return children[0]
	}
	return Predicate{Op: op, Children: children}
}

// Sort orders results by one field. Documents missing the field go last.
type Sort struct {
	Field Field
	Desc  bool
}

// Query is a filtered, sorted and paged search.
type Query struct {
	Where Predicate
	Sort  []Sort
	// Page is zero-indexed.
	Page int
	Size int
	// ExcludeTombstoned drops every document of an entity that owns a
	// Deleted document.
	ExcludeTombstoned bool
}

// Normalized returns q with paging clamped to valid values.
func (q Query) Normalized() Query {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.Size <= 0 {
		q.Size = DefaultPageSize
	}
	if q.Size > MaxPageSize {
		q.Size = MaxPageSize
	}
	return q
}

// Page is one page of results. Total counts all matches.
type Page struct {
	Documents []domain.Document `json:"documents"`
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	Size      int               `json:"size"`
}

// Index stores documents by id.
type Index interface {
	Upsert(ctx context.Context, doc domain.Document) error
	Delete(ctx context.Context, id string) error
	// Get returns nil when the document does not exist.
	Get(ctx context.Context, id string) (*domain.Document, error)
	Search(ctx context.Context, q Query) (Page, error)
}

// ByEntity selects every document of one entity, optionally narrowed to
// the given kinds.
func ByEntity(entityID string, kinds ...domain.Kind) Predicate {
	p := Eq(FieldEntityID, entityID)
	if len(kinds) == 0 {
		return p
	}
	vals := make([]string, len(kinds))
	for i, k := range kinds {
		vals[i] = string(k)
	}
	return And(p, In(FieldKind, vals...))
}
