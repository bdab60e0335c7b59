// Package sqlite is the SQLite search index backend. Queries are compiled to
// SQL; the full document is kept as JSON next to the indexed columns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"brewlab/internal/domain"
	"brewlab/internal/index"
	"brewlab/internal/index/sqlite/migrations"
)

const (
	queryUpsert = `INSERT INTO documents (id, experiment_id, event_type, occurred_at, coffee_bean, roast_level, brew_method, flavor_notes, notes, taste_score, extraction_time, grind_size, water_temperature, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	experiment_id = excluded.experiment_id,
	event_type = excluded.event_type,
	occurred_at = excluded.occurred_at,
	coffee_bean = excluded.coffee_bean,
	roast_level = excluded.roast_level,
	brew_method = excluded.brew_method,
	flavor_notes = excluded.flavor_notes,
	notes = excluded.notes,
	taste_score = excluded.taste_score,
	extraction_time = excluded.extraction_time,
	grind_size = excluded.grind_size,
	water_temperature = excluded.water_temperature,
	body = excluded.body`
	queryDelete = `DELETE FROM documents WHERE id = ?`
	queryGet    = `SELECT body FROM documents WHERE id = ?`
)

var columns = map[index.Field]string{
	index.FieldEntityID:         "experiment_id",
	index.FieldKind:             "event_type",
	index.FieldTimestamp:        "occurred_at",
	index.FieldCoffeeBean:       "coffee_bean",
	index.FieldRoastLevel:       "roast_level",
	index.FieldBrewMethod:       "brew_method",
	index.FieldFlavorNotes:      "flavor_notes",
	index.FieldNotes:            "notes",
	index.FieldTasteScore:       "taste_score",
	index.FieldExtractionTime:   "extraction_time",
	index.FieldGrindSize:        "grind_size",
	index.FieldWaterTemperature: "water_temperature",
}

// Index stores documents in a SQLite database.
type Index struct {
	db *sql.DB
}

// Open connects to dsn and migrates the schema. An in-memory database is
// limited to one connection so every query sees the same data.
func Open(ctx context.Context, dsn string) (*Index, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Close closes the database.
func (s *Index) Close() error { return s.db.Close() }

func (s *Index) Upsert(ctx context.Context, doc domain.Document) error {
	body, err := index.EncodeDocument(doc)
	if err != nil {
		return err
	}
	var extraction any
	if doc.ExtractionTime != nil {
		extraction = int64(*doc.ExtractionTime)
	}
	_, err = s.db.ExecContext(ctx, queryUpsert,
		doc.ID,
		doc.EntityID,
		string(doc.Kind),
		doc.OccurredAt.UnixMilli(),
		nullString(doc.CoffeeBean),
		nullString(doc.RoastLevel),
		nullString(doc.BrewMethod),
		nullString(doc.FlavorNotes),
		nullString(doc.Notes),
		nullFloat(doc.TasteScore),
		extraction,
		nullFloat(doc.GrindSize),
		nullFloat(doc.WaterTemperature),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Index) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, queryDelete, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

func (s *Index) Get(ctx context.Context, id string) (*domain.Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx, queryGet, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	doc, err := index.DecodeDocument([]byte(body))
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Index) Search(ctx context.Context, q index.Query) (index.Page, error) {
	if err := q.Validate(); err != nil {
		return index.Page{}, err
	}
	q = q.Normalized()
	where, args, err := compile(q.Where)
	if err != nil {
		return index.Page{}, err
	}
	if q.ExcludeTombstoned {
		where = "(" + where + ") AND experiment_id NOT IN (SELECT experiment_id FROM documents WHERE event_type = ?)"
		args = append(args, string(domain.Deleted))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE "+where, args...).Scan(&total); err != nil {
		return index.Page{}, fmt.Errorf("count documents: %w", err)
	}
	page := index.Page{Total: total, Page: q.Page, Size: q.Size, Documents: []domain.Document{}}
	if q.Page*q.Size >= total {
		return page, nil
	}

	stmt := "SELECT body FROM documents WHERE " + where + " ORDER BY " + orderBy(q.Sort) + " LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, stmt, append(args, q.Size, q.Page*q.Size)...)
	if err != nil {
		return index.Page{}, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return index.Page{}, err
		}
		doc, err := index.DecodeDocument([]byte(body))
		if err != nil {
			return index.Page{}, err
		}
		page.Documents = append(page.Documents, doc)
	}
	return page, rows.Err()
}

func compile(p index.Predicate) (string, []any, error) {
	switch p.Op {
	case index.OpAll:
		return "1 = 1", nil, nil
	case index.OpAnd, index.OpOr:
		joiner := " AND "
		if p.Op == index.OpOr {
			joiner = " OR "
		}
		parts := make([]string, 0, len(p.Children))
		var args []any
		for _, c := range p.Children {
			sqlPart, a, err := compile(c)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+sqlPart+")")
			args = append(args, a...)
		}
		return strings.Join(parts, joiner), args, nil
	}
	col, ok := columns[p.Field]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", index.ErrUnsupportedField, p.Field)
	}
	switch p.Op {
	case index.OpEq:
		return col + " = ?", []any{p.Value}, nil
	case index.OpContains:
		return "lower(" + col + `) LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(strings.ToLower(p.Value)) + "%"}, nil
	case index.OpIn:
		if len(p.Values) == 0 {
			return "0 = 1", nil, nil
		}
		args := make([]any, len(p.Values))
		for i, v := range p.Values {
			args[i] = v
		}
		return col + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(p.Values)), ", ") + ")", args, nil
	case index.OpRange:
		conds := []string{col + " IS NOT NULL"}
		var args []any
		if p.Field == index.FieldTimestamp {
			if !p.From.IsZero() {
				conds = append(conds, col+" >= ?")
				args = append(args, p.From.UnixMilli())
			}
			if !p.To.IsZero() {
				conds = append(conds, col+" <= ?")
				args = append(args, p.To.UnixMilli())
			}
		} else {
			if p.Min != nil {
				conds = append(conds, col+" >= ?")
				args = append(args, *p.Min)
			}
			if p.Max != nil {
				conds = append(conds, col+" <= ?")
				args = append(args, *p.Max)
			}
		}
		return strings.Join(conds, " AND "), args, nil
	}
	return "", nil, fmt.Errorf("unknown operator %d", p.Op)
}

func orderBy(sorts []index.Sort) string {
	if len(sorts) == 0 {
		sorts = []index.Sort{{Field: index.FieldTimestamp, Desc: true}}
	}
	parts := make([]string, 0, 2*len(sorts)+1)
	for _, s := range sorts {
		col := columns[s.Field]
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" IS NULL", col+" "+dir)
	}
	parts = append(parts, "id ASC")
	return strings.Join(parts, ", ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
