package sqlite

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"brewlab/internal/domain"
	"brewlab/internal/index"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func seed(t *testing.T, idx *Index) time.Time {
	t.Helper()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	docs := []domain.Document{
		{ID: "1", EntityID: "A", Kind: domain.Completed, OccurredAt: base, Attributes: domain.Attributes{BrewMethod: domain.Str("V60"), CoffeeBean: domain.Str("Kenya AA"), TasteScore: domain.Num(8), ExtractionTime: domain.Int(180)}},
		{ID: "2", EntityID: "B", Kind: domain.Completed, OccurredAt: base.Add(time.Hour), Attributes: domain.Attributes{BrewMethod: domain.Str("Chemex"), CoffeeBean: domain.Str("Ethiopia"), TasteScore: domain.Num(6.5), FlavorNotes: domain.Str("Blueberry_jam 100%")}},
		{ID: "3", EntityID: "C", Kind: domain.Started, OccurredAt: base.Add(2 * time.Hour), Attributes: domain.Attributes{BrewMethod: domain.Str("V60")}},
		{ID: "4", EntityID: "D", Kind: domain.Completed, OccurredAt: base.Add(3 * time.Hour), Attributes: domain.Attributes{BrewMethod: domain.Str("V60"), TasteScore: domain.Num(9)}},
		{ID: "5", EntityID: "D", Kind: domain.Deleted, OccurredAt: base.Add(4 * time.Hour), Attributes: domain.Attributes{BrewMethod: domain.Str("V60")}, Reconciled: []domain.Delta{{Key: domain.TotalCompletedKey, By: -1}}},
	}
	for _, d := range docs {
		require.NoError(t, idx.Upsert(context.Background(), d))
	}
	return base
}

func ids(p index.Page) []string {
	out := make([]string, len(p.Documents))
	for i, d := range p.Documents {
		out[i] = d.ID
	}
	return out
}

func TestUpsertIsIdempotentAndGetRoundTrips(t *testing.T) {
	idx := openTestIndex(t)
	seed(t, idx)
	ctx := context.Background()
	seed(t, idx)

	p, err := idx.Search(ctx, index.Query{})
	require.NoError(t, err)
	require.Equal(t, 5, p.Total)

	d, err := idx.Get(ctx, "5")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.True(t, d.Tombstone())
	require.Equal(t, []domain.Delta{{Key: domain.TotalCompletedKey, By: -1}}, d.Reconciled)

	d, err = idx.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, 180, *d.ExtractionTime)

	missing, err := idx.Get(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSearchMatchesMemoryBackend(t *testing.T) {
	idx := openTestIndex(t)
	base := seed(t, idx)
	mem := index.NewMemory()
	all, err := idx.Search(context.Background(), index.Query{Size: 100})
	require.NoError(t, err)
	for _, d := range all.Documents {
		require.NoError(t, mem.Upsert(context.Background(), d))
	}
	minScore := 7.0

	queries := []index.Query{
		{Where: index.Eq(index.FieldBrewMethod, "V60")},
		{Where: index.Eq(index.FieldBrewMethod, "V60"), ExcludeTombstoned: true},
		{Where: index.Or(index.Contains(index.FieldCoffeeBean, "kenya"), index.Contains(index.FieldFlavorNotes, "BLUEBERRY"))},
		{Where: index.And(index.Range(index.FieldTasteScore, &minScore, nil), index.In(index.FieldKind, string(domain.Completed))), Sort: []index.Sort{{Field: index.FieldTasteScore, Desc: true}}},
		{Where: index.Between(base.Add(time.Hour), base.Add(2*time.Hour))},
		{Sort: []index.Sort{{Field: index.FieldTasteScore}}},
		{Sort: []index.Sort{{Field: index.FieldCoffeeBean, Desc: true}}},
		{Page: 1, Size: 2},
		{Where: index.ByEntity("D", domain.Completed)},
		{Where: index.In(index.FieldKind)},
	}
	for i, q := range queries {
		want, err := mem.Search(context.Background(), q)
		require.NoError(t, err)
		got, err := idx.Search(context.Background(), q)
		require.NoError(t, err, "query %d", i)
		require.Equal(t, ids(want), ids(got), "query %d", i)
		require.Equal(t, want.Total, got.Total, "query %d", i)
	}
}

func TestTimestampsOutsideNanosecondRangeSortLikeMemory(t *testing.T) {
	idx := openTestIndex(t)
	mem := index.NewMemory()
	ctx := context.Background()
	docs := []domain.Document{
		{ID: "A", EntityID: "A", Kind: domain.Completed, OccurredAt: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "B", EntityID: "B", Kind: domain.Completed, OccurredAt: time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)},
		{ID: "C", EntityID: "C", Kind: domain.Completed, OccurredAt: time.Time{}},
		{ID: "D", EntityID: "D", Kind: domain.Completed, OccurredAt: time.Date(2400, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, d := range docs {
		require.NoError(t, idx.Upsert(ctx, d))
		require.NoError(t, mem.Upsert(ctx, d))
	}

	q := index.Query{Sort: []index.Sort{{Field: index.FieldTimestamp, Desc: true}}}
	got, err := idx.Search(ctx, q)
	require.NoError(t, err)
	want, err := mem.Search(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"D", "B", "A", "C"}, ids(want))
	require.Equal(t, ids(want), ids(got))

	window := index.Query{Where: index.Between(time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))}
	got, err = idx.Search(ctx, window)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B"}, ids(got))
}

func TestContainsEscapesWildcards(t *testing.T) {
	idx := openTestIndex(t)
	seed(t, idx)
	ctx := context.Background()

	p, err := idx.Search(ctx, index.Query{Where: index.Contains(index.FieldFlavorNotes, "_jam 100%")})
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, ids(p))

	p, err = idx.Search(ctx, index.Query{Where: index.Contains(index.FieldFlavorNotes, "y%j")})
	require.NoError(t, err)
	require.Empty(t, p.Documents)
}

func TestDeleteRemovesDocument(t *testing.T) {
	idx := openTestIndex(t)
	seed(t, idx)
	ctx := context.Background()
	require.NoError(t, idx.Delete(ctx, "4"))
	p, err := idx.Search(ctx, index.Query{Where: index.ByEntity("D")})
	require.NoError(t, err)
	require.Equal(t, []string{"5"}, ids(p))
}

func TestUpsertFailureIsReturned(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	idx := New(db)

	mock.ExpectExec(regexp.QuoteMeta(queryUpsert)).WillReturnError(errors.New("disk I/O error"))
	err = idx.Upsert(context.Background(), domain.Document{ID: "x", EntityID: "A", Kind: domain.Started})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchFailureIsReturned(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	idx := New(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM documents WHERE")).WillReturnError(errors.New("database is locked"))
	_, err = idx.Search(context.Background(), index.Query{Where: index.Eq(index.FieldKind, string(domain.Completed))})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingRowIsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	idx := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(queryGet)).WithArgs("x").WillReturnRows(sqlmock.NewRows([]string{"body"}))
	d, err := idx.Get(context.Background(), "x")
	require.NoError(t, err)
	require.Nil(t, d)
	require.NoError(t, mock.ExpectationsWereMet())
}
