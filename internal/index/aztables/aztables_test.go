package aztables

import (
	"encoding/json"
	"testing"
	"time"

	"brewlab/internal/domain"
	"brewlab/internal/index"
)

func TestFilterPushesDownSupportedPredicates(t *testing.T) {
	min, max := 7.0, 9.5
	from := time.UnixMilli(1000)
	q := index.And(
		index.Eq(index.FieldBrewMethod, "V60"),
		index.In(index.FieldKind, string(domain.Completed), string(domain.Deleted)),
		index.Range(index.FieldTasteScore, &min, &max),
		index.Between(from, time.Time{}),
		index.Contains(index.FieldNotes, "fruity"),
		index.Eq(index.FieldEntityID, "O'Brien"),
	)
	got := Filter(q)
	want := "BrewMethod eq 'V60'" +
		" and (EventType eq 'EXPERIMENT_COMPLETED' or EventType eq 'EXPERIMENT_DELETED')" +
		" and TasteScore ge 7.0 and TasteScore le 9.5" +
		" and OccurredAt ge 1000L" +
		" and PartitionKey eq 'O''Brien'"
	if got != want {
		t.Fatalf("unexpected filter:\n got %s\nwant %s", got, want)
	}
}

func TestFilterLeavesOrTreesToProcess(t *testing.T) {
	q := index.Or(index.Eq(index.FieldBrewMethod, "V60"), index.Eq(index.FieldBrewMethod, "Chemex"))
	if got := Filter(q); got != "" {
		t.Fatalf("expected no pushdown for OR, got %q", got)
	}
	if got := Filter(index.Predicate{}); got != "" {
		t.Fatalf("expected empty filter, got %q", got)
	}
}

func TestEntityRoundTrip(t *testing.T) {
	doc := domain.Document{
		ID:         "row-1",
		EntityID:   "exp-1",
		Kind:       domain.Completed,
		OccurredAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Attributes: domain.Attributes{BrewMethod: domain.Str("V60"), TasteScore: domain.Num(8)},
	}
	raw, err := toEntity(doc)
	if err != nil {
		t.Fatalf("toEntity: %v", err)
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if props["PartitionKey"] != "exp-1" || props["RowKey"] != "row-1" {
		t.Fatalf("unexpected keys: %v", props)
	}
	if props["TasteScore@odata.type"] != edmDouble || props["OccurredAt@odata.type"] != edmInt64 {
		t.Fatalf("missing type annotations: %v", props)
	}
	back, err := fromEntity(raw)
	if err != nil {
		t.Fatalf("fromEntity: %v", err)
	}
	if back.ID != doc.ID || !back.OccurredAt.Equal(doc.OccurredAt) || *back.TasteScore != 8 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestDoubleLiteral(t *testing.T) {
	cases := map[float64]string{7: "7.0", 7.25: "7.25", -1: "-1.0"}
	for in, want := range cases {
		if got := double(in); got != want {
			t.Fatalf("double(%v) = %s, want %s", in, got, want)
		}
	}
}
