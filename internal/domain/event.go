package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Kind identifies the lifecycle transition an event describes.
type Kind string

const (
	Started   Kind = "EXPERIMENT_STARTED"
	Completed Kind = "EXPERIMENT_COMPLETED"
	Updated   Kind = "EXPERIMENT_UPDATED"
	Failed    Kind = "EXPERIMENT_FAILED"
	Deleted   Kind = "EXPERIMENT_DELETED"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case Started, Completed, Updated, Failed, Deleted:
		return true
	}
	return false
}

// Event represents a change to a brewing experiment in the system of record.
type Event struct {
	EventID    string         `json:"eventId"`
	EntityID   string         `json:"experimentId"`
	Kind       Kind           `json:"eventType"`
	OccurredAt Timestamp      `json:"timestamp"`
	Attributes                // flattened on the wire
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Attributes carries the experiment state at the time of the event. Every
// field is optional; absent fields stay nil.
type Attributes struct {
	CoffeeBean       *string  `json:"coffeeBean,omitempty"`
	RoastLevel       *string  `json:"roastLevel,omitempty"`
	GrindSize        *float64 `json:"grindSize,omitempty"`
	WaterTemperature *float64 `json:"waterTemperature,omitempty"`
	CoffeeAmount     *float64 `json:"coffeeAmount,omitempty"`
	WaterAmount      *float64 `json:"waterAmount,omitempty"`
	BrewMethod       *string  `json:"brewMethod,omitempty"`
	ExtractionTime   *int     `json:"extractionTime,omitempty"`
	TasteScore       *float64 `json:"tasteScore,omitempty"`
	SournessHot      *float64 `json:"sournessHot,omitempty"`
	SweetnessHot     *float64 `json:"sweetnessHot,omitempty"`
	BitternessHot    *float64 `json:"bitternessHot,omitempty"`
	SournessCold     *float64 `json:"sournessCold,omitempty"`
	SweetnessCold    *float64 `json:"sweetnessCold,omitempty"`
	BitternessCold   *float64 `json:"bitternessCold,omitempty"`
	FlavorNotes      *string  `json:"flavorNotes,omitempty"`
	Notes            *string  `json:"notes,omitempty"`
}

// Overlay returns a copy of a with every attribute set in over replacing
// the value in a.
func (a Attributes) Overlay(over Attributes) Attributes {
	pick := func(dst **string, src *string) {
		if src != nil {
			*dst = src
		}
	}
	pickNum := func(dst **float64, src *float64) {
		if src != nil {
			*dst = src
		}
	}
	pick(&a.CoffeeBean, over.CoffeeBean)
	pick(&a.RoastLevel, over.RoastLevel)
	pick(&a.BrewMethod, over.BrewMethod)
	pick(&a.FlavorNotes, over.FlavorNotes)
	pick(&a.Notes, over.Notes)
	pickNum(&a.GrindSize, over.GrindSize)
	pickNum(&a.WaterTemperature, over.WaterTemperature)
	pickNum(&a.CoffeeAmount, over.CoffeeAmount)
	pickNum(&a.WaterAmount, over.WaterAmount)
	pickNum(&a.TasteScore, over.TasteScore)
	pickNum(&a.SournessHot, over.SournessHot)
	pickNum(&a.SweetnessHot, over.SweetnessHot)
	pickNum(&a.BitternessHot, over.BitternessHot)
	pickNum(&a.SournessCold, over.SournessCold)
	pickNum(&a.SweetnessCold, over.SweetnessCold)
	pickNum(&a.BitternessCold, over.BitternessCold)
	if over.ExtractionTime != nil {
		a.ExtractionTime = over.ExtractionTime
	}
	return a
}

// Validate checks the fields the processor cannot do without.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("%w: missing experimentId", ErrMalformedEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown eventType %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// DecodeEvent parses a wire payload. Loosely typed attributes are coerced
// (see UnmarshalLoose) and timestamps never fail; only payloads that are not
// a JSON object, or whose envelope fields have the wrong type, are rejected.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := UnmarshalLoose(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// EncodeEvent renders ev in the wire format. Map keys are sorted so the same
// event always encodes to the same bytes.
func EncodeEvent(ev Event) ([]byte, error) {
	return sonic.ConfigStd.Marshal(ev)
}

// Str returns a pointer to s, for building attributes inline.
func Str(s string) *string { return &s }

// Num returns a pointer to f.
func Num(f float64) *float64 { return &f }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
