package domain

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var now = time.Now

// isoLayouts are tried in order before the date-only and epoch forms.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Timestamp is an instant that decodes from any of the formats the index and
// the producers have historically written: ISO-8601, date-only and
// epoch-millis. Values that match none of them become the current time.
type Timestamp struct {
	time.Time
}

// At wraps t as a UTC Timestamp.
func At(t time.Time) Timestamp { return Timestamp{t.UTC()} }

// ParseTimestamp never fails; unparseable input yields now and a warning.
func ParseTimestamp(raw string) Timestamp {
	s := strings.TrimSpace(raw)
	if s == "" {
		return At(now())
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return At(t)
		}
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return At(t)
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return At(time.UnixMilli(ms))
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return At(time.UnixMilli(int64(f)))
	}
	log.WithField("timestamp", raw).Warn("unparseable timestamp, using current time")
	return At(now())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = At(now())
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			s = string(bytes.Trim(data, `"`))
		}
		*t = ParseTimestamp(s)
		return nil
	}
	*t = ParseTimestamp(string(data))
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339Nano))), nil
}
