package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "brewlab/api"
	requestSpanName    = "brewlab.http.request"
	requestEventName   = "brewlab.http.request.completed"
	requestEventDomain = "brewlab.read"
	observabilityEvent = "observability.event"
)

// requestMetrics records the phases of one request and emits them as a
// single structured log entry and span.
type requestMetrics struct {
	logger        *log.Logger
	route         string
	start         time.Time
	span          trace.Span
	fetchDuration time.Duration
	encodeDur     time.Duration
	results       int
	resultsSet    bool
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
		span:   span,
	}, ctx
}

func (m *requestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDur = d
	}
}

func (m *requestMetrics) SetResults(n int) {
	if n < 0 {
		n = 0
	}
	m.results = n
	m.resultsSet = true
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log emits the observability event and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	defer m.span.End()

	attrs := map[string]any{
		"http.route":            m.route,
		"http.status_code":      status,
		"brewlab.http.total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.fetchDuration > 0 {
		attrs["brewlab.http.fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDur > 0 {
		attrs["brewlab.http.encode_ms"] = durationToMillis(m.encodeDur)
	}
	if m.resultsSet {
		attrs["brewlab.http.results"] = m.results
	}
	if m.errorStage != "" {
		attrs["brewlab.http.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	sevText, sevNumber := severityForStatus(status, err)
	kvs := toKeyValues(attrs)
	m.span.SetAttributes(kvs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(append(kvs,
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", sevText),
	)...))
	switch {
	case err != nil:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   sevText,
		"severity_number": sevNumber,
	}
	if sc := m.span.SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(sevNumber), observabilityEvent)
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(n int) log.Level {
	switch {
	case n >= 17:
		return log.ErrorLevel
	case n >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
