package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/cache"
	"brewlab/internal/channel"
	"brewlab/internal/domain"
	"brewlab/internal/index"
	"brewlab/internal/processor"
	"brewlab/internal/publisher"
	"brewlab/internal/query"
)

type mockReader struct {
	lastSearch query.SearchRequest
	searchErr  error
	lastDay    time.Time
	lastPage   int
	lastSize   int
	snapshot   query.Snapshot
	week       []domain.Document
}

func (m *mockReader) Search(ctx context.Context, req query.SearchRequest) (index.Page, error) {
	m.lastSearch = req
	if m.searchErr != nil {
		return index.Page{}, m.searchErr
	}
	return index.Page{Documents: []domain.Document{{ID: "1", EntityID: "A"}}, Total: 1, Page: req.Page, Size: req.Size}, nil
}

func (m *mockReader) ByDate(ctx context.Context, day time.Time, page, size int) index.Page {
	m.lastDay, m.lastPage, m.lastSize = day, page, size
	return index.Page{Documents: []domain.Document{}, Page: page, Size: size}
}

func (m *mockReader) ByWeek(ctx context.Context, year, week int) []domain.Document {
	return m.week
}

func (m *mockReader) Summarize(ctx context.Context, year int, month time.Month) query.MonthSummary {
	return query.MonthSummary{Year: year, Month: month, ByBrewMethod: map[string]int{}}
}

func (m *mockReader) Statistics(ctx context.Context) query.Snapshot { return m.snapshot }

func (m *mockReader) Recent(ctx context.Context, limit int) []domain.Event {
	return make([]domain.Event, 0, limit)
}

func (m *mockReader) TopRated(ctx context.Context, limit int) []domain.Document {
	return []domain.Document{}
}

type downProducer struct{}

func (downProducer) Send(context.Context, string, []byte) (channel.Receipt, error) {
	return channel.Receipt{}, errors.New("no brokers available")
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(reader Reader, pub Publisher, health map[string]Pinger) *echo.Echo {
	e := echo.New()
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	Register(e, reader, pub, health, logger)
	return e
}

func do(e *echo.Echo, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSearchParsesQueryParameters(t *testing.T) {
	reader := &mockReader{}
	e := newTestServer(reader, nil, nil)

	rec := do(e, http.MethodGet, "/api/search?q=kenya&brewMethod=V60&minScore=7.5&startDate=2026-04-01&endDate=2026-04-02T23:00:00Z&eventType=EXPERIMENT_STARTED,EXPERIMENT_COMPLETED&sortBy=tasteScore&sortOrder=asc&page=1&size=5&history=true", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := reader.lastSearch
	if got.Text != "kenya" || got.BrewMethod != "V60" || got.SortBy != index.FieldTasteScore || !got.Asc || !got.History {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.MinScore == nil || *got.MinScore != 7.5 || got.MaxScore != nil {
		t.Fatalf("unexpected score bounds %v %v", got.MinScore, got.MaxScore)
	}
	if !got.From.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) || !got.To.Equal(time.Date(2026, 4, 2, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date range %v - %v", got.From, got.To)
	}
	if len(got.Kinds) != 2 || got.Kinds[1] != domain.Completed {
		t.Fatalf("unexpected kinds %v", got.Kinds)
	}
	if got.Page != 1 || got.Size != 5 {
		t.Fatalf("unexpected paging %d/%d", got.Page, got.Size)
	}

	var page index.Page
	if err := sonic.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Documents[0].EntityID != "A" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestSearchDateOnlyEndIncludesWholeDay(t *testing.T) {
	reader := &mockReader{}
	e := newTestServer(reader, nil, nil)

	rec := do(e, http.MethodGet, "/api/search?startDate=2026-04-01&endDate=2026-04-02", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	want := time.Date(2026, 4, 2, 23, 59, 59, 999999999, time.UTC)
	if got := reader.lastSearch.To; !got.Equal(want) {
		t.Fatalf("endDate = %v, want %v", got, want)
	}
	if got := reader.lastSearch.From; !got.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("startDate = %v", got)
	}
}

func TestSearchRejectsInvalidParameters(t *testing.T) {
	reader := &mockReader{}
	e := newTestServer(reader, nil, nil)
	for _, target := range []string{
		"/api/search?minScore=high",
		"/api/search?startDate=yesterday",
		"/api/search?eventType=EXPERIMENT_BREWED",
		"/api/search?size=0",
		"/api/search?page=-1",
		"/api/search?history=maybe",
	} {
		if rec := do(e, http.MethodGet, target, nil, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}

	reader.searchErr = fmt.Errorf("%w: sort by %q", query.ErrInvalidRequest, "price")
	if rec := do(e, http.MethodGet, "/api/search?sortBy=price", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid sort, got %d", rec.Code)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	reader := &mockReader{snapshot: query.Snapshot{
		TotalCompleted:      2,
		AverageScore:        7.5,
		ByBrewMethod:        map[string]int64{"V60": 2},
		MostUsedBrewMethod:  "V60",
		BestRatedCoffeeBean: query.NotAvailable,
	}}
	e := newTestServer(reader, nil, nil)

	rec := do(e, http.MethodGet, "/api/statistics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["totalExperiments"] != float64(2) || body["averageTasteScore"] != 7.5 || body["mostUsedBrewMethod"] != "V60" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestListLimits(t *testing.T) {
	e := newTestServer(&mockReader{}, nil, nil)
	cases := map[string]int{
		"/api/statistics/recent":              http.StatusOK,
		"/api/statistics/recent?limit=100":    http.StatusOK,
		"/api/statistics/recent?limit=101":    http.StatusBadRequest,
		"/api/statistics/top-rated?limit=5":   http.StatusOK,
		"/api/statistics/top-rated?limit=abc": http.StatusBadRequest,
	}
	for target, want := range cases {
		if rec := do(e, http.MethodGet, target, nil, nil); rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", target, want, rec.Code)
		}
	}
}

func TestHistoryEndpoints(t *testing.T) {
	reader := &mockReader{week: []domain.Document{{ID: "1"}}}
	e := newTestServer(reader, nil, nil)

	rec := do(e, http.MethodGet, "/api/history/date?date=2026-04-02&page=2&size=7", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !reader.lastDay.Equal(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)) || reader.lastPage != 2 || reader.lastSize != 7 {
		t.Fatalf("unexpected history call %v %d %d", reader.lastDay, reader.lastPage, reader.lastSize)
	}
	if rec := do(e, http.MethodGet, "/api/history/date", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without date, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/history/month?year=2026&month=13", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for month 13, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/history/month?year=2026&month=4", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for month, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/history/week?year=2026&week=1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var week weekResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &week); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !week.From.Equal(time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)) || len(week.Documents) != 1 {
		t.Fatalf("unexpected week response %+v", week)
	}
}

func TestPostEventPublishes(t *testing.T) {
	ch := channel.NewMemory(2, 10)
	e := newTestServer(&mockReader{}, publisher.New(ch, publisher.Options{}), nil)

	body := []byte(`{"experimentId":"A","eventType":"EXPERIMENT_COMPLETED","brewMethod":"V60","tasteScore":8}`)
	rec := do(e, http.MethodPost, "/api/events", body, map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp eventAccepted
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EventID == "" || !resp.Published || resp.Partition == nil || resp.Offset != "0" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if ch.Pending() != 1 {
		t.Fatalf("expected one message on the channel, got %d", ch.Pending())
	}
}

func TestPostEventAcceptsGzipBody(t *testing.T) {
	ch := channel.NewMemory(1, 10)
	e := newTestServer(&mockReader{}, publisher.New(ch, publisher.Options{}), nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"eventId":"evt-1","experimentId":"A","eventType":"EXPERIMENT_STARTED"}`))
	_ = zw.Close()

	rec := do(e, http.MethodPost, "/api/events", buf.Bytes(), map[string]string{echo.HeaderContentEncoding: "gzip"})
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"evt-1"`) {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/events", []byte("not gzip"), map[string]string{echo.HeaderContentEncoding: "gzip"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for broken gzip, got %d", rec.Code)
	}
}

func TestPostEventPublishFailureIsNotAnError(t *testing.T) {
	pub := publisher.New(downProducer{}, publisher.Options{})
	e := newTestServer(&mockReader{}, pub, nil)

	rec := do(e, http.MethodPost, "/api/events", []byte(`{"experimentId":"A","eventType":"EXPERIMENT_DELETED"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"published":false`) {
		t.Fatalf("expected unpublished marker, got %s", rec.Body.String())
	}
	if s := pub.Stats(); s.Failed != 1 {
		t.Fatalf("expected one failed publish, got %+v", s)
	}
}

func TestPostEventRejectsMalformedEvents(t *testing.T) {
	e := newTestServer(&mockReader{}, publisher.New(channel.NewMemory(1, 1), publisher.Options{}), nil)
	for _, body := range []string{
		`{"experimentId":`,
		`{"eventType":"EXPERIMENT_STARTED"}`,
		`{"experimentId":"A","eventType":"EXPERIMENT_BREWED"}`,
	} {
		if rec := do(e, http.MethodPost, "/api/events", []byte(body), nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestPostEventCoercesNumericStrings(t *testing.T) {
	ch := channel.NewMemory(1, 10)
	e := newTestServer(&mockReader{}, publisher.New(ch, publisher.Options{}), nil)

	body := []byte(`{"eventId":"evt-9","experimentId":"A","eventType":"EXPERIMENT_COMPLETED","tasteScore":"8.25"}`)
	if rec := do(e, http.MethodPost, "/api/events", body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	batch, err := ch.Fetch(context.Background(), 0)
	if err != nil || len(batch) != 1 {
		t.Fatalf("fetch: %v (%d deliveries)", err, len(batch))
	}
	ev, err := domain.DecodeEvent(batch[0].Payload())
	if err != nil {
		t.Fatalf("decode published event: %v", err)
	}
	if ev.TasteScore == nil || *ev.TasteScore != 8.25 {
		t.Fatalf("taste score = %v, want 8.25", ev.TasteScore)
	}
}

func TestStatsRoute(t *testing.T) {
	pub := publisher.New(downProducer{}, publisher.Options{})
	e := newTestServer(&mockReader{}, pub, nil)
	RegisterStats(e, map[string]StatsFunc{
		"publisher": func() any { return pub.Stats() },
	})

	do(e, http.MethodPost, "/api/events", []byte(`{"experimentId":"A","eventType":"EXPERIMENT_STARTED"}`), nil)
	rec := do(e, http.MethodGet, "/api/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]publisher.Stats
	if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := body["publisher"]
	if got.Failed != 1 || got.LastError == "" {
		t.Fatalf("publish failure not reported: %+v", got)
	}
}

func TestIngressIsOptional(t *testing.T) {
	e := newTestServer(&mockReader{}, nil, nil)
	rec := do(e, http.MethodPost, "/api/events", []byte(`{}`), nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected ingress to be absent, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("timeout") })

	e := newTestServer(&mockReader{}, nil, map[string]Pinger{"cache": ok, "index": ok})
	if rec := do(e, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	e = newTestServer(&mockReader{}, nil, map[string]Pinger{"cache": ok, "index": down})
	rec := do(e, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "timeout") {
		t.Fatalf("expected 503 naming the failure, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestEndToEnd drives an event from the ingress route through the processor
// and reads it back from the statistics and search routes.
func TestEndToEnd(t *testing.T) {
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	store := cache.New(rc, cache.Options{})
	idx := index.NewMemory()
	ch := channel.NewMemory(1, 10)
	proc := processor.New(idx, store, processor.Options{})
	e := newTestServer(query.New(idx, store, query.Options{}), publisher.New(ch, publisher.Options{}), map[string]Pinger{"cache": store})

	for _, body := range []string{
		`{"experimentId":"A","eventType":"EXPERIMENT_STARTED","brewMethod":"V60","timestamp":"2026-04-02T09:00:00Z"}`,
		`{"experimentId":"A","eventType":"EXPERIMENT_COMPLETED","brewMethod":"V60","tasteScore":8,"timestamp":"2026-04-02T09:05:00Z"}`,
	} {
		if rec := do(e, http.MethodPost, "/api/events", []byte(body), nil); rec.Code != http.StatusAccepted {
			t.Fatalf("publish: %d", rec.Code)
		}
	}
	batch, err := ch.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, d := range batch {
		if !proc.Deliver(context.Background(), d) {
			t.Fatalf("delivery %s not acknowledged", d.Receipt().Offset)
		}
	}

	rec := do(e, http.MethodGet, "/api/statistics", nil, nil)
	if !strings.Contains(rec.Body.String(), `"totalExperiments":1`) || !strings.Contains(rec.Body.String(), `"averageTasteScore":8`) {
		t.Fatalf("unexpected statistics %s", rec.Body.String())
	}
	rec = do(e, http.MethodGet, "/api/search?brewMethod=V60", nil, nil)
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Fatalf("unexpected search result %s", rec.Body.String())
	}
	if rec := do(e, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
}
