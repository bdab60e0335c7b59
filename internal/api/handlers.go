// Package api exposes the read model over HTTP and accepts events from the
// system of record.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/channel"
	"brewlab/internal/domain"
	"brewlab/internal/index"
	"brewlab/internal/query"
)

const (
	postEventMaxSize = 64 << 10
	defaultListLimit = 10
	maxListLimit     = 100
	healthTimeout    = 2 * time.Second
)

// Reader is the query side served by the API.
type Reader interface {
	Search(ctx context.Context, req query.SearchRequest) (index.Page, error)
	ByDate(ctx context.Context, day time.Time, page, size int) index.Page
	ByWeek(ctx context.Context, year, week int) []domain.Document
	Summarize(ctx context.Context, year int, month time.Month) query.MonthSummary
	Statistics(ctx context.Context) query.Snapshot
	Recent(ctx context.Context, limit int) []domain.Event
	TopRated(ctx context.Context, limit int) []domain.Document
}

// Publisher accepts events for the channel.
type Publisher interface {
	Prepare(ev domain.Event) (domain.Event, error)
	Publish(ctx context.Context, ev domain.Event) (channel.Receipt, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Register wires up all API routes on the provided Echo instance. pub may be
// nil, in which case the ingress route is not registered.
func Register(e *echo.Echo, reader Reader, pub Publisher, health map[string]Pinger, logger *log.Logger) {
	e.GET("/api/statistics", getStatistics(reader, logger))
	e.GET("/api/statistics/recent", getRecent(reader, logger))
	e.GET("/api/statistics/top-rated", getTopRated(reader, logger))
	e.GET("/api/search", getSearch(reader, logger))
	e.GET("/api/history/date", getHistoryByDate(reader, logger))
	e.GET("/api/history/month", getHistoryByMonth(reader, logger))
	e.GET("/api/history/week", getHistoryByWeek(reader, logger))
	if pub != nil {
		e.POST("/api/events", postEvent(pub), GzipRequestMiddleware())
	}
	e.GET("/healthz", healthz(health))
}

type weekResponse struct {
	Year      int               `json:"year"`
	Week      int               `json:"week"`
	From      time.Time         `json:"from"`
	To        time.Time         `json:"to"`
	Documents []domain.Document `json:"documents"`
}

type eventAccepted struct {
	EventID   string `json:"eventId"`
	Published bool   `json:"published"`
	Partition *int   `json:"partition,omitempty"`
	Offset    string `json:"offset,omitempty"`
}

// instrumented wraps fn with request metrics and renders its result as
// JSON. Errors returned by fn must be *echo.HTTPError.
func instrumented(logger *log.Logger, route string, fn func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error)) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			var logErr error
			if status >= http.StatusInternalServerError {
				logErr = err
			}
			metrics.Log(status, logErr)
		}()

		fetchStart := time.Now()
		body, err := fn(ctx, c, metrics)
		metrics.ObserveFetch(time.Since(fetchStart))
		if err != nil {
			return err
		}
		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, body)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func badRequest(m *requestMetrics, stage, msg string) error {
	m.SetErrorStage(stage)
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func getStatistics(reader Reader, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/statistics", func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error) {
		snap := reader.Statistics(ctx)
		m.SetResults(len(snap.ByBrewMethod) + len(snap.ByCoffeeBean) + len(snap.ByRoastLevel))
		return snap, nil
	})
}

func getRecent(reader Reader, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/statistics/recent", func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error) {
		limit, err := intParam(c, "limit", defaultListLimit)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return nil, badRequest(m, "invalid_limit", "invalid limit")
		}
		events := reader.Recent(ctx, limit)
		m.SetResults(len(events))
		return events, nil
	})
}

func getTopRated(reader Reader, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/statistics/top-rated", func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error) {
		limit, err := intParam(c, "limit", defaultListLimit)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return nil, badRequest(m, "invalid_limit", "invalid limit")
		}
		docs := reader.TopRated(ctx, limit)
		m.SetResults(len(docs))
		return docs, nil
	})
}

func getSearch(reader Reader, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/search", func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error) {
		req, err := parseSearchRequest(c)
		if err != nil {
			return nil, badRequest(m, "invalid_query", err.Error())
		}
		page, err := reader.Search(ctx, req)
		if err != nil {
			return nil, badRequest(m, "invalid_query", err.Error())
		}
		m.SetResults(len(page.Documents))
		return page, nil
	})
}

func getHistoryByDate(reader Reader, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/history/date", func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error) {
		day, err := parseDate(c.QueryParam("date"))
		if err != nil {
			return nil, badRequest(m, "invalid_date", "invalid date")
		}
		page, size, err := paging(c)
		if err != nil {
			return nil, badRequest(m, "invalid_page", err.Error())
		}
		result := reader.ByDate(ctx, day, page, size)
		m.SetResults(len(result.Documents))
		return result, nil
	})
}

func getHistoryByMonth(reader Reader, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/history/month", func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error) {
		now := time.Now().UTC()
		year, err := intParam(c, "year", now.Year())
		if err != nil || year < 1 || year > 9999 {
			return nil, badRequest(m, "invalid_year", "invalid year")
		}
		month, err := intParam(c, "month", int(now.Month()))
		if err != nil || month < 1 || month > 12 {
			return nil, badRequest(m, "invalid_month", "invalid month")
		}
		sum := reader.Summarize(ctx, year, time.Month(month))
		m.SetResults(len(sum.Documents))
		return sum, nil
	})
}

func getHistoryByWeek(reader Reader, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/history/week", func(ctx context.Context, c echo.Context, m *requestMetrics) (any, error) {
		nowYear, nowWeek := time.Now().UTC().ISOWeek()
		year, err := intParam(c, "year", nowYear)
		if err != nil || year < 1 || year > 9999 {
			return nil, badRequest(m, "invalid_year", "invalid year")
		}
		week, err := intParam(c, "week", nowWeek)
		if err != nil || week < 1 || week > 53 {
			return nil, badRequest(m, "invalid_week", "invalid week")
		}
		w := query.WeekWindow(year, week)
		docs := reader.ByWeek(ctx, year, week)
		m.SetResults(len(docs))
		return weekResponse{Year: year, Week: week, From: w.From, To: w.To, Documents: docs}, nil
	})
}

func postEvent(pub Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw, err := io.ReadAll(io.LimitReader(c.Request().Body, postEventMaxSize))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ev, err := domain.DecodeEvent(raw)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ev, err = pub.Prepare(ev)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		resp := eventAccepted{EventID: ev.EventID}
		receipt, err := pub.Publish(c.Request().Context(), ev)
		if err != nil {
			// Non-fatal: the publisher has logged and counted the loss.
			return c.JSON(http.StatusAccepted, resp)
		}
		resp.Published = true
		resp.Partition = &receipt.Partition
		resp.Offset = receipt.Offset
		return c.JSON(http.StatusAccepted, resp)
	}
}

// StatsFunc reports the counters of one component.
type StatsFunc func() any

// RegisterStats exposes operational counters, such as publish and
// processing outcomes, under GET /api/stats.
func RegisterStats(e *echo.Echo, sources map[string]StatsFunc) {
	e.GET("/api/stats", func(c echo.Context) error {
		out := make(map[string]any, len(sources))
		for name, f := range sources {
			out[name] = f()
		}
		return c.JSON(http.StatusOK, out)
	})
}

func healthz(checks map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		return c.JSON(status, report)
	}
}

func parseSearchRequest(c echo.Context) (query.SearchRequest, error) {
	req := query.SearchRequest{
		Text:       c.QueryParam("q"),
		CoffeeBean: c.QueryParam("coffeeBean"),
		BrewMethod: c.QueryParam("brewMethod"),
		RoastLevel: c.QueryParam("roastLevel"),
		SortBy:     index.Field(strings.TrimSpace(c.QueryParam("sortBy"))),
		Asc:        strings.EqualFold(c.QueryParam("sortOrder"), "asc"),
	}
	var err error
	if req.MinScore, err = floatParam(c, "minScore"); err != nil {
		return req, err
	}
	if req.MaxScore, err = floatParam(c, "maxScore"); err != nil {
		return req, err
	}
	if v := c.QueryParam("startDate"); v != "" {
		if req.From, err = parseDate(v); err != nil {
			return req, fmt.Errorf("invalid startDate")
		}
	}
	if v := c.QueryParam("endDate"); v != "" {
		if req.To, err = parseDate(v); err != nil {
			return req, fmt.Errorf("invalid endDate")
		}
		// A bare date includes the whole day.
		if _, derr := time.Parse(time.DateOnly, strings.TrimSpace(v)); derr == nil {
			req.To = req.To.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
	}
	for _, raw := range c.QueryParams()["eventType"] {
		for _, k := range strings.Split(raw, ",") {
			kind := domain.Kind(strings.TrimSpace(k))
			if !kind.Valid() {
				return req, fmt.Errorf("invalid eventType %q", k)
			}
			req.Kinds = append(req.Kinds, kind)
		}
	}
	if v := c.QueryParam("history"); v != "" {
		if req.History, err = strconv.ParseBool(v); err != nil {
			return req, fmt.Errorf("invalid history flag")
		}
	}
	req.Page, req.Size, err = paging(c)
	return req, err
}

func paging(c echo.Context) (int, int, error) {
	page, err := intParam(c, "page", 0)
	if err != nil || page < 0 {
		return 0, 0, fmt.Errorf("invalid page")
	}
	size, err := intParam(c, "size", index.DefaultPageSize)
	if err != nil || size <= 0 || size > index.MaxPageSize {
		return 0, 0, fmt.Errorf("invalid size")
	}
	return page, size, nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func floatParam(c echo.Context, name string) (*float64, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &f, nil
}

// parseDate accepts a calendar date or an RFC 3339 instant.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02T15:04:05", raw)
}
