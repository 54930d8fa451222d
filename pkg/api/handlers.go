package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/furnace/pkg/history"
	"github.com/edgeflare/furnace/pkg/httputil"
	"github.com/edgeflare/furnace/pkg/relay"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"go.uber.org/zap"
)

const (
	defaultLatestLimit = 10
	defaultRangeLimit  = 100
	exportFilename     = "tuihuolu-data.csv"
)

// RealtimeResponse is the body of GET /api/realtime.
type RealtimeResponse struct {
	Success   bool               `json:"success"`
	Data      *telemetry.Reading `json:"data"`
	Timestamp int64              `json:"timestamp"`
}

// Stats is the body of GET /api/stats under "stats".
type Stats struct {
	TotalRecords         int     `json:"totalRecords"`
	LastUpdate           *int64  `json:"lastUpdate"`
	AvgTemperature       float64 `json:"avgTemperature"`
	SystemStatus         string  `json:"systemStatus"`
	Uptime               float64 `json:"uptime"`
	Observers            int     `json:"observers"`
	DuplicatesSuppressed uint64  `json:"duplicatesSuppressed"`
}

// PublishRequest is the body of POST /api/publish and the data of a
// WebSocket publish event. Payload may be a JSON string, sent verbatim, or
// any other JSON value, sent as its encoding.
type PublishRequest struct {
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Bytes returns the payload to put on the wire.
func (p PublishRequest) Bytes() []byte {
	raw := bytes.TrimSpace(p.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var text string
	if raw[0] == '"' && json.Unmarshal(raw, &text) == nil {
		return []byte(text)
	}
	return raw
}

// PublishResponse reports where a publish-back message went.
type PublishResponse struct {
	Success bool   `json:"success"`
	Topic   string `json:"topic,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"requestId": httputil.RequestID(r),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLatestLimit)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = defaultLatestLimit
	}
	readings, err := s.source.Latest(r.Context(), min(limit, s.maxRows))
	if err != nil {
		s.fail(w, r, "latest query failed", err)
		return
	}
	httputil.JSON(w, http.StatusOK, nonNil(readings))
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startDate, endDate := q.Get("startDate"), q.Get("endDate")
	if startDate == "" || endDate == "" {
		httputil.Error(w, http.StatusBadRequest, "startDate and endDate are required")
		return
	}
	start, end, err := s.dayBounds(startDate, endDate)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultRangeLimit)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = defaultRangeLimit
	}

	readings, err := s.source.RangeQuery(r.Context(), start, end, min(limit, s.maxRows), offset)
	if err != nil {
		s.fail(w, r, "range query failed", err)
		return
	}
	httputil.JSON(w, http.StatusOK, nonNil(readings))
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	resp := RealtimeResponse{Success: true, Timestamp: s.now().UnixMilli()}
	latest, err := s.source.Latest(r.Context(), 1)
	if err != nil {
		s.fail(w, r, "latest query failed", err)
		return
	}
	if len(latest) > 0 {
		resp.Data = &latest[0]
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.source.Count(r.Context())
	if err != nil {
		s.fail(w, r, "count failed", err)
		return
	}
	latest, err := s.source.Latest(r.Context(), 1)
	if err != nil {
		s.fail(w, r, "latest query failed", err)
		return
	}

	stats := Stats{
		TotalRecords:         total,
		SystemStatus:         "online",
		Uptime:               s.now().Sub(s.started).Seconds(),
		DuplicatesSuppressed: s.relay.Stats().Duplicates,
	}
	if s.broadcaster != nil {
		stats.Observers = s.broadcaster.Len()
	}
	if len(latest) > 0 {
		stats.LastUpdate = &latest[0].Timestamp
		if avg, ok := latest[0].Payload.Fields().AverageTemperature(); ok {
			stats.AvgTemperature = math.Round(avg)
		}
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startDate, endDate := q.Get("startDate"), q.Get("endDate")
	start, end := history.MinTime, history.MaxTime
	switch {
	case startDate != "" && endDate != "":
		var err error
		if start, end, err = s.dayBounds(startDate, endDate); err != nil {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
	case startDate != "" || endDate != "":
		httputil.Error(w, http.StatusBadRequest, "startDate and endDate must be given together")
		return
	}

	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httputil.Error(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}

	readings, err := s.source.RangeQuery(r.Context(), start, end, 0, 0)
	if err != nil {
		s.fail(w, r, "export query failed", err)
		return
	}

	if format == "json" {
		httputil.JSON(w, http.StatusOK, nonNil(readings))
		return
	}
	var buf bytes.Buffer
	if err := telemetry.WriteCSV(&buf, readings, s.loc); err != nil {
		s.fail(w, r, "csv export failed", err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportFilename+`"`)
	httputil.Blob(w, http.StatusOK, buf.Bytes(), "text/csv; charset=utf-8")
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	topic, err := s.relay.Publish(r.Context(), req.Topic, req.Bytes())
	switch {
	case errors.Is(err, relay.ErrEmptyPayload):
		httputil.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrNoPublisher):
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.fail(w, r, "publish failed", err)
	default:
		httputil.JSON(w, http.StatusOK, PublishResponse{Success: true, Topic: topic})
	}
}

// dayBounds resolves two YYYY-MM-DD dates to the first and last millisecond
// of those days in the server location.
func (s *Server) dayBounds(startDate, endDate string) (int64, int64, error) {
	start, err := time.ParseInLocation(time.DateOnly, startDate, s.loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid startDate %q: expected YYYY-MM-DD", startDate)
	}
	end, err := time.ParseInLocation(time.DateOnly, endDate, s.loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid endDate %q: expected YYYY-MM-DD", endDate)
	}
	return start.UnixMilli(), end.AddDate(0, 0, 1).UnixMilli() - 1, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, zap.Error(err), zap.String("req_id", httputil.RequestID(r)))
	httputil.Error(w, http.StatusInternalServerError, err.Error())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func nonNil(readings []telemetry.Reading) []telemetry.Reading {
	if readings == nil {
		return []telemetry.Reading{}
	}
	return readings
}
