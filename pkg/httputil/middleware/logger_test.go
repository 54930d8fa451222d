package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeflare/furnace/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) }
}

func TestLoggerWithOptions(t *testing.T) {
	tests := []struct {
		name      string
		reqID     string
		code      int
		path      string
		skip      bool
		wantLevel zapcore.Level
		wantLines int
		wantReqID string
	}{
		{name: "ok", reqID: "abc", code: http.StatusOK, path: "/api/messages", wantLevel: zap.InfoLevel, wantLines: 1, wantReqID: "abc"},
		{name: "client error", reqID: "abc", code: http.StatusBadRequest, path: "/api/messages/range", wantLevel: zap.WarnLevel, wantLines: 1, wantReqID: "abc"},
		{name: "server error", code: http.StatusServiceUnavailable, path: "/api/publish", wantLevel: zap.ErrorLevel, wantLines: 1, wantReqID: uuid.Nil.String()},
		{name: "skipped probe", code: http.StatusOK, path: "/api/health", skip: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := newTestLogger()
			opts := &LoggerOptions{Logger: logger}
			if tt.skip {
				opts.Skip = func(r *http.Request) bool { return r.URL.Path == tt.path }
			}

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.reqID != "" {
				req = req.WithContext(context.WithValue(req.Context(), httputil.RequestIDCtxKey, tt.reqID))
			}
			rr := httptest.NewRecorder()
			LoggerWithOptions(opts)(status(tt.code)).ServeHTTP(rr, req)

			assert.Equal(t, tt.code, rr.Code)
			require.Equal(t, tt.wantLines, logs.Len())
			if tt.wantLines == 0 {
				return
			}
			entry := logs.All()[0]
			assert.Equal(t, "response", entry.Message)
			assert.Equal(t, tt.wantLevel, entry.Level)
			assert.Equal(t, tt.wantReqID, entry.ContextMap()["req_id"])
			assert.Equal(t, int64(tt.code), entry.ContextMap()["status"])
			assert.Equal(t, tt.path, entry.ContextMap()["url"])
		})
	}
}

func TestLoggerFromContext(t *testing.T) {
	logger, logs := newTestLogger()
	handler := LoggerWithOptions(&LoggerOptions{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Logger(r.Context()).Info("inside")
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req = req.WithContext(context.WithValue(req.Context(), httputil.RequestIDCtxKey, "abc"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "abc", logs.All()[0].ContextMap()["req_id"])
	assert.Equal(t, int64(http.StatusAccepted), logs.All()[1].ContextMap()["status"])

	assert.NotNil(t, Logger(context.Background()))
}

func TestLoggerCustomFormat(t *testing.T) {
	logger, logs := newTestLogger()
	handler := LoggerWithOptions(&LoggerOptions{
		Logger: logger,
		Format: func(_ string, rec *ResponseRecorder, _ *http.Request, _ time.Duration) []zap.Field {
			return []zap.Field{zap.Int("bytes", rec.Bytes)}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("hello"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, map[string]any{"bytes": int64(5)}, logs.All()[0].ContextMap())
}

func TestLoggerDefaultOptions(t *testing.T) {
	logger, logs := newTestLogger()
	defaultLogger = logger
	t.Cleanup(func() { defaultLogger = zap.NewNop() })

	LoggerWithOptions(nil)(status(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "GET", logs.All()[0].ContextMap()["method"])
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseRecorderStreaming(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := NewResponseRecorder(inner)

	rc := http.NewResponseController(rec)
	_, err := rec.Write([]byte("data: {}\n\n"))
	require.NoError(t, err)
	require.NoError(t, rc.Flush())
	assert.True(t, inner.Flushed)
	assert.Equal(t, 10, rec.Bytes)

	_, _, err = rec.Hijack()
	assert.Error(t, err)

	hj := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	_, _, err = NewResponseRecorder(hj).Hijack()
	require.NoError(t, err)
	assert.True(t, hj.hijacked)
}
