package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgeflare/furnace/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecover(t *testing.T) {
	logger, logs := newTestLogger()
	h := httputil.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), LoggerWithOptions(&LoggerOptions{Logger: logger}), Recover)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "internal server error", body.Error)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "handler panic", logs.All()[0].Message)
	assert.Equal(t, int64(http.StatusInternalServerError), logs.All()[1].ContextMap()["status"])
}

func TestStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>furnace</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	tests := []struct {
		name        string
		path        string
		spa         bool
		wantStatus  int
		wantContain string
	}{
		{"index", "/", false, http.StatusOK, "furnace"},
		{"asset", "/app.js", false, http.StatusOK, "console.log"},
		{"missing", "/nope.css", false, http.StatusNotFound, `"success":false`},
		{"spa fallback", "/dashboard/zone/1", true, http.StatusOK, "furnace"},
		{"traversal", "/../../etc/passwd", false, http.StatusNotFound, `"success":false`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.URL.Path = tt.path
			Static(dir, tt.spa).ServeHTTP(rr, req)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantContain)
		})
	}
}
