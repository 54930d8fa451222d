package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRouterHandle(t *testing.T) {
	r := NewRouter()
	r.HandleFunc("GET /test", ok)

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/test", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouterHandleAnyMethod(t *testing.T) {
	r := NewRouter()
	r.HandleFunc("ANY /api/", func(w http.ResponseWriter, _ *http.Request) {
		Error(w, http.StatusNotFound, "not found")
	})
	r.HandleFunc("GET /api/stats", ok)

	for _, method := range []string{"GET", "POST", "DELETE"} {
		w := httptest.NewRecorder()
		r.Handler().ServeHTTP(w, httptest.NewRequest(method, "/api/unknown", nil))
		assert.Equal(t, http.StatusNotFound, w.Code, method)
		assert.JSONEq(t, `{"success":false,"error":"not found","code":404}`, w.Body.String())
	}

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouterHandleInvalidPattern(t *testing.T) {
	assert.Panics(t, func() { NewRouter().HandleFunc("/no-method", ok) })
}

func TestRouterMiddleware(t *testing.T) {
	r := NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Test", "true")
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("GET /test", ok)

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, "true", w.Header().Get("X-Test"))

	w = httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Test"), "unmatched requests pass through middleware too")
}

func TestRouterGroup(t *testing.T) {
	var calls []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				calls = append(calls, name)
				next.ServeHTTP(w, req)
			})
		}
	}

	r := NewRouter()
	r.Use(tag("root"))
	api := r.Group("/api")
	api.Use(tag("api"))
	v1 := api.Group("/v1")
	v1.HandleFunc("GET /test", ok)
	r.HandleFunc("GET /plain", ok)

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"root", "api"}, calls)

	calls = nil
	r.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/plain", nil))
	assert.Equal(t, []string{"root"}, calls)
}

func serve(t *testing.T, r *Router) (string, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Serve(ln) }()
	return ln.Addr().String(), done
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestRouterServeAndShutdown(t *testing.T) {
	r := NewRouter()
	r.HandleFunc("GET /test", ok)
	addr, done := serve(t, r)

	resp, err := http.Get("http://" + addr + "/test")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}

func TestRouterTLS(t *testing.T) {
	dir := t.TempDir()
	r := NewRouter(WithTLS(filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")))
	r.HandleFunc("GET /test", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "secure")
	})
	addr, done := serve(t, r)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + addr + "/test")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "secure", string(body))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.True(t, errors.Is(<-done, http.ErrServerClosed))
}

func BenchmarkRouterServeHTTP(b *testing.B) {
	r := NewRouter()
	r.HandleFunc("GET /test", ok)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.mux.ServeHTTP(w, req)
	}
}
