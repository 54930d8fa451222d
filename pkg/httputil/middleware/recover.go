package middleware

import (
	"net/http"

	"github.com/edgeflare/furnace/pkg/httputil"
	"go.uber.org/zap"
)

// Recover turns a handler panic into a 500 JSON error and logs it.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			Logger(r.Context()).Error("handler panic",
				zap.Any("panic", rv),
				zap.String("method", r.Method),
				zap.String("url", r.URL.String()),
				zap.Stack("stack"),
			)
			httputil.Error(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
