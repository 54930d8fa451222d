package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSOptions defines configuration for CORS.
type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSOptions lets any dashboard origin call the API, read the request id
// and download exports.
func DefaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Cache-Control", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Content-Disposition", "Location"},
		MaxAge:         600,
	}
}

func (o *CORSOptions) allowOrigin(origin string) (string, bool) {
	if slices.Contains(o.AllowedOrigins, "*") {
		if o.AllowCredentials && origin != "" {
			// browsers reject a wildcard on credentialed requests
			return origin, true
		}
		return "*", true
	}
	if origin != "" && slices.Contains(o.AllowedOrigins, origin) {
		return origin, true
	}
	return "", false
}

// CORSWithOptions creates a CORS middleware with the provided configuration.
// A nil options uses DefaultCORSOptions. Requests from origins that are not
// allowed pass through without CORS headers.
func CORSWithOptions(options *CORSOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = DefaultCORSOptions()
	}
	methods := strings.Join(options.AllowedMethods, ",")
	headers := strings.Join(options.AllowedHeaders, ",")
	exposed := strings.Join(options.ExposedHeaders, ",")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin, ok := options.allowOrigin(r.Header.Get("Origin"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			if options.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if methods != "" {
					h.Set("Access-Control-Allow-Methods", methods)
				}
				if headers != "" {
					h.Set("Access-Control-Allow-Headers", headers)
				}
				if options.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(options.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}
			next.ServeHTTP(w, r)
		})
	}
}
