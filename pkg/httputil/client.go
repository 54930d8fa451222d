package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RequestConfig holds configuration for outgoing requests.
type RequestConfig struct {
	Logger         *zap.Logger
	Headers        http.Header
	Method         string
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRequestConfig retries three times with exponential backoff.
func DefaultRequestConfig(method, url string) RequestConfig {
	return RequestConfig{
		Method:         method,
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// Response is a fully read reply.
type Response struct {
	Headers    http.Header
	Body       []byte
	StatusCode int
}

// StatusError reports a non-2xx reply. The body is kept for the caller to
// decode, usually an ErrorResponse.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, bytes.TrimSpace(e.Body))
}

// Temporary reports whether retrying could help.
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// Request sends body (may be nil) and retries transport errors, 5xx and 429
// replies. The last response is returned alongside a StatusError.
func Request(ctx context.Context, config RequestConfig, body []byte) (*Response, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: config.Timeout}

	var (
		response *Response
		attempt  int
	)
	operation := func() error {
		attempt++
		if attempt > 1 {
			logger.Debug("retrying request", zap.String("url", config.URL), zap.Int("attempt", attempt))
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, config.Method, config.URL, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for key, values := range config.Headers {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		response = &Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			serr := &StatusError{Code: resp.StatusCode, Body: data}
			if !serr.Temporary() {
				return backoff.Permanent(serr)
			}
			return serr
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialBackoff
	b.MaxInterval = config.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(config.MaxRetries, 0))), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		logger.Debug("request failed", zap.String("url", config.URL), zap.Int("attempts", attempt), zap.Error(err))
		return response, err
	}
	return response, nil
}

// GetJSON fetches config.URL and decodes the JSON reply into dst.
func GetJSON(ctx context.Context, config RequestConfig, dst any) error {
	config.Method = http.MethodGet
	if config.Headers == nil {
		config.Headers = http.Header{}
	}
	config.Headers.Set("Accept", "application/json")

	resp, err := Request(ctx, config, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", config.URL, err)
	}
	return nil
}
