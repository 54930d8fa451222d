package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ReadingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furnace_readings_received_total",
			Help: "Total number of MQTT messages received by topic",
		},
		[]string{"topic"},
	)

	ReadingsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "furnace_readings_accepted_total",
			Help: "Total number of readings that passed deduplication",
		},
	)

	ReadingsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "furnace_readings_duplicate_total",
			Help: "Total number of readings rejected as consecutive duplicates",
		},
	)

	IngestDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "furnace_ingest_dropped_total",
			Help: "Total number of inbound messages dropped because the ingest queue was full",
		},
	)

	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "furnace_observers",
			Help: "Number of live stream observers",
		},
	)

	ObserverEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "furnace_observer_evictions_total",
			Help: "Total number of observers removed after a failed delivery",
		},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furnace_sink_errors_total",
			Help: "Total number of persistence errors by sink",
		},
		[]string{"sink"},
	)

	PersistDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "furnace_persist_dropped_total",
			Help: "Total number of readings dropped because the persist queue was full",
		},
	)

	SinkWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "furnace_sink_write_duration_seconds",
			Help:    "Duration of a single sink write",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		Logger:            zap.NewNop(),
	}
}

// StartPrometheusServer serves the default registry until ctx is canceled,
// then shuts the server down gracefully. wg is released once the listener
// has returned.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		if opts.Logger != nil {
			effectiveOpts.Logger = opts.Logger
		}
	}
	logger := effectiveOpts.Logger

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr), zap.String("path", effectiveOpts.Path))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-serverClosed:
			return
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
