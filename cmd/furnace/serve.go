package furnace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/furnace/pkg/api"
	"github.com/edgeflare/furnace/pkg/chart"
	"github.com/edgeflare/furnace/pkg/config"
	"github.com/edgeflare/furnace/pkg/fanout"
	"github.com/edgeflare/furnace/pkg/history"
	"github.com/edgeflare/furnace/pkg/httputil"
	mw "github.com/edgeflare/furnace/pkg/httputil/middleware"
	"github.com/edgeflare/furnace/pkg/metrics"
	"github.com/edgeflare/furnace/pkg/mqtt"
	"github.com/edgeflare/furnace/pkg/relay"
	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// Register built-in sinks
	_ "github.com/edgeflare/furnace/pkg/sink/clickhouse"
	"github.com/edgeflare/furnace/pkg/sink/debug"
	_ "github.com/edgeflare/furnace/pkg/sink/file"
	_ "github.com/edgeflare/furnace/pkg/sink/kafka"
	_ "github.com/edgeflare/furnace/pkg/sink/nats"
	_ "github.com/edgeflare/furnace/pkg/sink/postgres"
)

const (
	shutdownTimeout = 10 * time.Second
	viewSweep       = time.Minute
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Run the relay",
	Long:    `Subscribe to the broker, persist readings and serve the dashboard API.`,
	RunE:    runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("listen", "l", "", "HTTP listen address (overrides http.listenAddr)")
	f.String("static", "", "directory of dashboard files to serve (overrides http.staticDir)")
	f.Bool("metrics", true, "Enable Prometheus metrics server")
	f.String("metrics-addr", "", "Prometheus metrics server address (overrides metrics.addr)")
}

func applyServeFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if v, _ := f.GetString("listen"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v, _ := f.GetString("static"); v != "" {
		c.HTTP.StaticDir = v
	}
	if f.Changed("metrics") {
		c.Metrics.Enabled, _ = f.GetBool("metrics")
	}
	if v, _ := f.GetString("metrics-addr"); v != "" {
		c.Metrics.Addr = v
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	applyServeFlags(cmd, cfg)

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.File != "" {
		logger.Info("using config file", zap.String("path", cfg.File))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// the debug sink logs through the process logger
	sink.Register(sink.ConnectorDebug, func() sink.Sink { return debug.New(logger.Named("sink.debug")) })
	sinks, err := sink.Open(ctx, cfg.Sinks)
	if err != nil {
		return fmt.Errorf("failed to open sinks: %w", err)
	}
	persister := relay.NewPersister(sinks, relay.PersisterOptions{
		QueueSize:    cfg.Persist.QueueSize,
		WriteTimeout: cfg.Persist.WriteTimeout,
		Logger:       logger.Named("persist"),
	})
	closePersister := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := persister.Close(closeCtx); err != nil && !errors.Is(err, relay.ErrPersisterClosed) {
			logger.Warn("error closing sinks", zap.Error(err))
		}
	}

	store := history.NewStore(cfg.History.Capacity)
	views := chart.NewRegistry(cfg.Chart.Size, cfg.Chart.Capacity, cfg.Chart.TTL)
	broadcaster := fanout.New(
		fanout.WithLogger(logger.Named("fanout")),
		fanout.WithMembershipHook(func(n int) { metrics.Observers.Set(float64(n)) }),
		fanout.WithEvictionHook(func(fanout.Handle, error) { metrics.ObserverEvictions.Inc() }),
	)

	broker, err := mqtt.NewClient(cfg.MQTT, logger.Named("mqtt"))
	if err != nil {
		closePersister()
		return fmt.Errorf("invalid mqtt config: %w", err)
	}

	svc := relay.New(store,
		relay.WithViews(views),
		relay.WithBroadcaster(broadcaster),
		relay.WithPersister(persister),
		relay.WithPublisher(broker, cfg.MQTT.PublishTopic),
		relay.WithLogger(logger.Named("relay")),
	)

	if err := restoreHistory(ctx, svc, sinks, cfg.History); err != nil {
		logger.Warn("history restore failed", zap.Error(err))
	}
	source, err := historySource(store, sinks, cfg.History.Source)
	if err != nil {
		closePersister()
		return err
	}

	if err := broker.Connect(ctx); err != nil {
		closePersister()
		return err
	}

	router := newRouter(cfg, logger)
	api.New(svc, broadcaster,
		api.WithSource(source),
		api.WithLocation(loc),
		api.WithMaxRows(cfg.HTTP.MaxRows),
		api.WithObserverBuffer(cfg.HTTP.ObserverBuffer),
		api.WithKeepAlive(cfg.HTTP.KeepAlive),
		api.WithStaticDir(cfg.HTTP.StaticDir),
		api.WithLogger(logger.Named("api")),
	).Register(router)

	ln, err := net.Listen("tcp", cfg.HTTP.ListenAddr)
	if err != nil {
		broker.Disconnect()
		closePersister()
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	var metricsWG sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(gctx, &metricsWG, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Logger: logger.Named("metrics"),
		})
	}

	g.Go(func() error {
		if err := router.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	relayDone := make(chan struct{})
	g.Go(func() error {
		defer close(relayDone)
		// stops when the broker client closes its message channel
		return svc.Run(context.Background(), broker.Messages())
	})

	g.Go(func() error {
		ticker := time.NewTicker(viewSweep)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := views.CleanupExpired(); n > 0 {
					logger.Debug("expired chart views", zap.Int("removed", n))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		broker.Disconnect()
		<-relayDone
		closePersister()
		broadcaster.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := router.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	metricsWG.Wait()
	if err != nil {
		return err
	}
	logger.Info("shutdown complete", zap.Uint64("accepted", svc.Stats().Accepted))
	return nil
}

func newRouter(c *config.Config, logger *zap.Logger) *httputil.Router {
	opts := []httputil.RouterOptions{
		httputil.WithLogger(logger.Named("http")),
		httputil.WithServerOptions(func(s *http.Server) {
			s.ReadHeaderTimeout = 5 * time.Second
		}),
	}
	if c.HTTP.TLS.Enabled {
		opts = append(opts, httputil.WithTLS(c.HTTP.TLS.CertFile, c.HTTP.TLS.KeyFile))
	}
	r := httputil.NewRouter(opts...)

	cors := mw.DefaultCORSOptions()
	if len(c.HTTP.CORSOrigins) > 0 {
		cors.AllowedOrigins = c.HTTP.CORSOrigins
	}
	r.Use(mw.Recover, mw.RequestID, mw.CORSWithOptions(cors))
	if logLevel != "none" {
		r.Use(mw.LoggerWithOptions(&mw.LoggerOptions{
			Logger: logger.Named("access"),
			Skip:   func(req *http.Request) bool { return req.URL.Path == "/api/health" },
		}))
	}
	return r
}

func findSink(sinks []sink.Named, name string) (sink.Named, bool) {
	for _, s := range sinks {
		if s.Name == name {
			return s, true
		}
	}
	return sink.Named{}, false
}

// restoreHistory refills the store from the configured restore sink.
func restoreHistory(ctx context.Context, svc *relay.Service, sinks []sink.Named, hc config.HistoryConfig) error {
	if hc.Restore == "" {
		return nil
	}
	s, ok := findSink(sinks, hc.Restore)
	if !ok {
		return fmt.Errorf("restore sink %q not found", hc.Restore)
	}
	loader, ok := s.Sink.(sink.Loader)
	if !ok {
		return fmt.Errorf("sink %q cannot load history", hc.Restore)
	}
	readings, err := loader.Load(ctx, svc.Store().Capacity())
	if err != nil {
		return fmt.Errorf("load from %s: %w", hc.Restore, err)
	}
	svc.Restore(readings)
	return nil
}

// historySource picks what answers history queries: the in-memory store or a
// queryable sink.
func historySource(store *history.Store, sinks []sink.Named, name string) (history.Querier, error) {
	if name == "" || name == config.SourceMemory {
		return store, nil
	}
	s, ok := findSink(sinks, name)
	if !ok {
		return nil, fmt.Errorf("history source %q not found", name)
	}
	q, ok := s.Sink.(history.Querier)
	if !ok {
		return nil, fmt.Errorf("sink %q cannot answer history queries", name)
	}
	return q, nil
}
