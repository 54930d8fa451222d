// Package api serves the furnace dashboard HTTP surface: history queries,
// export, publish-back, chart views and the live SSE and WebSocket streams.
package api

import (
	"net/http"
	"time"

	"github.com/edgeflare/furnace/pkg/fanout"
	"github.com/edgeflare/furnace/pkg/history"
	"github.com/edgeflare/furnace/pkg/httputil"
	"github.com/edgeflare/furnace/pkg/httputil/middleware"
	"github.com/edgeflare/furnace/pkg/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRows caps the rows of a single query response.
	DefaultMaxRows = 500
	// DefaultKeepAlive is the SSE comment and WebSocket ping interval.
	DefaultKeepAlive = 30 * time.Second
)

// Server holds the handlers of the /api routes.
type Server struct {
	relay       *relay.Service
	source      history.Querier
	broadcaster *fanout.Broadcaster
	loc         *time.Location
	logger      *zap.Logger
	staticDir   string
	maxRows     int
	buffer      int
	keepAlive   time.Duration
	started     time.Time
	now         func() time.Time
	upgrader    websocket.Upgrader
}

type Option func(*Server)

// WithSource answers history queries from q instead of the in-memory store.
func WithSource(q history.Querier) Option { return func(s *Server) { s.source = q } }

// WithLocation sets the zone used to resolve calendar dates and CSV times.
func WithLocation(loc *time.Location) Option { return func(s *Server) { s.loc = loc } }

func WithMaxRows(n int) Option { return func(s *Server) { s.maxRows = n } }

// WithObserverBuffer sets the queue length of each stream client.
func WithObserverBuffer(n int) Option { return func(s *Server) { s.buffer = n } }

func WithKeepAlive(d time.Duration) Option { return func(s *Server) { s.keepAlive = d } }

// WithStaticDir serves dashboard files from dir on every non-API path.
func WithStaticDir(dir string) Option { return func(s *Server) { s.staticDir = dir } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// New returns a server over svc and the broadcaster its stream clients
// subscribe to.
func New(svc *relay.Service, b *fanout.Broadcaster, opts ...Option) *Server {
	s := &Server{
		relay:       svc,
		source:      svc.Store(),
		broadcaster: b,
		loc:         time.Local,
		logger:      zap.NewNop(),
		maxRows:     DefaultMaxRows,
		buffer:      fanout.DefaultBuffer,
		keepAlive:   DefaultKeepAlive,
		now:         time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(*http.Request) bool { return true },
			EnableCompression: true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRows <= 0 {
		s.maxRows = DefaultMaxRows
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAlive
	}
	s.started = s.now()
	return s
}

// Register mounts the API under /api on r, plus the static dashboard (or a
// JSON 404) on every other path.
func (s *Server) Register(r *httputil.Router) {
	g := r.Group("/api")
	g.HandleFunc("GET /health", s.handleHealth)
	g.HandleFunc("GET /messages", s.handleMessages)
	g.HandleFunc("GET /messages/range", s.handleRange)
	g.HandleFunc("GET /realtime", s.handleRealtime)
	g.HandleFunc("GET /stats", s.handleStats)
	g.HandleFunc("GET /export", s.handleExport)
	g.HandleFunc("POST /publish", s.handlePublish)
	g.HandleFunc("GET /stream", s.handleStream)
	g.HandleFunc("GET /ws", s.handleWebSocket)

	g.HandleFunc("POST /views", s.handleCreateView)
	g.HandleFunc("GET /views/{id}", s.handleGetView)
	g.HandleFunc("DELETE /views/{id}", s.handleDeleteView)
	g.HandleFunc("POST /views/{id}/pan", s.handlePanView)
	g.HandleFunc("POST /views/{id}/latest", s.handleLatestView)

	g.HandleFunc("ANY /", func(w http.ResponseWriter, _ *http.Request) {
		httputil.Error(w, http.StatusNotFound, "endpoint not found")
	})

	// method-less so it does not conflict with the /api/ catch-all
	var static http.Handler
	if s.staticDir != "" {
		static = middleware.Static(s.staticDir, false)
	}
	r.HandleFunc("ANY /", func(w http.ResponseWriter, req *http.Request) {
		switch {
		case static == nil:
			httputil.Error(w, http.StatusNotFound, "not found")
		case req.Method != http.MethodGet && req.Method != http.MethodHead:
			httputil.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		default:
			static.ServeHTTP(w, req)
		}
	})
}
