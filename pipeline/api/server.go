package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fleet-telemetry/pipeline/ingest"
	"github.com/fleet-telemetry/pipeline/metrics"
	"github.com/fleet-telemetry/pipeline/query"
	"github.com/fleet-telemetry/pipeline/types"
)

// QueryEngine retrieves telemetry and answers questions about it
type QueryEngine interface {
	Retrieve(ctx context.Context, opts query.RetrieveOptions) (*ingest.Table, error)
	Query(ctx context.Context, question string, opts query.RetrieveOptions) (string, error)
}

// RunLister lists persisted generation benchmark runs
type RunLister interface {
	ListGenerationRuns(ctx context.Context, limit int) ([]*types.GenerationRun, error)
}

// Server is the fleet telemetry HTTP API
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Handler() http.Handler
	Addr() string
}

type server struct {
	addr       string
	engine     QueryEngine
	runs       RunLister
	collectors *metrics.Collectors
	hub        *Hub
	log        logrus.FieldLogger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	router     *mux.Router
}

// Option configures the server
type Option func(*server)

// WithRunLister exposes persisted generation runs under /api/runs
func WithRunLister(r RunLister) Option {
	return func(s *server) { s.runs = r }
}

// WithCollectors sets the Prometheus collectors served on /metrics
func WithCollectors(c *metrics.Collectors) Option {
	return func(s *server) { s.collectors = c }
}

// NewServer creates an API server listening on addr
func NewServer(addr string, engine QueryEngine, log logrus.FieldLogger, opts ...Option) Server {
	s := &server{
		addr:   addr,
		engine: engine,
		log:    log.WithField("component", "api-server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.collectors == nil {
		s.collectors = metrics.NewCollectors()
	}
	s.hub = NewHub(log)
	s.router = s.setupRoutes()
	return s
}

// Handler returns the routed handler with all middleware applied
func (s *server) Handler() http.Handler { return s.router }

// Addr returns the bound address once started, else the configured one
func (s *server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background
func (s *server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.hub.Run(ctx)

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("API server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("API server failed")
		}
	}()
	return nil
}

// Stop closes websocket clients and shuts the HTTP server down gracefully
func (s *server) Stop() error {
	s.log.Info("Stopping API server")
	s.hub.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("Failed to shutdown API server gracefully")
		return err
	}
	s.log.Info("API server stopped")
	return nil
}

func (s *server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.enableCORS)
	router.Use(s.loggingMiddleware)
	router.Use(s.errorHandlingMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/query", s.handleQuery).Methods("POST", "OPTIONS")
	api.HandleFunc("/retrieve", s.handleRetrieve).Methods("POST", "OPTIONS")
	api.HandleFunc("/format", s.handleFormat).Methods("GET", "OPTIONS")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("POST", "OPTIONS")
	api.HandleFunc("/schema/{sensor}", s.handleSchema).Methods("GET", "OPTIONS")
	api.HandleFunc("/runs", s.handleListRuns).Methods("GET", "OPTIONS")

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", s.collectors.Handler()).Methods("GET")
	router.HandleFunc("/ws", s.hub.ServeWS)

	return router
}

func (s *server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request and counts it by route template
func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.collectors.HTTPRequests.WithLabelValues(route, strconv.Itoa(wrapper.statusCode)).Inc()

		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request processed")
	})
}

func (s *server) errorHandlingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.WithField("error", err).Error("Panic in HTTP handler")
				s.writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriterWrapper captures the status code; Hijack keeps websocket
// upgrades working through the middleware chain
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
