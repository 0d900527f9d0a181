package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/auth"
	"github.com/solar-fleet/sfc/internal/config"
)

// Options are optional server collaborators.
type Options struct {
	// Auth protects routes. Nil serves every request as auth.Anonymous.
	Auth *auth.Middleware
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  logrus.FieldLogger
}

// Server is the HTTP API server.
type Server struct {
	engine  EnginePort
	feed    FeedPort
	auth    *auth.Middleware
	limiter *callerLimiter
	metrics http.Handler
	log     logrus.FieldLogger
	cfg     config.APIConfig

	startTime time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(engine EnginePort, feed FeedPort, cfg config.APIConfig, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	mw := opts.Auth
	if mw == nil {
		mw = auth.NewMiddleware(nil)
	}
	mw.SetErrorWriter(writeAuthError)
	return &Server{
		engine:    engine,
		feed:      feed,
		auth:      mw,
		limiter:   newCallerLimiter(cfg.ActionRate, cfg.ActionBurst),
		metrics:   opts.Metrics,
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

// Start listens on addr, or the configured address when addr is empty, and
// blocks until the server stops.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: SSE responses stay open.
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.WithField("addr", addr).Info("HTTP API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  rec.status,
			"latency": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}
