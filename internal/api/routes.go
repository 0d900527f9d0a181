package api

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/adapter"
	"github.com/solar-fleet/sfc/internal/auth"
	"github.com/solar-fleet/sfc/internal/conn"
)

const apiV1 = "/api/v1"

// RegisterRoutes registers every endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+apiV1+"/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.Handle("GET "+apiV1+"/units", s.protect(auth.ScopeRead, s.handleUnits))
	mux.Handle("GET "+apiV1+"/units/{id}", s.protect(auth.ScopeRead, s.handleUnit))
	mux.Handle("POST "+apiV1+"/units/{id}/clean", s.protect(auth.ScopeControl, s.handleCleanUnit))

	mux.Handle("GET "+apiV1+"/groups", s.protect(auth.ScopeRead, s.handleGroups))
	mux.Handle("GET "+apiV1+"/groups/{id}", s.protect(auth.ScopeRead, s.handleGroup))
	mux.Handle("POST "+apiV1+"/groups/{id}/clean", s.protect(auth.ScopeControl, s.handleCleanGroup))

	mux.Handle("GET "+apiV1+"/alerts", s.protect(auth.ScopeRead, s.handleAlerts))

	mux.Handle("GET "+apiV1+"/telemetry", s.protect(auth.ScopeTelemetry, s.handleTelemetry))
}

func (s *Server) protect(scope string, h http.HandlerFunc) http.Handler {
	return s.auth.RequireAuth(s.auth.RequireScope(scope)(h))
}

// handleHealth handles GET /health. The console is healthy while it runs;
// the stream state is reported, not judged.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Connection(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"stream":    status.State,
		"streamUp":  status.State == conn.Connected,
		"sessions":  status.Sessions,
		"lastFrame": status.LastMessageAt,
	})
}

// handleUnits handles GET /units[?group=].
func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.Units(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, views)
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Unit(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, view)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.Groups(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, views)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Group(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, view)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Alerts(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, report)
}

func (s *Server) handleCleanUnit(w http.ResponseWriter, r *http.Request) {
	s.clean(w, r, adapter.Unit(r.PathValue("id")))
}

func (s *Server) handleCleanGroup(w http.ResponseWriter, r *http.Request) {
	s.clean(w, r, adapter.Group(r.PathValue("id")))
}

func (s *Server) clean(w http.ResponseWriter, r *http.Request, target adapter.Target) {
	if !s.limiter.Allow(callerKey(r)) {
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many actions, slow down", nil)
		return
	}
	outcome, err := s.engine.InitiateAction(r.Context(), target)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"target": target.Key(),
			"user":   auth.Subject(r.Context()),
		}).Info("Clean action failed")
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, outcome)
}

// handleTelemetry handles GET /telemetry as an SSE stream.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Streaming unsupported", nil)
		return
	}
	sw := &streamWriter{ResponseWriter: w, flusher: flusher}
	if err := s.feed.Subscribe(r.Context(), sw, r); err != nil {
		s.log.WithError(err).Debug("Feed subscription ended with error")
		if !sw.wrote {
			w.Header().Del("Content-Type")
			WriteAPIError(w, err)
		}
	}
}

// streamWriter records whether any byte reached the client.
type streamWriter struct {
	http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

func (w *streamWriter) Flush() {
	w.flusher.Flush()
}
