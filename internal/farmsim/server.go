package farmsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/auth"
	"github.com/solar-fleet/sfc/internal/telemetry"
)

const writeWait = 5 * time.Second

// Server exposes the farm over HTTP and pushes frames on /ws.
type Server struct {
	cfg         *Config
	farm        *Farm
	auth        *auth.Middleware
	maintenance *maintenance
	upgrader    websocket.Upgrader
	log         logrus.FieldLogger

	mu         sync.Mutex
	conns      map[*websocket.Conn]struct{}
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewServer creates a server for farm. A configured auth secret requires
// bearer tokens on the clean endpoints.
func NewServer(cfg *Config, farm *Farm, log logrus.FieldLogger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "farmsim")

	var mw *auth.Middleware
	if cfg.Auth.Secret != "" {
		v, err := auth.NewVerifier(auth.VerifierConfig{Algorithm: "HS256", SecretKey: cfg.Auth.Secret})
		if err != nil {
			return nil, fmt.Errorf("failed to create verifier: %w", err)
		}
		mw = auth.NewMiddleware(v)
		mw.SetErrorWriter(func(w http.ResponseWriter, _ *http.Request, status int, code, message string) {
			writeDetail(w, status, code+": "+message)
		})
	}

	return &Server{
		cfg:         cfg,
		farm:        farm,
		auth:        mw,
		maintenance: newMaintenance(farm, cfg.Network.MaintenanceCIDRs, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   log,
		conns: make(map[*websocket.Conn]struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/sectors", s.handleSectors)
	mux.HandleFunc("GET /api/sectors/{id}/panels", s.handleSectorPanels)
	mux.HandleFunc("GET /api/panels", s.handlePanels)
	mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	mux.HandleFunc("GET /api/alerts/summary", s.handleAlerts)
	mux.Handle("POST /api/sensor-data", s.protect(s.handleSensorData))
	mux.Handle("POST /api/clean/{id}", s.protect(s.handleCleanPanel))
	mux.Handle("POST /api/sectors/{id}/clean", s.protect(s.handleCleanSector))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /maintenance/mode", s.maintenance.handleMode)
	mux.HandleFunc("PUT /maintenance/mode", s.maintenance.handleMode)
	return mux
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if s.auth == nil {
		return h
	}
	return s.auth.RequireAuth(h)
}

// Start listens on addr, or the configured address when addr is empty.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Network.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.WithField("addr", addr).Info("Farm simulator listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop closes every push connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	srv := s.httpServer
	s.mu.Unlock()
	s.wg.Wait()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	stats, err := s.farm.Statistics(r.Context())
	if err != nil {
		writeFarmError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Solar farm simulator",
		"status":  "operational",
		"mode":    stats.Mode,
		"scale": map[string]interface{}{
			"total_panels":      stats.TotalPanels,
			"total_sectors":     stats.TotalSectors,
			"total_capacity_mw": float64(stats.TotalPanels*panelCapacityW) / 1_000_000,
		},
	})
}

func (s *Server) handleSectors(w http.ResponseWriter, r *http.Request) {
	sectors, err := s.farm.Sectors(r.Context())
	if err != nil {
		writeFarmError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sectors)
}

func (s *Server) handleSectorPanels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	panels, err := s.farm.Panels(r.Context(), id)
	if err != nil {
		writeFarmError(w, err, "Sector not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sector_id":   id,
		"panel_count": len(panels),
		"panels":      panels,
	})
}

// handlePanels serves GET /api/panels?sector_id=&skip=&limit=.
func (s *Server) handlePanels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := queryInt(q.Get("skip"), 0)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(q.Get("limit"), 100)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	panels, err := s.farm.Panels(r.Context(), q.Get("sector_id"))
	if err != nil {
		writeFarmError(w, err, "Sector not found")
		return
	}
	total := len(panels)
	if skip > total {
		skip = total
	}
	end := skip + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  total,
		"skip":   skip,
		"limit":  limit,
		"panels": panels[skip:end],
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.farm.Statistics(r.Context())
	if err != nil {
		writeFarmError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	summary, err := s.farm.Alerts(r.Context())
	if err != nil {
		writeFarmError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type sensorRequest struct {
	PanelID     string   `json:"panel_id"`
	Voltage     *float64 `json:"voltage"`
	Current     *float64 `json:"current"`
	Temperature *float64 `json:"temperature"`
	DustLevel   *float64 `json:"dust_level"`
	Timestamp   string   `json:"timestamp"`
}

func (req sensorRequest) toSensorData() (SensorData, error) {
	if req.PanelID == "" {
		return SensorData{}, errors.New("panel_id is required")
	}
	if req.Voltage == nil || req.Current == nil || req.Temperature == nil || req.DustLevel == nil {
		return SensorData{}, errors.New("voltage, current, temperature and dust_level are required")
	}
	if *req.Voltage < 0 || *req.Current < 0 || *req.DustLevel < 0 {
		return SensorData{}, errors.New("voltage, current and dust_level must be non-negative")
	}
	d := SensorData{
		PanelID:     req.PanelID,
		Voltage:     *req.Voltage,
		Current:     *req.Current,
		Temperature: *req.Temperature,
		DustLevel:   *req.DustLevel,
	}
	if req.Timestamp != "" {
		ts, err := telemetry.ParseObservedAt(req.Timestamp)
		if err != nil {
			return SensorData{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		d.Timestamp = ts
	}
	return d, nil
}

// handleSensorData accepts a reading from a panel sensor.
func (s *Server) handleSensorData(w http.ResponseWriter, r *http.Request) {
	var req sensorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	data, err := req.toSensorData()
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	res, err := s.farm.SubmitSensorData(r.Context(), data)
	if err != nil {
		writeFarmError(w, err, "Panel not found")
		return
	}
	s.log.WithFields(logrus.Fields{"panel": res.PanelID, "efficiency": res.Efficiency}).Debug("Sensor data received")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanPanel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.farm.CleanPanel(r.Context(), id)
	if err != nil {
		writeFarmError(w, err, "Panel not found")
		return
	}
	s.log.WithFields(logrus.Fields{"panel": id, "user": auth.Subject(r.Context())}).Info("Panel cleaned")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanSector(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.farm.CleanSector(r.Context(), id)
	if err != nil {
		writeFarmError(w, err, "Sector not found")
		return
	}
	s.log.WithFields(logrus.Fields{"sector": id, "cleaned": res.PanelsCleaned, "user": auth.Subject(r.Context())}).Info("Sector cleaned")
	writeJSON(w, http.StatusOK, res)
}

// handleWebSocket pushes a frame immediately and then every push interval
// until the client leaves, the farm goes offline or the server stops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.farm.Mode() == ModeOffline {
		writeDetail(w, http.StatusServiceUnavailable, "UNAVAILABLE: farm offline")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Info("Push client connected")

	// The read side only drains control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Timing.PushInterval)
	defer ticker.Stop()

	for {
		frame, err := s.farm.Frame(r.Context())
		if err != nil {
			log.WithError(err).Info("Push stopped")
			s.closeConn(conn, websocket.CloseGoingAway, "farm unavailable")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.WithError(err).Debug("Push write failed")
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			log.Info("Push client disconnected")
			return
		case <-s.done:
			s.closeConn(conn, websocket.CloseGoingAway, "server stopping")
			return
		}
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	s.wg.Done()
}

func (s *Server) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// writeFarmError maps farm errors to statuses. notFound is the detail used
// for ErrNotFound.
func writeFarmError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, ErrNotFound):
		if notFound == "" {
			notFound = "Not found"
		}
		writeDetail(w, http.StatusNotFound, notFound)
	case errors.Is(err, ErrUnavailable):
		writeDetail(w, http.StatusServiceUnavailable, "UNAVAILABLE: farm degraded")
	case errors.Is(err, ErrBusy):
		writeDetail(w, http.StatusTooManyRequests, "BUSY: command queue full")
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		writeDetail(w, http.StatusServiceUnavailable, "UNAVAILABLE: farm stopping")
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to encode response")
	}
}
