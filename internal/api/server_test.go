package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solar-fleet/sfc/internal/adapter"
	"github.com/solar-fleet/sfc/internal/alerts"
	"github.com/solar-fleet/sfc/internal/auth"
	"github.com/solar-fleet/sfc/internal/command"
	"github.com/solar-fleet/sfc/internal/config"
	"github.com/solar-fleet/sfc/internal/conn"
	"github.com/solar-fleet/sfc/internal/feed"
	"github.com/solar-fleet/sfc/internal/loop"
	"github.com/solar-fleet/sfc/internal/reconcile"
	"github.com/solar-fleet/sfc/internal/telemetry"
)

const testSecret = "test-secret"

type fakeEngine struct {
	mu      sync.Mutex
	units   map[string]reconcile.UnitView
	groups  map[string]reconcile.GroupView
	status  conn.Status
	actErr    error
	alertsErr error
	actions   []adapter.Target
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		units: map[string]reconcile.UnitView{
			"U1": {UnitID: "U1", GroupID: "A1", Reading: telemetry.Reading{Efficiency: 82, Contamination: 340}, NeedsAction: true},
			"U2": {UnitID: "U2", GroupID: "B1", Reading: telemetry.Reading{Efficiency: 96, Contamination: 20}},
		},
		groups: map[string]reconcile.GroupView{
			"A1": {GroupID: "A1", MemberCount: 1, Summary: telemetry.Summary{AverageEfficiency: 82, UnitsNeedingAction: 1}},
			"B1": {GroupID: "B1", MemberCount: 1, Summary: telemetry.Summary{AverageEfficiency: 96}},
		},
		status: conn.Status{State: conn.Connected, Sessions: 1},
	}
}

func (f *fakeEngine) InitiateAction(ctx context.Context, target adapter.Target) (*command.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, target)
	if f.actErr != nil {
		return nil, f.actErr
	}
	return &command.Outcome{Target: target, UnitsActedOn: 1, Projected: telemetry.Reading{Efficiency: 95, Contamination: 100}}, nil
}

func (f *fakeEngine) Unit(ctx context.Context, id string) (reconcile.UnitView, error) {
	v, ok := f.units[id]
	if !ok {
		return reconcile.UnitView{}, command.ErrNotFound
	}
	return v, nil
}

func (f *fakeEngine) Units(ctx context.Context, groupID string) ([]reconcile.UnitView, error) {
	if groupID != "" {
		if _, ok := f.groups[groupID]; !ok {
			return nil, command.ErrNotFound
		}
	}
	var out []reconcile.UnitView
	for _, id := range []string{"U1", "U2"} {
		if v := f.units[id]; groupID == "" || v.GroupID == groupID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeEngine) Group(ctx context.Context, id string) (reconcile.GroupView, error) {
	v, ok := f.groups[id]
	if !ok {
		return reconcile.GroupView{}, command.ErrNotFound
	}
	return v, nil
}

func (f *fakeEngine) Groups(ctx context.Context) ([]reconcile.GroupView, error) {
	return []reconcile.GroupView{f.groups["A1"], f.groups["B1"]}, nil
}

func (f *fakeEngine) Connection(ctx context.Context) (conn.Status, error) {
	return f.status, nil
}

func (f *fakeEngine) Alerts(ctx context.Context) (alerts.Report, error) {
	if f.alertsErr != nil {
		return alerts.Report{}, f.alertsErr
	}
	var groups []alerts.Group
	for _, id := range []string{"A1", "B1"} {
		v := f.groups[id]
		groups = append(groups, alerts.Group{
			GroupID:           id,
			AverageEfficiency: v.Summary.AverageEfficiency,
			UnitsAffected:     v.Summary.UnitsNeedingAction,
			AffectedShare:     alerts.Share(v.Summary.UnitsNeedingAction, v.MemberCount),
		})
	}
	return alerts.DefaultRules(telemetry.DefaultThresholds).Evaluate(groups), nil
}

func (f *fakeEngine) actionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

func newTestServer(t *testing.T, eng EnginePort, cfg config.APIConfig, opts Options) (*Server, *feed.Hub) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := feed.NewHub(config.FeedConfig{BufferSize: 10}, logger)
	t.Cleanup(hub.Stop)
	opts.Logger = logger
	return NewServer(eng, hub, cfg, opts), hub
}

func do(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, newFakeEngine(), config.APIConfig{}, Options{})
	rec, resp := do(t, s.Handler(), http.MethodGet, "/api/v1/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Result)
	assert.NotEmpty(t, resp.CorrelationID)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "connected", data["stream"])
	assert.Equal(t, true, data["streamUp"])
}

func TestReadEndpoints(t *testing.T) {
	s, _ := newTestServer(t, newFakeEngine(), config.APIConfig{}, Options{})
	h := s.Handler()

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"all units", "/api/v1/units", http.StatusOK, ""},
		{"units in group", "/api/v1/units?group=A1", http.StatusOK, ""},
		{"units in unknown group", "/api/v1/units?group=Z9", http.StatusNotFound, "NOT_FOUND"},
		{"one unit", "/api/v1/units/U1", http.StatusOK, ""},
		{"unknown unit", "/api/v1/units/U404", http.StatusNotFound, "NOT_FOUND"},
		{"all groups", "/api/v1/groups", http.StatusOK, ""},
		{"one group", "/api/v1/groups/A1", http.StatusOK, ""},
		{"unknown group", "/api/v1/groups/Z9", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := do(t, h, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.CorrelationID)
		})
	}

	_, resp := do(t, h, http.MethodGet, "/api/v1/units?group=A1", "")
	units := resp.Data.([]interface{})
	require.Len(t, units, 1)
	assert.Equal(t, "U1", units[0].(map[string]interface{})["unitId"])
}

func TestAlertsEndpoint(t *testing.T) {
	eng := newFakeEngine()
	s, _ := newTestServer(t, eng, config.APIConfig{}, Options{})

	rec, resp := do(t, s.Handler(), http.MethodGet, "/api/v1/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 1.0, data["totalAlerts"])
	assert.Equal(t, []interface{}{"A1"}, data["needingAttention"])
	alert := data["alerts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "A1", alert["groupId"])
	assert.Equal(t, "medium", alert["severity"])

	eng.alertsErr = loop.ErrStopped
	rec, resp = do(t, s.Handler(), http.MethodGet, "/api/v1/alerts", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UNAVAILABLE", resp.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, newFakeEngine(), config.APIConfig{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/units/U1/clean", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCleanEndpoints(t *testing.T) {
	eng := newFakeEngine()
	s, _ := newTestServer(t, eng, config.APIConfig{}, Options{})
	h := s.Handler()

	rec, resp := do(t, h, http.MethodPost, "/api/v1/units/U1/clean", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["unitsActedOn"])
	assert.Equal(t, 95.0, data["projected"].(map[string]interface{})["efficiency"])

	rec, _ = do(t, h, http.MethodPost, "/api/v1/groups/A1/clean", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []adapter.Target{adapter.Unit("U1"), adapter.Group("A1")}, eng.actions)
}

func TestCleanErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter bool
	}{
		{"in flight", command.ErrAlreadyInFlight, http.StatusConflict, "ALREADY_IN_FLIGHT", false},
		{"unknown target", command.ErrNotFound, http.StatusNotFound, "NOT_FOUND", false},
		{"closed", command.ErrClosed, http.StatusServiceUnavailable, "UNAVAILABLE", true},
		{"busy", &adapter.DispatchError{Code: adapter.ErrBusy, Target: adapter.Unit("U1"), Status: 429}, http.StatusServiceUnavailable, "BUSY", true},
		{"farm down", &adapter.DispatchError{Code: adapter.ErrUnavailable, Target: adapter.Unit("U1")}, http.StatusServiceUnavailable, "UNAVAILABLE", true},
		{"rejected", &adapter.DispatchError{Code: adapter.ErrRejected, Target: adapter.Unit("U1"), Status: 400}, http.StatusBadGateway, "REJECTED", false},
		{"bad body", &adapter.DispatchError{Code: adapter.ErrInvalidResponse, Target: adapter.Unit("U1"), Status: 200}, http.StatusBadGateway, "INVALID_RESPONSE", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.actErr = tt.err
			s, _ := newTestServer(t, eng, config.APIConfig{}, Options{})

			rec, resp := do(t, s.Handler(), http.MethodPost, "/api/v1/units/U1/clean", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "error", resp.Result)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestAuthScopes(t *testing.T) {
	v, err := auth.NewVerifier(auth.VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	require.NoError(t, err)
	eng := newFakeEngine()
	s, _ := newTestServer(t, eng, config.APIConfig{}, Options{Auth: auth.NewMiddleware(v)})
	h := s.Handler()

	viewer, err := auth.SignHS256(testSecret, "alice", []string{auth.ScopeRead, auth.ScopeTelemetry}, time.Minute)
	require.NoError(t, err)
	operator, err := auth.SignHS256(testSecret, "bob", []string{auth.ScopeRead, auth.ScopeControl}, time.Minute)
	require.NoError(t, err)

	rec, _ := do(t, h, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := do(t, h, http.MethodGet, "/api/v1/units", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", resp.Code)
	assert.NotEmpty(t, resp.CorrelationID)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/units", "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/units", viewer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = do(t, h, http.MethodPost, "/api/v1/units/U1/clean", viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", resp.Code)
	assert.Zero(t, eng.actionCount())

	rec, _ = do(t, h, http.MethodPost, "/api/v1/units/U1/clean", operator)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, eng.actionCount())
}

func TestActionRateLimit(t *testing.T) {
	eng := newFakeEngine()
	s, _ := newTestServer(t, eng, config.APIConfig{ActionRate: 0.001, ActionBurst: 2}, Options{})
	h := s.Handler()

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodPost, "/api/v1/units/U1/clean", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec, resp := do(t, h, http.MethodPost, "/api/v1/units/U1/clean", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", resp.Code)
	assert.Equal(t, 2, eng.actionCount())

	// Reads are never limited.
	rec, _ = do(t, h, http.MethodGet, "/api/v1/units/U1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sfc_up 1\n"))
	})
	s, _ := newTestServer(t, newFakeEngine(), config.APIConfig{}, Options{Metrics: metrics})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sfc_up 1")
}

func TestTelemetryStream(t *testing.T) {
	s, hub := newTestServer(t, newFakeEngine(), config.APIConfig{}, Options{})
	hub.SetSnapshot(func(ctx context.Context) (interface{}, int64, error) {
		return map[string]int{"units": 2}, hub.Cursor(), nil
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/telemetry", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	waitLine(t, lines, "event: ready")

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(feed.Event{Type: feed.EventUnit, Data: map[string]string{"unitId": "U1"}})
	waitLine(t, lines, `data: {"unitId":"U1"}`)
}

func TestTelemetryAfterFeedStopped(t *testing.T) {
	s, hub := newTestServer(t, newFakeEngine(), config.APIConfig{}, Options{})
	hub.Stop()

	rec, resp := do(t, s.Handler(), http.MethodGet, "/api/v1/telemetry", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UNAVAILABLE", resp.Code)
}

func waitLine(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q", want)
			}
			if strings.Contains(l, want) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	s, _ := newTestServer(t, newFakeEngine(), config.APIConfig{}, Options{})
	assert.NoError(t, s.Stop(context.Background()))
}
