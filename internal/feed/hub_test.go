package feed

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solar-fleet/sfc/internal/config"
)

// threadSafeResponseWriter captures SSE output written by the hub goroutine.
type threadSafeResponseWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	headers http.Header
}

func newWriter() *threadSafeResponseWriter {
	return &threadSafeResponseWriter{headers: make(http.Header)}
}

func (w *threadSafeResponseWriter) Header() http.Header { return w.headers }
func (w *threadSafeResponseWriter) WriteHeader(int)     {}

func (w *threadSafeResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *threadSafeResponseWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type subscription struct {
	w      *threadSafeResponseWriter
	cancel context.CancelFunc
	done   chan error
}

func subscribe(t *testing.T, h *Hub, target string, header map[string]string) *subscription {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	s := &subscription{w: newWriter(), cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- h.Subscribe(ctx, s.w, req) }()
	require.Eventually(t, func() bool { return strings.Contains(s.w.String(), "event: ready") }, time.Second, 5*time.Millisecond)
	t.Cleanup(cancel)
	return s
}

func (s *subscription) waitFor(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(s.w.String(), substr) }, time.Second, 5*time.Millisecond, "missing %q in %q", substr, s.w.String())
}

func newTestHub(t *testing.T, cfg config.FeedConfig) *Hub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := NewHub(cfg, logger)
	t.Cleanup(h.Stop)
	return h
}

func TestSubscribeSendsReadySnapshot(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{BufferSize: 10})
	h.SetSnapshot(func(ctx context.Context) (interface{}, int64, error) {
		return map[string]interface{}{"units": []string{"U1"}}, h.Cursor(), nil
	})

	s := subscribe(t, h, "/api/v1/telemetry", nil)
	assert.Contains(t, s.w.String(), `"snapshot":{"units":["U1"]}`)
	assert.Equal(t, "text/event-stream; charset=utf-8", s.w.Header().Get("Content-Type"))
	assert.Equal(t, 1, h.ClientCount())

	s.cancel()
	require.NoError(t, <-s.done)
	assert.Zero(t, h.ClientCount())
}

func TestSubscribeSnapshotError(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{})
	h.SetSnapshot(func(ctx context.Context) (interface{}, int64, error) { return nil, 0, errors.New("loop stopped") })

	err := h.Subscribe(context.Background(), newWriter(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
	assert.Zero(t, h.ClientCount())
}

func TestReadySkipsEventsCoveredBySnapshot(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{BufferSize: 10})
	h.SetSnapshot(func(ctx context.Context) (interface{}, int64, error) {
		// Published after the client registered but before the state was read.
		h.Publish(Event{Type: EventUnit, Data: map[string]string{"unitId": "U-before"}})
		return map[string]string{"state": "fresh"}, h.Cursor(), nil
	})

	s := subscribe(t, h, "/api/v1/telemetry", nil)
	assert.Contains(t, s.w.String(), "id: 1\nevent: ready")

	h.Publish(Event{Type: EventUnit, Data: map[string]string{"unitId": "U-after"}})
	s.waitFor(t, "U-after")
	assert.NotContains(t, s.w.String(), "U-before")
}

func TestPublishFanOut(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{BufferSize: 10})
	a := subscribe(t, h, "/", nil)
	b := subscribe(t, h, "/", nil)

	h.Publish(Event{Type: EventUnit, Data: map[string]string{"unitId": "U1"}})
	a.waitFor(t, "id: 1\nevent: unit\ndata: {\"unitId\":\"U1\"}\n\n")
	b.waitFor(t, `"unitId":"U1"`)
}

func TestGroupFilter(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{BufferSize: 10})
	s := subscribe(t, h, "/?group=A1", nil)

	h.Publish(Event{Type: EventUnit, Group: "B2", Data: map[string]string{"unitId": "U9"}})
	h.Publish(Event{Type: EventUnit, Group: "A1", Data: map[string]string{"unitId": "U1"}})
	h.Publish(Event{Type: EventConnection, Data: map[string]string{"state": "connected"}})

	s.waitFor(t, `"state":"connected"`)
	assert.Contains(t, s.w.String(), `"unitId":"U1"`)
	assert.NotContains(t, s.w.String(), "U9")
}

func TestLastEventIDReplay(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{BufferSize: 3})
	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: EventUnit, Data: map[string]int{"n": i + 1}})
	}
	assert.Equal(t, 3, h.buffer.Len())

	s := subscribe(t, h, "/", map[string]string{"Last-Event-ID": "3"})
	s.waitFor(t, `{"n":5}`)
	out := s.w.String()
	assert.Contains(t, out, `{"n":4}`)
	assert.NotContains(t, out, `{"n":3}`)
	assert.Less(t, strings.Index(out, "event: ready"), strings.Index(out, `{"n":4}`))

	h.Publish(Event{Type: EventUnit, Data: map[string]int{"n": 6}})
	s.waitFor(t, `{"n":6}`)
	assert.Equal(t, 1, strings.Count(s.w.String(), `{"n":5}`))
}

func TestDefaultBufferCoversBurst(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{})
	for i := 0; i < 1024; i++ {
		h.Publish(Event{Type: EventUnit, Data: map[string]int{"n": i + 1}})
	}
	assert.Equal(t, 1024, h.buffer.Len())

	replay := h.buffer.EventsAfter(0)
	require.Len(t, replay, 1024)
	assert.Equal(t, int64(1), replay[0].ID)
}

func TestHeartbeat(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{Heartbeat: 20 * time.Millisecond})
	s := subscribe(t, h, "/", nil)
	s.waitFor(t, "event: heartbeat")
	assert.Zero(t, h.buffer.Len())
}

func TestSlowClientDropsWithoutBlocking(t *testing.T) {
	h := newTestHub(t, config.FeedConfig{BufferSize: 10})
	slow := &Client{ID: "slow", ctx: context.Background(), cancel: func() {}, events: make(chan Event, 1)}
	h.mu.Lock()
	h.clients[slow.ID] = slow
	h.mu.Unlock()

	start := time.Now()
	for i := 0; i < 10; i++ {
		h.Publish(Event{Type: EventUnit})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, slow.events, 1)

	h.mu.Lock()
	delete(h.clients, slow.ID)
	h.mu.Unlock()
}

func TestStopDisconnectsClients(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHub(config.FeedConfig{}, logger)
	s := subscribe(t, h, "/", nil)

	h.Stop()
	select {
	case err := <-s.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber still running after Stop")
	}
	h.Stop()

	err := h.Subscribe(context.Background(), newWriter(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
	h.Publish(Event{Type: EventUnit})
}

func TestEventBufferEviction(t *testing.T) {
	b := NewEventBuffer(2)
	b.Add(Event{ID: 1})
	b.Add(Event{ID: 2})
	b.Add(Event{ID: 3})
	assert.Equal(t, 2, b.Len())
	ids := []int64{}
	for _, ev := range b.EventsAfter(0) {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []int64{2, 3}, ids)
}
