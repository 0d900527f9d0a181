package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/config"
	"github.com/solar-fleet/sfc/internal/metrics"
)

// Event types.
const (
	EventReady      = "ready"
	EventUnit       = "unit"
	EventGroup      = "group"
	EventConnection = "connection"
	EventSession    = "session"
	EventHeartbeat  = "heartbeat"
)

const clientQueue = 64

// ErrStopped is returned by Subscribe after Stop.
var ErrStopped = errors.New("feed stopped")

// Event is one SSE message.
type Event struct {
	ID   int64       `json:"id,omitempty"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	// Group scopes the event for clients subscribed with ?group=. Empty
	// means every client receives it.
	Group string `json:"group,omitempty"`
}

// SnapshotFunc returns the state sent in the ready event and the ID of the
// last published event that state already reflects. It should read Cursor
// in the same critical section that builds the state.
type SnapshotFunc func(ctx context.Context) (state interface{}, lastID int64, err error)

// Client is one connected SSE subscriber.
type Client struct {
	ID     string
	Group  string
	LastID int64

	writer http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
}

// Hub distributes events to SSE clients and keeps a replay buffer.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  int64
	buffer  *EventBuffer

	cfg      config.FeedConfig
	snapshot SnapshotFunc
	log      logrus.FieldLogger
	metrics  *metrics.Collector

	heartbeatStop chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(cfg config.FeedConfig, log logrus.FieldLogger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  NewEventBuffer(cfg.BufferSize),
		cfg:     cfg,
		log:     log.WithField("component", "feed"),
		done:    make(chan struct{}),
	}
}

// SetSnapshot sets the ready snapshot source.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.snapshot = fn
}

// SetMetrics attaches a metrics collector.
func (h *Hub) SetMetrics(m *metrics.Collector) {
	h.metrics = m
}

// Subscribe streams events to w until the request context ends or the hub
// stops. A Last-Event-ID header replays buffered events newer than it.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ID:     uuid.NewString(),
		Group:  r.URL.Query().Get("group"),
		writer: w,
		ctx:    clientCtx,
		cancel: cancel,
		events: make(chan Event, clientQueue),
	}
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			client.LastID = id
		}
	}

	// Register before sending the ready event so nothing published in
	// between is missed.
	h.register(client)
	defer h.unregister(client.ID)

	if err := h.sendReady(client); err != nil {
		return fmt.Errorf("failed to send ready event: %w", err)
	}
	if client.LastID > 0 {
		for _, ev := range h.buffer.EventsAfter(client.LastID) {
			if !client.wants(ev) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return fmt.Errorf("failed to replay events: %w", err)
			}
			client.LastID = ev.ID
		}
	}

	h.log.WithFields(logrus.Fields{"client": client.ID, "group": client.Group, "lastEventId": client.LastID}).Debug("Feed client subscribed")
	h.serve(client)
	return nil
}

// Publish assigns an ID, buffers the event and queues it for every
// interested client. Clients whose queue is full miss the event. Publish
// never blocks.
func (h *Hub) Publish(ev Event) {
	select {
	case <-h.done:
		return
	default:
	}

	h.mu.Lock()
	h.nextID++
	ev.ID = h.nextID
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.buffer.Add(ev)
	for _, c := range clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
		default:
			h.metrics.RecordFeedDropped()
			h.log.WithField("client", c.ID).Debug("Dropping event for slow feed client")
		}
	}
}

// Cursor returns the ID of the last published event.
func (h *Hub) Cursor() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nextID
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and stops the heartbeat.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for _, c := range h.clients {
			c.cancel()
		}
		if h.heartbeatStop != nil {
			close(h.heartbeatStop)
			h.heartbeatStop = nil
		}
		h.mu.Unlock()

		finished := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			h.log.Warn("Feed goroutines did not exit within 5s")
		}
	})
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.wg.Add(1)
	if len(h.clients) == 1 && h.heartbeatStop == nil && h.cfg.Heartbeat > 0 {
		h.startHeartbeat()
	}
	h.metrics.RecordFeedClients(len(h.clients))
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	c.cancel()
	delete(h.clients, id)
	h.wg.Done()
	if len(h.clients) == 0 && h.heartbeatStop != nil {
		close(h.heartbeatStop)
		h.heartbeatStop = nil
	}
	h.metrics.RecordFeedClients(len(h.clients))
}

// sendReady writes the ready event. Without Last-Event-ID the client's
// cursor moves to the snapshot, so queued events it already covers are
// skipped.
func (h *Hub) sendReady(c *Client) error {
	data := map[string]interface{}{"clientId": c.ID}
	var id int64
	if h.snapshot != nil {
		snap, lastID, err := h.snapshot(c.ctx)
		if err != nil {
			return err
		}
		data["snapshot"] = snap
		id = lastID
	} else {
		id = h.Cursor()
	}
	if c.LastID == 0 {
		c.LastID = id
	}
	return writeEvent(c.writer, Event{ID: id, Type: EventReady, Data: data})
}

func (h *Hub) serve(c *Client) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-c.events:
			if ev.ID != 0 && ev.ID <= c.LastID {
				continue
			}
			if err := writeEvent(c.writer, ev); err != nil {
				h.log.WithError(err).WithField("client", c.ID).Debug("Feed client write failed")
				return
			}
			if ev.ID != 0 {
				c.LastID = ev.ID
			}
		}
	}
}

// startHeartbeat runs the heartbeat ticker. Caller holds h.mu.
func (h *Hub) startHeartbeat() {
	stop := make(chan struct{})
	h.heartbeatStop = stop
	ticker := time.NewTicker(h.cfg.Heartbeat)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.heartbeat()
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// heartbeat is sent directly to clients and never buffered.
func (h *Hub) heartbeat() {
	ev := Event{Type: EventHeartbeat, Data: map[string]interface{}{"ts": time.Now().UTC().Format(time.RFC3339)}}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Client) wants(ev Event) bool {
	return c.Group == "" || ev.Group == "" || ev.Group == c.Group
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if ev.ID > 0 && ev.Type != EventHeartbeat {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// EventBuffer keeps the most recent events in publish order.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{events: make([]Event, 0, capacity), capacity: capacity}
}

// Add appends ev, evicting the oldest event when full.
func (b *EventBuffer) Add(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

// EventsAfter returns buffered events with ID greater than lastID.
func (b *EventBuffer) EventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
