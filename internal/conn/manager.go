package conn

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/clock"
	"github.com/solar-fleet/sfc/internal/metrics"
)

// State is the lifecycle state of the telemetry session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time description of the session.
type Status struct {
	State          State      `json:"state"`
	URL            string     `json:"url"`
	Attempts       int        `json:"attempts"`
	Sessions       int        `json:"sessions"`
	LastError      string     `json:"lastError,omitempty"`
	ConnectedSince *time.Time `json:"connectedSince,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	ReconnectAt    *time.Time `json:"reconnectAt,omitempty"`
}

// Config controls the manager.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
}

// Manager keeps one telemetry session open, reconnecting after a fixed
// delay whenever it drops. Dials and reads run on their own goroutines and
// post results back through post; every other method runs on the loop.
type Manager struct {
	cfg     Config
	dialer  Dialer
	sched   clock.Scheduler
	post    func(func()) bool
	log     logrus.FieldLogger
	metrics *metrics.Collector

	onFrame       func([]byte)
	onState       []func(Status)
	onEstablished []func()

	status     Status
	gen        uint64
	session    Session
	cancelDial context.CancelFunc
	reconnect  clock.Token
	reconnAt   time.Time
	running    bool
}

// NewManager creates a manager. post must enqueue fn on the loop and report
// false once the loop has stopped.
func NewManager(cfg Config, dialer Dialer, sched clock.Scheduler, post func(func()) bool, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		sched:  sched,
		post:   post,
		log:    log.WithFields(logrus.Fields{"component": "conn", "url": cfg.URL}),
		status: Status{State: Disconnected, URL: cfg.URL},
	}
}

// SetMetrics attaches a metrics collector.
func (m *Manager) SetMetrics(c *metrics.Collector) {
	m.metrics = c
}

// OnFrame sets the single frame egress. Frames are delivered on the loop in
// arrival order.
func (m *Manager) OnFrame(fn func([]byte)) {
	m.onFrame = fn
}

// OnState registers a callback for every state change.
func (m *Manager) OnState(fn func(Status)) {
	m.onState = append(m.onState, fn)
}

// OnEstablished registers a callback fired once per successful connection.
func (m *Manager) OnEstablished(fn func()) {
	m.onEstablished = append(m.onEstablished, fn)
}

// Start begins connecting. It is a no-op while already running.
func (m *Manager) Start() {
	if m.running {
		return
	}
	m.running = true
	m.connect()
}

// Stop cancels a pending reconnect and an in-progress dial, and closes the
// live session. Late results from the old session are discarded.
func (m *Manager) Stop() {
	if !m.running {
		return
	}
	m.running = false
	m.gen++
	m.cancelReconnect()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.log.WithError(err).Debug("Session close failed")
		}
		m.session = nil
	}
	m.setState(Disconnected)
	m.log.Info("Telemetry stream stopped")
}

// State returns the current state.
func (m *Manager) State() State {
	return m.status.State
}

// Status returns a copy of the current status.
func (m *Manager) Status() Status {
	s := m.status
	if !m.reconnAt.IsZero() {
		at := m.reconnAt
		s.ReconnectAt = &at
	}
	return s
}

func (m *Manager) connect() {
	m.reconnect = 0
	m.reconnAt = time.Time{}
	if !m.running {
		return
	}
	m.gen++
	gen := m.gen
	m.status.Attempts++
	m.setState(Connecting)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	go func() {
		sess, err := m.dialer.Dial(ctx, m.cfg.URL)
		if !m.post(func() { m.dialed(gen, sess, err) }) && sess != nil {
			_ = sess.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, sess Session, err error) {
	m.metrics.RecordConnectAttempt(err)
	if gen != m.gen {
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.status.LastError = err.Error()
		m.log.WithError(err).WithField("attempt", m.status.Attempts).Warn("Telemetry stream connect failed")
		m.drop()
		return
	}

	m.session = sess
	now := m.sched.Now()
	m.status.ConnectedSince = &now
	m.status.Sessions++
	m.status.LastError = ""
	m.setState(Connected)
	m.log.WithField("attempt", m.status.Attempts).Info("Telemetry stream connected")
	for _, fn := range m.onEstablished {
		fn()
	}
	go m.read(gen, sess)
}

func (m *Manager) read(gen uint64, sess Session) {
	for {
		data, err := sess.Read()
		if err != nil {
			m.post(func() { m.lost(gen, err) })
			return
		}
		if !m.post(func() { m.deliver(gen, data) }) {
			return
		}
	}
}

func (m *Manager) deliver(gen uint64, data []byte) {
	if gen != m.gen {
		return
	}
	now := m.sched.Now()
	m.status.LastMessageAt = &now
	if m.onFrame != nil {
		m.onFrame(data)
	}
}

func (m *Manager) lost(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	if IsCleanClose(err) {
		m.log.Info("Telemetry stream closed by peer")
	} else {
		m.status.LastError = err.Error()
		m.log.WithError(err).Warn("Telemetry stream dropped")
	}
	m.drop()
}

// drop moves to Disconnected and schedules the next attempt.
func (m *Manager) drop() {
	m.status.ConnectedSince = nil
	m.setState(Disconnected)
	if !m.running {
		return
	}
	m.cancelReconnect()
	m.reconnAt = m.sched.Now().Add(m.cfg.ReconnectDelay)
	m.reconnect = m.sched.After(m.cfg.ReconnectDelay, m.connect)
	m.log.WithField("delay", m.cfg.ReconnectDelay).Debug("Reconnect scheduled")
}

func (m *Manager) cancelReconnect() {
	if m.reconnect != 0 {
		m.sched.Cancel(m.reconnect)
		m.reconnect = 0
	}
	m.reconnAt = time.Time{}
}

func (m *Manager) setState(s State) {
	if m.status.State == s {
		return
	}
	m.status.State = s
	m.metrics.RecordConnectionState(int(s))
	st := m.Status()
	for _, fn := range m.onState {
		fn(st)
	}
}
