package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/adapter"
	"github.com/solar-fleet/sfc/internal/alerts"
	"github.com/solar-fleet/sfc/internal/clock"
	"github.com/solar-fleet/sfc/internal/command"
	"github.com/solar-fleet/sfc/internal/config"
	"github.com/solar-fleet/sfc/internal/conn"
	"github.com/solar-fleet/sfc/internal/feed"
	"github.com/solar-fleet/sfc/internal/ingest"
	"github.com/solar-fleet/sfc/internal/loop"
	"github.com/solar-fleet/sfc/internal/metrics"
	"github.com/solar-fleet/sfc/internal/override"
	"github.com/solar-fleet/sfc/internal/reconcile"
	"github.com/solar-fleet/sfc/internal/telemetry"
)

// ErrNotFound is returned for units and groups never seen on the stream.
var ErrNotFound = command.ErrNotFound

// Publisher receives view change events. Events are published from the
// loop.
type Publisher interface {
	Publish(ev feed.Event)
}

// cursor is implemented by publishers that number their events.
type cursor interface {
	Cursor() int64
}

// Options are the engine's external collaborators. Dialer and Adapter are
// required.
type Options struct {
	Dialer    conn.Dialer
	Adapter   adapter.ActionAdapter
	Publisher Publisher
	Audit     command.AuditLogger
	Metrics   *metrics.Collector
	Logger    logrus.FieldLogger
	// Scheduler overrides the wall clock, for tests. It must only be
	// driven from the engine's loop.
	Scheduler clock.Scheduler
}

// Snapshot is the complete merged view at one instant.
type Snapshot struct {
	At         time.Time             `json:"at"`
	Connection conn.Status           `json:"connection"`
	Units      []reconcile.UnitView  `json:"units"`
	Groups     []reconcile.GroupView `json:"groups"`
	Stats      ingest.Stats          `json:"stats"`
	// EventID is the last published event this snapshot reflects.
	EventID int64 `json:"eventId"`
}

// Engine owns the event loop and every component whose state lives on it.
// Its methods may be called from any goroutine.
type Engine struct {
	loop   *loop.Loop
	sched  clock.Scheduler
	conn   *conn.Manager
	table  *ingest.Ingestor
	units  *override.Store[telemetry.Reading]
	groups *override.Store[telemetry.Summary]
	rec    *reconcile.Reconciler
	coord  *command.Coordinator
	pub    Publisher
	rules  alerts.Rules
	log    logrus.FieldLogger

	started atomic.Bool
}

// New wires an engine from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Dialer == nil || opts.Adapter == nil {
		return nil, fmt.Errorf("engine requires a dialer and an action adapter")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := &Engine{
		loop: loop.New(0, log),
		pub:  opts.Publisher,
		log:  log.WithField("component", "engine"),
	}
	e.sched = opts.Scheduler
	if e.sched == nil {
		e.sched = clock.NewReal(e.loop.Post)
	}

	thresholds := cfg.Reconcile.Thresholds()
	e.table = ingest.New(e.sched, thresholds, log)
	e.table.SetMetrics(opts.Metrics)
	e.units = override.NewStore[telemetry.Reading](e.sched)
	e.groups = override.NewStore[telemetry.Summary](e.sched)
	e.rec = reconcile.New(e.table, e.units, e.groups, thresholds)
	e.rules = alerts.DefaultRules(thresholds)

	e.coord = command.NewCoordinator(command.Deps{
		Loop:      e.loop,
		Scheduler: e.sched,
		Inventory: e.table,
		Viewer:    e.rec,
		Units:     e.units,
		Groups:    e.groups,
		Adapter:   opts.Adapter,
		Logger:    log,
	}, command.Config{
		InFlightVisual:        cfg.Reconcile.InFlightVisual,
		Suppression:           cfg.Reconcile.Suppression,
		Timeout:               cfg.Actions.Timeout,
		BaselineEfficiency:    cfg.Reconcile.BaselineEfficiency,
		BaselineContamination: cfg.Reconcile.BaselineContamination,
		NominalVoltage:        cfg.Reconcile.NominalVoltage,
		NominalCurrent:        cfg.Reconcile.NominalCurrent,
	})
	e.coord.SetMetrics(opts.Metrics)
	if opts.Audit != nil {
		e.coord.SetAuditLogger(opts.Audit)
	}

	e.conn = conn.NewManager(conn.Config{
		URL:            cfg.Stream.URL,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
	}, opts.Dialer, e.sched, e.loop.Post, log)
	e.conn.SetMetrics(opts.Metrics)

	e.wire(opts.Metrics)
	return e, nil
}

func (e *Engine) wire(m *metrics.Collector) {
	e.conn.OnFrame(func(raw []byte) {
		_ = e.table.HandleRaw(raw)
	})
	e.conn.OnState(func(s conn.Status) {
		e.publish(feed.Event{Type: feed.EventConnection, Data: s})
	})
	e.conn.OnEstablished(func() {
		s := e.conn.Status()
		e.publish(feed.Event{Type: feed.EventSession, Data: map[string]interface{}{
			"established": s.ConnectedSince,
			"sessions":    s.Sessions,
		}})
	})

	e.table.OnChange(func(c ingest.Change) {
		now := e.sched.Now()
		for _, id := range c.Units {
			// An active override masks the stream; its view has not changed.
			if e.units.IsActive(id, now) {
				continue
			}
			e.publishUnit(id, now)
		}
		for _, id := range c.Groups {
			e.publishGroup(id, now)
		}
	})

	e.units.OnPhase(func(o override.Override[telemetry.Reading]) {
		m.RecordOverrideTransition(string(adapter.KindUnit), "suppressing")
		e.publishUnit(o.Key, e.sched.Now())
	})
	e.units.OnExpire(func(o override.Override[telemetry.Reading]) {
		now := e.sched.Now()
		m.RecordOverrideTransition(string(adapter.KindUnit), "expired")
		m.RecordOverrides(string(adapter.KindUnit), e.units.Len())
		e.publishUnit(o.Key, now)
		if rec, ok := e.table.Unit(o.Key); ok && rec.GroupID != "" {
			e.publishGroup(rec.GroupID, now)
		}
	})
	e.groups.OnPhase(func(o override.Override[telemetry.Summary]) {
		m.RecordOverrideTransition(string(adapter.KindGroup), "suppressing")
		e.publishGroup(o.Key, e.sched.Now())
	})
	e.groups.OnExpire(func(o override.Override[telemetry.Summary]) {
		m.RecordOverrideTransition(string(adapter.KindGroup), "expired")
		m.RecordOverrides(string(adapter.KindGroup), e.groups.Len())
		e.publishGroup(o.Key, e.sched.Now())
	})

	e.coord.OnGuard(func(ev command.GuardEvent) {
		now := e.sched.Now()
		for _, id := range ev.Units {
			e.publishUnit(id, now)
		}
		switch ev.Target.Kind {
		case adapter.KindGroup:
			e.publishGroup(ev.Target.ID, now)
		case adapter.KindUnit:
			if rec, ok := e.table.Unit(ev.Target.ID); ok && rec.GroupID != "" && ev.State == command.GuardApplied {
				e.publishGroup(rec.GroupID, now)
			}
		}
	})
}

// Start runs the loop and opens the telemetry session.
func (e *Engine) Start() error {
	e.loop.Start()
	e.started.Store(true)
	if err := e.loop.Do(context.Background(), e.conn.Start); err != nil {
		return fmt.Errorf("failed to start connection manager: %w", err)
	}
	e.log.Info("Engine started")
	return nil
}

// Stop closes the session, cancels every timer and stops the loop. Pending
// guards and overrides are discarded.
func (e *Engine) Stop() {
	if !e.started.Load() {
		e.loop.Stop()
		return
	}
	err := e.loop.Do(context.Background(), func() {
		e.conn.Stop()
		e.coord.Close()
		e.units.Close()
		e.groups.Close()
		e.sched.CancelAll()
	})
	if err != nil {
		e.log.WithError(err).Debug("Engine loop already stopped")
	}
	e.loop.Stop()
	e.log.Info("Engine stopped")
}

// InitiateAction cleans target and returns the installed projection.
func (e *Engine) InitiateAction(ctx context.Context, target adapter.Target) (*command.Outcome, error) {
	return e.coord.Initiate(ctx, target)
}

// Unit returns the merged view of one unit.
func (e *Engine) Unit(ctx context.Context, id string) (reconcile.UnitView, error) {
	var (
		view reconcile.UnitView
		ok   bool
	)
	if err := e.loop.Do(ctx, func() { view, ok = e.unitView(id, e.sched.Now()) }); err != nil {
		return view, err
	}
	if !ok {
		return view, fmt.Errorf("%w: unit %s", ErrNotFound, id)
	}
	return view, nil
}

// Units returns merged unit views in id order, restricted to groupID when
// it is not empty.
func (e *Engine) Units(ctx context.Context, groupID string) ([]reconcile.UnitView, error) {
	var (
		out   []reconcile.UnitView
		found = true
	)
	err := e.loop.Do(ctx, func() {
		ids := e.table.UnitIDs()
		if groupID != "" {
			found = e.table.HasGroup(groupID)
			ids = e.table.Members(groupID)
		}
		out = e.unitViews(ids, e.sched.Now())
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	return out, nil
}

// Group returns the merged view of one group.
func (e *Engine) Group(ctx context.Context, id string) (reconcile.GroupView, error) {
	var (
		view reconcile.GroupView
		ok   bool
	)
	if err := e.loop.Do(ctx, func() { view, ok = e.groupView(id, e.sched.Now()) }); err != nil {
		return view, err
	}
	if !ok {
		return view, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	return view, nil
}

// Groups returns every merged group view in id order.
func (e *Engine) Groups(ctx context.Context) ([]reconcile.GroupView, error) {
	var out []reconcile.GroupView
	err := e.loop.Do(ctx, func() {
		out = e.groupViews(e.sched.Now())
	})
	return out, err
}

// Alerts evaluates group alerts on the merged views, so groups under an
// active override are judged by their projected state.
func (e *Engine) Alerts(ctx context.Context) (alerts.Report, error) {
	var report alerts.Report
	err := e.loop.Do(ctx, func() {
		report = e.rules.Evaluate(alertInputs(e.groupViews(e.sched.Now())))
	})
	return report, err
}

// alertInputs judges efficiency on the displayed summary and the affected
// share on known members, since a reported summary may count units the
// stream never sampled.
func alertInputs(views []reconcile.GroupView) []alerts.Group {
	out := make([]alerts.Group, 0, len(views))
	for _, v := range views {
		out = append(out, alerts.Group{
			GroupID:           v.GroupID,
			AverageEfficiency: v.Summary.AverageEfficiency,
			UnitsAffected:     v.Summary.UnitsNeedingAction,
			AffectedShare:     alerts.Share(v.Members.UnitsNeedingAction, v.MemberCount),
		})
	}
	return out
}

// Connection returns the session status.
func (e *Engine) Connection(ctx context.Context) (conn.Status, error) {
	var s conn.Status
	err := e.loop.Do(ctx, func() { s = e.conn.Status() })
	return s, err
}

// Snapshot returns every view and the session status in one consistent read.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	var s *Snapshot
	err := e.loop.Do(ctx, func() {
		now := e.sched.Now()
		s = &Snapshot{
			At:         now,
			Connection: e.conn.Status(),
			Units:      e.unitViews(e.table.UnitIDs(), now),
			Groups:     e.groupViews(now),
			Stats:      e.table.Stats(),
		}
		if c, ok := e.pub.(cursor); ok {
			s.EventID = c.Cursor()
		}
	})
	return s, err
}

func (e *Engine) unitView(id string, now time.Time) (reconcile.UnitView, bool) {
	v, ok := e.rec.Merge(id, now)
	if ok {
		v.ActionPending = e.coord.Pending(adapter.Unit(id))
	}
	return v, ok
}

func (e *Engine) groupView(id string, now time.Time) (reconcile.GroupView, bool) {
	v, ok := e.rec.MergeGroup(id, now)
	if ok {
		v.ActionPending = e.coord.Pending(adapter.Group(id))
	}
	return v, ok
}

func (e *Engine) unitViews(ids []string, now time.Time) []reconcile.UnitView {
	out := make([]reconcile.UnitView, 0, len(ids))
	for _, id := range ids {
		if v, ok := e.unitView(id, now); ok {
			out = append(out, v)
		}
	}
	return out
}

func (e *Engine) groupViews(now time.Time) []reconcile.GroupView {
	ids := e.table.GroupIDs()
	out := make([]reconcile.GroupView, 0, len(ids))
	for _, id := range ids {
		if v, ok := e.groupView(id, now); ok {
			out = append(out, v)
		}
	}
	return out
}

func (e *Engine) publishUnit(id string, now time.Time) {
	if v, ok := e.unitView(id, now); ok {
		e.publish(feed.Event{Type: feed.EventUnit, Group: v.GroupID, Data: v})
	}
}

func (e *Engine) publishGroup(id string, now time.Time) {
	if v, ok := e.groupView(id, now); ok {
		e.publish(feed.Event{Type: feed.EventGroup, Group: id, Data: v})
	}
}

func (e *Engine) publish(ev feed.Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}
