package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/adapter"
	"github.com/solar-fleet/sfc/internal/clock"
	"github.com/solar-fleet/sfc/internal/metrics"
	"github.com/solar-fleet/sfc/internal/override"
	"github.com/solar-fleet/sfc/internal/telemetry"
)

// Config holds action timing and projection defaults.
type Config struct {
	InFlightVisual time.Duration
	Suppression    time.Duration
	Timeout        time.Duration

	BaselineEfficiency    float64
	BaselineContamination float64
	NominalVoltage        float64
	NominalCurrent        float64
}

// Outcome describes a successful action.
type Outcome struct {
	Target          adapter.Target    `json:"target"`
	UnitsActedOn    int               `json:"unitsActedOn"`
	Projected       telemetry.Reading `json:"projected"`
	InstalledAt     time.Time         `json:"installedAt"`
	ActiveUntil     time.Time         `json:"activeUntil"`
	OverriddenUnits []string          `json:"overriddenUnits"`
}

// GuardState is the lifecycle stage reported to observers.
type GuardState string

const (
	GuardAcquired GuardState = "acquired"
	GuardApplied  GuardState = "applied"
	GuardReleased GuardState = "released"
)

// GuardEvent is emitted on the loop whenever a guard changes.
type GuardEvent struct {
	State   GuardState
	Target  adapter.Target
	Units   []string
	Outcome *Outcome
	Err     error
}

type guard struct {
	target  adapter.Target
	release clock.Token
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Loop      Executor
	Scheduler clock.Scheduler
	Inventory Inventory
	Viewer    Viewer
	Units     *override.Store[telemetry.Reading]
	Groups    *override.Store[telemetry.Summary]
	Adapter   adapter.ActionAdapter
	Logger    logrus.FieldLogger
}

// Coordinator issues actions and installs their overrides. Everything but
// Initiate runs on the event loop.
type Coordinator struct {
	deps Deps
	cfg  Config
	log  logrus.FieldLogger

	auditLogger AuditLogger
	metrics     *metrics.Collector
	observers   []func(GuardEvent)

	guards map[string]*guard
	closed bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		log:    log.WithField("component", "coordinator"),
		guards: make(map[string]*guard),
	}
}

// SetAuditLogger sets the audit logger.
func (c *Coordinator) SetAuditLogger(l AuditLogger) {
	c.auditLogger = l
}

// SetMetrics attaches a metrics collector.
func (c *Coordinator) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// OnGuard registers an observer for guard transitions. Must be called
// before the first Initiate.
func (c *Coordinator) OnGuard(fn func(GuardEvent)) {
	c.observers = append(c.observers, fn)
}

// Initiate performs an action on target. It blocks until the remote call
// completes and its result has been applied on the loop.
func (c *Coordinator) Initiate(ctx context.Context, target adapter.Target) (*Outcome, error) {
	start := time.Now()

	if err := target.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		c.finish(ctx, target, nil, err, 0)
		return nil, err
	}

	// Guard bookkeeping must complete even if the caller gives up, otherwise
	// a guard could be taken without anyone left to release it.
	loopCtx := context.WithoutCancel(ctx)

	var (
		keys     []string
		units    []string
		guardErr error
	)
	if err := c.deps.Loop.Do(loopCtx, func() {
		keys, units, guardErr = c.acquire(target)
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if guardErr != nil {
		c.finish(ctx, target, nil, guardErr, 0)
		return nil, guardErr
	}

	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	callStart := time.Now()
	result, callErr := c.deps.Adapter.Clean(callCtx, target)
	latency := time.Since(callStart)
	if callErr != nil {
		callErr = adapter.NormalizeTransportError(target, callErr)
	}

	var (
		outcome  *Outcome
		applyErr error
	)
	if err := c.deps.Loop.Do(loopCtx, func() {
		if callErr != nil {
			c.releaseKeys(target, keys, units, callErr)
			return
		}
		outcome, applyErr = c.apply(target, keys, units, result)
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	err := callErr
	if err == nil {
		err = applyErr
	}
	c.finish(ctx, target, outcome, err, latency)

	log := c.log.WithFields(logrus.Fields{
		"target":  target.Key(),
		"latency": time.Since(start),
	})
	if err != nil {
		log.WithError(err).Info("Action failed")
		return nil, err
	}
	log.WithField("overriddenUnits", len(outcome.OverriddenUnits)).Info("Action applied")
	return outcome, nil
}

// acquire takes every guard key of target or none. Runs on the loop.
func (c *Coordinator) acquire(target adapter.Target) ([]string, []string, error) {
	if c.closed {
		return nil, nil, ErrClosed
	}

	var units []string
	switch target.Kind {
	case adapter.KindUnit:
		if !c.deps.Inventory.HasUnit(target.ID) {
			return nil, nil, fmt.Errorf("%w: unit %s", ErrNotFound, target.ID)
		}
		units = []string{target.ID}
	case adapter.KindGroup:
		if !c.deps.Inventory.HasGroup(target.ID) {
			return nil, nil, fmt.Errorf("%w: group %s", ErrNotFound, target.ID)
		}
		units = c.deps.Inventory.Members(target.ID)
	}

	keys := make([]string, 0, len(units)+1)
	if target.Kind == adapter.KindGroup {
		keys = append(keys, target.Key())
	}
	for _, id := range units {
		keys = append(keys, adapter.Unit(id).Key())
	}

	for _, k := range keys {
		if _, held := c.guards[k]; held {
			return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyInFlight, k)
		}
	}
	for _, k := range keys {
		c.guards[k] = &guard{target: target}
	}

	c.emit(GuardEvent{State: GuardAcquired, Target: target, Units: units})
	return keys, units, nil
}

// apply installs overrides for a successful action and schedules the guard
// release at the end of the suppression window. Runs on the loop.
func (c *Coordinator) apply(target adapter.Target, keys, units []string, result *adapter.ActionResult) (*Outcome, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if result == nil {
		result = &adapter.ActionResult{}
	}

	now := c.deps.Scheduler.Now()
	projected := c.project(result)
	outcome := &Outcome{
		Target:       target,
		UnitsActedOn: result.UnitsActedOn,
		Projected:    projected,
		InstalledAt:  now,
		ActiveUntil:  now.Add(c.cfg.Suppression),
	}
	boundary := override.WithPhaseBoundary(c.cfg.InFlightVisual)

	switch target.Kind {
	case adapter.KindUnit:
		if _, err := c.deps.Units.Install(target.ID, projected, c.cfg.Suppression, boundary); err != nil {
			c.releaseKeys(target, keys, units, err)
			return nil, err
		}
		outcome.OverriddenUnits = []string{target.ID}
		c.metrics.RecordOverrideTransition(string(adapter.KindUnit), "installed")

	case adapter.KindGroup:
		summary := telemetry.Summary{AverageEfficiency: projected.Efficiency}
		if _, err := c.deps.Groups.Install(target.ID, summary, c.cfg.Suppression, boundary); err != nil {
			c.releaseKeys(target, keys, units, err)
			return nil, err
		}
		c.metrics.RecordOverrideTransition(string(adapter.KindGroup), "installed")

		for _, id := range units {
			view, ok := c.deps.Viewer.Merge(id, now)
			if !ok || !view.NeedsAction {
				continue
			}
			if _, err := c.deps.Units.Install(id, projected, c.cfg.Suppression, boundary); err != nil {
				c.log.WithError(err).WithField("unit", id).Warn("Failed to install member override")
				continue
			}
			outcome.OverriddenUnits = append(outcome.OverriddenUnits, id)
			c.metrics.RecordOverrideTransition(string(adapter.KindUnit), "installed")
		}
	}

	c.metrics.RecordOverrides(string(adapter.KindUnit), c.deps.Units.Len())
	c.metrics.RecordOverrides(string(adapter.KindGroup), c.deps.Groups.Len())

	tok := c.deps.Scheduler.After(c.cfg.Suppression, func() {
		c.releaseKeys(target, keys, units, nil)
	})
	for _, k := range keys {
		if g, ok := c.guards[k]; ok {
			g.release = tok
		}
	}

	c.emit(GuardEvent{State: GuardApplied, Target: target, Units: units, Outcome: outcome})
	return outcome, nil
}

func (c *Coordinator) releaseKeys(target adapter.Target, keys, units []string, cause error) {
	for _, k := range keys {
		if g, ok := c.guards[k]; ok && g.target == target {
			delete(c.guards, k)
		}
	}
	c.emit(GuardEvent{State: GuardReleased, Target: target, Units: units, Err: cause})
}

// project fills in absent response values from the configured baselines.
func (c *Coordinator) project(result *adapter.ActionResult) telemetry.Reading {
	eff := c.cfg.BaselineEfficiency
	if result.ProjectedEfficiency != nil {
		eff = *result.ProjectedEfficiency
	}
	cont := c.cfg.BaselineContamination
	if result.ProjectedContamination != nil {
		cont = *result.ProjectedContamination
	}
	voltage := c.cfg.NominalVoltage * eff / 100
	return telemetry.Reading{
		Efficiency:    eff,
		Contamination: cont,
		Voltage:       voltage,
		PowerOutput:   voltage * c.cfg.NominalCurrent,
	}
}

// Pending reports whether a guard is held for target. Runs on the loop.
func (c *Coordinator) Pending(target adapter.Target) bool {
	_, held := c.guards[target.Key()]
	return held
}

// Held returns the number of guard keys currently held. Runs on the loop.
func (c *Coordinator) Held() int {
	return len(c.guards)
}

// Close releases every guard and cancels pending releases. Later actions
// fail with ErrClosed. Runs on the loop.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for k, g := range c.guards {
		if g.release != 0 {
			c.deps.Scheduler.Cancel(g.release)
		}
		delete(c.guards, k)
	}
}

func (c *Coordinator) emit(ev GuardEvent) {
	for _, fn := range c.observers {
		fn(ev)
	}
}

func (c *Coordinator) finish(ctx context.Context, target adapter.Target, outcome *Outcome, err error, latency time.Duration) {
	result := ResultCode(err)
	c.metrics.RecordAction(string(target.Kind), result, latency)

	if c.auditLogger == nil {
		return
	}
	details := map[string]interface{}{"kind": string(target.Kind)}
	if outcome != nil {
		details["unitsActedOn"] = outcome.UnitsActedOn
		details["projectedEfficiency"] = outcome.Projected.Efficiency
		details["projectedContamination"] = outcome.Projected.Contamination
		details["overriddenUnits"] = len(outcome.OverriddenUnits)
	}
	if err != nil {
		details["error"] = err.Error()
	}
	c.auditLogger.LogAction(ctx, "clean", target.Key(), result, latency, details)
}

// ResultCode maps an action error to its audit and metrics label.
func ResultCode(err error) string {
	switch {
	case err == nil:
		return "SUCCESS"
	case errors.Is(err, ErrAlreadyInFlight):
		return ErrAlreadyInFlight.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrInvalidParameter):
		return ErrInvalidParameter.Error()
	case errors.Is(err, ErrClosed), errors.Is(err, override.ErrClosed):
		return ErrClosed.Error()
	}
	var de *adapter.DispatchError
	if errors.As(err, &de) && de.Code != nil {
		return de.Code.Error()
	}
	return adapter.ErrInternal.Error()
}
