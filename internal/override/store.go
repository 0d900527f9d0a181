// Package override implements the time-bounded optimistic override store.
//
// An override holds projected values for a key from the moment a remote
// action succeeds until its suppression window ends. While active it takes
// precedence over the telemetry stream. Each override carries its own expiry
// timer and, optionally, a phase boundary timer that moves it from InFlight
// to Suppressing. Installing over an existing key replaces it and resets its
// timers; overrides never stack.
//
// A Store is owned by the event loop and is not safe for concurrent use.
package override

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/solar-fleet/sfc/internal/clock"
)

var (
	// ErrInvalidTTL is returned when an override would not outlive its install time.
	ErrInvalidTTL = errors.New("override ttl must be positive")
	// ErrClosed is returned by Install after Close.
	ErrClosed = errors.New("override store closed")
)

// Phase is the lifecycle stage of an override.
type Phase int

const (
	// InFlight is the initial phase, shown as "action in progress".
	InFlight Phase = iota + 1
	// Suppressing keeps projected values while the stream catches up.
	Suppressing
)

func (p Phase) String() string {
	switch p {
	case InFlight:
		return "in_flight"
	case Suppressing:
		return "suppressing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Override is a snapshot of an installed override.
type Override[V any] struct {
	Key         string
	Value       V
	InstalledAt time.Time
	ActiveUntil time.Time
	Phase       Phase
	// Generation increases with every install in the store.
	Generation uint64
}

// IsActive reports whether the override applies at now.
func (o Override[V]) IsActive(now time.Time) bool {
	return now.Before(o.ActiveUntil)
}

type entry[V any] struct {
	ov     Override[V]
	expiry clock.Token
	phase  clock.Token
}

type installOptions struct {
	phaseBoundary time.Duration
}

// InstallOption customises Install.
type InstallOption func(*installOptions)

// WithPhaseBoundary schedules the InFlight to Suppressing transition d
// after install. Boundaries at or past the ttl are ignored.
func WithPhaseBoundary(d time.Duration) InstallOption {
	return func(o *installOptions) {
		o.phaseBoundary = d
	}
}

// Store keeps at most one override per key.
type Store[V any] struct {
	sched   clock.Scheduler
	entries map[string]*entry[V]
	gen     uint64
	closed  bool

	onPhase  func(Override[V])
	onExpire func(Override[V])
}

// NewStore creates an empty store that schedules its timers on sched.
func NewStore[V any](sched clock.Scheduler) *Store[V] {
	return &Store[V]{
		sched:   sched,
		entries: make(map[string]*entry[V]),
	}
}

// OnPhase registers a callback run after an override becomes Suppressing.
func (s *Store[V]) OnPhase(fn func(Override[V])) {
	s.onPhase = fn
}

// OnExpire registers a callback run after an override is swept.
func (s *Store[V]) OnExpire(fn func(Override[V])) {
	s.onExpire = fn
}

// Install places an InFlight override for key active for ttl from now,
// replacing any existing override for key.
func (s *Store[V]) Install(key string, value V, ttl time.Duration, opts ...InstallOption) (Override[V], error) {
	if s.closed {
		return Override[V]{}, ErrClosed
	}
	if ttl <= 0 {
		return Override[V]{}, fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}

	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}

	if old, ok := s.entries[key]; ok {
		s.cancelTimers(old)
	}

	now := s.sched.Now()
	s.gen++
	e := &entry[V]{
		ov: Override[V]{
			Key:         key,
			Value:       value,
			InstalledAt: now,
			ActiveUntil: now.Add(ttl),
			Phase:       InFlight,
			Generation:  s.gen,
		},
	}
	s.entries[key] = e

	e.expiry = s.sched.After(ttl, func() {
		s.ExpireSweep(s.sched.Now())
	})
	if o.phaseBoundary > 0 && o.phaseBoundary < ttl {
		gen := s.gen
		e.phase = s.sched.After(o.phaseBoundary, func() {
			if cur, ok := s.entries[key]; ok && cur.ov.Generation == gen {
				cur.phase = 0
				s.AdvancePhase(key)
			}
		})
	}

	return e.ov, nil
}

// AdvancePhase moves key from InFlight to Suppressing. It reports whether a
// transition happened.
func (s *Store[V]) AdvancePhase(key string) bool {
	e, ok := s.entries[key]
	if !ok || e.ov.Phase != InFlight {
		return false
	}
	if e.phase != 0 {
		s.sched.Cancel(e.phase)
		e.phase = 0
	}
	e.ov.Phase = Suppressing
	if s.onPhase != nil {
		s.onPhase(e.ov)
	}
	return true
}

// IsActive reports whether key has an override and now precedes its end.
func (s *Store[V]) IsActive(key string, now time.Time) bool {
	e, ok := s.entries[key]
	return ok && e.ov.IsActive(now)
}

// Get returns the override for key regardless of activity.
func (s *Store[V]) Get(key string) (Override[V], bool) {
	e, ok := s.entries[key]
	if !ok {
		return Override[V]{}, false
	}
	return e.ov, true
}

// Active returns the override for key when it applies at now.
func (s *Store[V]) Active(key string, now time.Time) (Override[V], bool) {
	e, ok := s.entries[key]
	if !ok || !e.ov.IsActive(now) {
		return Override[V]{}, false
	}
	return e.ov, true
}

// ExpireSweep removes every override whose end is at or before now and
// returns them in key order.
func (s *Store[V]) ExpireSweep(now time.Time) []Override[V] {
	var expired []Override[V]
	for key, e := range s.entries {
		if e.ov.ActiveUntil.After(now) {
			continue
		}
		s.cancelTimers(e)
		delete(s.entries, key)
		expired = append(expired, e.ov)
	}
	sort.Slice(expired, func(a, b int) bool { return expired[a].Key < expired[b].Key })

	if s.onExpire != nil {
		for _, ov := range expired {
			s.onExpire(ov)
		}
	}
	return expired
}

// Remove drops key's override and cancels its timers without running the
// expiry callback.
func (s *Store[V]) Remove(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.cancelTimers(e)
	delete(s.entries, key)
	return true
}

// Close cancels every timer, drops all overrides and rejects later installs.
func (s *Store[V]) Close() {
	for key, e := range s.entries {
		s.cancelTimers(e)
		delete(s.entries, key)
	}
	s.closed = true
}

// Len returns the number of installed overrides.
func (s *Store[V]) Len() int {
	return len(s.entries)
}

// Keys returns installed keys in ascending order.
func (s *Store[V]) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store[V]) cancelTimers(e *entry[V]) {
	if e.expiry != 0 {
		s.sched.Cancel(e.expiry)
		e.expiry = 0
	}
	if e.phase != 0 {
		s.sched.Cancel(e.phase)
		e.phase = 0
	}
}
