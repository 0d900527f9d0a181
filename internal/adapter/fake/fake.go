// Package fake provides a scripted ActionAdapter for tests and offline demos.
package fake

import (
	"context"
	"sync"

	"github.com/solar-fleet/sfc/internal/adapter"
)

// Response is a scripted outcome.
type Response struct {
	Result *adapter.ActionResult
	Err    error
}

// Adapter replays scripted responses and records every call.
type Adapter struct {
	mu        sync.Mutex
	calls     []adapter.Target
	responses map[string]Response
	fallback  Response
	gate      chan struct{}
	entered   chan adapter.Target
}

// New creates a fake whose default response is a successful action with no
// projected values.
func New() *Adapter {
	return &Adapter{
		responses: make(map[string]Response),
		fallback:  Response{Result: &adapter.ActionResult{UnitsActedOn: 1}},
		entered:   make(chan adapter.Target, 64),
	}
}

// SetResponse scripts the outcome for one target.
func (a *Adapter) SetResponse(target adapter.Target, result *adapter.ActionResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[target.Key()] = Response{Result: result, Err: err}
}

// SetDefault scripts the outcome for targets without a specific response.
func (a *Adapter) SetDefault(result *adapter.ActionResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = Response{Result: result, Err: err}
}

// Hold makes subsequent calls block until the returned release function is
// called or their context ends.
func (a *Adapter) Hold() (release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gate := make(chan struct{})
	a.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			if a.gate == gate {
				a.gate = nil
			}
			a.mu.Unlock()
			close(gate)
		})
	}
}

// Entered receives each target as its call starts.
func (a *Adapter) Entered() <-chan adapter.Target {
	return a.entered
}

// Calls returns every target requested so far.
func (a *Adapter) Calls() []adapter.Target {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]adapter.Target, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount returns how many times target was requested.
func (a *Adapter) CallCount(target adapter.Target) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == target {
			n++
		}
	}
	return n
}

// Clean implements adapter.ActionAdapter.
func (a *Adapter) Clean(ctx context.Context, target adapter.Target) (*adapter.ActionResult, error) {
	if err := target.Validate(); err != nil {
		return nil, &adapter.DispatchError{Code: adapter.ErrRejected, Target: target, Original: err}
	}

	a.mu.Lock()
	a.calls = append(a.calls, target)
	resp, ok := a.responses[target.Key()]
	if !ok {
		resp = a.fallback
	}
	gate := a.gate
	a.mu.Unlock()

	select {
	case a.entered <- target:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, adapter.NormalizeTransportError(target, ctx.Err())
		}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Result == nil {
		return &adapter.ActionResult{}, nil
	}
	result := *resp.Result
	return &result, nil
}

var _ adapter.ActionAdapter = (*Adapter)(nil)
