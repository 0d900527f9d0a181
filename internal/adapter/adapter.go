package adapter

import (
	"context"
	"fmt"
)

// Kind distinguishes unit targets from group targets.
type Kind string

const (
	KindUnit  Kind = "unit"
	KindGroup Kind = "group"
)

// Target names what an action applies to.
type Target struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Unit returns a unit target.
func Unit(id string) Target {
	return Target{Kind: KindUnit, ID: id}
}

// Group returns a group target.
func Group(id string) Target {
	return Target{Kind: KindGroup, ID: id}
}

// Key is the guard key of the target, e.g. "unit:U1".
func (t Target) Key() string {
	return string(t.Kind) + ":" + t.ID
}

func (t Target) String() string {
	return t.Key()
}

// Validate checks the target is well formed.
func (t Target) Validate() error {
	if t.Kind != KindUnit && t.Kind != KindGroup {
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	if t.ID == "" {
		return fmt.Errorf("target id cannot be empty")
	}
	return nil
}

// ActionResult is the validated response of a successful action. Projected
// values are nil when the farm did not report them.
type ActionResult struct {
	UnitsActedOn           int      `json:"unitsActedOn"`
	ProjectedEfficiency    *float64 `json:"projectedEfficiency,omitempty"`
	ProjectedContamination *float64 `json:"projectedContamination,omitempty"`
}

// ActionAdapter issues remedial actions.
type ActionAdapter interface {
	// Clean requests cleaning of target. Errors are *DispatchError.
	Clean(ctx context.Context, target Target) (*ActionResult, error)
}
