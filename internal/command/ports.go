package command

import (
	"context"
	"errors"
	"time"

	"github.com/solar-fleet/sfc/internal/reconcile"
)

var (
	// ErrNotFound indicates the target has never been seen on the stream.
	ErrNotFound = errors.New("NOT_FOUND")
	// ErrInvalidParameter indicates a structurally invalid target.
	ErrInvalidParameter = errors.New("BAD_REQUEST")
	// ErrAlreadyInFlight rejects an action whose target is still guarded.
	ErrAlreadyInFlight = errors.New("ALREADY_IN_FLIGHT")
	// ErrClosed is returned after the coordinator has been torn down.
	ErrClosed = errors.New("COORDINATOR_CLOSED")
)

// Executor runs a closure on the event loop and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Inventory answers which targets the stream has reported.
type Inventory interface {
	HasUnit(id string) bool
	HasGroup(id string) bool
	Members(groupID string) []string
}

// Viewer returns the current merged view of a unit.
type Viewer interface {
	Merge(unitID string, now time.Time) (reconcile.UnitView, bool)
}

// AuditLogger writes audit records.
type AuditLogger interface {
	LogAction(ctx context.Context, action, target, result string, latency time.Duration, details map[string]interface{})
}
