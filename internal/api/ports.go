package api

import (
	"context"
	"net/http"

	"github.com/solar-fleet/sfc/internal/adapter"
	"github.com/solar-fleet/sfc/internal/alerts"
	"github.com/solar-fleet/sfc/internal/command"
	"github.com/solar-fleet/sfc/internal/conn"
	"github.com/solar-fleet/sfc/internal/engine"
	"github.com/solar-fleet/sfc/internal/feed"
	"github.com/solar-fleet/sfc/internal/reconcile"
)

// EnginePort is the subset of the engine used by the API.
type EnginePort interface {
	InitiateAction(ctx context.Context, target adapter.Target) (*command.Outcome, error)
	Unit(ctx context.Context, id string) (reconcile.UnitView, error)
	Units(ctx context.Context, groupID string) ([]reconcile.UnitView, error)
	Group(ctx context.Context, id string) (reconcile.GroupView, error)
	Groups(ctx context.Context) ([]reconcile.GroupView, error)
	Connection(ctx context.Context) (conn.Status, error)
	Alerts(ctx context.Context) (alerts.Report, error)
}

// FeedPort streams view events to an SSE client.
type FeedPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

var (
	_ EnginePort = (*engine.Engine)(nil)
	_ FeedPort   = (*feed.Hub)(nil)
)
