// Package reconcile merges the authoritative telemetry table with active
// optimistic overrides into the view records shown to operators.
//
// Merging is a pure read: it never mutates the table or the override stores
// and may be called at any frequency.
package reconcile

import (
	"time"

	"github.com/solar-fleet/sfc/internal/ingest"
	"github.com/solar-fleet/sfc/internal/override"
	"github.com/solar-fleet/sfc/internal/telemetry"
)

// Source names where a view's values came from.
type Source string

const (
	SourceStream   Source = "stream"
	SourceOverride Source = "override"
)

// Table is the read side of the authoritative table.
type Table interface {
	Unit(id string) (ingest.UnitRecord, bool)
	Group(id string) (ingest.GroupRecord, bool)
}

// UnitOverrides is the read side of the unit override store.
type UnitOverrides interface {
	Active(key string, now time.Time) (override.Override[telemetry.Reading], bool)
}

// GroupOverrides is the read side of the group override store.
type GroupOverrides interface {
	Active(key string, now time.Time) (override.Override[telemetry.Summary], bool)
}

// UnitView is the displayed state of a unit.
type UnitView struct {
	UnitID  string `json:"unitId"`
	GroupID string `json:"groupId,omitempty"`
	telemetry.Reading
	ObservedAt  time.Time      `json:"observedAt"`
	Source      Source         `json:"source"`
	Phase       override.Phase `json:"phase,omitempty"`
	ActiveUntil *time.Time     `json:"activeUntil,omitempty"`
	NeedsAction bool           `json:"needsAction"`
	// ActionPending is set by the coordinator's owner while a guard is held.
	ActionPending bool `json:"actionPending"`
	// Stream carries the suppressed authoritative reading while overridden.
	Stream *telemetry.Reading `json:"stream,omitempty"`
}

// GroupView is the displayed state of a group.
type GroupView struct {
	GroupID string `json:"groupId"`
	// Summary is the override projection when active, otherwise the latest
	// reported summary, otherwise the member summary.
	Summary     telemetry.Summary `json:"summary"`
	Members     telemetry.Summary `json:"members"`
	MemberCount int               `json:"memberCount"`
	ReportedAt  *time.Time        `json:"reportedAt,omitempty"`
	Source      Source            `json:"source"`
	Phase       override.Phase    `json:"phase,omitempty"`
	ActiveUntil *time.Time        `json:"activeUntil,omitempty"`
	// ActionPending is set by the coordinator's owner while a guard is held.
	ActionPending bool `json:"actionPending"`
}

// Reconciler produces view records.
type Reconciler struct {
	table      Table
	units      UnitOverrides
	groups     GroupOverrides
	thresholds telemetry.Thresholds
}

// New creates a reconciler over the given table and override stores.
func New(table Table, units UnitOverrides, groups GroupOverrides, thresholds telemetry.Thresholds) *Reconciler {
	return &Reconciler{
		table:      table,
		units:      units,
		groups:     groups,
		thresholds: thresholds,
	}
}

// Merge returns the view of unitID at now. Active override values take
// precedence over the stream record. It reports false for units that are
// neither in the table nor overridden.
func (r *Reconciler) Merge(unitID string, now time.Time) (UnitView, bool) {
	rec, known := r.table.Unit(unitID)
	ov, overridden := r.units.Active(unitID, now)
	if !known && !overridden {
		return UnitView{}, false
	}

	view := UnitView{
		UnitID:     unitID,
		GroupID:    rec.GroupID,
		Reading:    rec.Reading,
		ObservedAt: rec.ObservedAt,
		Source:     SourceStream,
	}
	if overridden {
		if known {
			stream := rec.Reading
			view.Stream = &stream
		}
		until := ov.ActiveUntil
		view.Reading = ov.Value
		view.Source = SourceOverride
		view.Phase = ov.Phase
		view.ActiveUntil = &until
	}
	view.NeedsAction = r.thresholds.NeedsAction(view.Reading)
	return view, true
}

// MergeGroup returns the view of groupID at now. The member summary is
// computed from the members' merged views.
func (r *Reconciler) MergeGroup(groupID string, now time.Time) (GroupView, bool) {
	rec, known := r.table.Group(groupID)
	ov, overridden := r.groups.Active(groupID, now)
	if !known && !overridden {
		return GroupView{}, false
	}

	readings := make([]telemetry.Reading, 0, len(rec.Members))
	for _, id := range rec.Members {
		if v, ok := r.Merge(id, now); ok {
			readings = append(readings, v.Reading)
		}
	}

	view := GroupView{
		GroupID:     groupID,
		Members:     r.thresholds.Summarize(readings),
		MemberCount: len(rec.Members),
		Source:      SourceStream,
	}
	switch {
	case overridden:
		until := ov.ActiveUntil
		view.Summary = ov.Value
		view.Source = SourceOverride
		view.Phase = ov.Phase
		view.ActiveUntil = &until
	case rec.Reported != nil:
		view.Summary = *rec.Reported
	default:
		view.Summary = view.Members
	}
	if rec.Reported != nil {
		at := rec.ReportedAt
		view.ReportedAt = &at
	}
	return view, true
}
