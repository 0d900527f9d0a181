package ingest

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/clock"
	"github.com/solar-fleet/sfc/internal/metrics"
	"github.com/solar-fleet/sfc/internal/telemetry"
)

// UnitRecord is the latest authoritative state of a unit.
type UnitRecord struct {
	UnitID     string
	GroupID    string
	Reading    telemetry.Reading
	ObservedAt time.Time
	ReceivedAt time.Time
}

// GroupRecord is the authoritative state of a group.
type GroupRecord struct {
	GroupID string
	// Members lists unit ids in ascending order.
	Members []string
	// Reported is the latest summary carried by the stream, nil until one
	// arrives.
	Reported   *telemetry.Summary
	ReportedAt time.Time
	// Derived summarizes the members' stream records.
	Derived telemetry.Summary
}

// Change lists what an accepted frame modified.
type Change struct {
	ObservedAt time.Time
	Units      []string
	Groups     []string
	// Stale counts entries skipped by the not-older rule.
	Stale int
}

// Empty reports whether the frame modified nothing.
func (c Change) Empty() bool {
	return len(c.Units) == 0 && len(c.Groups) == 0
}

// Stats summarises ingestion activity.
type Stats struct {
	Received     uint64
	Accepted     uint64
	Rejected     uint64
	StaleEntries uint64
	LastError    string
	LastAccepted time.Time
}

type groupState struct {
	members    map[string]struct{}
	reported   *telemetry.Summary
	reportedAt time.Time
	derived    telemetry.Summary
}

// Ingestor owns the authoritative table.
type Ingestor struct {
	clock      clock.Clock
	thresholds telemetry.Thresholds
	log        logrus.FieldLogger
	metrics    *metrics.Collector

	units  map[string]*UnitRecord
	groups map[string]*groupState
	subs   []func(Change)
	stats  Stats
}

// New creates an empty ingestor.
func New(clk clock.Clock, thresholds telemetry.Thresholds, log logrus.FieldLogger) *Ingestor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ingestor{
		clock:      clk,
		thresholds: thresholds,
		log:        log.WithField("component", "ingest"),
		units:      make(map[string]*UnitRecord),
		groups:     make(map[string]*groupState),
	}
}

// SetMetrics attaches a metrics collector.
func (i *Ingestor) SetMetrics(m *metrics.Collector) {
	i.metrics = m
}

// OnChange registers a subscriber for authoritative state changes.
func (i *Ingestor) OnChange(fn func(Change)) {
	i.subs = append(i.subs, fn)
}

// HandleRaw decodes and applies a raw stream message. A decoding failure is
// returned for diagnostics only; the table is left untouched.
func (i *Ingestor) HandleRaw(raw []byte) error {
	i.stats.Received++

	frame, err := telemetry.Decode(raw)
	if err != nil {
		i.stats.Rejected++
		i.stats.LastError = err.Error()
		i.metrics.RecordFrame(false, time.Time{})
		i.log.WithError(err).WithField("bytes", len(raw)).Warn("Dropping malformed telemetry frame")
		return err
	}

	i.Apply(frame)
	return nil
}

// Apply merges a validated frame into the table and notifies subscribers.
func (i *Ingestor) Apply(frame *telemetry.Frame) Change {
	now := i.clock.Now()
	change := Change{ObservedAt: frame.ObservedAt}
	touchedGroups := make(map[string]struct{})

	for _, u := range frame.Units {
		rec, ok := i.units[u.UnitID]
		if ok && frame.ObservedAt.Before(rec.ObservedAt) {
			change.Stale++
			continue
		}
		if !ok {
			rec = &UnitRecord{UnitID: u.UnitID}
			i.units[u.UnitID] = rec
		}

		if u.GroupID != "" && u.GroupID != rec.GroupID {
			if rec.GroupID != "" {
				i.leaveGroup(rec.GroupID, rec.UnitID)
				touchedGroups[rec.GroupID] = struct{}{}
			}
			rec.GroupID = u.GroupID
			i.group(u.GroupID).members[rec.UnitID] = struct{}{}
		}

		rec.Reading = u.Reading
		rec.ObservedAt = frame.ObservedAt
		rec.ReceivedAt = now
		change.Units = append(change.Units, u.UnitID)
		if rec.GroupID != "" {
			touchedGroups[rec.GroupID] = struct{}{}
		}
	}

	for _, g := range frame.Groups {
		gs := i.group(g.GroupID)
		if gs.reported != nil && frame.ObservedAt.Before(gs.reportedAt) {
			change.Stale++
			continue
		}
		summary := g.Summary
		gs.reported = &summary
		gs.reportedAt = frame.ObservedAt
		touchedGroups[g.GroupID] = struct{}{}
	}

	for id := range touchedGroups {
		i.recompute(id)
		change.Groups = append(change.Groups, id)
	}
	sort.Strings(change.Groups)

	i.stats.Accepted++
	i.stats.StaleEntries += uint64(change.Stale)
	i.stats.LastAccepted = frame.ObservedAt
	i.metrics.RecordFrame(true, frame.ObservedAt)
	i.metrics.RecordStaleEntries(change.Stale)

	if change.Stale > 0 {
		i.log.WithFields(logrus.Fields{
			"observedAt": frame.ObservedAt,
			"stale":      change.Stale,
		}).Debug("Ignored entries older than stored records")
	}

	if !change.Empty() {
		for _, fn := range i.subs {
			fn(change)
		}
	}
	return change
}

func (i *Ingestor) group(id string) *groupState {
	gs, ok := i.groups[id]
	if !ok {
		gs = &groupState{members: make(map[string]struct{})}
		i.groups[id] = gs
	}
	return gs
}

func (i *Ingestor) leaveGroup(groupID, unitID string) {
	if gs, ok := i.groups[groupID]; ok {
		delete(gs.members, unitID)
		i.recompute(groupID)
	}
}

func (i *Ingestor) recompute(groupID string) {
	gs, ok := i.groups[groupID]
	if !ok {
		return
	}
	readings := make([]telemetry.Reading, 0, len(gs.members))
	for id := range gs.members {
		if rec, ok := i.units[id]; ok {
			readings = append(readings, rec.Reading)
		}
	}
	gs.derived = i.thresholds.Summarize(readings)
}

// Unit returns a copy of a unit's record.
func (i *Ingestor) Unit(id string) (UnitRecord, bool) {
	rec, ok := i.units[id]
	if !ok {
		return UnitRecord{}, false
	}
	return *rec, true
}

// Group returns a copy of a group's record.
func (i *Ingestor) Group(id string) (GroupRecord, bool) {
	gs, ok := i.groups[id]
	if !ok {
		return GroupRecord{}, false
	}
	rec := GroupRecord{
		GroupID:    id,
		Members:    sortedKeys(gs.members),
		ReportedAt: gs.reportedAt,
		Derived:    gs.derived,
	}
	if gs.reported != nil {
		summary := *gs.reported
		rec.Reported = &summary
	}
	return rec, true
}

// HasUnit reports whether the unit has been mentioned by the stream.
func (i *Ingestor) HasUnit(id string) bool {
	_, ok := i.units[id]
	return ok
}

// HasGroup reports whether the group has been mentioned by the stream.
func (i *Ingestor) HasGroup(id string) bool {
	_, ok := i.groups[id]
	return ok
}

// Members returns the unit ids of a group in ascending order.
func (i *Ingestor) Members(groupID string) []string {
	gs, ok := i.groups[groupID]
	if !ok {
		return nil
	}
	return sortedKeys(gs.members)
}

// UnitIDs returns every known unit id in ascending order.
func (i *Ingestor) UnitIDs() []string {
	ids := make([]string, 0, len(i.units))
	for id := range i.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GroupIDs returns every known group id in ascending order.
func (i *Ingestor) GroupIDs() []string {
	ids := make([]string, 0, len(i.groups))
	for id := range i.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Thresholds returns the needs-action rule used for derived summaries.
func (i *Ingestor) Thresholds() telemetry.Thresholds {
	return i.thresholds
}

// Stats returns ingestion counters.
func (i *Ingestor) Stats() Stats {
	return i.stats
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
