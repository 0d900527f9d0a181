package telemetry

import "time"

// Reading is the operational telemetry of a single unit.
type Reading struct {
	Efficiency    float64 `json:"efficiency"`
	Contamination float64 `json:"contaminationLevel"`
	Voltage       float64 `json:"voltage"`
	PowerOutput   float64 `json:"powerOutput"`
}

// UnitTelemetry is one unit entry of a frame.
type UnitTelemetry struct {
	UnitID  string `json:"id"`
	GroupID string `json:"groupId,omitempty"`
	Reading
}

// Summary is the aggregate state of a group.
type Summary struct {
	AverageEfficiency  float64 `json:"averageEfficiency"`
	UnitsNeedingAction int     `json:"unitsNeedingAction"`
}

// GroupSummary is one group entry of a frame.
type GroupSummary struct {
	GroupID string `json:"groupId"`
	Summary
}

// Frame is a validated telemetry message.
type Frame struct {
	ObservedAt time.Time
	Units      []UnitTelemetry
	Groups     []GroupSummary
}

// Thresholds decide whether a unit needs remedial action.
type Thresholds struct {
	MaxContamination float64
	MinEfficiency    float64
}

// DefaultThresholds mirrors the farm backend's cleaning rule.
var DefaultThresholds = Thresholds{
	MaxContamination: 300,
	MinEfficiency:    85,
}

// NeedsAction reports whether r crosses either threshold.
func (t Thresholds) NeedsAction(r Reading) bool {
	return r.Contamination > t.MaxContamination || r.Efficiency < t.MinEfficiency
}

// Summarize aggregates member readings. An empty slice yields a zero Summary.
func (t Thresholds) Summarize(readings []Reading) Summary {
	if len(readings) == 0 {
		return Summary{}
	}
	var (
		total   float64
		needing int
	)
	for _, r := range readings {
		total += r.Efficiency
		if t.NeedsAction(r) {
			needing++
		}
	}
	return Summary{
		AverageEfficiency:  total / float64(len(readings)),
		UnitsNeedingAction: needing,
	}
}
