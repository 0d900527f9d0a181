package telemetry

import (
	"encoding/json"
	"time"
)

type encodedGroup struct {
	GroupID            string  `json:"groupId"`
	Efficiency         float64 `json:"efficiency"`
	UnitsNeedingAction int     `json:"unitsNeedingAction"`
}

type encodedFrame struct {
	ObservedAt     string          `json:"observedAt"`
	Units          []UnitTelemetry `json:"units"`
	GroupSummaries []encodedGroup  `json:"groupSummaries"`
}

// Encode renders f in the canonical wire shape accepted by Decode.
func Encode(f *Frame) ([]byte, error) {
	out := encodedFrame{
		ObservedAt:     f.ObservedAt.UTC().Format(time.RFC3339Nano),
		Units:          f.Units,
		GroupSummaries: make([]encodedGroup, 0, len(f.Groups)),
	}
	if out.Units == nil {
		out.Units = []UnitTelemetry{}
	}
	for _, g := range f.Groups {
		out.GroupSummaries = append(out.GroupSummaries, encodedGroup{
			GroupID:            g.GroupID,
			Efficiency:         g.AverageEfficiency,
			UnitsNeedingAction: g.UnitsNeedingAction,
		})
	}
	return json.Marshal(out)
}
