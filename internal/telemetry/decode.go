package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrFrameParse is the code carried by every decoding failure.
var ErrFrameParse = errors.New("FRAME_PARSE")

// ParseError describes why a raw message was rejected.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "telemetry frame rejected"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrFrameParse so callers can match on errors.Is.
func (e *ParseError) Unwrap() error {
	return ErrFrameParse
}

// Wire shapes. Pointer fields distinguish absent from zero.
type wireFrame struct {
	ObservedAt      *string     `json:"observedAt"`
	Timestamp       *string     `json:"timestamp"`
	Units           []wireUnit  `json:"units"`
	SamplePanels    []wireUnit  `json:"sample_panels"`
	GroupSummaries  []wireGroup `json:"groupSummaries"`
	SectorSummaries []wireGroup `json:"sector_summaries"`
}

type wireUnit struct {
	ID                 *string  `json:"id"`
	GroupID            *string  `json:"groupId"`
	Sector             *string  `json:"sector"`
	Efficiency         *float64 `json:"efficiency"`
	ContaminationLevel *float64 `json:"contaminationLevel"`
	DustLevel          *float64 `json:"dust_level"`
	Voltage            *float64 `json:"voltage"`
	PowerOutput        *float64 `json:"powerOutput"`
	PowerOutputLegacy  *float64 `json:"power_output"`
}

type wireGroup struct {
	GroupID               *string  `json:"groupId"`
	SectorID              *string  `json:"sector_id"`
	Efficiency            *float64 `json:"efficiency"`
	AverageEfficiency     *float64 `json:"averageEfficiency"`
	UnitsNeedingAction    *float64 `json:"unitsNeedingAction"`
	PanelsNeedingCleaning *float64 `json:"panels_needing_cleaning"`
}

// Timestamp layouts accepted for observedAt. Values without a zone are UTC.
var observedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseObservedAt parses an ISO-8601 timestamp as produced by the stream.
func ParseObservedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range observedAtLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Decode parses and validates a raw stream message.
func Decode(raw []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ParseError{Reason: "malformed JSON", Err: err}
	}

	ts := firstString(w.ObservedAt, w.Timestamp)
	if ts == nil {
		return nil, &ParseError{Field: "observedAt", Reason: "missing"}
	}
	observedAt, err := ParseObservedAt(*ts)
	if err != nil {
		return nil, &ParseError{Field: "observedAt", Reason: "not ISO-8601", Err: err}
	}

	frame := &Frame{ObservedAt: observedAt}

	units := append(w.Units, w.SamplePanels...)
	seenUnits := make(map[string]struct{}, len(units))
	for i, u := range units {
		ut, err := decodeUnit(u)
		if err != nil {
			err.Field = fmt.Sprintf("units[%d].%s", i, err.Field)
			return nil, err
		}
		if _, dup := seenUnits[ut.UnitID]; dup {
			return nil, &ParseError{Field: fmt.Sprintf("units[%d].id", i), Reason: "duplicate unit " + ut.UnitID}
		}
		seenUnits[ut.UnitID] = struct{}{}
		frame.Units = append(frame.Units, ut)
	}

	groups := append(w.GroupSummaries, w.SectorSummaries...)
	seenGroups := make(map[string]struct{}, len(groups))
	for i, g := range groups {
		gs, err := decodeGroup(g)
		if err != nil {
			err.Field = fmt.Sprintf("groupSummaries[%d].%s", i, err.Field)
			return nil, err
		}
		if _, dup := seenGroups[gs.GroupID]; dup {
			return nil, &ParseError{Field: fmt.Sprintf("groupSummaries[%d].groupId", i), Reason: "duplicate group " + gs.GroupID}
		}
		seenGroups[gs.GroupID] = struct{}{}
		frame.Groups = append(frame.Groups, gs)
	}

	return frame, nil
}

func decodeUnit(u wireUnit) (UnitTelemetry, *ParseError) {
	var ut UnitTelemetry

	if u.ID == nil || strings.TrimSpace(*u.ID) == "" {
		return ut, &ParseError{Field: "id", Reason: "missing"}
	}
	ut.UnitID = *u.ID
	if g := firstString(u.GroupID, u.Sector); g != nil {
		ut.GroupID = *g
	}

	eff := firstFloat(u.Efficiency)
	if eff == nil {
		return ut, &ParseError{Field: "efficiency", Reason: "missing"}
	}
	if !finite(*eff) || *eff < 0 || *eff > 100 {
		return ut, &ParseError{Field: "efficiency", Reason: fmt.Sprintf("out of range: %v", *eff)}
	}

	cont := firstFloat(u.ContaminationLevel, u.DustLevel)
	if cont == nil {
		return ut, &ParseError{Field: "contaminationLevel", Reason: "missing"}
	}
	if !finite(*cont) || *cont < 0 {
		return ut, &ParseError{Field: "contaminationLevel", Reason: fmt.Sprintf("out of range: %v", *cont)}
	}

	volt := firstFloat(u.Voltage)
	if volt == nil {
		return ut, &ParseError{Field: "voltage", Reason: "missing"}
	}
	if !finite(*volt) || *volt < 0 {
		return ut, &ParseError{Field: "voltage", Reason: fmt.Sprintf("out of range: %v", *volt)}
	}

	power := firstFloat(u.PowerOutput, u.PowerOutputLegacy)
	if power == nil {
		return ut, &ParseError{Field: "powerOutput", Reason: "missing"}
	}
	if !finite(*power) || *power < 0 {
		return ut, &ParseError{Field: "powerOutput", Reason: fmt.Sprintf("out of range: %v", *power)}
	}

	ut.Reading = Reading{
		Efficiency:    *eff,
		Contamination: *cont,
		Voltage:       *volt,
		PowerOutput:   *power,
	}
	return ut, nil
}

func decodeGroup(g wireGroup) (GroupSummary, *ParseError) {
	var gs GroupSummary

	id := firstString(g.GroupID, g.SectorID)
	if id == nil || strings.TrimSpace(*id) == "" {
		return gs, &ParseError{Field: "groupId", Reason: "missing"}
	}
	gs.GroupID = *id

	eff := firstFloat(g.Efficiency, g.AverageEfficiency)
	if eff == nil {
		return gs, &ParseError{Field: "efficiency", Reason: "missing"}
	}
	if !finite(*eff) || *eff < 0 || *eff > 100 {
		return gs, &ParseError{Field: "efficiency", Reason: fmt.Sprintf("out of range: %v", *eff)}
	}

	n := firstFloat(g.UnitsNeedingAction, g.PanelsNeedingCleaning)
	if n == nil {
		return gs, &ParseError{Field: "unitsNeedingAction", Reason: "missing"}
	}
	if !finite(*n) || *n < 0 || *n != math.Trunc(*n) || *n > math.MaxInt32 {
		return gs, &ParseError{Field: "unitsNeedingAction", Reason: fmt.Sprintf("not a non-negative integer: %v", *n)}
	}

	gs.Summary = Summary{
		AverageEfficiency:  *eff,
		UnitsNeedingAction: int(*n),
	}
	return gs, nil
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
