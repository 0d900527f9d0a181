// Package alerts implements group performance alerting for the Solar Fleet Console.
//
// A group is flagged when its average efficiency drops below the action
// threshold or when more than half of its units need action. Both the
// console and the farm simulator evaluate alerts with the same rules.
package alerts

import (
	"fmt"
	"math"
	"sort"

	"github.com/solar-fleet/sfc/internal/telemetry"
)

// Severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// TypeGroupPerformance is the only alert type raised today.
const TypeGroupPerformance = "sector_performance"

// Rules are the alerting thresholds.
type Rules struct {
	// MinEfficiency flags groups whose average is strictly below it.
	MinEfficiency float64
	// HighEfficiency raises severity to high strictly below it.
	HighEfficiency float64
	// MaxAffectedShare flags groups whose share of units needing action is
	// strictly above it.
	MaxAffectedShare float64
	// AttentionLimit caps Report.NeedingAttention.
	AttentionLimit int
	// AlertLimit caps Report.Alerts.
	AlertLimit int
}

// DefaultRules derives rules from the unit action thresholds.
func DefaultRules(th telemetry.Thresholds) Rules {
	return Rules{
		MinEfficiency:    th.MinEfficiency,
		HighEfficiency:   80,
		MaxAffectedShare: 0.5,
		AttentionLimit:   10,
		AlertLimit:       20,
	}
}

// Group is the input for one group.
type Group struct {
	GroupID           string
	AverageEfficiency float64
	// UnitsAffected is reported in the alert.
	UnitsAffected int
	// AffectedShare is the fraction of known units needing action, in [0,1].
	AffectedShare float64
}

// Alert is one flagged group.
type Alert struct {
	GroupID           string  `json:"groupId"`
	Type              string  `json:"type"`
	Severity          string  `json:"severity"`
	Message           string  `json:"message"`
	AverageEfficiency float64 `json:"averageEfficiency"`
	UnitsAffected     int     `json:"unitsAffected"`
}

// Report is the alert summary across all groups.
type Report struct {
	TotalAlerts      int      `json:"totalAlerts"`
	HighPriority     int      `json:"highPriority"`
	NeedingAttention []string `json:"needingAttention"`
	Alerts           []Alert  `json:"alerts"`
}

// Evaluate flags groups and orders alerts high severity first, then by
// units affected descending. Ties keep input order. TotalAlerts and
// HighPriority count every alert, before the limits apply.
func (r Rules) Evaluate(groups []Group) Report {
	alerts := make([]Alert, 0)
	for _, g := range groups {
		if g.AverageEfficiency >= r.MinEfficiency && g.AffectedShare <= r.MaxAffectedShare {
			continue
		}
		severity := SeverityMedium
		if g.AverageEfficiency < r.HighEfficiency {
			severity = SeverityHigh
		}
		alerts = append(alerts, Alert{
			GroupID:           g.GroupID,
			Type:              TypeGroupPerformance,
			Severity:          severity,
			Message:           fmt.Sprintf("Sector %s: %d panels need cleaning", g.GroupID, g.UnitsAffected),
			AverageEfficiency: round2(g.AverageEfficiency),
			UnitsAffected:     g.UnitsAffected,
		})
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		hi, hj := alerts[i].Severity == SeverityHigh, alerts[j].Severity == SeverityHigh
		if hi != hj {
			return hi
		}
		return alerts[i].UnitsAffected > alerts[j].UnitsAffected
	})

	report := Report{
		TotalAlerts:      len(alerts),
		NeedingAttention: make([]string, 0),
		Alerts:           limit(alerts, r.AlertLimit),
	}
	for i, a := range alerts {
		if a.Severity == SeverityHigh {
			report.HighPriority++
		}
		if r.AttentionLimit <= 0 || i < r.AttentionLimit {
			report.NeedingAttention = append(report.NeedingAttention, a.GroupID)
		}
	}
	return report
}

// Share returns affected/total, or 0 for an empty group.
func Share(affected, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(affected) / float64(total)
}

func limit(alerts []Alert, n int) []Alert {
	if n > 0 && len(alerts) > n {
		return alerts[:n]
	}
	return alerts
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
