package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solar-fleet/sfc/internal/telemetry"
)

func TestEvaluateBoundaries(t *testing.T) {
	rules := DefaultRules(telemetry.DefaultThresholds)

	tests := []struct {
		name     string
		group    Group
		flagged  bool
		severity string
	}{
		{"efficiency at threshold", Group{AverageEfficiency: 85, AffectedShare: 0.1}, false, ""},
		{"efficiency just below threshold", Group{AverageEfficiency: 84.99, AffectedShare: 0.1}, true, SeverityMedium},
		{"efficiency at high boundary", Group{AverageEfficiency: 80, AffectedShare: 0.1}, true, SeverityMedium},
		{"efficiency below high boundary", Group{AverageEfficiency: 79.99, AffectedShare: 0.1}, true, SeverityHigh},
		{"share at half", Group{AverageEfficiency: 90, AffectedShare: 0.5}, false, ""},
		{"share above half", Group{AverageEfficiency: 90, AffectedShare: 0.51}, true, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.group.GroupID = "A1"
			report := rules.Evaluate([]Group{tt.group})
			if !tt.flagged {
				assert.Zero(t, report.TotalAlerts)
				assert.Empty(t, report.Alerts)
				return
			}
			require.Len(t, report.Alerts, 1)
			assert.Equal(t, tt.severity, report.Alerts[0].Severity)
			assert.Equal(t, TypeGroupPerformance, report.Alerts[0].Type)
		})
	}
}

func TestEvaluateOrderingAndLimits(t *testing.T) {
	rules := DefaultRules(telemetry.DefaultThresholds)
	rules.AttentionLimit = 2
	rules.AlertLimit = 3

	report := rules.Evaluate([]Group{
		{GroupID: "A1", AverageEfficiency: 83, UnitsAffected: 5, AffectedShare: 0.2},
		{GroupID: "A2", AverageEfficiency: 78, UnitsAffected: 2, AffectedShare: 0.1},
		{GroupID: "A3", AverageEfficiency: 90, UnitsAffected: 20, AffectedShare: 0.6},
		{GroupID: "A4", AverageEfficiency: 95, UnitsAffected: 0},
		{GroupID: "A5", AverageEfficiency: 79, UnitsAffected: 9, AffectedShare: 0.3},
		{GroupID: "A6", AverageEfficiency: 84, UnitsAffected: 5, AffectedShare: 0.2},
	})

	assert.Equal(t, 5, report.TotalAlerts)
	assert.Equal(t, 2, report.HighPriority)
	assert.Equal(t, []string{"A5", "A2"}, report.NeedingAttention)

	var order []string
	for _, a := range report.Alerts {
		order = append(order, a.GroupID)
	}
	assert.Equal(t, []string{"A5", "A2", "A3"}, order)
	assert.Equal(t, "Sector A5: 9 panels need cleaning", report.Alerts[0].Message)
}

func TestEvaluateEmpty(t *testing.T) {
	report := DefaultRules(telemetry.DefaultThresholds).Evaluate(nil)
	assert.Zero(t, report.TotalAlerts)
	assert.NotNil(t, report.Alerts)
	assert.NotNil(t, report.NeedingAttention)
}

func TestShare(t *testing.T) {
	assert.Zero(t, Share(3, 0))
	assert.Equal(t, 0.5, Share(2, 4))
}
