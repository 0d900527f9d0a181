// Package adaptertest provides farm-agnostic conformance testing for action adapters.
//
// Every adapter must report failures as *adapter.DispatchError carrying a
// normalized code, and must return validated results on success.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/solar-fleet/sfc/internal/adapter"
)

// Fixtures names the targets the adapter under test is expected to know.
type Fixtures struct {
	KnownUnit    string
	KnownGroup   string
	UnknownUnit  string
	UnknownGroup string

	// MaxLatency bounds a single successful call. Zero means one second.
	MaxLatency time.Duration
}

// ConformanceResult represents the result of one conformance check.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]interface{}
}

// ConformanceReport represents the complete conformance report.
type ConformanceReport struct {
	AdapterName   string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

type check func(ctx context.Context, a adapter.ActionAdapter, fx Fixtures) ConformanceResult

// RunConformance runs the suite against adapters built by newAdapter and
// fails t if any check fails.
func RunConformance(t *testing.T, name string, newAdapter func() adapter.ActionAdapter, fx Fixtures) {
	t.Helper()
	if fx.MaxLatency == 0 {
		fx.MaxLatency = time.Second
	}
	start := time.Now()

	report := &ConformanceReport{
		AdapterName:   name,
		OverallPassed: true,
	}

	checks := []check{
		checkCleanKnownUnit,
		checkCleanKnownGroup,
		checkUnknownUnit,
		checkUnknownGroup,
		checkInvalidTarget,
		checkCancelledContext,
		checkRepeatClean,
	}
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*fx.MaxLatency)
		report.addResult(c(ctx, newAdapter(), fx))
		cancel()
	}

	report.Duration = time.Since(start)
	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("adapter conformance failed: %d/%d checks passed", report.PassedTests, report.TotalTests)
	}
}

func checkCleanKnownUnit(ctx context.Context, a adapter.ActionAdapter, fx Fixtures) ConformanceResult {
	return checkSuccess(ctx, a, "Clean_KnownUnit", adapter.Unit(fx.KnownUnit), fx.MaxLatency)
}

func checkCleanKnownGroup(ctx context.Context, a adapter.ActionAdapter, fx Fixtures) ConformanceResult {
	return checkSuccess(ctx, a, "Clean_KnownGroup", adapter.Group(fx.KnownGroup), fx.MaxLatency)
}

func checkSuccess(ctx context.Context, a adapter.ActionAdapter, name string, target adapter.Target, max time.Duration) ConformanceResult {
	result := ConformanceResult{TestName: name, Details: map[string]interface{}{"target": target.Key()}}
	start := time.Now()
	res, err := a.Clean(ctx, target)
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Error = fmt.Sprintf("Clean(%s) failed: %v", target, err)
	case res == nil:
		result.Error = fmt.Sprintf("Clean(%s) returned nil result", target)
	case result.Duration > max:
		result.Error = fmt.Sprintf("Clean(%s) took %v, limit %v", target, result.Duration, max)
	default:
		if msg := validateResult(res); msg != "" {
			result.Error = msg
			break
		}
		result.Passed = true
		result.Details["unitsActedOn"] = res.UnitsActedOn
	}
	return result
}

func checkUnknownUnit(ctx context.Context, a adapter.ActionAdapter, fx Fixtures) ConformanceResult {
	return checkFailure(ctx, a, "Clean_UnknownUnit", adapter.Unit(fx.UnknownUnit), adapter.ErrNotFound)
}

func checkUnknownGroup(ctx context.Context, a adapter.ActionAdapter, fx Fixtures) ConformanceResult {
	return checkFailure(ctx, a, "Clean_UnknownGroup", adapter.Group(fx.UnknownGroup), adapter.ErrNotFound)
}

func checkInvalidTarget(ctx context.Context, a adapter.ActionAdapter, _ Fixtures) ConformanceResult {
	return checkFailure(ctx, a, "Clean_EmptyID", adapter.Unit(""), adapter.ErrRejected)
}

func checkFailure(ctx context.Context, a adapter.ActionAdapter, name string, target adapter.Target, want error) ConformanceResult {
	result := ConformanceResult{TestName: name, Details: map[string]interface{}{"expectedError": want.Error()}}
	start := time.Now()
	res, err := a.Clean(ctx, target)
	result.Duration = time.Since(start)

	if err == nil {
		result.Error = fmt.Sprintf("Clean(%s) should have failed, got %+v", target, res)
		return result
	}
	if msg := validateDispatchError(err, target); msg != "" {
		result.Error = msg
		return result
	}
	if !errors.Is(err, want) {
		result.Error = fmt.Sprintf("Clean(%s) should return %v, got: %v", target, want, err)
		return result
	}
	result.Passed = true
	result.Details["actualError"] = err.Error()
	return result
}

// checkCancelledContext accepts success, since an action may complete before
// cancellation is observed, but any failure must still be normalized.
func checkCancelledContext(ctx context.Context, a adapter.ActionAdapter, fx Fixtures) ConformanceResult {
	result := ConformanceResult{TestName: "Clean_CancelledContext", Details: make(map[string]interface{})}
	target := adapter.Unit(fx.KnownUnit)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	start := time.Now()
	_, err := a.Clean(cancelled, target)
	result.Duration = time.Since(start)

	if err != nil {
		if msg := validateDispatchError(err, target); msg != "" {
			result.Error = msg
			return result
		}
		result.Details["error"] = err.Error()
	}
	result.Passed = true
	return result
}

func checkRepeatClean(ctx context.Context, a adapter.ActionAdapter, fx Fixtures) ConformanceResult {
	result := ConformanceResult{TestName: "Clean_Repeat", Details: make(map[string]interface{})}
	target := adapter.Unit(fx.KnownUnit)
	start := time.Now()

	_, err1 := a.Clean(ctx, target)
	_, err2 := a.Clean(ctx, target)
	result.Duration = time.Since(start)

	switch {
	case err1 != nil:
		result.Error = fmt.Sprintf("first Clean(%s) failed: %v", target, err1)
	case err2 != nil:
		result.Error = fmt.Sprintf("second Clean(%s) failed: %v", target, err2)
	default:
		result.Passed = true
	}
	return result
}

func validateResult(res *adapter.ActionResult) string {
	if res.UnitsActedOn < 0 {
		return fmt.Sprintf("unitsActedOn is negative: %d", res.UnitsActedOn)
	}
	if p := res.ProjectedEfficiency; p != nil && (*p < 0 || *p > 100) {
		return fmt.Sprintf("projected efficiency out of range: %v", *p)
	}
	if p := res.ProjectedContamination; p != nil && *p < 0 {
		return fmt.Sprintf("projected contamination is negative: %v", *p)
	}
	return ""
}

func validateDispatchError(err error, target adapter.Target) string {
	var de *adapter.DispatchError
	if !errors.As(err, &de) {
		return fmt.Sprintf("error is %T, want *adapter.DispatchError: %v", err, err)
	}
	if de.Code == nil {
		return "dispatch error has no code"
	}
	if de.Target != target {
		return fmt.Sprintf("dispatch error target %s, want %s", de.Target, target)
	}
	return ""
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
	r.Results = append(r.Results, result)
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Helper()
	line := strings.Repeat("=", 80)
	t.Logf("\n%s", line)
	t.Logf("ACTION ADAPTER CONFORMANCE: %s", report.AdapterName)
	t.Logf("Passed %d/%d in %v", report.PassedTests, report.TotalTests, report.Duration)
	t.Logf("%s", strings.Repeat("-", 80))
	t.Logf("%-26s %-6s %-12s %s", "CHECK", "RESULT", "DURATION", "DETAILS")

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		details := result.Error
		if details == "" {
			var parts []string
			for k, v := range result.Details {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			details = strings.Join(parts, ", ")
		}
		t.Logf("%-26s %-6s %-12s %s", result.TestName, status, result.Duration, details)
	}
	t.Logf("%s", line)
}
