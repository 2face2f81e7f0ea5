package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/dptx/pkg/link"
	"github.com/Nativu5/dptx/pkg/sim"
	"github.com/Nativu5/dptx/pkg/training"
	"github.com/Nativu5/dptx/pkg/types"
)

// helpers

func newDevice(opts ...sim.Option) *link.Device {
	cfg := training.Config{Timeout: 50 * time.Millisecond, RetryInterval: time.Millisecond}
	return link.NewDevice("dp0", sim.NewSink(opts...), link.WithTrainingConfig(cfg))
}

func find(report *Report, check string) (CheckResult, bool) {
	for _, r := range report.Results {
		if r.Check == check {
			return r, true
		}
	}
	return CheckResult{}, false
}

func expect(t *testing.T, report *Report, check string, sev Severity) {
	t.Helper()
	r, ok := find(report, check)
	if assert.True(t, ok, "expected %s check in report", check) {
		assert.Equal(t, sev, r.Severity, "%s: %s", check, r.Message)
	}
}

// DiagnoseDevice tests

func TestDiagnoseDevice_FullyHealthy(t *testing.T) {
	report := DiagnoseDevice(context.Background(), newDevice())

	require.False(t, report.HasFail || report.HasWarn, "healthy device should only have PASS results: %+v", report.Results)
	for _, check := range []string{"dpcd_caps", "link_training", "link_width", "lane_status"} {
		expect(t, report, check, Pass)
	}
	r, _ := find(report, "dpcd_caps")
	assert.Equal(t, "dp0", r.Device)
}

func TestDiagnoseDevice_TrainingTimeout(t *testing.T) {
	report := DiagnoseDevice(context.Background(), newDevice(sim.WithNeverConverge()))

	assert.True(t, report.HasFail)
	expect(t, report, "link_training", Fail)
	_, ok := find(report, "lane_status")
	assert.False(t, ok, "lane_status should not run after a failed training")
}

func TestDiagnoseDevice_ClockRecoveryRetries(t *testing.T) {
	report := DiagnoseDevice(context.Background(),
		newDevice(sim.WithEvents(sim.EventCRFailed, sim.EventEQDone)))
	expect(t, report, "link_training", Warn)
}

func TestDiagnoseDevice_Degraded(t *testing.T) {
	report := DiagnoseDevice(context.Background(), newDevice(sim.WithLink(types.RateHBR, 2)))

	expect(t, report, "link_width", Warn)
	r, _ := find(report, "link_width")
	assert.Contains(t, r.Message, "degraded")
}

func TestDiagnoseDevice_UnknownCaps(t *testing.T) {
	report := DiagnoseDevice(context.Background(), newDevice(sim.WithCaps(0x12, types.LinkRate(0x0b), 3)))

	expect(t, report, "dpcd_caps", Warn)
	r, _ := find(report, "dpcd_caps")
	assert.Contains(t, r.Message, "unknown max link rate")
	assert.Contains(t, r.Message, "invalid max lane count")
}

func TestDiagnoseDevice_TransportDown(t *testing.T) {
	report := DiagnoseDevice(context.Background(), newDevice(sim.WithSendError(errors.New("unplugged"))))

	expect(t, report, "dpcd_caps", Fail)
	expect(t, report, "link_training", Fail)
}

// MergeReports tests

func TestMergeReports(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass, Message: "ok"})

	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Warn, Message: "warn"})

	merged := MergeReports(r1, r2)

	assert.Len(t, merged.Results, 2)
	assert.True(t, merged.HasWarn)
	assert.False(t, merged.HasFail)
}

func TestMergeReports_WithFail(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass})
	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Fail})

	assert.True(t, MergeReports(r1, r2).HasFail)
}

// Strict exit code logic

func TestExitNonZero(t *testing.T) {
	tests := []struct {
		name        string
		hasWarn     bool
		hasFail     bool
		strict      bool
		wantNonZero bool
	}{
		{"all_pass_no_strict", false, false, false, false},
		{"all_pass_strict", false, false, true, false},
		{"warn_no_strict", true, false, false, false},
		{"warn_strict", true, false, true, true},
		{"fail_no_strict", false, true, false, true},
		{"fail_strict", false, true, true, true},
		{"warn_and_fail_strict", true, true, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := &Report{HasWarn: tc.hasWarn, HasFail: tc.hasFail}
			assert.Equal(t, tc.wantNonZero, report.ExitNonZero(tc.strict))
		})
	}
}

// Output tests

func TestPrintTable_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test_check", Severity: Pass, Message: "all good", Device: "dp0"})
	report.add(CheckResult{Check: "test_warn", Severity: Warn, Message: "heads up", Device: "dp0"})

	// With showPass=true, both entries visible
	var buf bytes.Buffer
	PrintTable(&buf, report, true)
	assert.Contains(t, buf.String(), "PASS")
	assert.Contains(t, buf.String(), "WARN")

	// With showPass=false, only WARN visible
	buf.Reset()
	PrintTable(&buf, report, false)
	assert.NotContains(t, buf.String(), "PASS")
	assert.Contains(t, buf.String(), "WARN")
}

func TestPrintTable_AllPass_NoShowPass(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "ok", Severity: Pass, Message: "fine"})

	var buf bytes.Buffer
	PrintTable(&buf, report, false)
	assert.Contains(t, buf.String(), "All checks passed.")
}

func TestPrintJSON_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test", Severity: Pass, Message: "ok", Device: "dp0"})

	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, report, true))

	var results []CheckResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	assert.Len(t, results, 1)

	// With showPass=false, PASS should be excluded
	buf.Reset()
	require.NoError(t, PrintJSON(&buf, report, false))
	var filtered []CheckResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &filtered))
	assert.Empty(t, filtered)
}

// Severity values

func TestSeverityValues(t *testing.T) {
	assert.Equal(t, "PASS", string(Pass))
	assert.Equal(t, "WARN", string(Warn))
	assert.Equal(t, "FAIL", string(Fail))
}
