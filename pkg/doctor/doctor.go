// Package doctor provides DP link diagnostics.
// It checks the sink's receiver capabilities, runs a training attempt,
// compares the negotiated link against the capabilities and reads back the
// per-lane status.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/dptx/pkg/dpcd"
	"github.com/Nativu5/dptx/pkg/link"
	"github.com/Nativu5/dptx/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for one or more devices.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// ExitNonZero reports whether the report should fail the process. In strict
// mode warnings count as failures.
func (r *Report) ExitNonZero(strict bool) bool {
	return r.HasFail || (strict && r.HasWarn)
}

// DiagnoseDevice runs all checks on a single DP transmitter. It trains the
// link, so a previously committed link state may be replaced.
func DiagnoseDevice(ctx context.Context, dev *link.Device) *Report {
	report := &Report{}
	name := dev.Name()

	// 1. Receiver capabilities
	caps, capsErr := dev.ReadCaps()
	checkCaps(report, name, caps, capsErr)

	// 2. Training
	attempt, err := dev.Train(ctx)
	if err != nil {
		report.add(CheckResult{
			Check:    "link_training",
			Severity: Fail,
			Message:  fmt.Sprintf("Training failed after %d poll(s): %v", attempt.Result.Polls, err),
			Device:   name,
		})
		return report
	}
	res := attempt.Result
	if res.ClockRecoveryFailures > 0 {
		report.add(CheckResult{
			Check:    "link_training",
			Severity: Warn,
			Message: fmt.Sprintf("Link trained in %v but clock recovery failed %d time(s)",
				res.Elapsed, res.ClockRecoveryFailures),
			Device: name,
		})
	} else {
		report.add(CheckResult{
			Check:    "link_training",
			Severity: Pass,
			Message:  fmt.Sprintf("Link trained in %v after %d poll(s)", res.Elapsed, res.Polls),
			Device:   name,
		})
	}

	// 3. Negotiated link vs capabilities
	state := dev.LinkState()
	if capsErr == nil {
		checkNegotiated(report, name, caps, state)
	}

	// 4. Per-lane status
	checkLaneStatus(report, dev, state.Lanes)

	return report
}

// checkCaps judges the receiver capability registers.
func checkCaps(report *Report, name string, caps dpcd.Caps, err error) {
	if err != nil {
		report.add(CheckResult{
			Check:    "dpcd_caps",
			Severity: Fail,
			Message:  fmt.Sprintf("Cannot read receiver capabilities: %v", err),
			Device:   name,
		})
		return
	}

	var problems []string
	if !caps.MaxRate.Known() {
		problems = append(problems, fmt.Sprintf("unknown max link rate 0x%02x", byte(caps.MaxRate)))
	}
	if !types.ValidLaneCount(caps.MaxLanes) {
		problems = append(problems, fmt.Sprintf("invalid max lane count %d", caps.MaxLanes))
	}
	if len(problems) > 0 {
		report.add(CheckResult{
			Check:    "dpcd_caps",
			Severity: Warn,
			Message:  fmt.Sprintf("DPCD %s: %s", caps.RevisionString(), strings.Join(problems, ", ")),
			Device:   name,
		})
		return
	}
	report.add(CheckResult{
		Check:    "dpcd_caps",
		Severity: Pass,
		Message:  fmt.Sprintf("DPCD %s, max %s x%d", caps.RevisionString(), caps.MaxRate, caps.MaxLanes),
		Device:   name,
	})
}

// checkNegotiated warns when the link came up below what the sink supports.
func checkNegotiated(report *Report, name string, caps dpcd.Caps, state types.LinkState) {
	msg := fmt.Sprintf("Negotiated %s x%d, sink supports %s x%d",
		state.RateCode, state.Lanes, caps.MaxRate, caps.MaxLanes)
	degraded := (caps.MaxRate.Known() && state.Rate < caps.MaxRate.Rate()) ||
		(types.ValidLaneCount(caps.MaxLanes) && state.Lanes < caps.MaxLanes)
	if degraded {
		report.add(CheckResult{Check: "link_width", Severity: Warn, Message: msg + " (degraded)", Device: name})
		return
	}
	report.add(CheckResult{Check: "link_width", Severity: Pass, Message: msg, Device: name})
}

// checkLaneStatus reads back the sink's per-lane training status.
func checkLaneStatus(report *Report, dev *link.Device, lanes uint8) {
	st, err := dev.ReadLinkStatus(lanes)
	if err != nil {
		report.add(CheckResult{
			Check:    "lane_status",
			Severity: Fail,
			Message:  fmt.Sprintf("Cannot read lane status: %v", err),
			Device:   dev.Name(),
		})
		return
	}
	if st.OK() {
		report.add(CheckResult{
			Check:    "lane_status",
			Severity: Pass,
			Message:  fmt.Sprintf("All %d lane(s) locked and aligned", len(st.Lanes)),
			Device:   dev.Name(),
		})
		return
	}

	var bad []string
	for i, l := range st.Lanes {
		if !l.OK() {
			bad = append(bad, fmt.Sprintf("lane%d(cr=%t eq=%t lock=%t)", i, l.CRDone, l.ChannelEQ, l.SymbolLocked))
		}
	}
	if !st.InterlaneAligned {
		bad = append(bad, "interlane alignment not done")
	}
	report.add(CheckResult{
		Check:    "lane_status",
		Severity: Warn,
		Message:  "Sink reports incomplete training: " + strings.Join(bad, ", "),
		Device:   dev.Name(),
	})
}

var (
	passMarker = color.New(color.FgGreen).SprintFunc()
	warnMarker = color.New(color.FgYellow).SprintFunc()
	failMarker = color.New(color.FgRed, color.Bold).SprintFunc()
)

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := passMarker("✓")
		switch r.Severity {
		case Warn:
			marker = warnMarker("!")
		case Fail:
			marker = failMarker("✗")
		}
		status := fmt.Sprintf("%s %s", marker, r.Severity)
		table.Append(status, r.Check, r.Device, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple per-device reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
