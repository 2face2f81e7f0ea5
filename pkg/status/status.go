// Package status provides output formatting for the status subcommand.
package status

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/dptx/pkg/dpcd"
	"github.com/Nativu5/dptx/pkg/link"
	"github.com/Nativu5/dptx/pkg/types"
)

// DeviceStatus is a snapshot of one transmitter's committed link state and
// its sink's capabilities.
type DeviceStatus struct {
	Name    string          `json:"name"`
	Trained bool            `json:"trained"`
	Link    types.LinkState `json:"link"`
	Caps    *dpcd.Caps      `json:"caps,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Collect snapshots dev. A capability read failure is recorded in Error
// rather than returned, so one unreachable sink does not hide the others.
func Collect(dev *link.Device) DeviceStatus {
	st := DeviceStatus{Name: dev.Name(), Link: dev.LinkState()}
	st.Trained = st.Link.Trained()
	caps, err := dev.ReadCaps()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Caps = &caps
	return st
}

// PrintTable renders device statuses as a human-readable table.
func PrintTable(w io.Writer, devices []DeviceStatus) {
	table := tablewriter.NewTable(w)
	table.Header("DEVICE", "LINK RATE", "LANES", "DPCD REV", "SINK MAX", "NOTE")
	for _, d := range devices {
		rate, lanes := "(untrained)", "-"
		if d.Trained {
			rate = d.Link.RateCode.String()
			lanes = fmt.Sprintf("%d", d.Link.Lanes)
		}
		rev, sinkMax := "(unknown)", "(unknown)"
		if d.Caps != nil {
			rev = d.Caps.RevisionString()
			sinkMax = fmt.Sprintf("%s x%d", d.Caps.MaxRate, d.Caps.MaxLanes)
		}
		table.Append(d.Name, rate, lanes, rev, sinkMax, d.Error)
	}
	table.Render()
}

// PrintJSON renders device statuses as JSON.
func PrintJSON(w io.Writer, devices []DeviceStatus) error {
	if devices == nil {
		devices = []DeviceStatus{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}
