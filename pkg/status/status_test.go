package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/dptx/pkg/dpcd"
	"github.com/Nativu5/dptx/pkg/link"
	"github.com/Nativu5/dptx/pkg/sim"
	"github.com/Nativu5/dptx/pkg/training"
	"github.com/Nativu5/dptx/pkg/types"
)

func sampleDevices() []DeviceStatus {
	return []DeviceStatus{
		{
			Name:    "dp0",
			Trained: true,
			Link:    types.LinkState{RateCode: types.RateHBR2, Rate: 540000, Lanes: 4},
			Caps:    &dpcd.Caps{Revision: 0x12, MaxRate: types.RateHBR2, MaxLanes: 4},
		},
		{
			Name:  "dp1",
			Error: "dpcd read: mailbox: transport error",
		},
	}
}

func TestCollect_Trained(t *testing.T) {
	cfg := training.Config{Timeout: 50 * time.Millisecond, RetryInterval: time.Millisecond}
	dev := link.NewDevice("dp0", sim.NewSink(sim.WithLink(types.RateHBR, 2)), link.WithTrainingConfig(cfg))

	before := Collect(dev)
	assert.False(t, before.Trained, "device should not be trained before TrainLink")
	require.NotNil(t, before.Caps)
	assert.Equal(t, types.RateHBR2, before.Caps.MaxRate)

	require.NoError(t, dev.TrainLink(context.Background()))
	after := Collect(dev)
	assert.True(t, after.Trained)
	assert.Equal(t, types.RateHBR, after.Link.RateCode)
	assert.Equal(t, uint8(2), after.Link.Lanes)
}

func TestCollect_Unreachable(t *testing.T) {
	dev := link.NewDevice("dp1", sim.NewSink(sim.WithSendError(errors.New("unplugged"))))
	st := Collect(dev)
	assert.Nil(t, st.Caps, "caps should be nil when the sink is unreachable")
	assert.Contains(t, st.Error, "transport error")
}

func TestPrintTable_Basic(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, sampleDevices())
	output := buf.String()

	for _, want := range []string{"DEVICE", "dp0", "5.4 Gbps", "1.2", "dp1", "(untrained)", "(unknown)"} {
		assert.Contains(t, output, want)
	}
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, nil)
	assert.Contains(t, buf.String(), "DEVICE", "empty table should still render headers")
}

func TestPrintJSON_Basic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, sampleDevices()))

	var result []DeviceStatus
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	require.Len(t, result, 2)
	assert.Equal(t, 540000, result[0].Link.Rate)
	assert.True(t, result[0].Trained)
	assert.Nil(t, result[1].Caps)
}

func TestPrintJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, nil))
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
}
