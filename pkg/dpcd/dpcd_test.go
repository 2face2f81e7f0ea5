package dpcd_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/dptx/pkg/dpcd"
	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/sim"
	"github.com/Nativu5/dptx/pkg/types"
)

func TestRead_InvalidRequestSendsNothing(t *testing.T) {
	tests := []struct {
		name string
		addr uint32
		n    int
	}{
		{"address_over_24_bits", 0x1000000, 1},
		{"zero_length", 0x100, 0},
		{"negative_length", 0x100, -1},
		{"too_long", 0, dpcd.MaxReadLength + 1},
		{"runs_past_end", dpcd.MaxAddress, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := sim.NewSink()
			_, err := dpcd.New(sink).Read(tc.addr, tc.n)
			require.ErrorIs(t, err, dpcd.ErrInvalidRequest)
			assert.Zero(t, sink.Sends())
		})
	}
}

func TestRead_LastAddress(t *testing.T) {
	sink := sim.NewSink(sim.WithRegister(dpcd.MaxAddress, 0x5a))
	v, err := dpcd.New(sink).ReadRegister(dpcd.MaxAddress)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), v)
}

func TestWrite_InvalidAddress(t *testing.T) {
	sink := sim.NewSink()
	err := dpcd.New(sink).Write(0x1000000, 1)
	require.ErrorIs(t, err, dpcd.ErrInvalidRequest)
	assert.Zero(t, sink.Sends())
}

func TestWriteThenRead(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint32
		value byte
	}{
		{"link_bw_set", dpcd.RegLinkBWSet, byte(types.RateHBR2)},
		{"lane_count_set", dpcd.RegLaneCountSet, 0x84},
		{"training_pattern", dpcd.RegTrainingPatternSet, 0x21},
		{"high_address", 0x68000, 0xff},
		{"zero", 0x600, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			acc := dpcd.New(sim.NewSink())
			require.NoError(t, acc.Write(tc.addr, tc.value))
			got, err := acc.ReadRegister(tc.addr)
			require.NoError(t, err)
			assert.Equal(t, tc.value, got)
		})
	}
}

func TestRead_MultiByte(t *testing.T) {
	sink := sim.NewSink(
		sim.WithRegister(0x300, 1),
		sim.WithRegister(0x301, 2),
		sim.WithRegister(0x302, 3),
	)
	b, err := dpcd.New(sink).Read(0x300, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0}, b)
}

func TestWrite_VerificationFailure(t *testing.T) {
	sink := sim.NewSink(sim.WithEchoSkew(1))
	err := dpcd.New(sink).Write(dpcd.RegLinkBWSet, 0x14)
	require.ErrorIs(t, err, dpcd.ErrVerification)

	var cmdErr *mailbox.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, mailbox.OpWriteDPCD, cmdErr.Opcode)
	assert.Contains(t, err.Error(), "0x000101")
}

func TestRead_TransportFailure(t *testing.T) {
	sink := sim.NewSink(sim.WithSendError(errors.New("cable pulled")))
	_, err := dpcd.New(sink).Read(0, 1)
	require.ErrorIs(t, err, mailbox.ErrTransport)
	assert.Contains(t, err.Error(), "dpcd read")
}

func TestReadCaps(t *testing.T) {
	sink := sim.NewSink(sim.WithCaps(0x14, types.RateHBR3, 2))
	caps, err := dpcd.New(sink).ReadCaps()
	require.NoError(t, err)
	assert.Equal(t, dpcd.Caps{
		Revision:        0x14,
		MaxRate:         types.RateHBR3,
		MaxLanes:        2,
		EnhancedFraming: true,
	}, caps)
	assert.Equal(t, "1.4", caps.RevisionString())
}

func TestReadLinkStatus(t *testing.T) {
	sink := sim.NewSink(
		sim.WithRegister(dpcd.RegLane01Status, 0x17),
		sim.WithRegister(dpcd.RegLane23Status, 0x77),
		sim.WithRegister(dpcd.RegLaneAlignStatus, dpcd.InterlaneAlignDone),
	)
	st, err := dpcd.New(sink).ReadLinkStatus(4)
	require.NoError(t, err)
	require.Len(t, st.Lanes, 4)

	assert.True(t, st.Lanes[0].OK())
	assert.Equal(t, dpcd.LaneStatus{CRDone: true}, st.Lanes[1])
	assert.True(t, st.Lanes[2].OK())
	assert.True(t, st.Lanes[3].OK())
	assert.True(t, st.InterlaneAligned)
	assert.False(t, st.OK())
}

func TestReadLinkStatus_ClampsLanes(t *testing.T) {
	st, err := dpcd.New(sim.NewSink()).ReadLinkStatus(8)
	require.NoError(t, err)
	assert.Len(t, st.Lanes, 4)
	assert.False(t, st.OK())
}
