package dpcd

import (
	"fmt"

	"github.com/Nativu5/dptx/pkg/types"
)

// Register addresses.
const (
	RegRev                uint32 = 0x000
	RegMaxLinkRate        uint32 = 0x001
	RegMaxLaneCount       uint32 = 0x002
	RegLinkBWSet          uint32 = 0x100
	RegLaneCountSet       uint32 = 0x101
	RegTrainingPatternSet uint32 = 0x102
	RegLane01Status       uint32 = 0x202
	RegLane23Status       uint32 = 0x203
	RegLaneAlignStatus    uint32 = 0x204
)

// MAX_LANE_COUNT / LANE_COUNT_SET fields.
const (
	LaneCountMask   byte = 0x1f
	TPS3Supported   byte = 1 << 6
	EnhancedFraming byte = 1 << 7
)

// Per-lane status bits, one nibble per lane in LANEx_y_STATUS.
const (
	LaneCRDone        byte = 1 << 0
	LaneChannelEQDone byte = 1 << 1
	LaneSymbolLocked  byte = 1 << 2
)

// InterlaneAlignDone is bit 0 of LANE_ALIGN_STATUS_UPDATED.
const InterlaneAlignDone byte = 1 << 0

// Caps is the subset of the receiver capability field used to judge a
// training result.
type Caps struct {
	Revision        byte           `json:"revision"`
	MaxRate         types.LinkRate `json:"max_rate"`
	MaxLanes        uint8          `json:"max_lanes"`
	EnhancedFraming bool           `json:"enhanced_framing"`
	TPS3            bool           `json:"tps3"`
}

// RevisionString renders the DPCD revision as "1.2".
func (c Caps) RevisionString() string {
	return fmt.Sprintf("%d.%d", c.Revision>>4, c.Revision&0x0f)
}

// ReadCaps reads DPCD_REV, MAX_LINK_RATE and MAX_LANE_COUNT in one request.
func (a *Accessor) ReadCaps() (Caps, error) {
	b, err := a.Read(RegRev, 3)
	if err != nil {
		return Caps{}, err
	}
	return Caps{
		Revision:        b[0],
		MaxRate:         types.LinkRate(b[1]),
		MaxLanes:        b[2] & LaneCountMask,
		EnhancedFraming: b[2]&EnhancedFraming != 0,
		TPS3:            b[2]&TPS3Supported != 0,
	}, nil
}

// LaneStatus is the per-lane training status reported by the sink.
type LaneStatus struct {
	CRDone       bool `json:"cr_done"`
	ChannelEQ    bool `json:"channel_eq_done"`
	SymbolLocked bool `json:"symbol_locked"`
}

// OK reports whether the lane finished both training phases.
func (s LaneStatus) OK() bool {
	return s.CRDone && s.ChannelEQ && s.SymbolLocked
}

// LinkStatus is the sink's view of the active lanes after training.
type LinkStatus struct {
	Lanes            []LaneStatus `json:"lanes"`
	InterlaneAligned bool         `json:"interlane_aligned"`
}

// OK reports whether every lane is trained and the lanes are aligned.
func (s LinkStatus) OK() bool {
	for _, l := range s.Lanes {
		if !l.OK() {
			return false
		}
	}
	return s.InterlaneAligned
}

func decodeLane(nibble byte) LaneStatus {
	return LaneStatus{
		CRDone:       nibble&LaneCRDone != 0,
		ChannelEQ:    nibble&LaneChannelEQDone != 0,
		SymbolLocked: nibble&LaneSymbolLocked != 0,
	}
}

// ReadLinkStatus reads LANE0_1_STATUS through LANE_ALIGN_STATUS_UPDATED and
// decodes the first lanes entries (at most 4).
func (a *Accessor) ReadLinkStatus(lanes uint8) (LinkStatus, error) {
	if lanes > 4 {
		lanes = 4
	}
	b, err := a.Read(RegLane01Status, 3)
	if err != nil {
		return LinkStatus{}, err
	}
	st := LinkStatus{InterlaneAligned: b[2]&InterlaneAlignDone != 0}
	for i := uint8(0); i < lanes; i++ {
		nibble := b[i/2] >> (4 * (i % 2)) & 0x0f
		st.Lanes = append(st.Lanes, decodeLane(nibble))
	}
	return st, nil
}
