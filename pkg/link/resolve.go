package link

import (
	"errors"
	"fmt"

	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/types"
)

// ErrUnknownLinkRate means the controller reported a rate code outside the
// standard table.
var ErrUnknownLinkRate = errors.New("unknown link rate code")

// ErrInvalidLaneCount means the controller reported a lane count other than
// 1, 2 or 4.
var ErrInvalidLaneCount = errors.New("invalid lane count")

// Status is the decoded link status block read after training.
type Status struct {
	RateCode     types.LinkRate `json:"rate_code"`
	Rate         int            `json:"rate"`
	Lanes        uint8          `json:"lanes"`
	VoltageSwing [4]uint8       `json:"voltage_swing"`
	PreEmphasis  [4]uint8       `json:"pre_emphasis"`
}

// LinkState returns the fields of s that make up the negotiated link.
func (s Status) LinkState() types.LinkState {
	return types.LinkState{RateCode: s.RateCode, Rate: s.Rate, Lanes: s.Lanes}
}

// Resolve reads the link status block from the controller.
func Resolve(ch types.Channel) (Status, error) {
	const op = "read link status"
	wrap := func(err error) error {
		return mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadLinkStat, err)
	}

	if err := ch.Send(mailbox.ModuleDPTX, mailbox.OpReadLinkStat, nil); err != nil {
		return Status{}, wrap(err)
	}
	var b [mailbox.LinkStatSize]byte
	if err := ch.ValidateReceive(mailbox.ModuleDPTX, mailbox.OpReadLinkStat, len(b)); err != nil {
		return Status{}, wrap(err)
	}
	if err := ch.ReadReceive(b[:]); err != nil {
		return Status{}, wrap(err)
	}
	return decodeStatus(b)
}

func decodeStatus(b [mailbox.LinkStatSize]byte) (Status, error) {
	code := types.LinkRate(b[0])
	if !code.Known() {
		return Status{}, fmt.Errorf("%w: 0x%02x", ErrUnknownLinkRate, b[0])
	}
	if !types.ValidLaneCount(b[1]) {
		return Status{}, fmt.Errorf("%w: %d", ErrInvalidLaneCount, b[1])
	}
	st := Status{RateCode: code, Rate: code.Rate(), Lanes: b[1]}
	copy(st.VoltageSwing[:], b[2:6])
	copy(st.PreEmphasis[:], b[6:10])
	return st, nil
}
