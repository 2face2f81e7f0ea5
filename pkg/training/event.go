package training

import (
	"strings"

	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/types"
)

// Event is one training status report read from the controller.
type Event [mailbox.EventSize]byte

func (e Event) has(bit byte) bool { return e[1]&bit != 0 }

// ClockRecoveryFailed reports the clock-recovery failure bit.
func (e Event) ClockRecoveryFailed() bool { return e.has(mailbox.EventClockRecoveryFailed) }

// ClockRecoveryFinished reports the clock-recovery done bit.
func (e Event) ClockRecoveryFinished() bool { return e.has(mailbox.EventClockRecoveryDone) }

// EQPhaseFinished reports the equalization-phase finished bit.
func (e Event) EQPhaseFinished() bool { return e.has(mailbox.EventEQPhaseFinished) }

// EQPhaseFailed reports the equalization failure bit.
func (e Event) EQPhaseFailed() bool { return e.has(mailbox.EventEQPhaseFailed) }

// HPD reports a hot-plug event.
func (e Event) HPD() bool { return e.has(mailbox.EventHPD) }

// String lists the set bits, e.g. "eq_done|cr_done".
func (e Event) String() string {
	var parts []string
	for _, f := range []struct {
		bit  byte
		name string
	}{
		{mailbox.EventHPD, "hpd"},
		{mailbox.EventTrainingLinkStatus, "link_status"},
		{mailbox.EventEQPhaseFinished, "eq_done"},
		{mailbox.EventClockRecoveryDone, "cr_done"},
		{mailbox.EventClockRecoveryFailed, "cr_failed"},
		{mailbox.EventEQPhaseFailed, "eq_failed"},
	} {
		if e.has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Poller reads training events over a channel.
type Poller struct {
	ch types.Channel
}

// NewPoller returns a Poller that reads from ch.
func NewPoller(ch types.Channel) *Poller {
	return &Poller{ch: ch}
}

// Poll issues one event read.
func (p *Poller) Poll() (Event, error) {
	const op = "read event"
	var ev Event
	if err := p.ch.Send(mailbox.ModuleDPTX, mailbox.OpReadEvent, nil); err != nil {
		return ev, mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadEvent, err)
	}
	if err := p.ch.ValidateReceive(mailbox.ModuleDPTX, mailbox.OpReadEvent, len(ev)); err != nil {
		return ev, mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadEvent, err)
	}
	if err := p.ch.ReadReceive(ev[:]); err != nil {
		return ev, mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadEvent, err)
	}
	return ev, nil
}
