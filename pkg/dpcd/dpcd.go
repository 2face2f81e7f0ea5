// Package dpcd provides typed access to a DP sink's DisplayPort Configuration
// Data (DPCD) register space through the controller mailbox. Nothing is
// cached: every call is a full request/response round trip.
package dpcd

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/types"
)

// MaxAddress is the last address of the 24-bit DPCD space.
const MaxAddress = 0xffffff

// headerSize is the length+address prefix carried by requests and responses.
const headerSize = 5

// MaxReadLength is the largest read whose response still fits in one frame.
const MaxReadLength = mailbox.MaxPayload - headerSize

var (
	// ErrVerification means the controller echoed a different address than
	// the one written. It is treated as a possible corruption signal.
	ErrVerification = errors.New("dpcd: write verification failed")
	// ErrInvalidRequest is returned for out-of-range addresses or lengths
	// before any traffic is sent.
	ErrInvalidRequest = errors.New("dpcd: invalid request")
)

// Accessor reads and writes DPCD registers over a mailbox channel.
type Accessor struct {
	ch types.Channel
}

// New returns an Accessor that talks over ch.
func New(ch types.Channel) *Accessor {
	return &Accessor{ch: ch}
}

// putHeader encodes a 2-byte big-endian length and a 3-byte big-endian address.
func putHeader(buf []byte, length uint16, addr uint32) {
	buf[0] = byte(length >> 8)
	buf[1] = byte(length)
	buf[2] = byte(addr >> 16)
	buf[3] = byte(addr >> 8)
	buf[4] = byte(addr)
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func checkRange(addr uint32, n int) error {
	switch {
	case addr > MaxAddress:
		return fmt.Errorf("%w: address 0x%x exceeds 24 bits", ErrInvalidRequest, addr)
	case n < 1 || n > MaxReadLength:
		return fmt.Errorf("%w: length %d out of range 1..%d", ErrInvalidRequest, n, MaxReadLength)
	case uint64(addr)+uint64(n)-1 > MaxAddress:
		return fmt.Errorf("%w: %d bytes at 0x%06x run past the end of the address space", ErrInvalidRequest, n, addr)
	}
	return nil
}

// Read returns n bytes starting at addr.
func (a *Accessor) Read(addr uint32, n int) ([]byte, error) {
	if err := checkRange(addr, n); err != nil {
		return nil, err
	}

	var msg [headerSize]byte
	putHeader(msg[:], uint16(n), addr)

	const op = "dpcd read"
	if err := a.ch.Send(mailbox.ModuleDPTX, mailbox.OpReadDPCD, msg[:]); err != nil {
		return nil, mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadDPCD, err)
	}
	if err := a.ch.ValidateReceive(mailbox.ModuleDPTX, mailbox.OpReadDPCD, headerSize+n); err != nil {
		return nil, mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadDPCD, err)
	}
	var reg [headerSize]byte
	if err := a.ch.ReadReceive(reg[:]); err != nil {
		return nil, mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadDPCD, err)
	}
	data := make([]byte, n)
	if err := a.ch.ReadReceive(data); err != nil {
		return nil, mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpReadDPCD, err)
	}
	log.Tracef("dpcd read 0x%06x len %d: % x", addr, n, data)
	return data, nil
}

// ReadRegister returns the single register at addr.
func (a *Accessor) ReadRegister(addr uint32) (byte, error) {
	b, err := a.Read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Write stores value at addr and verifies the address the controller echoes.
func (a *Accessor) Write(addr uint32, value byte) error {
	if err := checkRange(addr, 1); err != nil {
		return err
	}

	var msg [headerSize + 1]byte
	putHeader(msg[:], 1, addr)
	msg[headerSize] = value

	err := a.write(msg[:], addr)
	if err != nil {
		if errors.Is(err, ErrVerification) {
			log.WithField("address", fmt.Sprintf("0x%06x", addr)).
				Errorf("dpcd write echo mismatch, possible corruption: %v", err)
		} else {
			log.Errorf("dpcd write failed: %v", err)
		}
	}
	return err
}

func (a *Accessor) write(msg []byte, addr uint32) error {
	const op = "dpcd write"
	if err := a.ch.Send(mailbox.ModuleDPTX, mailbox.OpWriteDPCD, msg); err != nil {
		return mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpWriteDPCD, err)
	}
	if err := a.ch.ValidateReceive(mailbox.ModuleDPTX, mailbox.OpWriteDPCD, headerSize); err != nil {
		return mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpWriteDPCD, err)
	}
	var reg [headerSize]byte
	if err := a.ch.ReadReceive(reg[:]); err != nil {
		return mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpWriteDPCD, err)
	}
	if echoed := be24(reg[2:]); echoed != addr {
		return mailbox.Wrap(op, mailbox.ModuleDPTX, mailbox.OpWriteDPCD,
			fmt.Errorf("%w: wrote 0x%06x, controller echoed 0x%06x", ErrVerification, addr, echoed))
	}
	return nil
}
