// Package mailbox implements the command/response channel to a DP
// controller's firmware mailbox. Every message is a frame made of a 4-byte
// header (opcode, module id, 16-bit big-endian size) and the payload.
package mailbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Module identifiers.
const (
	ModuleDPTX    byte = 0x01
	ModuleGeneral byte = 0x0a
)

// DP TX opcodes.
const (
	OpSetPowerMng       byte = 0x00
	OpSetHostCaps       byte = 0x01
	OpGetEDID           byte = 0x02
	OpReadDPCD          byte = 0x03
	OpWriteDPCD         byte = 0x04
	OpEnableEvent       byte = 0x05
	OpWriteRegister     byte = 0x06
	OpReadRegister      byte = 0x07
	OpWriteField        byte = 0x08
	OpTrainingControl   byte = 0x09
	OpReadEvent         byte = 0x0a
	OpReadLinkStat      byte = 0x0b
	OpSetVideo          byte = 0x0c
	OpSetAudio          byte = 0x0d
	OpGetLastAuxStatus  byte = 0x0e
	OpSetLinkBreakPoint byte = 0x0f
	OpForceLanes        byte = 0x10
	OpHPDState          byte = 0x11
)

// Payload values for OpTrainingControl.
const (
	TrainingNotActive byte = 0x00
	TrainingRun       byte = 0x01
	TrainingRestart   byte = 0x02
)

// Training event bits, carried in byte 1 of an OpReadEvent response.
const (
	EventHPD                 byte = 1 << 0
	EventTrainingLinkStatus  byte = 1 << 1
	EventEQPhaseFinished     byte = 1 << 2
	EventClockRecoveryDone   byte = 1 << 3
	EventClockRecoveryFailed byte = 1 << 4
	EventEQPhaseFailed       byte = 1 << 5
)

// Response sizes of the fixed-size DP TX queries.
const (
	EventSize    = 2
	LinkStatSize = 10
	HPDStateSize = 1
)

// HeaderSize is the size of a frame header.
const HeaderSize = 4

// MaxPayload is the largest payload a frame can declare.
const MaxPayload = 0xffff

// Error kinds reported by every Channel implementation.
var (
	// ErrTransport is a send/receive plumbing failure.
	ErrTransport = errors.New("mailbox: transport error")
	// ErrProtocolMismatch means a response did not match the request.
	ErrProtocolMismatch = errors.New("mailbox: protocol mismatch")
	// ErrShortRead means fewer payload bytes were available than requested.
	ErrShortRead = errors.New("mailbox: short read")
)

// CommandError attaches the operation name and raw identifiers to an error
// kind so that callers can log and decide on fallbacks.
type CommandError struct {
	Op     string
	Module byte
	Opcode byte
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (module 0x%02x, opcode 0x%02x): %v", e.Op, e.Module, e.Opcode, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Wrap returns err annotated with op and the command identifiers, or nil.
func Wrap(op string, module, opcode byte, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Op: op, Module: module, Opcode: opcode, Err: err}
}

// Header is a decoded frame header.
type Header struct {
	Opcode byte
	Module byte
	Size   int
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, module, opcode byte, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrTransport, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = opcode
	buf[1] = module
	binary.BigEndian.PutUint16(buf[2:], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// ReadHeader reads one frame header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, fmt.Errorf("%w: reading header: %w", ErrTransport, err)
	}
	return Header{
		Opcode: hdr[0],
		Module: hdr[1],
		Size:   int(binary.BigEndian.Uint16(hdr[2:])),
	}, nil
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, fmt.Errorf("%w: reading %d byte payload: %w", ErrShortRead, hdr.Size, err)
	}
	return hdr, payload, nil
}
