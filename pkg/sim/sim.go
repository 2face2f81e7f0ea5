// Package sim provides a simulated DP controller and sink. A Sink answers the
// DP TX mailbox commands from memory, which makes it usable both as an
// in-process types.Channel and, through Serve, as a mailbox endpoint on a
// byte stream.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/dptx/pkg/dpcd"
	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/types"
)

// Event builds a training event payload carrying bits in byte 1.
func Event(bits byte) [mailbox.EventSize]byte {
	return [mailbox.EventSize]byte{0, bits}
}

// Common event payloads.
var (
	EventIdle     = Event(0)
	EventEQDone   = Event(mailbox.EventClockRecoveryDone | mailbox.EventEQPhaseFinished)
	EventCRFailed = Event(mailbox.EventClockRecoveryFailed)
)

type response struct {
	module byte
	opcode byte
	data   []byte
	off    int
	valid  bool
}

// Sink is a simulated DP controller with an attached sink device.
type Sink struct {
	mu sync.Mutex

	regs map[uint32]byte

	script [][mailbox.EventSize]byte
	after  [mailbox.EventSize]byte

	rate  types.LinkRate
	lanes uint8
	swing [4]uint8
	emph  [4]uint8

	training  bool
	pollIndex int

	pending *response

	// counters
	sends     int
	polls     int
	trainings int

	// faults
	disconnectAfter int
	echoSkew        uint32
	sendErr         error
}

// Option configures a Sink.
type Option func(*Sink)

// WithEvents scripts the training events returned by consecutive polls after
// each training start. Once the script is exhausted the sink reports no
// progress.
func WithEvents(events ...[mailbox.EventSize]byte) Option {
	return func(s *Sink) {
		s.script = events
		s.after = EventIdle
	}
}

// WithConvergeAfter makes the sink report n idle polls before equalization
// finishes.
func WithConvergeAfter(n int) Option {
	return func(s *Sink) {
		s.script = make([][mailbox.EventSize]byte, n)
		s.after = EventEQDone
	}
}

// WithNeverConverge makes training never finish.
func WithNeverConverge() Option {
	return func(s *Sink) {
		s.script = nil
		s.after = EventIdle
	}
}

// WithLink sets the rate code and lane count the sink trains to.
func WithLink(rate types.LinkRate, lanes uint8) Option {
	return func(s *Sink) {
		s.rate = rate
		s.lanes = lanes
	}
}

// WithDriveLevels sets the per-lane voltage swing and pre-emphasis levels
// reported in the link status block.
func WithDriveLevels(swing, emph [4]uint8) Option {
	return func(s *Sink) {
		s.swing = swing
		s.emph = emph
	}
}

// WithCaps sets the receiver capability registers.
func WithCaps(rev byte, maxRate types.LinkRate, maxLanes uint8) Option {
	return func(s *Sink) {
		s.regs[dpcd.RegRev] = rev
		s.regs[dpcd.RegMaxLinkRate] = byte(maxRate)
		s.regs[dpcd.RegMaxLaneCount] = maxLanes&dpcd.LaneCountMask | dpcd.EnhancedFraming
	}
}

// WithRegister presets a DPCD register.
func WithRegister(addr uint32, value byte) Option {
	return func(s *Sink) {
		s.regs[addr&dpcd.MaxAddress] = value
	}
}

// WithEchoSkew makes write responses echo addr+delta instead of addr.
func WithEchoSkew(delta uint32) Option {
	return func(s *Sink) {
		s.echoSkew = delta
	}
}

// WithDisconnectAfter makes every Send after the first n fail.
func WithDisconnectAfter(n int) Option {
	return func(s *Sink) {
		s.disconnectAfter = n
	}
}

// WithSendError makes every Send fail with err.
func WithSendError(err error) Option {
	return func(s *Sink) {
		s.sendErr = err
	}
}

// NewSink returns a DPCD 1.2 sink supporting HBR2 on four lanes that
// finishes training on the first poll.
func NewSink(opts ...Option) *Sink {
	s := &Sink{
		regs:  make(map[uint32]byte),
		after: EventEQDone,
		rate:  types.RateHBR2,
		lanes: 4,
	}
	WithCaps(0x12, types.RateHBR2, 4)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register returns the current value of a DPCD register.
func (s *Sink) Register(addr uint32) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr]
}

// Sends returns the number of accepted requests.
func (s *Sink) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// Polls returns the number of event reads answered.
func (s *Sink) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Trainings returns the number of training starts received.
func (s *Sink) Trainings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trainings
}

// ──────────────────────────────────────────────
//  types.Channel
// ──────────────────────────────────────────────

// Send accepts one request and prepares its response, if the command has one.
func (s *Sink) Send(module, opcode byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return fmt.Errorf("%w: %v", mailbox.ErrTransport, s.sendErr)
	}
	if s.disconnectAfter > 0 && s.sends >= s.disconnectAfter {
		return fmt.Errorf("%w: sink disconnected", mailbox.ErrTransport)
	}
	s.sends++

	s.pending = nil
	if data, ok := s.handle(module, opcode, payload); ok {
		s.pending = &response{module: module, opcode: opcode, data: data}
	}
	return nil
}

// ValidateReceive checks the pending response against the expected command.
func (s *Sink) ValidateReceive(module, opcode byte, expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil {
		return fmt.Errorf("%w: no response pending", mailbox.ErrProtocolMismatch)
	}
	if p.module != module || p.opcode != opcode || len(p.data) != expected {
		s.pending = nil
		return fmt.Errorf("%w: got module 0x%02x opcode 0x%02x size %d, want module 0x%02x opcode 0x%02x size %d",
			mailbox.ErrProtocolMismatch, p.module, p.opcode, len(p.data), module, opcode, expected)
	}
	p.valid = true
	return nil
}

// ReadReceive copies the next len(buf) bytes of the validated response.
func (s *Sink) ReadReceive(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil || !p.valid {
		return fmt.Errorf("%w: no validated response", mailbox.ErrShortRead)
	}
	if remain := len(p.data) - p.off; len(buf) > remain {
		return fmt.Errorf("%w: want %d bytes, %d remain", mailbox.ErrShortRead, len(buf), remain)
	}
	p.off += copy(buf, p.data[p.off:])
	return nil
}

// ──────────────────────────────────────────────
//  command handling
// ──────────────────────────────────────────────

// handle executes one command and returns its response payload. ok is false
// for commands that produce no response. Callers hold s.mu.
func (s *Sink) handle(module, opcode byte, payload []byte) (data []byte, ok bool) {
	if module != mailbox.ModuleDPTX {
		log.Debugf("sim: ignoring module 0x%02x opcode 0x%02x", module, opcode)
		return nil, false
	}

	switch opcode {
	case mailbox.OpReadDPCD:
		if len(payload) != 5 {
			return nil, false
		}
		n := int(binary.BigEndian.Uint16(payload))
		addr := be24(payload[2:])
		out := make([]byte, 5+n)
		copy(out, payload)
		for i := 0; i < n; i++ {
			out[5+i] = s.regs[(addr+uint32(i))&dpcd.MaxAddress]
		}
		return out, true

	case mailbox.OpWriteDPCD:
		if len(payload) != 6 {
			return nil, false
		}
		addr := be24(payload[2:])
		s.regs[addr] = payload[5]
		out := make([]byte, 5)
		copy(out, payload[:2])
		echo := (addr + s.echoSkew) & dpcd.MaxAddress
		out[2], out[3], out[4] = byte(echo>>16), byte(echo>>8), byte(echo)
		return out, true

	case mailbox.OpTrainingControl:
		if len(payload) == 1 && payload[0] == mailbox.TrainingRun {
			s.startTraining()
		}
		return nil, false

	case mailbox.OpReadEvent:
		ev := s.nextEvent()
		return ev[:], true

	case mailbox.OpReadLinkStat:
		out := make([]byte, mailbox.LinkStatSize)
		out[0] = byte(s.rate)
		out[1] = s.lanes
		copy(out[2:6], s.swing[:])
		copy(out[6:10], s.emph[:])
		return out, true

	case mailbox.OpHPDState:
		return []byte{1}, true
	}

	log.Debugf("sim: unsupported opcode 0x%02x", opcode)
	return nil, false
}

func (s *Sink) startTraining() {
	s.trainings++
	s.training = true
	s.pollIndex = 0
	s.regs[dpcd.RegLane01Status] = 0
	s.regs[dpcd.RegLane23Status] = 0
	s.regs[dpcd.RegLaneAlignStatus] = 0
}

func (s *Sink) nextEvent() [mailbox.EventSize]byte {
	s.polls++
	if !s.training {
		return EventIdle
	}
	ev := s.after
	if s.pollIndex < len(s.script) {
		ev = s.script[s.pollIndex]
	}
	s.pollIndex++

	// A poll that reports clock-recovery failure does not finish training,
	// whatever else it carries.
	if ev[1]&mailbox.EventClockRecoveryFailed == 0 && ev[1]&mailbox.EventEQPhaseFinished != 0 {
		s.finishTraining()
	}
	return ev
}

func (s *Sink) finishTraining() {
	s.training = false
	s.regs[dpcd.RegLinkBWSet] = byte(s.rate)
	s.regs[dpcd.RegLaneCountSet] = s.lanes | dpcd.EnhancedFraming

	const laneOK = dpcd.LaneCRDone | dpcd.LaneChannelEQDone | dpcd.LaneSymbolLocked
	var status [2]byte
	for i := uint8(0); i < s.lanes && i < 4; i++ {
		status[i/2] |= laneOK << (4 * (i % 2))
	}
	s.regs[dpcd.RegLane01Status] = status[0]
	s.regs[dpcd.RegLane23Status] = status[1]
	s.regs[dpcd.RegLaneAlignStatus] = dpcd.InterlaneAlignDone
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
