package mailbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Stream implements types.Channel over a byte stream carrying mailbox frames,
// such as a TCP connection to a controller bridge or an emulator.
type Stream struct {
	rw        io.ReadWriter
	ioTimeout time.Duration

	// remaining is the number of validated payload bytes not yet read.
	remaining int

	// broken is the first I/O failure. Frame alignment is unknown after it,
	// so the stream refuses further traffic.
	broken error
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithIOTimeout bounds every read and write when the underlying stream
// supports deadlines (net.Conn does).
func WithIOTimeout(d time.Duration) StreamOption {
	return func(s *Stream) {
		s.ioTimeout = d
	}
}

// NewStream wraps rw as a mailbox channel.
func NewStream(rw io.ReadWriter, opts ...StreamOption) *Stream {
	s := &Stream{rw: rw}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to a mailbox endpoint over TCP.
func Dial(ctx context.Context, addr string, opts ...StreamOption) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	log.Debugf("mailbox connected to %s", addr)
	return NewStream(conn, opts...), nil
}

// Err returns the failure that broke the stream, or nil while it is usable.
func (s *Stream) Err() error {
	return s.broken
}

// Close closes the underlying stream if it is closable.
func (s *Stream) Close() error {
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (s *Stream) armDeadline() {
	if s.ioTimeout <= 0 {
		return
	}
	if d, ok := s.rw.(deadliner); ok {
		_ = d.SetDeadline(time.Now().Add(s.ioTimeout))
	}
}

// Send writes one request frame. Any unread payload of the previous response
// is discarded first so the stream stays aligned on frame boundaries.
func (s *Stream) Send(module, opcode byte, payload []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrTransport, len(payload))
	}
	s.armDeadline()
	if err := s.discard(); err != nil {
		return s.fail(err)
	}
	return s.fail(WriteFrame(s.rw, module, opcode, payload))
}

// ValidateReceive reads the next response header and checks it against the
// expected command and payload size. On mismatch the declared payload is
// drained before ErrProtocolMismatch is returned.
func (s *Stream) ValidateReceive(module, opcode byte, expected int) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.armDeadline()
	if err := s.discard(); err != nil {
		return s.fail(err)
	}
	hdr, err := ReadHeader(s.rw)
	if err != nil {
		return s.fail(err)
	}
	if hdr.Opcode != opcode || hdr.Module != module || hdr.Size != expected {
		if _, err := io.CopyN(io.Discard, s.rw, int64(hdr.Size)); err != nil {
			return s.fail(fmt.Errorf("%w: draining mismatched response: %v", ErrTransport, err))
		}
		return fmt.Errorf("%w: got module 0x%02x opcode 0x%02x size %d, want module 0x%02x opcode 0x%02x size %d",
			ErrProtocolMismatch, hdr.Module, hdr.Opcode, hdr.Size, module, opcode, expected)
	}
	s.remaining = hdr.Size
	return nil
}

// ReadReceive copies len(buf) bytes of the validated response payload.
func (s *Stream) ReadReceive(buf []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if len(buf) > s.remaining {
		return fmt.Errorf("%w: want %d bytes, %d remain", ErrShortRead, len(buf), s.remaining)
	}
	s.armDeadline()
	n, err := io.ReadFull(s.rw, buf)
	s.remaining -= n
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return s.fail(fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, len(buf)))
		}
		return s.fail(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	return nil
}

func (s *Stream) usable() error {
	if s.broken == nil {
		return nil
	}
	return fmt.Errorf("%w: stream unusable after earlier failure: %v", ErrTransport, s.broken)
}

// fail marks the stream broken and closes it. A response that arrives after
// a timed-out read would otherwise be taken as the answer to the next
// request.
func (s *Stream) fail(err error) error {
	if err == nil || s.broken != nil {
		return err
	}
	s.broken = err
	s.remaining = 0
	if cerr := s.Close(); cerr != nil {
		log.Debugf("mailbox: closing broken stream: %v", cerr)
	}
	log.Warnf("mailbox: stream broken: %v", err)
	return err
}

func (s *Stream) discard() error {
	if s.remaining == 0 {
		return nil
	}
	n := s.remaining
	s.remaining = 0
	if _, err := io.CopyN(io.Discard, s.rw, int64(n)); err != nil {
		return fmt.Errorf("%w: discarding stale payload: %v", ErrTransport, err)
	}
	return nil
}

// Redialer is a TCP mailbox channel that replaces a broken Stream with a
// fresh connection on the next Send. Commands already in flight on the old
// connection are not retried.
type Redialer struct {
	addr      string
	ioTimeout time.Duration
	cur       *Stream
}

// DialRedialer connects to addr and returns a channel that reconnects after
// transport failures.
func DialRedialer(ctx context.Context, addr string, ioTimeout time.Duration) (*Redialer, error) {
	r := &Redialer{addr: addr, ioTimeout: ioTimeout}
	s, err := Dial(ctx, addr, WithIOTimeout(ioTimeout))
	if err != nil {
		return nil, err
	}
	r.cur = s
	return r, nil
}

func (r *Redialer) redial() error {
	ctx := context.Background()
	if r.ioTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.ioTimeout)
		defer cancel()
	}
	log.Infof("mailbox: reconnecting to %s", r.addr)
	s, err := Dial(ctx, r.addr, WithIOTimeout(r.ioTimeout))
	if err != nil {
		return err
	}
	r.cur = s
	return nil
}

// Send issues a command, reconnecting first if the previous connection broke.
func (r *Redialer) Send(module, opcode byte, payload []byte) error {
	if r.cur == nil || r.cur.Err() != nil {
		if err := r.redial(); err != nil {
			return err
		}
	}
	return r.cur.Send(module, opcode, payload)
}

// ValidateReceive checks the next response on the current connection.
func (r *Redialer) ValidateReceive(module, opcode byte, expected int) error {
	if r.cur == nil {
		return fmt.Errorf("%w: not connected to %s", ErrTransport, r.addr)
	}
	return r.cur.ValidateReceive(module, opcode, expected)
}

// ReadReceive reads validated payload from the current connection.
func (r *Redialer) ReadReceive(buf []byte) error {
	if r.cur == nil {
		return fmt.Errorf("%w: not connected to %s", ErrTransport, r.addr)
	}
	return r.cur.ReadReceive(buf)
}

// Close closes the current connection.
func (r *Redialer) Close() error {
	if r.cur == nil {
		return nil
	}
	return r.cur.Close()
}
