package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/dptx/pkg/mailbox"
)

// Serve answers mailbox frames read from rw until rw reports EOF or ctx is
// done. Requests are handled strictly in order, one at a time.
func (s *Sink) Serve(ctx context.Context, rw io.ReadWriter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, payload, err := mailbox.ReadFrame(rw)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.disconnectAfter > 0 && s.sends >= s.disconnectAfter {
			s.mu.Unlock()
			return fmt.Errorf("%w: sink disconnected", mailbox.ErrTransport)
		}
		s.sends++
		data, ok := s.handle(hdr.Module, hdr.Opcode, payload)
		s.mu.Unlock()

		if !ok {
			continue
		}
		if err := mailbox.WriteFrame(rw, hdr.Module, hdr.Opcode, data); err != nil {
			return err
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// ListenAndServe accepts TCP connections on addr and serves them one after
// another until ctx is done.
func (s *Sink) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves connections accepted from ln until ctx is done. ln is
// closed on return.
func (s *Sink) ServeListener(ctx context.Context, ln net.Listener) error {
	log.Infof("simulated sink listening on %s", ln.Addr())

	defer ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		log.Debugf("simulated sink: connection from %s", conn.RemoteAddr())

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()
		if err := s.Serve(ctx, conn); err != nil && ctx.Err() == nil {
			log.Warnf("simulated sink: connection %s: %v", conn.RemoteAddr(), err)
		}
		close(done)
		conn.Close()
	}
}
