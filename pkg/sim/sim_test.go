package sim_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/dptx/pkg/dpcd"
	"github.com/Nativu5/dptx/pkg/link"
	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/sim"
	"github.com/Nativu5/dptx/pkg/training"
	"github.com/Nativu5/dptx/pkg/types"
)

func fastTraining() link.Option {
	return link.WithTrainingConfig(training.Config{Timeout: time.Second, RetryInterval: time.Millisecond})
}

func TestSink_DefaultCaps(t *testing.T) {
	sink := sim.NewSink()
	assert.Equal(t, byte(0x12), sink.Register(dpcd.RegRev))
	assert.Equal(t, byte(types.RateHBR2), sink.Register(dpcd.RegMaxLinkRate))
	assert.Equal(t, byte(4)|dpcd.EnhancedFraming, sink.Register(dpcd.RegMaxLaneCount))
}

func TestSink_EventsBeforeTraining(t *testing.T) {
	sink := sim.NewSink()
	ev, err := training.NewPoller(sink).Poll()
	require.NoError(t, err)
	assert.False(t, ev.EQPhaseFinished())
	assert.Equal(t, 1, sink.Polls())
}

func TestSink_TrainingSetsRegisters(t *testing.T) {
	sink := sim.NewSink(sim.WithLink(types.RateHBR, 2))
	dev := link.NewDevice("dp0", sink, fastTraining())
	require.NoError(t, dev.TrainLink(context.Background()))

	assert.Equal(t, byte(types.RateHBR), sink.Register(dpcd.RegLinkBWSet))
	assert.Equal(t, byte(2)|dpcd.EnhancedFraming, sink.Register(dpcd.RegLaneCountSet))
	assert.Equal(t, byte(0x77), sink.Register(dpcd.RegLane01Status))
	assert.Equal(t, byte(0), sink.Register(dpcd.RegLane23Status))
	assert.Equal(t, 1, sink.Trainings())
}

func TestSink_ScriptRestartsPerTraining(t *testing.T) {
	sink := sim.NewSink(sim.WithConvergeAfter(2))
	dev := link.NewDevice("dp0", sink, fastTraining())

	require.NoError(t, dev.TrainLink(context.Background()))
	assert.Equal(t, 3, sink.Polls())
	require.NoError(t, dev.TrainLink(context.Background()))
	assert.Equal(t, 6, sink.Polls())
	assert.Equal(t, 2, sink.Trainings())
}

func TestSink_ValidateWithoutResponse(t *testing.T) {
	sink := sim.NewSink()
	require.NoError(t, sink.Send(mailbox.ModuleDPTX, mailbox.OpTrainingControl, []byte{mailbox.TrainingRun}))
	err := sink.ValidateReceive(mailbox.ModuleDPTX, mailbox.OpTrainingControl, 0)
	assert.ErrorIs(t, err, mailbox.ErrProtocolMismatch)
}

func TestSink_UnknownModuleIgnored(t *testing.T) {
	sink := sim.NewSink()
	require.NoError(t, sink.Send(mailbox.ModuleGeneral, 0x01, nil))
	err := sink.ValidateReceive(mailbox.ModuleGeneral, 0x01, 0)
	assert.ErrorIs(t, err, mailbox.ErrProtocolMismatch)
}

func TestSink_ReadReceiveBeyondResponse(t *testing.T) {
	sink := sim.NewSink()
	require.NoError(t, sink.Send(mailbox.ModuleDPTX, mailbox.OpReadEvent, nil))
	require.NoError(t, sink.ValidateReceive(mailbox.ModuleDPTX, mailbox.OpReadEvent, mailbox.EventSize))
	buf := make([]byte, mailbox.EventSize+1)
	assert.ErrorIs(t, sink.ReadReceive(buf), mailbox.ErrShortRead)
}

func TestSink_DisconnectAfter(t *testing.T) {
	sink := sim.NewSink(sim.WithDisconnectAfter(1))
	require.NoError(t, sink.Send(mailbox.ModuleDPTX, mailbox.OpReadEvent, nil))
	assert.ErrorIs(t, sink.Send(mailbox.ModuleDPTX, mailbox.OpReadEvent, nil), mailbox.ErrTransport)
	assert.Equal(t, 1, sink.Sends())
}

// ──────────────────────────────────────────────
//  Serve
// ──────────────────────────────────────────────

func TestServe_OverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sink := sim.NewSink(sim.WithLink(types.RateHBR3, 4), sim.WithConvergeAfter(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sink.Serve(ctx, server) }()

	stream := mailbox.NewStream(client, mailbox.WithIOTimeout(2*time.Second))
	dev := link.NewDevice("dp0", stream, fastTraining())

	require.NoError(t, dev.DPCDWrite(dpcd.RegTrainingPatternSet, 0x21))
	v, err := dev.DPCDRead(dpcd.RegTrainingPatternSet, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x21}, v)

	require.NoError(t, dev.TrainLink(ctx))
	assert.Equal(t, types.LinkState{RateCode: types.RateHBR3, Rate: 810000, Lanes: 4}, dev.LinkState())

	client.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the client closed")
	}
}

func TestServe_Disconnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sink := sim.NewSink(sim.WithDisconnectAfter(1))
	go func() {
		_ = sink.Serve(context.Background(), server)
		server.Close()
	}()

	acc := dpcd.New(mailbox.NewStream(client, mailbox.WithIOTimeout(2*time.Second)))
	_, err := acc.ReadRegister(dpcd.RegRev)
	require.NoError(t, err)
	_, err = acc.ReadRegister(dpcd.RegRev)
	assert.ErrorIs(t, err, mailbox.ErrTransport)
}

func TestServeListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.NewSink().ServeListener(ctx, ln) }()

	stream, err := mailbox.Dial(ctx, ln.Addr().String(), mailbox.WithIOTimeout(2*time.Second))
	require.NoError(t, err)
	caps, err := dpcd.New(stream).ReadCaps()
	require.NoError(t, err)
	assert.Equal(t, "1.2", caps.RevisionString())
	stream.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeListener did not stop on cancel")
	}
}

// slowConn delays every response written to the client.
type slowConn struct {
	net.Conn
	delay time.Duration
}

func (c slowConn) Write(p []byte) (int, error) {
	time.Sleep(c.delay)
	return c.Conn.Write(p)
}

func TestRetryTrain_RecoversFromSlowConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := sim.NewSink(sim.WithConvergeAfter(1))
	go func() {
		first := true
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			var rw net.Conn = conn
			if first {
				rw = slowConn{Conn: conn, delay: 150 * time.Millisecond}
				first = false
			}
			go func() {
				defer conn.Close()
				_ = sink.Serve(ctx, rw)
			}()
		}
	}()

	ch, err := mailbox.DialRedialer(ctx, ln.Addr().String(), 50*time.Millisecond)
	require.NoError(t, err)
	defer ch.Close()
	dev := link.NewDevice("dp0", ch, fastTraining())

	p := link.RetryPolicy{Attempts: 3, Min: 200 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 1}
	require.NoError(t, link.RetryTrain(ctx, dev, p))
	assert.True(t, dev.LinkState().Trained())
}

// brokenListener fails every Accept and records Close.
type brokenListener struct {
	net.Listener
	closed chan struct{}
}

func (l *brokenListener) Accept() (net.Conn, error) {
	return nil, errors.New("too many open files")
}

func (l *brokenListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func TestServeListener_AcceptError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()
	bl := &brokenListener{Listener: ln, closed: make(chan struct{})}

	err = sim.NewSink().ServeListener(context.Background(), bl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accept failed")

	select {
	case <-bl.closed:
	case <-time.After(time.Second):
		t.Fatal("listener was not closed")
	}
}
