// Package link ties DPCD access, link training and status resolution to one
// DP transmitter. A Device serializes all traffic on its channel and
// publishes the negotiated link state only after a fully successful
// training sequence.
package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/dptx/pkg/dpcd"
	"github.com/Nativu5/dptx/pkg/training"
	"github.com/Nativu5/dptx/pkg/types"
)

// Device is one DP transmitter reached through a mailbox channel.
type Device struct {
	name string
	ch   types.Channel
	dpcd *dpcd.Accessor

	cfg   training.Config
	clock training.Clock
	log   *log.Entry

	// mu serializes channel traffic: the mailbox allows one request in flight.
	mu    sync.Mutex
	state atomic.Pointer[types.LinkState]
}

// Option configures a Device.
type Option func(*Device)

// WithTrainingConfig overrides the training timings.
func WithTrainingConfig(cfg training.Config) Option {
	return func(d *Device) {
		d.cfg = cfg
	}
}

// WithClock replaces the wall clock used by training.
func WithClock(c training.Clock) Option {
	return func(d *Device) {
		d.clock = c
	}
}

// WithLogger sets the base log entry; the device name is added to it.
func WithLogger(e *log.Entry) Option {
	return func(d *Device) {
		d.log = e
	}
}

// NewDevice returns a Device that talks over ch.
func NewDevice(name string, ch types.Channel, opts ...Option) *Device {
	d := &Device{
		name:  name,
		ch:    ch,
		dpcd:  dpcd.New(ch),
		cfg:   training.DefaultConfig(),
		clock: training.SystemClock{},
		log:   log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithField("device", name)
	d.state.Store(&types.LinkState{})
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// TrainingConfig returns the training timings in use.
func (d *Device) TrainingConfig() training.Config { return d.cfg }

// LinkState returns the last committed link state. It never blocks on a
// training run in progress.
func (d *Device) LinkState() types.LinkState {
	return *d.state.Load()
}

// DPCDRead reads n bytes of DPCD starting at addr.
func (d *Device) DPCDRead(addr uint32, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dpcd.Read(addr, n)
}

// DPCDWrite writes one DPCD register and verifies the echoed address.
func (d *Device) DPCDWrite(addr uint32, value byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dpcd.Write(addr, value)
}

// ReadCaps reads the sink's receiver capabilities.
func (d *Device) ReadCaps() (dpcd.Caps, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dpcd.ReadCaps()
}

// ReadLinkStatus reads the sink's per-lane training status.
func (d *Device) ReadLinkStatus(lanes uint8) (dpcd.LinkStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dpcd.ReadLinkStatus(lanes)
}

// Attempt describes one training attempt.
type Attempt struct {
	ID     uuid.UUID       `json:"id"`
	Result training.Result `json:"result"`
	// Status is set only when training converged and the status read succeeded.
	Status *Status `json:"status,omitempty"`
}

// Train runs link training and, on convergence, reads the negotiated link
// parameters and commits them. The returned Attempt is non-nil even on
// failure. On any failure the previously committed link state is kept.
func (d *Device) Train(ctx context.Context) (*Attempt, error) {
	a := &Attempt{ID: uuid.New()}
	logger := d.log.WithField("attempt", a.ID.String())

	d.mu.Lock()
	defer d.mu.Unlock()

	m := training.NewMachine(d.ch, d.cfg, training.WithClock(d.clock), training.WithLogger(logger))
	res, err := m.Run(ctx)
	a.Result = res
	if err != nil {
		return a, fmt.Errorf("%s: %w", d.name, err)
	}

	st, err := Resolve(d.ch)
	if err != nil {
		logger.Errorf("failed to get training status: %v", err)
		return a, fmt.Errorf("%s: %w", d.name, err)
	}
	a.Status = &st

	ls := st.LinkState()
	d.state.Store(&ls)
	logger.WithFields(log.Fields{
		"rate":  st.RateCode.String(),
		"lanes": st.Lanes,
		"polls": res.Polls,
	}).Info("link trained")
	return a, nil
}

// TrainLink trains the link and updates LinkState on success.
func (d *Device) TrainLink(ctx context.Context) error {
	_, err := d.Train(ctx)
	return err
}
