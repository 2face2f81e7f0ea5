// Package training drives a DP controller through link training: it starts
// the firmware training sequence and polls training events on a fixed cadence
// until equalization finishes, the channel fails, or the deadline passes.
package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/types"
)

// Reference timings of the controller firmware.
const (
	DefaultTimeout       = 500 * time.Millisecond
	DefaultRetryInterval = 20 * time.Millisecond
)

var (
	// ErrTimedOut means equalization did not finish before the deadline.
	ErrTimedOut = errors.New("link training timed out")
	// ErrTransportFailed means a start or poll command failed.
	ErrTransportFailed = errors.New("link training transport failure")
	// ErrClockRecoveryFailed is joined into a timeout error when the
	// controller reported clock-recovery failure during the attempt.
	ErrClockRecoveryFailed = errors.New("clock recovery failed")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid training config")
)

// State is a training state machine state.
type State int

const (
	Idle State = iota
	Starting
	Polling
	Converged
	ClockRecoveryFailed
	TimedOut
	TransportFailed
	Canceled
)

var stateNames = [...]string{
	Idle:                "idle",
	Starting:            "starting",
	Polling:             "polling",
	Converged:           "converged",
	ClockRecoveryFailed: "clock-recovery-failed",
	TimedOut:            "timed-out",
	TransportFailed:     "transport-failed",
	Canceled:            "canceled",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a training run.
func (s State) Terminal() bool {
	switch s {
	case Converged, TimedOut, TransportFailed, Canceled:
		return true
	}
	return false
}

// Config holds the training timings.
type Config struct {
	// Timeout bounds the polling phase, measured from the training start.
	Timeout time.Duration
	// RetryInterval is the pause before each event poll.
	RetryInterval time.Duration
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout, RetryInterval: DefaultRetryInterval}
}

// Validate checks that both timings are positive and that at least one poll
// fits in the timeout.
func (c Config) Validate() error {
	if c.Timeout <= 0 || c.RetryInterval <= 0 {
		return fmt.Errorf("%w: timeout %v and retry interval %v must be positive", ErrInvalidConfig, c.Timeout, c.RetryInterval)
	}
	if c.RetryInterval > c.Timeout {
		return fmt.Errorf("%w: retry interval %v exceeds timeout %v", ErrInvalidConfig, c.RetryInterval, c.Timeout)
	}
	return nil
}

// MaxPolls is the number of polls that fit in the timeout.
func (c Config) MaxPolls() int {
	if c.RetryInterval <= 0 {
		return 0
	}
	return int(c.Timeout / c.RetryInterval)
}

// Result summarizes one training run.
type Result struct {
	State                 State         `json:"state"`
	Polls                 int           `json:"polls"`
	ClockRecoveryFailures int           `json:"clock_recovery_failures"`
	LastEvent             Event         `json:"-"`
	Elapsed               time.Duration `json:"elapsed"`
}

// Machine runs link training over a channel. A Machine keeps no state
// between runs, so Run may be called again after any failure.
type Machine struct {
	ch     types.Channel
	poller *Poller
	cfg    Config
	clock  Clock
	log    *log.Entry

	state State
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock replaces the wall clock.
func WithClock(c Clock) MachineOption {
	return func(m *Machine) {
		m.clock = c
	}
}

// WithLogger sets the log entry used for progress and warnings.
func WithLogger(e *log.Entry) MachineOption {
	return func(m *Machine) {
		m.log = e
	}
}

// NewMachine returns a training state machine for ch.
func NewMachine(ch types.Channel, cfg Config, opts ...MachineOption) *Machine {
	m := &Machine{
		ch:     ch,
		poller: NewPoller(ch),
		cfg:    cfg,
		clock:  SystemClock{},
		log:    log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

func (m *Machine) transition(to State) {
	m.log.Debugf("training: %s -> %s", m.state, to)
	m.state = to
}

// Run starts training and polls until a terminal state is reached. It
// blocks for at most the configured timeout plus one poll round trip.
// Cancellation of ctx is observed once per poll iteration.
//
// A clock-recovery failure report is logged and counted but does not end
// the run; only equalization completion, a channel failure, cancellation or
// the deadline do.
func (m *Machine) Run(ctx context.Context) (Result, error) {
	if err := m.cfg.Validate(); err != nil {
		return Result{State: Idle}, err
	}

	m.state = Idle
	res := Result{}
	start := m.clock.Now()
	deadline := start.Add(m.cfg.Timeout)
	finish := func(s State, err error) (Result, error) {
		m.transition(s)
		res.State = s
		res.Elapsed = m.clock.Now().Sub(start)
		if err != nil {
			m.log.WithField("state", s.String()).Errorf("link training failed after %d poll(s): %v", res.Polls, err)
		}
		return res, err
	}

	m.transition(Starting)
	msg := []byte{mailbox.TrainingRun}
	if err := m.ch.Send(mailbox.ModuleDPTX, mailbox.OpTrainingControl, msg); err != nil {
		err = mailbox.Wrap("start training", mailbox.ModuleDPTX, mailbox.OpTrainingControl, err)
		return finish(TransportFailed, fmt.Errorf("%w: %w", ErrTransportFailed, err))
	}

	m.transition(Polling)
	for {
		if err := m.clock.Sleep(ctx, m.cfg.RetryInterval); err != nil {
			return finish(Canceled, fmt.Errorf("training canceled after %d poll(s): %w", res.Polls, err))
		}
		if m.clock.Now().After(deadline) {
			break
		}

		ev, err := m.poller.Poll()
		if err != nil {
			return finish(TransportFailed, fmt.Errorf("%w: %w", ErrTransportFailed, err))
		}
		res.Polls++
		res.LastEvent = ev
		m.log.Tracef("training poll %d: %s", res.Polls, ev)

		if ev.ClockRecoveryFailed() {
			res.ClockRecoveryFailures++
			m.transition(ClockRecoveryFailed)
			m.log.Warnf("clock recovery failed (poll %d), still waiting for equalization", res.Polls)
			m.transition(Polling)
		} else if ev.EQPhaseFinished() {
			return finish(Converged, nil)
		}
	}

	err := fmt.Errorf("%w after %d poll(s) in %v", ErrTimedOut, res.Polls, m.cfg.Timeout)
	if res.ClockRecoveryFailures > 0 {
		err = errors.Join(err, fmt.Errorf("%w %d time(s)", ErrClockRecoveryFailed, res.ClockRecoveryFailures))
	}
	return finish(TimedOut, err)
}
