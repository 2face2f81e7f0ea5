package link

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrRegistryClosed is returned when registering after Close.
var ErrRegistryClosed = errors.New("registry closed")

type entry struct {
	dev    *Device
	closer io.Closer
}

// Registry holds the devices a process manages. It is created at startup
// and released with Close at shutdown; there is no package-level registry.
type Registry struct {
	mu      sync.Mutex
	devices map[string]entry
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]entry)}
}

// Register adds dev under its name. closer, if non-nil, releases the
// device's transport and is called by Close.
func (r *Registry) Register(dev *Device, closer io.Closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.devices[dev.Name()]; ok {
		return fmt.Errorf("device %q already registered", dev.Name())
	}
	r.devices[dev.Name()] = entry{dev: dev, closer: closer}
	log.Debugf("registered device %q", dev.Name())
	return nil
}

// Get returns the device registered under name.
func (r *Registry) Get(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[name]
	return e.dev, ok
}

// Names returns the registered device names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Devices returns the registered devices sorted by name.
func (r *Registry) Devices() []*Device {
	names := r.Names()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(names))
	for _, n := range names {
		if e, ok := r.devices[n]; ok {
			out = append(out, e.dev)
		}
	}
	return out
}

// Close releases every device transport. Further registrations fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, e := range r.devices {
		if e.closer == nil {
			continue
		}
		if err := e.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	r.devices = make(map[string]entry)
	return errors.Join(errs...)
}
