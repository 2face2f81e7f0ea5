// Package config loads and writes dptx device configuration files and turns
// each configured device into a link.Device with the right channel
// implementation. Files may be YAML or JSON.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/dptx/pkg/link"
	"github.com/Nativu5/dptx/pkg/mailbox"
	"github.com/Nativu5/dptx/pkg/sim"
	"github.com/Nativu5/dptx/pkg/training"
	"github.com/Nativu5/dptx/pkg/types"
)

// Transport kinds.
const (
	TransportTCP = "tcp"
	TransportSim = "sim"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "/etc/dptx/devices.yaml"

// SimConfig describes the simulated sink behind a "sim" device.
type SimConfig struct {
	// Rate is the link-rate code the sink trains to (e.g. 20 for HBR2).
	Rate uint8 `json:"rate,omitempty"`
	// Lanes is the lane count the sink trains to.
	Lanes uint8 `json:"lanes,omitempty"`
	// ConvergeAfter is the number of idle polls before equalization finishes.
	ConvergeAfter int `json:"convergeAfter,omitempty"`
	// NeverConverge makes every training attempt time out.
	NeverConverge bool `json:"neverConverge,omitempty"`
}

// DeviceConfig describes one DP transmitter.
type DeviceConfig struct {
	Name string `json:"name"`
	// Transport selects the channel implementation: "tcp" or "sim".
	Transport string `json:"transport"`
	// Address is the mailbox endpoint (host:port) for tcp devices.
	Address string `json:"address,omitempty"`
	// Timeout and RetryInterval are Go durations ("500ms").
	Timeout       string `json:"timeout,omitempty"`
	RetryInterval string `json:"retryInterval,omitempty"`
	// IOTimeout bounds each mailbox read or write on tcp devices.
	IOTimeout string     `json:"ioTimeout,omitempty"`
	Sim       *SimConfig `json:"sim,omitempty"`
}

// Config is the top-level configuration file.
type Config struct {
	Devices []DeviceConfig `json:"devices"`
}

// Load reads a YAML or JSON config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	log.Debugf("loaded %d device(s) from %s", len(cfg.Devices), path)
	return &cfg, nil
}

// Save writes cfg to path in the given format ("json" or "yaml").
func Save(path string, cfg *Config, format string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid config: %w", err)
	}
	data, err := marshal(cfg, format)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write config %s: %w", path, err)
	}
	log.Infof("config written to %s", path)
	return nil
}

func marshal(cfg *Config, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(cfg, "", "  ")
	case "yaml":
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}

// Validate checks every device entry and rejects duplicate names.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Find returns the device named name.
func (c *Config) Find(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// Validate checks one device entry.
func (d DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	switch d.Transport {
	case TransportTCP:
		if d.Address == "" {
			return fmt.Errorf("%s: tcp transport requires an address", d.Name)
		}
	case TransportSim:
	default:
		return fmt.Errorf("%s: unknown transport %q (want %s or %s)", d.Name, d.Transport, TransportTCP, TransportSim)
	}
	if _, err := d.TrainingConfig(); err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	if _, err := parseDuration(d.IOTimeout, 0); err != nil {
		return fmt.Errorf("%s: ioTimeout: %w", d.Name, err)
	}
	if d.Sim != nil && d.Sim.Rate != 0 && !types.LinkRate(d.Sim.Rate).Known() {
		return fmt.Errorf("%s: sim rate 0x%02x is not a standard link rate", d.Name, d.Sim.Rate)
	}
	if d.Sim != nil && d.Sim.Lanes != 0 && !types.ValidLaneCount(d.Sim.Lanes) {
		return fmt.Errorf("%s: sim lanes %d is not 1, 2 or 4", d.Name, d.Sim.Lanes)
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// TrainingConfig returns the training timings, defaulting unset fields.
func (d DeviceConfig) TrainingConfig() (training.Config, error) {
	timeout, err := parseDuration(d.Timeout, training.DefaultTimeout)
	if err != nil {
		return training.Config{}, fmt.Errorf("timeout: %w", err)
	}
	interval, err := parseDuration(d.RetryInterval, training.DefaultRetryInterval)
	if err != nil {
		return training.Config{}, fmt.Errorf("retryInterval: %w", err)
	}
	cfg := training.Config{Timeout: timeout, RetryInterval: interval}
	return cfg, cfg.Validate()
}

// SimOptions translates the sim section into sink options.
func (s *SimConfig) SimOptions() []sim.Option {
	if s == nil {
		return nil
	}
	var opts []sim.Option
	if s.Rate != 0 || s.Lanes != 0 {
		rate, lanes := types.RateHBR2, uint8(4)
		if s.Rate != 0 {
			rate = types.LinkRate(s.Rate)
		}
		if s.Lanes != 0 {
			lanes = s.Lanes
		}
		opts = append(opts, sim.WithLink(rate, lanes))
	}
	switch {
	case s.NeverConverge:
		opts = append(opts, sim.WithNeverConverge())
	case s.ConvergeAfter > 0:
		opts = append(opts, sim.WithConvergeAfter(s.ConvergeAfter))
	}
	return opts
}

// Open builds the device's channel and returns the device together with a
// closer for the channel.
func (d DeviceConfig) Open(ctx context.Context, opts ...link.Option) (*link.Device, io.Closer, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	tcfg, _ := d.TrainingConfig()
	opts = append([]link.Option{link.WithTrainingConfig(tcfg)}, opts...)

	switch d.Transport {
	case TransportTCP:
		ioTimeout, _ := parseDuration(d.IOTimeout, 0)
		stream, err := mailbox.DialRedialer(ctx, d.Address, ioTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", d.Name, err)
		}
		return link.NewDevice(d.Name, stream, opts...), stream, nil
	default:
		sink := sim.NewSink(d.Sim.SimOptions()...)
		return link.NewDevice(d.Name, sink, opts...), nil, nil
	}
}

// BuildRegistry opens every configured device and registers it. On error
// the devices opened so far are closed.
func BuildRegistry(ctx context.Context, cfg *Config, opts ...link.Option) (*link.Registry, error) {
	reg := link.NewRegistry()
	for _, dc := range cfg.Devices {
		dev, closer, err := dc.Open(ctx, opts...)
		if err != nil {
			reg.Close()
			return nil, err
		}
		if err := reg.Register(dev, closer); err != nil {
			if closer != nil {
				closer.Close()
			}
			reg.Close()
			return nil, err
		}
	}
	return reg, nil
}
