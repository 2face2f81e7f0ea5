// dptx is a command-line tool for driving DisplayPort transmitter link
// training through a DP controller's firmware mailbox. It talks to
// controllers reachable over a TCP mailbox bridge or to a built-in simulated
// sink.
//
// Usage:
//
//	dptx train --addr 10.0.0.5:7100
//	dptx train --device dp0 --retries 3
//	dptx dpcd read 0x202 3 --sim
//	dptx doctor --config /etc/dptx/devices.yaml
//	dptx sim --listen 127.0.0.1:7100
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/dptx/pkg/config"
	"github.com/Nativu5/dptx/pkg/doctor"
	"github.com/Nativu5/dptx/pkg/link"
	"github.com/Nativu5/dptx/pkg/sim"
	"github.com/Nativu5/dptx/pkg/status"
	"github.com/Nativu5/dptx/pkg/training"
	"github.com/Nativu5/dptx/pkg/types"
	"github.com/Nativu5/dptx/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "dptx",
		Short: "DisplayPort transmitter link training tool",
		Long:  "A tool for training DisplayPort links and inspecting DPCD registers through a DP controller mailbox.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newTrainCmd(),
		newDPCDCmd(),
		newDoctorCmd(),
		newStatusCmd(),
		newSimCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  target selection
// ──────────────────────────────────────────────

// targetFlags selects the transmitter(s) a command talks to: one ad-hoc
// mailbox address, the built-in simulated sink, or devices from a config file.
type targetFlags struct {
	configPath    string
	device        string
	addr          string
	sim           bool
	ioTimeout     time.Duration
	timeout       time.Duration
	retryInterval time.Duration
}

func addTargetFlags(cmd *cobra.Command, t *targetFlags) {
	cmd.Flags().StringVar(&t.configPath, "config", config.DefaultPath, "Device configuration file (yaml|json)")
	cmd.Flags().StringVar(&t.device, "device", "", "Device name from the configuration file")
	cmd.Flags().StringVar(&t.addr, "addr", "", "Mailbox endpoint host:port (bypasses the configuration file)")
	cmd.Flags().BoolVar(&t.sim, "sim", false, "Use the built-in simulated sink")
	cmd.Flags().DurationVar(&t.ioTimeout, "io-timeout", 2*time.Second, "Per-message I/O timeout for --addr")
	cmd.Flags().DurationVar(&t.timeout, "timeout", training.DefaultTimeout, "Training timeout")
	cmd.Flags().DurationVar(&t.retryInterval, "retry-interval", training.DefaultRetryInterval, "Interval between training event polls")

	cmd.MarkFlagsMutuallyExclusive("device", "addr", "sim")
}

// deviceConfigs resolves the flags into device configurations. With no
// selector every device in the configuration file is returned.
func (t *targetFlags) deviceConfigs(cmd *cobra.Command) ([]config.DeviceConfig, error) {
	var devices []config.DeviceConfig
	switch {
	case t.addr != "":
		devices = []config.DeviceConfig{{
			Name:      t.addr,
			Transport: config.TransportTCP,
			Address:   t.addr,
			IOTimeout: t.ioTimeout.String(),
		}}
	case t.sim:
		devices = []config.DeviceConfig{{Name: "sim", Transport: config.TransportSim}}
	default:
		cfg, err := config.Load(t.configPath)
		if err != nil {
			return nil, err
		}
		if t.device != "" {
			d, ok := cfg.Find(t.device)
			if !ok {
				return nil, fmt.Errorf("device %q not found in %s", t.device, t.configPath)
			}
			devices = []config.DeviceConfig{d}
		} else {
			devices = cfg.Devices
		}
	}

	// Explicit timing flags override the configuration file.
	for i := range devices {
		if t.addr != "" || t.sim || cmd.Flags().Changed("timeout") {
			devices[i].Timeout = t.timeout.String()
		}
		if t.addr != "" || t.sim || cmd.Flags().Changed("retry-interval") {
			devices[i].RetryInterval = t.retryInterval.String()
		}
	}
	return devices, nil
}

// open builds a registry holding every selected device.
func (t *targetFlags) open(cmd *cobra.Command) (*link.Registry, error) {
	devices, err := t.deviceConfigs(cmd)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("no devices configured")
	}
	return config.BuildRegistry(cmd.Context(), &config.Config{Devices: devices})
}

// openOne opens exactly one device, for commands that address a single sink.
func (t *targetFlags) openOne(cmd *cobra.Command) (*link.Device, io.Closer, error) {
	devices, err := t.deviceConfigs(cmd)
	if err != nil {
		return nil, nil, err
	}
	if len(devices) != 1 {
		return nil, nil, fmt.Errorf("%d devices configured: select one with --device, --addr or --sim", len(devices))
	}
	dev, closer, err := devices[0].Open(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if closer == nil {
		closer = nopCloser{}
	}
	return dev, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ──────────────────────────────────────────────
//  train
// ──────────────────────────────────────────────

// trainResult is one row of train output.
type trainResult struct {
	Device string          `json:"device"`
	OK     bool            `json:"ok"`
	Link   types.LinkState `json:"link"`
	Error  string          `json:"error,omitempty"`
}

func newTrainCmd() *cobra.Command {
	var (
		target  targetFlags
		retries int
		output  string
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run link training and report the negotiated link",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := target.open(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()

			policy := link.DefaultRetryPolicy()
			policy.Attempts = retries

			var results []trainResult
			var errCount int
			for _, dev := range reg.Devices() {
				r := trainResult{Device: dev.Name()}
				if err := link.RetryTrain(cmd.Context(), dev, policy); err != nil {
					r.Error = err.Error()
					errCount++
				} else {
					r.OK = true
				}
				r.Link = dev.LinkState()
				results = append(results, r)
			}

			if err := printTrainResults(cmd.OutOrStdout(), results, output); err != nil {
				return err
			}
			if errCount > 0 {
				return fmt.Errorf("%d device(s) failed to train", errCount)
			}
			return nil
		},
	}

	addTargetFlags(cmd, &target)
	cmd.Flags().IntVar(&retries, "retries", 1, "Total training attempts per device")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

func printTrainResults(w io.Writer, results []trainResult, output string) error {
	if output == "json" {
		if results == nil {
			results = []trainResult{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	table := tablewriter.NewTable(w)
	table.Header("DEVICE", "RESULT", "LINK RATE", "LANES", "ERROR")
	for _, r := range results {
		result, rate, lanes := "FAILED", "-", "-"
		if r.OK {
			result = "TRAINED"
		}
		if r.Link.Trained() {
			rate = r.Link.RateCode.String()
			lanes = strconv.Itoa(int(r.Link.Lanes))
		}
		table.Append(r.Device, result, rate, lanes, r.Error)
	}
	table.Render()
	return nil
}

// ──────────────────────────────────────────────
//  dpcd
// ──────────────────────────────────────────────

func newDPCDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dpcd",
		Short: "Read or write DPCD registers of the attached sink",
	}
	cmd.AddCommand(newDPCDReadCmd(), newDPCDWriteCmd())
	return cmd
}

// dpcdDump is the JSON form of a register read.
type dpcdDump struct {
	Address string `json:"address"`
	Data    []int  `json:"data"`
}

func newDPCDReadCmd() *cobra.Command {
	var (
		target targetFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "read ADDRESS [LENGTH]",
		Short: "Read DPCD registers",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := utils.ParseAddress(args[0])
			if err != nil {
				return err
			}
			n := 1
			if len(args) == 2 {
				if n, err = strconv.Atoi(args[1]); err != nil {
					return fmt.Errorf("invalid length %q: %w", args[1], err)
				}
			}

			dev, closer, err := target.openOne(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			data, err := dev.DPCDRead(addr, n)
			if err != nil {
				return fmt.Errorf("%s: %w", dev.Name(), err)
			}

			if output == "json" {
				dump := dpcdDump{Address: fmt.Sprintf("0x%06x", addr), Data: make([]int, len(data))}
				for i, b := range data {
					dump.Data[i] = int(b)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(dump)
			}
			fmt.Fprint(cmd.OutOrStdout(), utils.FormatHex(addr, data))
			return nil
		},
	}

	addTargetFlags(cmd, &target)
	cmd.Flags().StringVar(&output, "output", "hex", "Output format (hex|json)")

	return cmd
}

func newDPCDWriteCmd() *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:   "write ADDRESS VALUE",
		Short: "Write one DPCD register and verify the echoed address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := utils.ParseAddress(args[0])
			if err != nil {
				return err
			}
			value, err := utils.ParseByte(args[1])
			if err != nil {
				return err
			}

			dev, closer, err := target.openOne(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			if err := dev.DPCDWrite(addr, value); err != nil {
				return fmt.Errorf("%s: %w", dev.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote 0x%02x to 0x%06x\n", value, addr)
			return nil
		},
	}

	addTargetFlags(cmd, &target)

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd() *cobra.Command {
	var (
		target   targetFlags
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run link diagnostics on DP transmitters",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := target.open(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()

			// Run diagnostics on each device and merge
			var reports []*doctor.Report
			for _, dev := range reg.Devices() {
				reports = append(reports, doctor.DiagnoseDevice(cmd.Context(), dev))
			}
			merged := doctor.MergeReports(reports...)

			// Output
			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			if merged.ExitNonZero(strict) {
				return errors.New("diagnostics reported problems")
			}
			return nil
		},
	}

	addTargetFlags(cmd, &target)
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  status
// ──────────────────────────────────────────────

func newStatusCmd() *cobra.Command {
	var (
		target targetFlags
		train  bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sink capabilities and the committed link state",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := target.open(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()

			var statuses []status.DeviceStatus
			for _, dev := range reg.Devices() {
				if train {
					if err := dev.TrainLink(cmd.Context()); err != nil {
						log.Warnf("%v", err)
					}
				}
				statuses = append(statuses, status.Collect(dev))
			}

			switch output {
			case "json":
				return status.PrintJSON(cmd.OutOrStdout(), statuses)
			default:
				status.PrintTable(cmd.OutOrStdout(), statuses)
			}
			return nil
		},
	}

	addTargetFlags(cmd, &target)
	cmd.Flags().BoolVar(&train, "train", false, "Train each link before reporting")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  sim
// ──────────────────────────────────────────────

func newSimCmd() *cobra.Command {
	var (
		listen string
		simCfg config.SimConfig
	)

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Serve a simulated DP controller and sink over TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := config.DeviceConfig{Name: "sim", Transport: config.TransportSim, Sim: &simCfg}
			if err := d.Validate(); err != nil {
				return err
			}
			sink := sim.NewSink(simCfg.SimOptions()...)
			return sink.ListenAndServe(cmd.Context(), listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7100", "Address to listen on")
	cmd.Flags().Uint8Var(&simCfg.Rate, "rate", uint8(types.RateHBR2), "Link-rate code the sink trains to")
	cmd.Flags().Uint8Var(&simCfg.Lanes, "lanes", 4, "Lane count the sink trains to")
	cmd.Flags().IntVar(&simCfg.ConvergeAfter, "converge-after", 0, "Idle polls before equalization finishes")
	cmd.Flags().BoolVar(&simCfg.NeverConverge, "never-converge", false, "Never finish training")

	cmd.MarkFlagsMutuallyExclusive("converge-after", "never-converge")

	return cmd
}

// ──────────────────────────────────────────────
//  config
// ──────────────────────────────────────────────

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the device configuration file",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		path   string
		format string
		addr   string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := &config.Config{Devices: []config.DeviceConfig{
				{Name: "sim0", Transport: config.TransportSim, Sim: &config.SimConfig{ConvergeAfter: 2}},
			}}
			if addr != "" {
				cfg.Devices = append(cfg.Devices, config.DeviceConfig{
					Name:      "dp0",
					Transport: config.TransportTCP,
					Address:   addr,
					Timeout:   training.DefaultTimeout.String(),
					IOTimeout: "2s",
				})
			}
			if err := config.Save(path, cfg, format); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", config.DefaultPath, "Configuration file to write")
	cmd.Flags().StringVar(&format, "format", "yaml", "File format (json|yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "Also add a tcp device at this mailbox address")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dptx %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
