// Package shell provides the interactive command line for inspecting and
// switching managed ePDUs.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"pdulink/logging"
	"pdulink/pduman"
	"pdulink/snmp"
)

// Shell runs commands against a device manager.
type Shell struct {
	manager  *pduman.Manager
	out      io.Writer
	rl       *readline.Instance
	readOnly bool
	source   string
}

// Option configures a Shell.
type Option func(*Shell)

// ReadOnly refuses outlet commands.
func ReadOnly() Option {
	return func(s *Shell) { s.readOnly = true }
}

// WithSource sets the command source recorded on outlet commands.
func WithSource(source string) Option {
	return func(s *Shell) { s.source = source }
}

// Terminal is a remote terminal, such as an SSH session channel, that the
// shell can run on instead of the process's own stdin and stdout.
type Terminal interface {
	io.ReadWriteCloser
	Width() int
	NotifyResize(func())
}

// New creates a shell reading from the terminal.
func New(manager *pduman.Manager, opts ...Option) (*Shell, error) {
	s := newShell(manager, opts)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pdulink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    s.completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s.rl = rl
	s.out = rl.Stdout()
	return s, nil
}

// NewRemote creates a shell on a remote terminal. The terminal is already
// in raw mode on the client side, so no local tty is touched.
func NewRemote(manager *pduman.Manager, term Terminal, opts ...Option) (*Shell, error) {
	s := newShell(manager, opts)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "pdulink> ",
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		AutoComplete:        s.completer(),
		Stdin:               term,
		Stdout:              term,
		Stderr:              term,
		FuncIsTerminal:      func() bool { return true },
		FuncMakeRaw:         func() error { return nil },
		FuncExitRaw:         func() error { return nil },
		FuncGetWidth:        term.Width,
		FuncOnWidthChanged:  term.NotifyResize,
		ForceUseInteractive: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s.rl = rl
	s.out = rl.Stdout()
	return s, nil
}

// newWithWriter creates a shell without a terminal; Execute writes to out.
func newWithWriter(manager *pduman.Manager, out io.Writer, opts ...Option) *Shell {
	s := newShell(manager, opts)
	s.out = out
	return s
}

func newShell(manager *pduman.Manager, opts []Option) *Shell {
	s := &Shell{manager: manager, source: "shell"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stdout returns a writer that does not clobber the prompt.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

func (s *Shell) completer() *readline.PrefixCompleter {
	devices := readline.PcItemDynamic(func(string) []string {
		var names []string
		for _, d := range s.manager.ListDevices() {
			names = append(names, d.Name())
		}
		return names
	})
	return readline.NewPrefixCompleter(
		readline.PcItem("devices"),
		readline.PcItem("refresh", devices),
		readline.PcItem("units", devices),
		readline.PcItem("get", devices),
		readline.PcItem("readings", devices),
		readline.PcItem("outlets", devices),
		readline.PcItem("outlet", devices),
		readline.PcItem("state", devices),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Run reads commands until quit, EOF or ctx is done. cancel is called when
// the user exits.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if s.Execute(line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the shell should exit.
func (s *Shell) Execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	logging.DebugLog("shell", "command: %s", strings.Join(parts, " "))

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "devices", "ls":
		s.cmdDevices()
	case "refresh":
		s.withDevice(args, 1, "refresh <device>", s.cmdRefresh)
	case "units":
		s.withDevice(args, 1, "units <device>", s.cmdUnits)
	case "get":
		s.withDevice(args, 2, "get <device> <oid> [default]", s.cmdGet)
	case "readings":
		s.withDevice(args, 1, "readings <device>", s.cmdReadings)
	case "outlets":
		s.withDevice(args, 1, "outlets <device>", s.cmdOutlets)
	case "outlet":
		s.withDevice(args, 4, "outlet <device> <unit> <n> on|off", s.cmdOutlet)
	case "state", "status":
		s.withDevice(args, 1, "state <device>", s.cmdState)
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
pdulink commands:
  devices                          - List devices and their state
  state <device>                   - Show health and last error
  refresh <device>                 - Refresh now
  units <device>                   - Show unit identity and topology
  get <device> <oid> [default]     - Read one snapshot value
  readings <device>                - Show derived readings
  outlets <device>                 - Show outlet switch states
  outlet <device> <unit> <n> on|off - Switch an outlet
  help                             - Show this help
  quit                             - Exit`)
}

// withDevice checks the argument count, resolves args[0] and runs fn.
func (s *Shell) withDevice(args []string, n int, usage string, fn func(*pduman.Device, []string)) {
	if len(args) < n {
		fmt.Fprintf(s.out, "Usage: %s\n", usage)
		return
	}
	dev := s.manager.GetDevice(args[0])
	if dev == nil {
		fmt.Fprintf(s.out, "Unknown device: %s\n", args[0])
		return
	}
	fn(dev, args[1:])
}

func (s *Shell) cmdDevices() {
	devices := s.manager.ListDevices()
	if len(devices) == 0 {
		fmt.Fprintln(s.out, "No devices configured.")
		return
	}
	fmt.Fprintf(s.out, "%-16s %-22s %-14s %6s  %s\n", "NAME", "HOST", "STATE", "GEN", "MODE")
	for _, d := range devices {
		mode := "rw"
		if d.ReadOnly() {
			mode = "ro"
		}
		host := fmt.Sprintf("%s:%d", d.Config.Host, d.Config.Port)
		fmt.Fprintf(s.out, "%-16s %-22s %-14s %6d  %s\n",
			d.Name(), host, d.State(), d.Coordinator.Snapshot().Generation(), mode)
	}
}

func (s *Shell) cmdState(dev *pduman.Device, _ []string) {
	h := dev.Health()
	fmt.Fprintf(s.out, "Device:     %s\n", h.Device)
	fmt.Fprintf(s.out, "State:      %s\n", h.State)
	fmt.Fprintf(s.out, "Online:     %v\n", h.Online)
	fmt.Fprintf(s.out, "Generation: %d\n", h.Generation)
	if !h.LastUpdate.IsZero() {
		fmt.Fprintf(s.out, "Updated:    %s (%s ago)\n", h.LastUpdate.Format(time.RFC3339), time.Since(h.LastUpdate).Round(time.Second))
	}
	fmt.Fprintf(s.out, "Read-only:  %v\n", h.ReadOnly)
	if h.Error != "" {
		fmt.Fprintf(s.out, "Error:      %s\n", h.Error)
	}
	if cmd := dev.LastCommand(); cmd != nil {
		fmt.Fprintf(s.out, "Last command: %s/%s %s success=%v (%s)\n",
			cmd.Unit, cmd.Outlet, onOff(cmd.On), cmd.Success, cmd.Issued.Format(time.RFC3339))
	}
}

func (s *Shell) cmdRefresh(dev *pduman.Device, _ []string) {
	start := time.Now()
	snap, err := s.manager.Refresh(dev.Name())
	if err != nil {
		fmt.Fprintf(s.out, "Refresh failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Refreshed %s: generation %d, %d values, units %v in %s\n",
		dev.Name(), snap.Generation(), snap.Len(), snap.Units(), time.Since(start).Round(time.Millisecond))
}

func (s *Shell) cmdUnits(dev *pduman.Device, _ []string) {
	units := dev.Units()
	if len(units) == 0 {
		fmt.Fprintln(s.out, "No units discovered yet.")
		return
	}
	for _, u := range units {
		fmt.Fprintf(s.out, "Unit %s: %s\n", u.Unit, u.Name)
		fmt.Fprintf(s.out, "  Model:    %s\n", u.Model)
		fmt.Fprintf(s.out, "  Serial:   %s\n", u.Serial)
		fmt.Fprintf(s.out, "  Firmware: %s\n", u.Firmware)
		fmt.Fprintf(s.out, "  Inputs:   %d  Outlets: %d\n", u.Inputs, u.Outlets)
	}
}

func (s *Shell) cmdGet(dev *pduman.Device, args []string) {
	oid := args[0]
	snap := dev.Coordinator.Snapshot()
	if v, ok := snap.Lookup(oid); ok {
		fmt.Fprintf(s.out, "%s = %s\n", oid, v)
		return
	}
	if len(args) > 1 {
		fmt.Fprintf(s.out, "%s = %s (default)\n", oid, snmp.Text(strings.Join(args[1:], " ")))
		return
	}
	fmt.Fprintf(s.out, "%s: not in snapshot\n", oid)
}

func (s *Shell) cmdReadings(dev *pduman.Device, _ []string) {
	readings := dev.Readings()
	if len(readings) == 0 {
		fmt.Fprintln(s.out, "No readings yet.")
		return
	}
	for _, r := range readings {
		if !r.Enabled {
			continue
		}
		fmt.Fprintf(s.out, "%-36s %12.*f %s\n", r.Name, r.Precision, r.Value, r.UoM)
	}
}

func (s *Shell) cmdOutlets(dev *pduman.Device, _ []string) {
	switches := dev.Switches()
	if len(switches) == 0 {
		fmt.Fprintln(s.out, "No outlets reported.")
		return
	}
	for _, sw := range switches {
		fmt.Fprintf(s.out, "%s/%-3d %-20s %s\n", sw.Unit, sw.Outlet, sw.Name, onOff(sw.On))
	}
}

func (s *Shell) cmdOutlet(dev *pduman.Device, args []string) {
	if s.readOnly {
		fmt.Fprintln(s.out, "Permission denied: outlet commands need the admin role")
		return
	}
	var on bool
	switch strings.ToLower(args[2]) {
	case "on", "1", "true":
		on = true
	case "off", "0", "false":
	default:
		fmt.Fprintf(s.out, "Invalid state: %s (use on or off)\n", args[2])
		return
	}

	cmd, err := s.manager.SetOutlet(dev.Name(), args[0], args[1], on, pduman.FromSource(s.source))
	switch {
	case errors.Is(err, pduman.ErrReadOnly):
		fmt.Fprintf(s.out, "%s is read-only\n", dev.Name())
	case err != nil:
		fmt.Fprintf(s.out, "Outlet %s/%s %s failed: %v\n", args[0], args[1], onOff(on), err)
	default:
		fmt.Fprintf(s.out, "Outlet %s/%s %s (command %s, %s)\n",
			args[0], args[1], onOff(on), cmd.ID, cmd.Duration.Round(time.Millisecond))
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
