package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pasgo/pascli/internal/capture"
	"github.com/pasgo/pascli/internal/config"
	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/registry"
	"github.com/pasgo/pascli/internal/session"
	"github.com/pasgo/pascli/internal/transport"
	"github.com/pasgo/pascli/internal/transport/goble"
)

var (
	errStyle    = color.New(color.FgRed, color.Bold)
	noticeStyle = color.New(color.FgYellow)
	headStyle   = color.New(color.FgBlue, color.Bold, color.Underline)
	boldStyle   = color.New(color.Bold)
)

// shellCommand maps one command word to a handler, with argument counts
// validated before dispatch.
type shellCommand struct {
	name    string
	usage   string
	help    string
	minArgs int
	maxArgs int
	run     func(sh *Shell, args []string) error
}

// Shell is the interactive front-end: a readline loop dispatching to the
// session manager and the capture consumers.
type Shell struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *registry.Registry
	manager  *session.Manager
	rl       *readline.Instance
	commands []*shellCommand
	byName   map[string]*shellCommand
	quit     bool
}

func runShell(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	tr := goble.New(logger)
	reg := registry.New(logger)
	mgr := session.NewManager(tr, reg, logger, cfg.ConnectTimeout)

	sh, err := newShell(cfg, logger, reg, mgr)
	if err != nil {
		return err
	}
	defer sh.Close()

	return sh.Run(cmd.Context())
}

func newShell(cfg *config.Config, logger *logrus.Logger, reg *registry.Registry, mgr *session.Manager) (*Shell, error) {
	sh := &Shell{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		manager:  mgr,
	}
	sh.commands = []*shellCommand{
		{"scan", "scan [duration]", "Scan for nearby sensor devices", 0, 1, (*Shell).cmdScan},
		{"devices", "devices", "List devices seen so far", 0, 0, (*Shell).cmdDevices},
		{"connect", "connect <code>", "Connect by the code printed on the device", 1, 1, (*Shell).cmdConnect},
		{"disconnect", "disconnect [<code>]", "Disconnect a device", 0, 1, (*Shell).cmdDisconnect},
		{"info", "info [<code>]", "Summarize available sensors and measurements", 0, 1, (*Shell).cmdInfo},
		{"stream", "stream <measurement>... [<code>]", "Start streaming measurements", 1, 16, (*Shell).cmdStream},
		{"stop", "stop [<code>]", "Stop streaming", 0, 1, (*Shell).cmdStop},
		{"record", "record <interval> [<code>]", "Record measurements to disk until Enter", 1, 2, (*Shell).cmdRecord},
		{"watch", "watch <measurement> [<code>]", "Watch a measurement live until Enter", 1, 2, (*Shell).cmdWatch},
		{"list", "list", "List active sessions", 0, 0, (*Shell).cmdList},
		{"clear", "clear", "Forget all scanned devices", 0, 0, (*Shell).cmdClear},
		{"help", "help", "Show this help", 0, 0, (*Shell).cmdHelp},
		{"quit", "quit", "Exit the shell", 0, 0, (*Shell).cmdQuit},
	}
	sh.byName = make(map[string]*shellCommand, len(sh.commands))
	for _, c := range sh.commands {
		sh.byName[c.name] = c
	}

	items := make([]readline.PrefixCompleterInterface, 0, len(sh.commands))
	for _, c := range sh.commands {
		items = append(items, readline.PcItem(c.name))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "(disconnected) ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    readline.NewPrefixCompleter(items...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	sh.rl = rl
	return sh, nil
}

// Close releases the terminal.
func (sh *Shell) Close() {
	sh.manager.DisconnectAll()
	_ = sh.rl.Close()
}

// Run starts the interactive command loop.
func (sh *Shell) Run(ctx context.Context) error {
	fmt.Fprintln(sh.rl.Stdout(), "Welcome to the sensor shell. Type help or ? to list commands.")

	for !sh.quit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Sessions that died in the background leave the active set here,
		// so the prompt reflects reality before the next command.
		sh.manager.Reap()
		sh.rl.SetPrompt(sh.prompt())

		line, err := sh.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			// EOF
			break
		}
		sh.dispatch(line)
	}
	return nil
}

// prompt shows the codes of all connected devices, as the prompt of a
// multi-device shell should.
func (sh *Shell) prompt() string {
	var codes []string
	for _, s := range sh.manager.ListActive() {
		if !s.State.Terminal() {
			codes = append(codes, s.Code)
		}
	}
	if len(codes) == 0 {
		return "(disconnected) "
	}
	return "(" + strings.Join(codes, ", ") + ") "
}

// dispatch validates arguments and routes one input line to its handler.
func (sh *Shell) dispatch(line string) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	if name == "?" {
		name = "help"
	}
	if name == "exit" {
		name = "quit"
	}
	args := fields[1:]

	cmd, ok := sh.byName[name]
	if !ok {
		sh.errorf("Unknown command: %s (type 'help' for commands)", name)
		return
	}
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		sh.errorf("Argument error. Expected\n\n  %s", cmd.usage)
		return
	}
	if err := cmd.run(sh, args); err != nil {
		sh.errorf("%s", FormatUserError(err))
	}
}

func (sh *Shell) errorf(format string, args ...interface{}) {
	errStyle.Fprintf(sh.rl.Stdout(), format+"\n", args...)
}

func (sh *Shell) noticef(format string, args ...interface{}) {
	noticeStyle.Fprintf(sh.rl.Stdout(), format+"\n", args...)
}

// splitTrailingCode pops a trailing device-code argument if present.
func splitTrailingCode(args []string) (rest []string, code string) {
	if len(args) > 0 && pasco.ValidCode(args[len(args)-1]) {
		return args[:len(args)-1], args[len(args)-1]
	}
	return args, ""
}

// parseInterval accepts either a Go duration ("500ms") or a number of
// seconds ("0.5"), both of which must be positive.
func parseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %s", s)
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid interval %q: expected a positive duration like 1s or 0.5", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (sh *Shell) cmdScan(args []string) error {
	duration := sh.cfg.ScanTimeout
	if len(args) == 1 {
		d, err := parseInterval(args[0])
		if err != nil {
			return err
		}
		duration = d
	}

	fmt.Fprintf(sh.rl.Stdout(), "Scanning for %s...\n", duration)
	devices, err := sh.manager.Scan(context.Background(), duration)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		sh.errorf("No devices found")
		return nil
	}
	sh.printDeviceTable(devices)
	return nil
}

func (sh *Shell) cmdDevices(_ []string) error {
	devices := sh.registry.List()
	if len(devices) == 0 {
		sh.noticef("No devices seen yet; run scan first")
		return nil
	}
	sh.printDeviceTable(devices)
	return nil
}

func (sh *Shell) printDeviceTable(devices []transport.DeviceAdvertisement) {
	w := tabwriter.NewWriter(sh.rl.Stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tADDRESS\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d dBm\n", d.Code, d.Name, d.Address, d.RSSI)
	}
	_ = w.Flush()
}

func (sh *Shell) cmdConnect(args []string) error {
	s, err := sh.manager.Connect(context.Background(), args[0])
	if err != nil {
		return err
	}
	boldStyle.Fprintf(sh.rl.Stdout(), "Connected to %s (%s)\n", s.Device().Code, s.Device().Name)
	return nil
}

func (sh *Shell) cmdDisconnect(args []string) error {
	code := ""
	if len(args) == 1 {
		code = args[0]
	}
	err := sh.manager.Disconnect(code)
	if errors.Is(err, session.ErrAlreadyDisconnected) {
		sh.noticef("Device already disconnected")
		return nil
	}
	return err
}

func (sh *Shell) cmdInfo(args []string) error {
	_, code := splitTrailingCode(args)
	s, err := sh.manager.Lookup(code)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := s.Info(ctx)
	if err != nil {
		return err
	}

	headStyle.Fprintln(sh.rl.Stdout(), s.Device().Code)
	for _, sensor := range info.Sensors {
		boldStyle.Fprintln(sh.rl.Stdout(), sensor.Name)
		for _, m := range sensor.Measurements {
			fmt.Fprintf(sh.rl.Stdout(), "%s (%s)\n", m.Name, m.Unit)
		}
	}
	return nil
}

func (sh *Shell) cmdStream(args []string) error {
	measurements, code := splitTrailingCode(args)
	if len(measurements) == 0 {
		return fmt.Errorf("no measurements specified")
	}
	s, err := sh.manager.Lookup(code)
	if err != nil {
		return err
	}
	if err := s.StartStream(measurements); err != nil {
		return err
	}
	boldStyle.Fprintf(sh.rl.Stdout(), "Streaming %s from %s\n", strings.Join(measurements, ", "), s.Device().Code)
	return nil
}

func (sh *Shell) cmdStop(args []string) error {
	_, code := splitTrailingCode(args)
	s, err := sh.manager.Lookup(code)
	if err != nil {
		return err
	}
	return s.StopStream()
}

// deviceMeasurements reads the full measurement list from the device's
// sensor table.
func (sh *Shell) deviceMeasurements(s *session.Session) ([]string, map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	var names []string
	units := make(map[string]string)
	for _, sensor := range info.Sensors {
		for _, m := range sensor.Measurements {
			if _, seen := units[m.Name]; !seen {
				names = append(names, m.Name)
				units[m.Name] = m.Unit
			}
		}
	}
	sort.Strings(names)
	return names, units, nil
}

// ensureStreaming makes sure the session streams the wanted measurements,
// starting the stream when the session is merely connected. A nil want
// means everything the device offers.
func (sh *Shell) ensureStreaming(s *session.Session, want []string) error {
	switch s.State() {
	case session.StateStreaming:
		active := s.StreamingMeasurements()
		for _, m := range want {
			found := false
			for _, a := range active {
				if a == m {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("device %s is not streaming %q (active: %s)",
					s.Device().Code, m, strings.Join(active, ", "))
			}
		}
		return nil
	case session.StateConnected:
		if len(want) == 0 {
			all, _, err := sh.deviceMeasurements(s)
			if err != nil {
				return err
			}
			want = all
		}
		return s.StartStream(want)
	default:
		return &session.SessionError{
			Kind: session.InvalidState,
			Msg:  fmt.Sprintf("device %s is %s", s.Device().Code, s.State()),
		}
	}
}

func (sh *Shell) cmdRecord(args []string) error {
	interval, err := parseInterval(args[0])
	if err != nil {
		return err
	}
	_, code := splitTrailingCode(args[1:])
	s, err := sh.manager.Lookup(code)
	if err != nil {
		return err
	}
	if err := sh.ensureStreaming(s, nil); err != nil {
		return err
	}

	sink, err := capture.NewCSVSink(sh.cfg.OutputDir, time.Now())
	if err != nil {
		return err
	}
	rec, err := capture.StartRecorder(s, nil, interval, sink, sh.logger)
	if err != nil {
		_ = sink.Close()
		return err
	}

	sh.noticef("Recording to %s. Press Enter to stop...", sink.Path())
	sh.waitForStop(rec)

	if err := rec.Stop(); err != nil {
		return err
	}
	if rec.Partial() {
		sh.noticef("Capture ended early: device %s went away; saved what was received", s.Device().Code)
	}
	boldStyle.Fprintf(sh.rl.Stdout(), "Saved %d samples to %s\n", sink.Rows(), sink.Path())
	return nil
}

func (sh *Shell) cmdWatch(args []string) error {
	measurement := strings.ToLower(args[0])
	_, code := splitTrailingCode(args[1:])
	s, err := sh.manager.Lookup(code)
	if err != nil {
		return err
	}
	if _, ok := pasco.MeasurementTag(measurement); !ok {
		return fmt.Errorf("unknown measurement %q", measurement)
	}

	_, units, err := sh.deviceMeasurements(s)
	if err != nil {
		return err
	}
	unit, supported := units[measurement]
	if !supported {
		return fmt.Errorf("device %s does not support measurement %q", s.Device().Code, measurement)
	}

	if err := sh.ensureStreaming(s, []string{measurement}); err != nil {
		return err
	}

	sink := newDisplaySink(sh.rl.Stdout(), s.Device().Code, unit)
	w, err := capture.StartWatcher(s, measurement, sh.cfg.WatchInterval, sink, sh.logger)
	if err != nil {
		return err
	}

	sh.noticef("Watching %s. Press Enter to stop...", measurement)
	sh.waitForStop(w)

	if err := w.Stop(); err != nil {
		return err
	}
	if w.Partial() {
		sh.noticef("Watch ended early: device %s went away", s.Device().Code)
	}
	return nil
}

// waitForStop blocks until the user presses Enter (or interrupts), or the
// capture stops on its own because the session died.
func (sh *Shell) waitForStop(c *capture.Capture) {
	lineCh := make(chan struct{})
	go func() {
		_, _ = sh.rl.Readline()
		close(lineCh)
	}()
	select {
	case <-lineCh:
	case <-captureDone(c):
		// Let the pending read finish so the next prompt starts clean.
		fmt.Fprintln(sh.rl.Stdout(), "Capture stopped. Press Enter to continue...")
		<-lineCh
	}
}

func captureDone(c *capture.Capture) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		c.Wait()
		close(ch)
	}()
	return ch
}

func (sh *Shell) cmdList(_ []string) error {
	summaries := sh.manager.ListActive()
	if len(summaries) == 0 {
		sh.noticef("No connected devices")
		return nil
	}
	w := tabwriter.NewWriter(sh.rl.Stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tSTATE\tCONNECTED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n",
			s.Code, s.Name, s.State, time.Since(s.ConnectedAt).Truncate(time.Second))
	}
	return w.Flush()
}

func (sh *Shell) cmdClear(_ []string) error {
	sh.registry.Clear()
	return nil
}

func (sh *Shell) cmdHelp(_ []string) error {
	w := tabwriter.NewWriter(sh.rl.Stdout(), 0, 0, 2, ' ', 0)
	for _, c := range sh.commands {
		fmt.Fprintf(w, "  %s\t%s\n", c.usage, c.help)
	}
	return w.Flush()
}

func (sh *Shell) cmdQuit(_ []string) error {
	sh.quit = true
	fmt.Fprintln(sh.rl.Stdout(), "Exiting...")
	return nil
}

// isInteractive reports whether stdin is a terminal; color output and the
// prompt are pointless when scripted.
func isInteractive() bool {
	return term.IsTerminal(0)
}

func init() {
	if !isInteractive() {
		color.NoColor = true
	}
}
