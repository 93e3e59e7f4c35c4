// Package radar drives a TI xWR16xx/18xx mmwave sensor over its two UARTs:
// the config shell (line protocol, `mmwDemo:/>` prompt) and the data stream.
// The client configures the sensor and starts and stops chirping; it never
// parses the TLV data stream — raw samples leave the chip over LVDS to the
// capture card, not over this UART.
package radar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmwave-data/mmwavecap/internal/monitoring"
)

// Prompt is the config shell prompt the demo firmware prints after every
// command completes.
const Prompt = "mmwDemo:/>"

var (
	ErrConnectionFailed = errors.New("radar connection failed")
	ErrCommandRejected  = errors.New("radar rejected command")
	ErrTimeout          = errors.New("radar response timeout")
	ErrConfigFile       = errors.New("invalid radar config file")
	ErrBadState         = errors.New("operation not valid in current radar state")
)

// State tracks the client's position in the sensor lifecycle. Transitions
// are strictly forward except for StopSensor (Sensing back to Configured)
// and command failures (any state to Error).
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateConfigured
	StateSensing
	StateError
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInitialized:   "initialized",
	StateConfigured:    "configured",
	StateSensing:       "sensing",
	StateError:         "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SensorState is the firmware-side state reported by queryDemoStatus.
type SensorState int

const (
	SensorInit    SensorState = 0
	SensorOpened  SensorState = 1
	SensorStarted SensorState = 2
	// SensorStopped means an explicit sensorStop; finishing the configured
	// frame count does not produce this state.
	SensorStopped SensorState = 3
)

var statusQueryRE = regexp.MustCompile(`Sensor State:\s(\d+)\n\rData port baud rate:\s(\d+)`)

const (
	// DefaultTimeout bounds one command/response exchange on the config
	// shell.
	DefaultTimeout = 3 * time.Second
	// commandSettle is the pause after writing a command before forcing the
	// prompt, giving the firmware time to echo at UART speed.
	commandSettle = 10 * time.Millisecond
	// readSlice is the per-Read timeout inside the prompt wait loop, so
	// context cancellation is observed promptly.
	readSlice = 50 * time.Millisecond
)

// Options configures a radar client.
type Options struct {
	// ConfigPort and DataPort are the serial device paths for the two
	// radar UARTs.
	ConfigPort string
	DataPort   string
	// ConfigBaud and DataBaud default to the demo firmware rates.
	ConfigBaud int
	DataBaud   int
	// CaptureFrames overrides the frameCfg frame count from the config
	// file. Zero keeps the file's value.
	CaptureFrames int
	// Timeout bounds each command exchange. Zero means DefaultTimeout.
	Timeout time.Duration
	// Open overrides serial port creation, for tests.
	Open Opener
}

// Client is a control client for one radar sensor.
type Client struct {
	opts     Options
	config   Porter
	data     Porter
	state    State
	commands []string
	geometry FrameGeometry
}

// NewClient creates a client. Open must be called before any command.
func NewClient(opts Options) *Client {
	if opts.ConfigBaud <= 0 {
		opts.ConfigBaud = DefaultConfigBaud
	}
	if opts.DataBaud <= 0 {
		opts.DataBaud = DefaultDataBaud
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Open == nil {
		opts.Open = OpenSerial
	}
	return &Client{opts: opts}
}

// State returns the client-side lifecycle state.
func (c *Client) State() State {
	return c.state
}

// Geometry returns the capture shape parsed by Configure. Zero value before
// Configure succeeds.
func (c *Client) Geometry() FrameGeometry {
	return c.geometry
}

// Open opens both UARTs and flushes the config shell to a known prompt
// state. Valid only from the uninitialized state.
func (c *Client) Open(ctx context.Context) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("%w: open in state %s", ErrBadState, c.state)
	}

	config, err := c.opts.Open(c.opts.ConfigPort, c.opts.ConfigBaud)
	if err != nil {
		return fmt.Errorf("%w: config port %s: %v", ErrConnectionFailed, c.opts.ConfigPort, err)
	}
	data, err := c.opts.Open(c.opts.DataPort, c.opts.DataBaud)
	if err != nil {
		config.Close()
		return fmt.Errorf("%w: data port %s: %v", ErrConnectionFailed, c.opts.DataPort, err)
	}
	c.config, c.data = config, data

	// Drop any boot banner, then sync to the prompt with an empty command.
	c.config.ResetInputBuffer()
	if _, err := c.exchange(ctx, ""); err != nil {
		c.Close()
		return fmt.Errorf("%w: no shell prompt on %s: %v", ErrConnectionFailed, c.opts.ConfigPort, err)
	}

	c.state = StateInitialized
	monitoring.Logf("radar: %s opened", c.opts.ConfigPort)
	return nil
}

// Close closes both UARTs. Idempotent; the client returns to the
// uninitialized state.
func (c *Client) Close() error {
	var errs []error
	if c.config != nil {
		errs = append(errs, c.config.Close())
		c.config = nil
	}
	if c.data != nil {
		errs = append(errs, c.data.Close())
		c.data = nil
	}
	c.state = StateUninitialized
	return errors.Join(errs...)
}

// Configure loads a mmwave SDK config file and replays it into the sensor.
// Comment lines (leading %) and blank lines are skipped, the frameCfg frame
// count is rewritten to Options.CaptureFrames when set, and any sensorStart
// line is held back: starting is StartSensor's job. The capture geometry is
// derived from the same lines before anything is sent, so a malformed file
// never half-configures the sensor.
func (c *Client) Configure(ctx context.Context, path string) error {
	if c.state != StateInitialized && c.state != StateConfigured {
		return fmt.Errorf("%w: configure in state %s", ErrBadState, c.state)
	}

	lines, err := loadConfigFile(path)
	if err != nil {
		return err
	}
	if c.opts.CaptureFrames > 0 {
		if err := rewriteFrameCount(lines, c.opts.CaptureFrames); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	geometry, err := ParseGeometry(lines)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "sensorStart") {
			continue
		}
		if _, err := c.command(ctx, line); err != nil {
			c.state = StateError
			return err
		}
	}

	c.commands = lines
	c.geometry = geometry
	c.state = StateConfigured
	monitoring.Logf("radar: %s configured: %s", c.opts.ConfigPort, geometry)
	return nil
}

// StartSensor begins chirping. The sensor emits the configured frame count
// over LVDS and keeps accepting shell commands while it runs.
func (c *Client) StartSensor(ctx context.Context) error {
	if c.state != StateConfigured {
		return fmt.Errorf("%w: start sensor in state %s", ErrBadState, c.state)
	}
	if _, err := c.command(ctx, "sensorStart"); err != nil {
		c.state = StateError
		return err
	}
	c.state = StateSensing
	return nil
}

// StopSensor stops chirping. Valid while sensing, and also after the sensor
// ran its configured frames out: the firmware acks sensorStop either way.
func (c *Client) StopSensor(ctx context.Context) error {
	if c.state != StateSensing {
		return fmt.Errorf("%w: stop sensor in state %s", ErrBadState, c.state)
	}
	if _, err := c.command(ctx, "sensorStop"); err != nil {
		c.state = StateError
		return err
	}
	c.state = StateConfigured
	return nil
}

// Status queries the firmware for its sensor state and data UART baud rate.
func (c *Client) Status(ctx context.Context) (SensorState, int, error) {
	resp, err := c.command(ctx, "queryDemoStatus")
	if err != nil {
		return 0, 0, err
	}
	m := statusQueryRE.FindStringSubmatch(resp)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: unparseable status response %q", ErrCommandRejected, resp)
	}
	state, _ := strconv.Atoi(m[1])
	baud, _ := strconv.Atoi(m[2])
	return SensorState(state), baud, nil
}

// DumpConfig writes the config lines as sent to the sensor, including the
// frame count rewrite, so the capture directory records the effective setup.
func (c *Client) DumpConfig(path string) error {
	if len(c.commands) == 0 {
		return fmt.Errorf("%w: no config loaded", ErrBadState)
	}
	return os.WriteFile(path, []byte(strings.Join(c.commands, "\n")+"\n"), 0o644)
}

// command sends one config shell line and requires a Done acknowledgement.
func (c *Client) command(ctx context.Context, line string) (string, error) {
	resp, err := c.exchange(ctx, line)
	if err != nil {
		return "", err
	}
	if !strings.Contains(resp, "Done") {
		return "", fmt.Errorf("%w: %q: %s", ErrCommandRejected, line, strings.TrimSpace(resp))
	}
	return resp, nil
}

// exchange writes a line, forces a fresh prompt with an empty follow-up
// command, and reads everything up to that prompt. The prompt is the only
// completion signal the firmware offers.
func (c *Client) exchange(ctx context.Context, line string) (string, error) {
	if c.config == nil {
		return "", fmt.Errorf("%w: serial port not open", ErrConnectionFailed)
	}

	if _, err := c.config.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("%w: write %q: %v", ErrConnectionFailed, line, err)
	}
	time.Sleep(commandSettle)
	if _, err := c.config.Write([]byte("\n")); err != nil {
		return "", fmt.Errorf("%w: write prompt probe: %v", ErrConnectionFailed, err)
	}

	return c.readToPrompt(ctx, line)
}

func (c *Client) readToPrompt(ctx context.Context, line string) (string, error) {
	deadline := time.Now().Add(c.opts.Timeout)
	c.config.SetReadTimeout(readSlice)

	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := c.config.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), Prompt) {
				return responseBody(sb.String(), line), nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("%w: read after %q: %v", ErrConnectionFailed, line, err)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: no prompt within %v after %q", ErrTimeout, c.opts.Timeout, line)
		}
	}
}

// responseBody strips the echoed command and the trailing prompt from a raw
// shell transcript.
func responseBody(raw, line string) string {
	body := raw
	if idx := strings.Index(body, Prompt); idx >= 0 {
		body = body[:idx]
	}
	if line != "" {
		if idx := strings.Index(body, line); idx >= 0 {
			body = body[idx+len(line):]
		}
	}
	return strings.TrimSpace(body)
}

// loadConfigFile reads a mmwave SDK config file, dropping % comments and
// blank lines.
func loadConfigFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFile, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s has no commands", ErrConfigFile, path)
	}
	return lines, nil
}
