// Package dca1000 is a control client for the DCA1000EVM capture card. It
// speaks the card's UDP command/response protocol on the configuration port;
// the raw data port is never read here — data packets flow to an external
// packet capture and are decoded offline.
package dca1000

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mmwave-data/mmwavecap/internal/dca1000/wire"
	"github.com/mmwave-data/mmwavecap/internal/monitoring"
)

// Error taxonomy for the card protocol. ErrNoLvdsData is a liveness failure
// detected by AwaitDataFlow, not a protocol error: the card answered every
// command but the radar never produced data.
var (
	ErrConnectionFailed = errors.New("capture card connection failed")
	ErrProtocolTimeout  = errors.New("capture card response timeout")
	ErrCommandRejected  = errors.New("capture card rejected command")
	ErrConfigRejected   = errors.New("capture card rejected configuration")
	ErrNoLvdsData       = errors.New("no LVDS data received from radar")
	ErrNotConnected     = errors.New("capture card client is not connected")
)

const (
	// DefaultTimeout bounds one command/response exchange.
	DefaultTimeout = 3 * time.Second
	// DefaultLivenessWindow is how long AwaitDataFlow waits for the first
	// data bytes after StartRecord before declaring the capture dead.
	DefaultLivenessWindow = 10 * time.Second
	// defaultPollInterval spaces status polls inside AwaitDataFlow.
	defaultPollInterval = 250 * time.Millisecond

	responseBufferSize = 2048
)

// Options tunes the client's request/response behaviour.
type Options struct {
	// Timeout bounds each command/response exchange. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// Retries is how many times a timed-out request is resent before
	// ErrProtocolTimeout surfaces. Zero retries (the default) fails fast.
	Retries int
	// PollInterval spaces the status polls in AwaitDataFlow. Zero means
	// defaultPollInterval.
	PollInterval time.Duration
	// Conn overrides the UDP socket, for tests. When nil, Connect opens a
	// socket bound to the host IP and config port from Config.
	Conn net.PacketConn
}

// Client drives one capture card. All methods issue at most one outstanding
// request; callers own the sequencing. The client owns its socket for the
// session lifetime — it is never shared across units.
type Client struct {
	cfg      Config
	opts     Options
	conn     net.PacketConn
	cardAddr net.Addr
}

// NewClient creates a client for the card described by cfg. Connect must be
// called before any command.
func NewClient(cfg Config, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Client{cfg: cfg, opts: opts}
}

// Config returns the card configuration the client was built with.
func (c *Client) Config() Config {
	return c.cfg
}

// Connect binds the UDP association and verifies the card answers a
// system-aliveness query. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.cfg.CardIP, fmt.Sprint(c.cfg.ConfigPort)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	c.cardAddr = addr

	if c.opts.Conn != nil {
		c.conn = c.opts.Conn
	} else {
		local := net.JoinHostPort(c.cfg.HostIP, fmt.Sprint(c.cfg.ConfigPort))
		conn, err := net.ListenPacket("udp", local)
		if err != nil {
			return fmt.Errorf("%w: bind %s: %v", ErrConnectionFailed, local, err)
		}
		c.conn = conn
	}

	if _, err := c.request(ctx, wire.CmdSystemAliveness, nil); err != nil {
		c.Disconnect()
		return fmt.Errorf("%w: aliveness check: %v", ErrConnectionFailed, err)
	}
	monitoring.Logf("dca1000: connected to %s", c.cardAddr)
	return nil
}

// Disconnect releases the UDP association. Idempotent.
func (c *Client) Disconnect() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
}

// request performs one command exchange: encode, send, await a response
// frame carrying the same command code. Responses for other commands (stale
// retransmits) are discarded. Timeouts are retried per Options.Retries.
func (c *Client) request(ctx context.Context, cmd wire.Command, payload []byte) (*wire.Frame, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	req := (&wire.Frame{Command: cmd, Payload: payload}).Encode()
	buf := make([]byte, responseBufferSize)

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := c.conn.WriteTo(req, c.cardAddr); err != nil {
			return nil, fmt.Errorf("send %s: %w", cmd, err)
		}

		deadline := time.Now().Add(c.opts.Timeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		c.conn.SetReadDeadline(deadline)

		for {
			n, _, err := c.conn.ReadFrom(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					lastErr = err
					break // next attempt
				}
				return nil, fmt.Errorf("receive %s: %w", cmd, err)
			}

			frame, err := wire.DecodeFrame(buf[:n])
			if err != nil {
				return nil, fmt.Errorf("%s response: %w", cmd, err)
			}
			if frame.Command != cmd {
				monitoring.Logf("dca1000: discarding stale %s response while awaiting %s", frame.Command, cmd)
				continue
			}
			// Copy the payload out of the shared read buffer.
			frame.Payload = append([]byte(nil), frame.Payload...)
			return frame, nil
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempt(s): %v", ErrProtocolTimeout, cmd, c.opts.Retries+1, lastErr)
}

// command runs a fire-and-confirm exchange and checks the ACK status.
func (c *Client) command(ctx context.Context, cmd wire.Command, payload []byte, rejection error) error {
	frame, err := c.request(ctx, cmd, payload)
	if err != nil {
		return err
	}
	if frame.Status != wire.StatusSuccess {
		return fmt.Errorf("%w: %s returned status 0x%04X", rejection, cmd, frame.Status)
	}
	return nil
}

// ResetFPGA resets the capture card FPGA.
func (c *Client) ResetFPGA(ctx context.Context) error {
	return c.command(ctx, wire.CmdResetFPGA, nil, ErrCommandRejected)
}

// ResetRadar pulses the radar reset line routed through the card.
func (c *Client) ResetRadar(ctx context.Context) error {
	return c.command(ctx, wire.CmdResetRadar, nil, ErrCommandRejected)
}

// ConfigFPGA pushes the data path configuration (logging, LVDS lanes,
// transfer, capture and format modes) to the FPGA.
func (c *Client) ConfigFPGA(ctx context.Context) error {
	return c.command(ctx, wire.CmdConfigFPGA, c.cfg.fpgaPayload(), ErrConfigRejected)
}

// ConfigEEPROM persists the ethernet addressing into the card's EEPROM.
func (c *Client) ConfigEEPROM(ctx context.Context) error {
	payload, err := c.cfg.eepromPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigRejected, err)
	}
	return c.command(ctx, wire.CmdConfigEEPROM, payload, ErrConfigRejected)
}

// ConfigPacketDelay sets the inter-packet gap on the data port.
func (c *Client) ConfigPacketDelay(ctx context.Context) error {
	return c.command(ctx, wire.CmdConfigPacketDelay, c.cfg.packetDelayPayload(), ErrConfigRejected)
}

// StartRecord begins data emission on the data port. Callers must follow up
// with AwaitDataFlow: the card acks StartRecord even when the radar is not
// producing LVDS traffic.
func (c *Client) StartRecord(ctx context.Context) error {
	return c.command(ctx, wire.CmdStartRecord, nil, ErrCommandRejected)
}

// StopRecord ends data emission. Safe to call when recording never started.
func (c *Client) StopRecord(ctx context.Context) error {
	return c.command(ctx, wire.CmdStopRecord, nil, ErrCommandRejected)
}

// ReadFPGAVersion queries the FPGA firmware revision. Pure query, no side
// effect; the version bit field rides in the response status word.
func (c *Client) ReadFPGAVersion(ctx context.Context) (wire.FPGAVersion, error) {
	frame, err := c.request(ctx, wire.CmdReadFPGAVersion, nil)
	if err != nil {
		return wire.FPGAVersion{}, err
	}
	return wire.DecodeFPGAVersion(frame.Status), nil
}

// ReadSystemStatus polls the card's fault flag set. Pure query; used for
// health polling during capture and for end-of-capture diagnostics.
func (c *Client) ReadSystemStatus(ctx context.Context) (wire.SystemStatus, error) {
	frame, err := c.request(ctx, wire.CmdSystemStatus, nil)
	if err != nil {
		return 0, err
	}
	return wire.SystemStatus(frame.Status), nil
}

// AwaitDataFlow blocks until observe reports inbound payload bytes, or the
// no-data window elapses, or ctx is cancelled. It is the hard liveness check
// required after StartRecord: the window elapsing — or the card raising its
// no-LVDS-data fault — fails the capture attempt with ErrNoLvdsData.
//
// observe returns the cumulative payload bytes seen on the data path (for a
// live rig, the growth of the capture file). Status polls that themselves
// fail are logged and tolerated: the firmware's status query is unreliable
// while the data path is idle, and the window bound still applies.
func (c *Client) AwaitDataFlow(ctx context.Context, window time.Duration, observe func() (uint64, error)) error {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	deadline := time.Now().Add(window)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := observe()
			if err != nil {
				monitoring.Logf("dca1000: data flow observer: %v", err)
			} else if n > 0 {
				monitoring.Logf("dca1000: data flow confirmed after %v (%d bytes)",
					window-time.Until(deadline).Round(time.Millisecond), n)
				return nil
			}

			status, err := c.ReadSystemStatus(ctx)
			if err != nil {
				monitoring.Logf("dca1000: status poll: %v", err)
			} else {
				if status.Has(wire.StatusNoLvdsData) {
					return fmt.Errorf("%w: card reports %s", ErrNoLvdsData, status)
				}
				if status.Has(wire.StatusRecCompleted) {
					return nil
				}
			}

			if time.Now().After(deadline) {
				return fmt.Errorf("%w: no data within %v", ErrNoLvdsData, window)
			}
		}
	}
}
