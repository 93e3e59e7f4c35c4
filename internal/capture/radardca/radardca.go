// Package radardca implements the capture unit for a TI mmwave radar paired
// with a DCA1000EVM capture card. The radar is driven over its two UARTs, the
// card over its UDP control protocol, and the raw data stream is recorded
// off the wire by tcpdump into the unit's pcap file.
package radardca

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/mmwave-data/mmwavecap/internal/dca1000"
	"github.com/mmwave-data/mmwavecap/internal/dca1000/wire"
	"github.com/mmwave-data/mmwavecap/internal/fsutil"
	"github.com/mmwave-data/mmwavecap/internal/monitoring"
	"github.com/mmwave-data/mmwavecap/internal/radar"
	"github.com/mmwave-data/mmwavecap/internal/timeutil"
)

// Artifact names inside the unit's session directory.
const (
	DataFilename        = "dca.pcap"
	RadarConfigFilename = "radar.cfg"
	CardConfigFilename  = "dca.json"
)

// completionMargin pads the nominal frame schedule before a bounded capture
// is declared done, covering UART latency and the card's trailing packets.
const completionMargin = 2 * time.Second

// pcapFileHeaderSize is what tcpdump writes before any packet arrives; a
// capture file at or below this size carries no data yet.
const pcapFileHeaderSize = 24

// CardClient is the DCA1000 control surface the unit drives. Satisfied by
// *dca1000.Client.
type CardClient interface {
	Connect(ctx context.Context) error
	Disconnect()
	ReadFPGAVersion(ctx context.Context) (wire.FPGAVersion, error)
	ResetRadar(ctx context.Context) error
	ResetFPGA(ctx context.Context) error
	ConfigFPGA(ctx context.Context) error
	ConfigPacketDelay(ctx context.Context) error
	StartRecord(ctx context.Context) error
	StopRecord(ctx context.Context) error
	AwaitDataFlow(ctx context.Context, window time.Duration, observe func() (uint64, error)) error
	Config() dca1000.Config
}

// RadarClient is the sensor control surface the unit drives. Satisfied by
// *radar.Client.
type RadarClient interface {
	Open(ctx context.Context) error
	Close() error
	Configure(ctx context.Context, path string) error
	StartSensor(ctx context.Context) error
	StopSensor(ctx context.Context) error
	DumpConfig(path string) error
	State() radar.State
	Geometry() radar.FrameGeometry
}

// Options configures one radar+card unit.
type Options struct {
	// Name labels the unit and its session subdirectory.
	Name string

	// Interface is the ethernet interface wired to the capture card.
	Interface string

	// RadarConfig is the path to the mmwave SDK profile file.
	RadarConfig string

	// LivenessWindow bounds how long Start waits for the first captured
	// bytes. Zero means the card client's default.
	LivenessWindow time.Duration

	Radar    RadarClient
	Card     CardClient
	Recorder Recorder
	FS       fsutil.FileSystem
	Clock    timeutil.Clock
}

// Unit captures one radar through one DCA1000. It implements
// capture.Unit and, for bounded frame counts, capture.Completer.
type Unit struct {
	opts    Options
	baseDir string

	recording bool
	sensing   bool
}

// NewUnit builds a unit. Recorder and FS default to tcpdump and the real
// filesystem.
func NewUnit(opts Options) *Unit {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = dca1000.DefaultLivenessWindow
	}
	if opts.Recorder == nil {
		opts.Recorder = &Tcpdump{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Unit{opts: opts}
}

func (u *Unit) Name() string { return u.opts.Name }

// SetBaseDir assigns the session directory the unit writes into.
func (u *Unit) SetBaseDir(dir string) { u.baseDir = dir }

// Init brings up both devices: verify the card is alive, put card and radar
// through a reset, push the card's FPGA and packet-delay setup, then open
// the radar shell and send the profile. No session files are touched.
func (u *Unit) Init(ctx context.Context) error {
	if err := u.opts.Card.Connect(ctx); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	ver, err := u.opts.Card.ReadFPGAVersion(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	monitoring.Logf("radardca: %s card %s", u.opts.Name, ver)

	steps := []func(context.Context) error{
		u.opts.Card.ResetRadar,
		u.opts.Card.ResetFPGA,
		u.opts.Card.ConfigFPGA,
		u.opts.Card.ConfigPacketDelay,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return fmt.Errorf("%s: %w", u.opts.Name, err)
		}
	}

	if err := u.opts.Radar.Open(ctx); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	if err := u.opts.Radar.Configure(ctx, u.opts.RadarConfig); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	monitoring.Logf("radardca: %s radar configured: %s", u.opts.Name, u.opts.Radar.Geometry())
	return nil
}

// dataPath is the unit's pcap file for the current session.
func (u *Unit) dataPath() string {
	return filepath.Join(u.baseDir, DataFilename)
}

// Prepare arms the capture: tcpdump starts writing the pcap file first, then
// the card is told to record, so no data packet can beat the recorder.
func (u *Unit) Prepare(ctx context.Context) error {
	filter := fmt.Sprintf("udp and host %s", u.opts.Card.Config().CardIP)
	if err := u.opts.Recorder.Start(ctx, u.opts.Interface, filter, u.dataPath()); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	if err := u.opts.Card.StartRecord(ctx); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	u.recording = true
	return nil
}

// Start fires the sensor and blocks until captured bytes are observed on
// disk, so a return means data flow is confirmed, not merely requested.
func (u *Unit) Start(ctx context.Context) error {
	if err := u.opts.Radar.StartSensor(ctx); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	u.sensing = true
	if err := u.opts.Card.AwaitDataFlow(ctx, u.opts.LivenessWindow, u.capturedBytes); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	return nil
}

// capturedBytes reports how much packet data the recorder has written,
// excluding the pcap file header. A file that does not exist yet counts as
// zero.
func (u *Unit) capturedBytes() (uint64, error) {
	info, err := u.opts.FS.Stat(u.dataPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.Size() <= pcapFileHeaderSize {
		return 0, nil
	}
	return uint64(info.Size() - pcapFileHeaderSize), nil
}

// AwaitComplete waits out a bounded capture: the configured frame count
// times the frame period, plus a margin. An unbounded profile runs until the
// session context ends.
func (u *Unit) AwaitComplete(ctx context.Context) error {
	g := u.opts.Radar.Geometry()
	if g.Frames <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	total := time.Duration(float64(g.Frames)*g.FramePeriodMillis*float64(time.Millisecond)) + completionMargin
	t := u.opts.Clock.NewTimer(total)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears the capture down in data-flow order: sensor off, card record
// off, recorder flushed last. Safe after a failed Start; every step runs and
// the errors are joined.
func (u *Unit) Stop(ctx context.Context) error {
	var errs []error
	if u.sensing && u.opts.Radar.State() == radar.StateSensing {
		if err := u.opts.Radar.StopSensor(ctx); err != nil {
			errs = append(errs, err)
		}
		u.sensing = false
	}
	if u.recording {
		if err := u.opts.Card.StopRecord(ctx); err != nil {
			errs = append(errs, err)
		}
		u.recording = false
	}
	if err := u.opts.Recorder.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	return nil
}

// DumpConfig writes the effective radar profile and card setup next to the
// captured data.
func (u *Unit) DumpConfig() error {
	if err := u.opts.Radar.DumpConfig(filepath.Join(u.baseDir, RadarConfigFilename)); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	if err := u.opts.Card.Config().DumpJSON(filepath.Join(u.baseDir, CardConfigFilename)); err != nil {
		return fmt.Errorf("%s: %w", u.opts.Name, err)
	}
	return nil
}

// Close releases both devices.
func (u *Unit) Close() error {
	u.opts.Card.Disconnect()
	return u.opts.Radar.Close()
}
