package radar

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// FrameGeometry is the capture shape derived from a radar config: how many
// complex samples the sensor emits and how they are organized. It is the
// contract between the radar configuration and the offline decoder.
type FrameGeometry struct {
	// TxAntennas and RxAntennas are the enabled antenna counts, derived
	// from the channelCfg enable masks.
	TxAntennas int
	RxAntennas int
	// ChirpsPerFrame is the chirp loop count per frame.
	ChirpsPerFrame int
	// SamplesPerChirp is the ADC sample count per chirp.
	SamplesPerChirp int
	// Frames is the configured frame count. Zero means the sensor runs
	// until stopped.
	Frames int
	// FramePeriodMillis is the frame repetition period.
	FramePeriodMillis float64
}

// VirtualAntennas returns the virtual antenna count (TX times RX).
func (g FrameGeometry) VirtualAntennas() int {
	return g.TxAntennas * g.RxAntennas
}

// FrameComplexSamples returns the complex sample count of one frame across
// all antennas.
func (g FrameGeometry) FrameComplexSamples() int {
	return g.ChirpsPerFrame * g.TxAntennas * g.RxAntennas * g.SamplesPerChirp
}

// TotalComplexSamples returns the complex sample count of the whole capture,
// or 0 when the frame count is unbounded.
func (g FrameGeometry) TotalComplexSamples() int {
	return g.Frames * g.FrameComplexSamples()
}

func (g FrameGeometry) String() string {
	return fmt.Sprintf("%d frames x %d chirps x %dtx x %drx x %d samples",
		g.Frames, g.ChirpsPerFrame, g.TxAntennas, g.RxAntennas, g.SamplesPerChirp)
}

// ParseGeometryFile derives the capture shape from a config file on disk,
// such as the radar.cfg dumped next to a capture.
func ParseGeometryFile(path string) (FrameGeometry, error) {
	lines, err := loadConfigFile(path)
	if err != nil {
		return FrameGeometry{}, err
	}
	return ParseGeometry(lines)
}

// Config command argument positions, fixed by the mmwave SDK CLI. Indexes
// are into the argument list after the command name.
const (
	channelCfgRxMaskArg   = 0
	channelCfgTxMaskArg   = 1
	profileCfgSamplesArg  = 9
	frameCfgChirpLoopsArg = 2
	frameCfgFrameCountArg = 3
	frameCfgPeriodArg     = 4
)

// ParseGeometry derives the capture shape from mmwave SDK config command
// lines. The three commands that define the shape (channelCfg, profileCfg,
// frameCfg) must all be present.
func ParseGeometry(lines []string) (FrameGeometry, error) {
	var g FrameGeometry
	var haveChannel, haveProfile, haveFrame bool

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		args := fields[1:]

		switch fields[0] {
		case "channelCfg":
			rxMask, err := argUint(args, channelCfgRxMaskArg, "channelCfg rx mask")
			if err != nil {
				return FrameGeometry{}, err
			}
			txMask, err := argUint(args, channelCfgTxMaskArg, "channelCfg tx mask")
			if err != nil {
				return FrameGeometry{}, err
			}
			g.RxAntennas = bits.OnesCount64(rxMask)
			g.TxAntennas = bits.OnesCount64(txMask)
			haveChannel = true

		case "profileCfg":
			samples, err := argUint(args, profileCfgSamplesArg, "profileCfg adc samples")
			if err != nil {
				return FrameGeometry{}, err
			}
			g.SamplesPerChirp = int(samples)
			haveProfile = true

		case "frameCfg":
			chirps, err := argUint(args, frameCfgChirpLoopsArg, "frameCfg chirp loops")
			if err != nil {
				return FrameGeometry{}, err
			}
			frames, err := argUint(args, frameCfgFrameCountArg, "frameCfg frame count")
			if err != nil {
				return FrameGeometry{}, err
			}
			g.ChirpsPerFrame = int(chirps)
			g.Frames = int(frames)
			if len(args) > frameCfgPeriodArg {
				period, err := strconv.ParseFloat(args[frameCfgPeriodArg], 64)
				if err != nil {
					return FrameGeometry{}, fmt.Errorf("%w: frameCfg period %q", ErrConfigFile, args[frameCfgPeriodArg])
				}
				g.FramePeriodMillis = period
			}
			haveFrame = true
		}
	}

	switch {
	case !haveChannel:
		return FrameGeometry{}, fmt.Errorf("%w: missing channelCfg", ErrConfigFile)
	case !haveProfile:
		return FrameGeometry{}, fmt.Errorf("%w: missing profileCfg", ErrConfigFile)
	case !haveFrame:
		return FrameGeometry{}, fmt.Errorf("%w: missing frameCfg", ErrConfigFile)
	}
	return g, nil
}

func argUint(args []string, idx int, what string) (uint64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("%w: %s: want at least %d arguments, have %d", ErrConfigFile, what, idx+1, len(args))
	}
	v, err := strconv.ParseUint(args[idx], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrConfigFile, what, args[idx])
	}
	return v, nil
}

// rewriteFrameCount replaces the frame count argument of the frameCfg line
// with frames, in place. The sensor then runs exactly that many frames
// regardless of what the config file requested.
func rewriteFrameCount(lines []string, frames int) error {
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "frameCfg" {
			continue
		}
		if len(fields) <= frameCfgFrameCountArg+1 {
			return fmt.Errorf("%w: frameCfg has %d fields", ErrConfigFile, len(fields))
		}
		fields[frameCfgFrameCountArg+1] = strconv.Itoa(frames)
		lines[i] = strings.Join(fields, " ")
		return nil
	}
	return fmt.Errorf("%w: missing frameCfg", ErrConfigFile)
}
