// Package decode reconstructs complex radar samples from a packet capture of
// the DCA1000EVM data port. Decoding is loss-tolerant: gaps in the stream are
// recorded as loss spans and decoding continues, because recording hardware
// runs unattended and a partial annotated capture beats no capture. Only
// sequence-order violations abort, since those indicate a corrupt capture
// rather than dropped packets.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mmwave-data/mmwavecap/internal/dca1000"
	"github.com/mmwave-data/mmwavecap/internal/dca1000/wire"
	"github.com/mmwave-data/mmwavecap/internal/monitoring"
	"github.com/mmwave-data/mmwavecap/internal/radar"
)

var (
	// ErrSequenceOrder reports a sequence id decrease within one stream.
	ErrSequenceOrder = errors.New("data packet sequence order violation")
	// ErrSampleCount reports a decoded sample total that disagrees with the
	// frame geometry and is not explained by recorded loss.
	ErrSampleCount = errors.New("decoded sample count mismatch")
)

const bytesPerComplexSample = 4 // two int16 values

// Options controls one decode run.
type Options struct {
	// Ports are the UDP destination ports carrying raw data streams.
	// Empty means the single-radar default data port.
	Ports []int
	// Geometry is the capture shape the sample total is validated against.
	// Zero geometry skips count validation.
	Geometry radar.FrameGeometry
	// LSBQuadrature selects the int16 pair order: true reads (I, Q),
	// false reads (Q, I).
	LSBQuadrature bool
	// Preprocess reorders the hardware TX-major interleave into
	// frames x chirps x rx x tx x samples order.
	Preprocess bool
	// StrictSampleCount turns a loss-explained sample shortfall into an
	// error. By default such a shortfall is a warning: the loss spans
	// already document it.
	StrictSampleCount bool
}

func (o Options) ports() []int {
	if len(o.Ports) == 0 {
		return []int{dca1000.DefaultDataPort}
	}
	return o.Ports
}

// LossSpan describes one gap in the data stream, located by the sequence ids
// on both sides and sized by the running byte count.
type LossSpan struct {
	// BeforeSeq is the last sequence id received ahead of the gap; zero
	// with FirstPacket loss means bytes were lost before any packet
	// arrived.
	BeforeSeq uint32
	// AfterSeq is the first sequence id received past the gap.
	AfterSeq uint32
	// MissingBytes is the payload volume the byte counters say never
	// arrived.
	MissingBytes uint64
}

// Result is the outcome of decoding one data stream.
type Result struct {
	Port    int
	Samples []complex64
	// Packets is the raw packet count consumed.
	Packets int
	// ReceivedBytes is the payload volume actually captured;
	// ReportedBytes is the device's final running byte count. They differ
	// exactly when packets were lost.
	ReceivedBytes uint64
	ReportedBytes uint64
	Loss          []LossSpan
	// ExpectedSamples is the geometry-derived total, zero when no
	// geometry was supplied.
	ExpectedSamples int
}

// LostBytes returns the total volume across all loss spans.
func (r *Result) LostBytes() uint64 {
	var total uint64
	for _, span := range r.Loss {
		total += span.MissingBytes
	}
	return total
}

// Valid reports whether the stream decoded with zero loss and an exact
// geometry match.
func (r *Result) Valid() bool {
	if len(r.Loss) > 0 || r.ReceivedBytes != r.ReportedBytes {
		return false
	}
	return r.ExpectedSamples == 0 || len(r.Samples) == r.ExpectedSamples
}

// Packets decodes an ordered raw packet sequence for one stream. Sequence
// ids must be non-decreasing; gaps become loss spans. The sample total is
// validated against the geometry unless loss explains the shortfall (or
// StrictSampleCount makes even that an error).
func Packets(port int, packets []wire.RawPacket, opts Options) (*Result, error) {
	res := &Result{Port: port, ExpectedSamples: opts.Geometry.TotalComplexSamples()}

	var payload []byte
	var prev wire.RawPacket
	for i, p := range packets {
		if i > 0 && p.Seq < prev.Seq {
			return nil, fmt.Errorf("%w: port %d: seq %d after %d", ErrSequenceOrder, port, p.Seq, prev.Seq)
		}

		received := prev.ByteCount + uint64(len(p.Payload))
		if p.ByteCount > received {
			res.Loss = append(res.Loss, LossSpan{
				BeforeSeq:    prev.Seq,
				AfterSeq:     p.Seq,
				MissingBytes: p.ByteCount - received,
			})
		}

		payload = append(payload, p.Payload...)
		res.ReceivedBytes += uint64(len(p.Payload))
		res.Packets++
		prev = p
	}
	res.ReportedBytes = prev.ByteCount

	if rem := len(payload) % bytesPerComplexSample; rem != 0 {
		monitoring.Logf("decode: port %d: dropping %d trailing bytes of a partial sample", port, rem)
		payload = payload[:len(payload)-rem]
	}
	res.Samples = complexSamples(payload, opts.LSBQuadrature)
	if opts.Preprocess {
		res.Samples = reorderAntennas(res.Samples, opts.Geometry)
	}

	if res.ExpectedSamples > 0 && len(res.Samples) != res.ExpectedSamples {
		explained := len(res.Loss) > 0 && len(res.Samples) < res.ExpectedSamples
		if !explained || opts.StrictSampleCount {
			return res, fmt.Errorf("%w: port %d: decoded %d, geometry expects %d (%d bytes lost)",
				ErrSampleCount, port, len(res.Samples), res.ExpectedSamples, res.LostBytes())
		}
		monitoring.Logf("decode: port %d: %d of %d samples, shortfall explained by %d lost bytes",
			port, len(res.Samples), res.ExpectedSamples, res.LostBytes())
	}
	return res, nil
}

// complexSamples reinterprets int16 LE pairs as complex values. The
// lsbQuadrature flag picks which half of the pair is the in-phase component.
func complexSamples(payload []byte, lsbQuadrature bool) []complex64 {
	samples := make([]complex64, len(payload)/bytesPerComplexSample)
	for i := range samples {
		a := int16(binary.LittleEndian.Uint16(payload[i*4:]))
		b := int16(binary.LittleEndian.Uint16(payload[i*4+2:]))
		if lsbQuadrature {
			samples[i] = complex(float32(a), float32(b)) // (I, Q)
		} else {
			samples[i] = complex(float32(b), float32(a)) // (Q, I)
		}
	}
	return samples
}

// reorderAntennas converts the hardware interleave — TX-major, then RX, then
// chirp, then sample — into chirp-major order within each frame, giving the
// frames x chirps x rx x tx x samples layout downstream consumers index
// into. A trailing partial frame (possible after loss) is left in hardware
// order.
func reorderAntennas(samples []complex64, g radar.FrameGeometry) []complex64 {
	frameSize := g.FrameComplexSamples()
	if frameSize == 0 || len(samples) < frameSize {
		return samples
	}

	out := make([]complex64, len(samples))
	copy(out, samples) // covers the partial tail frame

	ns := g.SamplesPerChirp
	frames := len(samples) / frameSize
	for f := 0; f < frames; f++ {
		base := f * frameSize
		for tx := 0; tx < g.TxAntennas; tx++ {
			for rx := 0; rx < g.RxAntennas; rx++ {
				for chirp := 0; chirp < g.ChirpsPerFrame; chirp++ {
					src := base + ((tx*g.RxAntennas+rx)*g.ChirpsPerFrame+chirp)*ns
					dst := base + ((chirp*g.RxAntennas+rx)*g.TxAntennas+tx)*ns
					copy(out[dst:dst+ns], samples[src:src+ns])
				}
			}
		}
	}
	return out
}
