package decode

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/mmwave-data/mmwavecap/internal/dca1000/wire"
	"github.com/mmwave-data/mmwavecap/internal/monitoring"
)

// Decoder demultiplexes a pcap capture into per-port data streams and
// decodes each.
type Decoder struct {
	opts    Options
	results map[int]*Result
}

// NewDecoder creates a decoder; DecodeFile populates it.
func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts, results: make(map[int]*Result)}
}

// DecodeFile reads a pcap file, collects the raw data packets for every
// configured port, and decodes each stream. Per-port failures are joined so
// one corrupt stream does not hide another port's outcome.
func (d *Decoder) DecodeFile(path string) error {
	streams, err := readStreams(path, d.opts.ports())
	if err != nil {
		return err
	}

	var errs []error
	for _, port := range d.opts.ports() {
		res, err := Packets(port, streams[port], d.opts)
		if res != nil {
			d.results[port] = res
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Result returns the decoded stream for a port, or nil if the port was not
// decoded.
func (d *Decoder) Result(port int) *Result {
	return d.results[port]
}

// Valid reports whether the port decoded with zero loss and an exact
// geometry match.
func (d *Decoder) Valid(port int) bool {
	res := d.results[port]
	return res != nil && res.Valid()
}

// readStreams extracts raw data packets from the capture, keyed by UDP
// destination port. Packets arrive in capture order, which for a local
// point-to-point link is emission order.
func readStreams(path string, ports []int) (map[int][]wire.RawPacket, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read capture %s: %w", path, err)
	}

	wanted := make(map[int]bool, len(ports))
	for _, p := range ports {
		wanted[p] = true
	}

	streams := make(map[int][]wire.RawPacket)
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return streams, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read capture %s: %w", path, err)
		}

		packet := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || !wanted[int(udp.DstPort)] {
			continue
		}

		raw, err := wire.DecodeRawPacket(udp.Payload)
		if err != nil {
			monitoring.Logf("decode: skipping undersized packet on port %d: %v", udp.DstPort, err)
			continue
		}
		streams[int(udp.DstPort)] = append(streams[int(udp.DstPort)], raw)
	}
}
