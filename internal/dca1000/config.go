package dca1000

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mmwave-data/mmwavecap/internal/dca1000/wire"
)

// Default addressing for a single-radar capture card. The cascade variant of
// the card ships with the 5001/5000 port pair instead.
const (
	DefaultCardIP     = "192.168.33.180"
	DefaultHostIP     = "192.168.33.30"
	DefaultCardMAC    = "12-34-56-78-90-12"
	DefaultConfigPort = 4096
	DefaultDataPort   = 4098

	CascadeConfigPort = 5001
	CascadeDataPort   = 5000
)

// Config holds the capture-card parameters sent by ConfigFPGA, ConfigEEPROM
// and ConfigPacketDelay, plus the ethernet addressing the client dials. The
// string modes mirror the card's CLI vocabulary; the numeric codes sent on
// the wire are derived from them. The whole struct is dumped as JSON next to
// each capture so the effective card setup is always recoverable.
type Config struct {
	DataLoggingMode   string `json:"dataLoggingMode"`  // "raw" or "multi"
	DataTransferMode  string `json:"dataTransferMode"` // "LVDSCapture" or "playback"
	DataCaptureMode   string `json:"dataCaptureMode"`  // "ethernetStream" or "sdCard"
	LVDSMode          int    `json:"lvdsMode"`         // lane count: 2 or 4
	DataFormatMode    int    `json:"dataFormatMode"`   // ADC bit mode: 1=12bit 2=14bit 3=16bit
	PacketDelayMicros int    `json:"packetDelay_us"`

	HostIP     string `json:"systemIPAddress"`
	CardIP     string `json:"DCA1000IPAddress"`
	CardMAC    string `json:"DCA1000MACAddress"`
	ConfigPort int    `json:"DCA1000ConfigPort"`
	DataPort   int    `json:"DCA1000DataPort"`
}

// DefaultConfig returns the factory setup for a single-radar card: raw LVDS
// capture streamed over ethernet, 16-bit samples, two LVDS lanes.
func DefaultConfig() Config {
	return Config{
		DataLoggingMode:   "raw",
		DataTransferMode:  "LVDSCapture",
		DataCaptureMode:   "ethernetStream",
		LVDSMode:          2,
		DataFormatMode:    3,
		PacketDelayMicros: 5,
		HostIP:            DefaultHostIP,
		CardIP:            DefaultCardIP,
		CardMAC:           DefaultCardMAC,
		ConfigPort:        DefaultConfigPort,
		DataPort:          DefaultDataPort,
	}
}

// DefaultCascadeConfig returns DefaultConfig with the cascade-variant port
// pair.
func DefaultCascadeConfig() Config {
	cfg := DefaultConfig()
	cfg.ConfigPort = CascadeConfigPort
	cfg.DataPort = CascadeDataPort
	return cfg
}

func (c Config) dataLoggingModeCode() byte {
	if c.DataLoggingMode == "raw" {
		return 1
	}
	return 2
}

func (c Config) dataTransferModeCode() byte {
	if c.DataTransferMode == "LVDSCapture" {
		return 1
	}
	return 2
}

func (c Config) dataCaptureModeCode() byte {
	if c.DataCaptureMode == "ethernetStream" {
		return 2
	}
	return 1
}

// fpgaPayload builds the 6-byte ConfigFPGA payload. The trailing byte is the
// LVDS timeout timer in seconds, fixed by the firmware interface.
func (c Config) fpgaPayload() []byte {
	return []byte{
		c.dataLoggingModeCode(),
		byte(c.LVDSMode),
		c.dataTransferModeCode(),
		c.dataCaptureModeCode(),
		byte(c.DataFormatMode),
		30,
	}
}

// eepromPayload builds the ConfigEEPROM payload: host IP and card IP in
// reversed octet order, card MAC in reversed byte order, then the two ports.
func (c Config) eepromPayload() ([]byte, error) {
	buf := make([]byte, 0, 18)

	for _, ip := range []string{c.HostIP, c.CardIP} {
		octets, err := reversedIPv4(ip)
		if err != nil {
			return nil, err
		}
		buf = append(buf, octets...)
	}

	mac, err := reversedMAC(c.CardMAC)
	if err != nil {
		return nil, err
	}
	buf = append(buf, mac...)

	buf = append(buf,
		byte(c.ConfigPort), byte(c.ConfigPort>>8),
		byte(c.DataPort), byte(c.DataPort>>8),
	)
	return buf, nil
}

func reversedIPv4(s string) ([]byte, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	return []byte{v4[3], v4[2], v4[1], v4[0]}, nil
}

func reversedMAC(s string) ([]byte, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q: want 6 dash-separated octets", s)
	}
	buf := make([]byte, 6)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid MAC address %q: %w", s, err)
		}
		buf[5-i] = byte(v)
	}
	return buf, nil
}

func (c Config) packetDelayPayload() []byte {
	return wire.PacketDelayPayload(c.PacketDelayMicros)
}

// DumpJSON writes the configuration to path as indented JSON.
func (c Config) DumpJSON(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
