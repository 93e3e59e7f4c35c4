// Package wire implements the binary frame formats spoken by the DCA1000EVM
// capture card: the fixed-layout control command/response frame exchanged on
// the configuration UDP port, and the raw data packet header that prefixes
// every LVDS payload on the data port.
//
// All multi-byte fields are little-endian.
//
// CONTROL FRAME LAYOUT (12 bytes fixed + payload):
//
//	offset  size  field
//	0       2     sync header (0xA55A)
//	2       2     command code
//	4       2     ack/status
//	6       2     data length (payload bytes)
//	8       1     device selector
//	9       1     ack type
//	10      n     payload (n == data length)
//	10+n    2     sync footer (0xEEAA)
//
// RAW DATA PACKET LAYOUT:
//
//	offset  size  field
//	0       4     sequence id
//	4       6     running byte count (48-bit, includes this packet's payload)
//	10      rest  payload
//
// Decoding is fail-closed: declared lengths are checked against the buffer
// before any slicing, and any inconsistency returns ErrFrameMalformed rather
// than reading out of bounds.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame sync markers fixed by the DCA1000EVM firmware.
const (
	SyncHeader uint16 = 0xA55A
	SyncFooter uint16 = 0xEEAA
)

// Control frame size constants.
const (
	HeaderSize   = 10                      // sync + cmd + status + length + selector + ack type
	FooterSize   = 2                       // trailing sync footer
	MinFrameSize = HeaderSize + FooterSize // frame with an empty payload
)

// Raw data packet constants.
const (
	RawHeaderSize     = 10   // sequence id (4) + byte count (6)
	MaxBytesPerPacket = 1470 // firmware cap on UDP payload size, header included
)

// FPGA clock constants used to convert a packet delay in microseconds into
// the FPGA clock ticks carried by the ConfigPacketDelay command.
const (
	FPGAClkConversionFactor = 1000
	FPGAClkPeriodNanos      = 8
)

// ErrFrameMalformed is returned when a buffer does not decode as a valid
// control frame or raw packet: short buffer, bad sync markers, or a declared
// payload length that disagrees with the frame size.
var ErrFrameMalformed = errors.New("malformed frame")

// Command identifies one control operation. Values are fixed by the
// capture-card firmware.
type Command uint16

const (
	CmdResetFPGA         Command = 1
	CmdResetRadar        Command = 2
	CmdConfigFPGA        Command = 3
	CmdConfigEEPROM      Command = 4
	CmdStartRecord       Command = 5
	CmdStopRecord        Command = 6
	CmdStartPlayback     Command = 7
	CmdStopPlayback      Command = 8
	CmdSystemAliveness   Command = 9
	CmdSystemStatus      Command = 10
	CmdConfigPacketDelay Command = 11
	CmdConfigRadar       Command = 12
	CmdInitFPGAPlayback  Command = 13
	CmdReadFPGAVersion   Command = 14
)

var commandNames = map[Command]string{
	CmdResetFPGA:         "ResetFPGA",
	CmdResetRadar:        "ResetRadar",
	CmdConfigFPGA:        "ConfigFPGA",
	CmdConfigEEPROM:      "ConfigEEPROM",
	CmdStartRecord:       "StartRecord",
	CmdStopRecord:        "StopRecord",
	CmdStartPlayback:     "StartPlayback",
	CmdStopPlayback:      "StopPlayback",
	CmdSystemAliveness:   "SystemAliveness",
	CmdSystemStatus:      "SystemStatus",
	CmdConfigPacketDelay: "ConfigPacketDelay",
	CmdConfigRadar:       "ConfigRadar",
	CmdInitFPGAPlayback:  "InitFPGAPlayback",
	CmdReadFPGAVersion:   "ReadFPGAVersion",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", uint16(c))
}

// Response status values carried in the ack/status field. The firmware
// reports 0 for success; any non-zero value is a command-specific failure,
// except for the status-query commands whose field carries data instead.
const (
	StatusSuccess uint16 = 0
	StatusFailure uint16 = 1
)

// Frame is one decoded control frame, request or response. The sync markers
// and length field are implicit; they are produced on encode and verified on
// decode.
type Frame struct {
	Command        Command
	Status         uint16
	DeviceSelector uint8
	AckType        uint8
	Payload        []byte
}

// Encode serializes the frame into a freshly allocated buffer.
func (f *Frame) Encode() []byte {
	buf := make([]byte, MinFrameSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], SyncHeader)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(f.Command))
	binary.LittleEndian.PutUint16(buf[4:6], f.Status)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(f.Payload)))
	buf[8] = f.DeviceSelector
	buf[9] = f.AckType
	copy(buf[HeaderSize:], f.Payload)
	binary.LittleEndian.PutUint16(buf[len(buf)-FooterSize:], SyncFooter)
	return buf
}

// DecodeFrame parses a control frame from buf. The payload slice references
// buf; callers that retain the frame past the life of the buffer must copy.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < MinFrameSize {
		return nil, fmt.Errorf("%w: frame is %d bytes, need at least %d", ErrFrameMalformed, len(buf), MinFrameSize)
	}
	if sync := binary.LittleEndian.Uint16(buf[0:2]); sync != SyncHeader {
		return nil, fmt.Errorf("%w: bad sync header 0x%04X", ErrFrameMalformed, sync)
	}
	if footer := binary.LittleEndian.Uint16(buf[len(buf)-FooterSize:]); footer != SyncFooter {
		return nil, fmt.Errorf("%w: bad sync footer 0x%04X", ErrFrameMalformed, footer)
	}
	declared := int(binary.LittleEndian.Uint16(buf[6:8]))
	if declared != len(buf)-MinFrameSize {
		return nil, fmt.Errorf("%w: declared payload %d bytes, frame carries %d",
			ErrFrameMalformed, declared, len(buf)-MinFrameSize)
	}
	return &Frame{
		Command:        Command(binary.LittleEndian.Uint16(buf[2:4])),
		Status:         binary.LittleEndian.Uint16(buf[4:6]),
		DeviceSelector: buf[8],
		AckType:        buf[9],
		Payload:        buf[HeaderSize : HeaderSize+declared],
	}, nil
}

// SystemStatus is the 16-bit fault flag set returned by the SystemStatus
// command. Bit positions are fixed by the firmware.
type SystemStatus uint16

const (
	StatusNoLvdsData        SystemStatus = 0x0001
	StatusNoHeader          SystemStatus = 0x0002
	StatusEepromFailure     SystemStatus = 0x0004
	StatusSdCardDetected    SystemStatus = 0x0008
	StatusSdCardRemoved     SystemStatus = 0x0010
	StatusSdCardFull        SystemStatus = 0x0020
	StatusModeConfigFailure SystemStatus = 0x0040
	StatusDdrFull           SystemStatus = 0x0080
	StatusRecCompleted      SystemStatus = 0x0100
	StatusLvdsBufferFull    SystemStatus = 0x0200
	StatusPlaybackCompleted SystemStatus = 0x0400
	StatusPlaybackOutOfSeq  SystemStatus = 0x0800
)

var statusNames = []struct {
	flag SystemStatus
	name string
}{
	{StatusNoLvdsData, "no LVDS data"},
	{StatusNoHeader, "no header"},
	{StatusEepromFailure, "EEPROM failure"},
	{StatusSdCardDetected, "SD card detected"},
	{StatusSdCardRemoved, "SD card removed"},
	{StatusSdCardFull, "SD card full"},
	{StatusModeConfigFailure, "mode config failure"},
	{StatusDdrFull, "DDR full"},
	{StatusRecCompleted, "record completed"},
	{StatusLvdsBufferFull, "LVDS buffer full"},
	{StatusPlaybackCompleted, "playback completed"},
	{StatusPlaybackOutOfSeq, "playback out of sequence"},
}

// Has reports whether all bits of flag are set.
func (s SystemStatus) Has(flag SystemStatus) bool {
	return s&flag == flag
}

func (s SystemStatus) String() string {
	if s == 0 {
		return "ok"
	}
	out := ""
	for _, entry := range statusNames {
		if s.Has(entry.flag) {
			if out != "" {
				out += ", "
			}
			out += entry.name
		}
	}
	if out == "" {
		return fmt.Sprintf("SystemStatus(0x%04X)", uint16(s))
	}
	return out
}

// FPGA version field bit layout: major in bits 0-6, minor in bits 7-13,
// playback mode in bit 14.
const (
	versionBitsMask  = 0x7F
	versionNumOfBits = 7
	playbackModeBit  = 0x4000
)

// FPGAVersion is the decoded firmware revision of the capture card.
type FPGAVersion struct {
	Major    int
	Minor    int
	Playback bool
}

func (v FPGAVersion) String() string {
	mode := "record"
	if v.Playback {
		mode = "playback"
	}
	return fmt.Sprintf("%d.%d (%s)", v.Major, v.Minor, mode)
}

// DecodeFPGAVersion unpacks the 16-bit version field from a ReadFPGAVersion
// response.
func DecodeFPGAVersion(field uint16) FPGAVersion {
	return FPGAVersion{
		Major:    int(field & versionBitsMask),
		Minor:    int((field >> versionNumOfBits) & versionBitsMask),
		Playback: field&playbackModeBit == playbackModeBit,
	}
}

// RawPacket is one decoded data-port packet. ByteCount is the device's
// running total of payload bytes sent, including this packet's payload, so
// consecutive packets reveal loss without counting sequence gaps.
type RawPacket struct {
	Seq       uint32
	ByteCount uint64
	Payload   []byte
}

// DecodeRawPacket parses a raw data packet from buf. The payload slice
// references buf.
func DecodeRawPacket(buf []byte) (RawPacket, error) {
	if len(buf) < RawHeaderSize {
		return RawPacket{}, fmt.Errorf("%w: raw packet is %d bytes, need at least %d",
			ErrFrameMalformed, len(buf), RawHeaderSize)
	}
	// 48-bit little-endian byte count: 4 low bytes then 2 high bytes.
	low := uint64(binary.LittleEndian.Uint32(buf[4:8]))
	high := uint64(binary.LittleEndian.Uint16(buf[8:10]))
	return RawPacket{
		Seq:       binary.LittleEndian.Uint32(buf[0:4]),
		ByteCount: high<<32 | low,
		Payload:   buf[RawHeaderSize:],
	}, nil
}

// EncodeRawPacket serializes a raw data packet. Used by replay tooling and
// tests; the capture card is the producer in live operation.
func EncodeRawPacket(p RawPacket) []byte {
	buf := make([]byte, RawHeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], p.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ByteCount))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(p.ByteCount>>32))
	copy(buf[RawHeaderSize:], p.Payload)
	return buf
}

// PacketDelayPayload converts a packet delay in microseconds into the 4-byte
// ConfigPacketDelay payload (delay in FPGA clock ticks, then a zero word).
func PacketDelayPayload(delayMicros int) []byte {
	ticks := delayMicros * FPGAClkConversionFactor / FPGAClkPeriodNanos
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(ticks))
	return buf
}
