package radar

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Porter defines the minimal interface needed for a radar UART.
// This abstraction enables unit testing without real radar hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
	// SetReadTimeout bounds each Read call. Zero or negative blocks forever.
	SetReadTimeout(timeout time.Duration) error
	// ResetInputBuffer discards unread input, such as boot banners.
	ResetInputBuffer() error
}

// Opener opens a serial port at the given path and baud rate.
// This allows for easier testing by replacing the opener function.
type Opener func(path string, baud int) (Porter, error)

// OpenSerial is the default Opener, backed by a real serial device in 8N1
// framing.
func OpenSerial(path string, baud int) (Porter, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}

// UART baud rates for the mmwave demo firmware: the config shell runs at
// 115200, the TLV data stream at 921600.
const (
	DefaultConfigBaud = 115200
	DefaultDataBaud   = 921600
)
