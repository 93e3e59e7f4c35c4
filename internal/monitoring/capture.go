package monitoring

import (
	"io"

	clog "github.com/charmbracelet/log"
)

// NewCaptureLogger returns the structured logger used for a capture
// session's on-disk log: JSON lines with timestamps, so the record of a
// capture is machine-readable next to its data. Unknown level strings fall
// back to info.
func NewCaptureLogger(w io.Writer, level string) *clog.Logger {
	lvl, err := clog.ParseLevel(level)
	if err != nil {
		lvl = clog.InfoLevel
	}
	return clog.NewWithOptions(w, clog.Options{
		Level:           lvl,
		Formatter:       clog.JSONFormatter,
		ReportTimestamp: true,
	})
}
