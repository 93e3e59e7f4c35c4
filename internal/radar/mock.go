package radar

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// MockPort implements Porter against a scripted config shell. Each written
// line is answered from the Responses map (falling back to DefaultResponse),
// followed by the prompt, the way the demo firmware answers. Empty lines —
// the prompt probes — produce just the prompt.
type MockPort struct {
	mu sync.Mutex

	// Responses maps a command line to the body the shell prints for it.
	Responses map[string]string
	// DefaultResponse answers commands absent from Responses.
	DefaultResponse string
	// Silent suppresses all output, simulating a dead or mis-wired UART.
	Silent bool
	// OpenErr is returned by MockOpener instead of the port when set.
	OpenErr error

	// Lines records every non-empty command line written to the port.
	Lines []string

	pending bytes.Buffer
	timeout time.Duration
	closed  bool
}

// NewMockPort creates a shell that answers every command with Done.
func NewMockPort() *MockPort {
	return &MockPort{DefaultResponse: "Done"}
}

// Opener returns an Opener producing this port for any path.
func (m *MockPort) Opener() Opener {
	return func(string, int) (Porter, error) {
		if m.OpenErr != nil {
			return nil, m.OpenErr
		}
		return m, nil
	}
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if m.Silent {
			continue
		}
		if line == "" {
			m.pending.WriteString(Prompt + "\n")
			continue
		}
		m.Lines = append(m.Lines, line)
		body, ok := m.Responses[line]
		if !ok {
			body = m.DefaultResponse
		}
		m.pending.WriteString(line + "\n" + body + "\n")
	}
	return len(p), nil
}

func (m *MockPort) Read(p []byte) (int, error) {
	deadline := time.Now().Add(m.readTimeout())
	for {
		m.mu.Lock()
		if m.pending.Len() > 0 {
			n, err := m.pending.Read(p)
			m.mu.Unlock()
			return n, err
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			// go.bug.st/serial reports a read timeout as n==0, err==nil.
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *MockPort) readTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeout <= 0 {
		return 50 * time.Millisecond
	}
	return m.timeout
}

func (m *MockPort) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	return nil
}

func (m *MockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.Reset()
	return nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CommandLines returns every non-empty line written so far.
func (m *MockPort) CommandLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Lines...)
}
