package radardca

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/mmwave-data/mmwavecap/internal/monitoring"
)

// Recorder writes raw network traffic to a capture file. Start arms it;
// Stop flushes and ends the recording.
type Recorder interface {
	Start(ctx context.Context, iface, filter, path string) error
	Stop() error
}

// stopGrace is how long Stop waits for tcpdump to flush after SIGINT before
// killing it.
const stopGrace = 5 * time.Second

// Tcpdump records with the system tcpdump binary. The process outlives the
// context it was started under; Stop owns its shutdown.
type Tcpdump struct {
	cmd *exec.Cmd
}

// Start launches tcpdump on iface with the given BPF filter, writing to
// path. -U makes packet writes unbuffered so the growing file doubles as a
// data-flow signal.
func (t *Tcpdump) Start(ctx context.Context, iface, filter, path string) error {
	if t.cmd != nil {
		return fmt.Errorf("tcpdump already recording to %s", t.cmd.Args[len(t.cmd.Args)-1])
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command("tcpdump", "-i", iface, "-qtnU", filter, "-w", path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tcpdump: %w", err)
	}
	monitoring.Logf("radardca: tcpdump pid %d recording %s to %s", cmd.Process.Pid, iface, path)
	t.cmd = cmd
	return nil
}

// Stop interrupts tcpdump so it flushes and exits, escalating to SIGKILL
// after the grace period.
func (t *Tcpdump) Stop() error {
	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.cmd = nil

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("interrupt tcpdump: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		// tcpdump exits 0 after a clean SIGINT flush.
		if err != nil {
			return fmt.Errorf("tcpdump exit: %w", err)
		}
		return nil
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("tcpdump did not flush within %s, killed", stopGrace)
	}
}
