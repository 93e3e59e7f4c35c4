package dca1000

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmwave-data/mmwavecap/internal/dca1000/wire"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeCard is an in-memory net.PacketConn that answers control frames via a
// handler. A nil handler result drops the request, forcing a read timeout.
type fakeCard struct {
	mu       sync.Mutex
	handler  func(*wire.Frame) *wire.Frame
	pending  [][]byte
	deadline time.Time
	sent     []wire.Command
	closed   bool
}

func newFakeCard(handler func(*wire.Frame) *wire.Frame) *fakeCard {
	return &fakeCard{handler: handler}
}

func (f *fakeCard) WriteTo(p []byte, _ net.Addr) (int, error) {
	frame, err := wire.DecodeFrame(p)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame.Command)
	if resp := f.handler(frame); resp != nil {
		f.pending = append(f.pending, resp.Encode())
	}
	return len(p), nil
}

func (f *fakeCard) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			buf := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			return copy(p, buf), &net.UDPAddr{}, nil
		}
		deadline := f.deadline
		f.mu.Unlock()
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, nil, timeoutError{}
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeCard) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCard) LocalAddr() net.Addr { return &net.UDPAddr{} }

func (f *fakeCard) SetDeadline(t time.Time) error { return f.SetReadDeadline(t) }

func (f *fakeCard) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = t
	return nil
}

func (f *fakeCard) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeCard) commands() []wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Command(nil), f.sent...)
}

// ackAll answers every command with a success frame.
func ackAll(req *wire.Frame) *wire.Frame {
	return &wire.Frame{Command: req.Command, Status: wire.StatusSuccess}
}

func newTestClient(t *testing.T, handler func(*wire.Frame) *wire.Frame) (*Client, *fakeCard) {
	t.Helper()
	card := newFakeCard(handler)
	client := NewClient(DefaultConfig(), Options{
		Timeout:      50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Conn:         card,
	})
	require.NoError(t, client.Connect(context.Background()))
	return client, card
}

func TestConnectChecksAliveness(t *testing.T) {
	t.Parallel()

	_, card := newTestClient(t, ackAll)
	assert.Equal(t, []wire.Command{wire.CmdSystemAliveness}, card.commands())
}

func TestConnectFailsWhenCardSilent(t *testing.T) {
	t.Parallel()

	card := newFakeCard(func(*wire.Frame) *wire.Frame { return nil })
	client := NewClient(DefaultConfig(), Options{
		Timeout: 20 * time.Millisecond,
		Conn:    card,
	})
	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.True(t, card.closed)
}

func TestCommandsBeforeConnect(t *testing.T) {
	t.Parallel()

	client := NewClient(DefaultConfig(), Options{})
	err := client.StartRecord(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConfigSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var payloads = map[wire.Command][]byte{}
	client, card := newTestClient(t, func(req *wire.Frame) *wire.Frame {
		payloads[req.Command] = append([]byte(nil), req.Payload...)
		return ackAll(req)
	})

	require.NoError(t, client.ResetFPGA(ctx))
	require.NoError(t, client.ConfigFPGA(ctx))
	require.NoError(t, client.ConfigEEPROM(ctx))
	require.NoError(t, client.ConfigPacketDelay(ctx))
	require.NoError(t, client.StartRecord(ctx))
	require.NoError(t, client.StopRecord(ctx))

	assert.Equal(t, []wire.Command{
		wire.CmdSystemAliveness,
		wire.CmdResetFPGA,
		wire.CmdConfigFPGA,
		wire.CmdConfigEEPROM,
		wire.CmdConfigPacketDelay,
		wire.CmdStartRecord,
		wire.CmdStopRecord,
	}, card.commands())

	// raw logging, 2 lanes, LVDS capture, ethernet stream, 16-bit, 30 s timer.
	assert.Equal(t, []byte{1, 2, 1, 2, 3, 30}, payloads[wire.CmdConfigFPGA])
	// 5 us default delay = 625 FPGA ticks.
	assert.Equal(t, []byte{0x71, 0x02, 0, 0}, payloads[wire.CmdConfigPacketDelay])

	eeprom := payloads[wire.CmdConfigEEPROM]
	require.Len(t, eeprom, 18)
	// Host 192.168.33.30 reversed, card 192.168.33.180 reversed.
	assert.Equal(t, []byte{30, 33, 168, 192}, eeprom[0:4])
	assert.Equal(t, []byte{180, 33, 168, 192}, eeprom[4:8])
	// MAC 12-34-56-78-90-12 reversed.
	assert.Equal(t, []byte{0x12, 0x90, 0x78, 0x56, 0x34, 0x12}, eeprom[8:14])
	// Ports 4096 then 4098, little-endian.
	assert.Equal(t, []byte{0x00, 0x10, 0x02, 0x10}, eeprom[14:18])
}

func TestCommandRejected(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(req *wire.Frame) *wire.Frame {
		if req.Command == wire.CmdStartRecord {
			return &wire.Frame{Command: req.Command, Status: wire.StatusFailure}
		}
		return ackAll(req)
	})

	err := client.StartRecord(context.Background())
	assert.ErrorIs(t, err, ErrCommandRejected)
}

func TestConfigRejected(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(req *wire.Frame) *wire.Frame {
		if req.Command == wire.CmdConfigFPGA {
			return &wire.Frame{Command: req.Command, Status: wire.StatusFailure}
		}
		return ackAll(req)
	})

	err := client.ConfigFPGA(context.Background())
	assert.ErrorIs(t, err, ErrConfigRejected)
}

func TestRequestTimesOutThenRetries(t *testing.T) {
	t.Parallel()

	var attempts int
	card := newFakeCard(func(req *wire.Frame) *wire.Frame {
		if req.Command != wire.CmdResetFPGA {
			return ackAll(req)
		}
		attempts++
		if attempts < 2 {
			return nil // drop the first request
		}
		return ackAll(req)
	})
	client := NewClient(DefaultConfig(), Options{
		Timeout: 20 * time.Millisecond,
		Retries: 2,
		Conn:    card,
	})
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.ResetFPGA(context.Background()))
	assert.Equal(t, 2, attempts)
}

func TestRequestTimeoutExhaustsRetries(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(req *wire.Frame) *wire.Frame {
		if req.Command == wire.CmdResetRadar {
			return nil
		}
		return ackAll(req)
	})

	err := client.ResetRadar(context.Background())
	assert.ErrorIs(t, err, ErrProtocolTimeout)
}

func TestRequestDiscardsStaleResponses(t *testing.T) {
	t.Parallel()

	card := newFakeCard(nil)
	card.handler = func(req *wire.Frame) *wire.Frame {
		if req.Command == wire.CmdResetFPGA {
			// Answer with a stale ack for a different command first, then
			// the real ack. The client must skip the stale frame.
			card.pending = append(card.pending,
				(&wire.Frame{Command: wire.CmdStopRecord, Status: wire.StatusSuccess}).Encode())
		}
		return ackAll(req)
	}
	client := NewClient(DefaultConfig(), Options{
		Timeout: 50 * time.Millisecond,
		Conn:    card,
	})
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.ResetFPGA(context.Background()))
}

func TestReadFPGAVersion(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(req *wire.Frame) *wire.Frame {
		if req.Command == wire.CmdReadFPGAVersion {
			return &wire.Frame{Command: req.Command, Status: 2 | 8<<7}
		}
		return ackAll(req)
	})

	v, err := client.ReadFPGAVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.FPGAVersion{Major: 2, Minor: 8}, v)
}

func TestReadSystemStatus(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(req *wire.Frame) *wire.Frame {
		if req.Command == wire.CmdSystemStatus {
			return &wire.Frame{Command: req.Command, Status: uint16(wire.StatusNoLvdsData | wire.StatusDdrFull)}
		}
		return ackAll(req)
	})

	s, err := client.ReadSystemStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Has(wire.StatusNoLvdsData))
	assert.True(t, s.Has(wire.StatusDdrFull))
}

func TestAwaitDataFlowSeesBytes(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, ackAll)

	var mu sync.Mutex
	var observed uint64
	go func() {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		observed = 4096
		mu.Unlock()
	}()

	err := client.AwaitDataFlow(context.Background(), time.Second, func() (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		return observed, nil
	})
	assert.NoError(t, err)
}

func TestAwaitDataFlowWindowExpires(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, ackAll)

	err := client.AwaitDataFlow(context.Background(), 30*time.Millisecond, func() (uint64, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrNoLvdsData)
}

func TestAwaitDataFlowNoLvdsFault(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(req *wire.Frame) *wire.Frame {
		if req.Command == wire.CmdSystemStatus {
			return &wire.Frame{Command: req.Command, Status: uint16(wire.StatusNoLvdsData)}
		}
		return ackAll(req)
	})

	err := client.AwaitDataFlow(context.Background(), time.Second, func() (uint64, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrNoLvdsData)
}

func TestAwaitDataFlowCancelled(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, ackAll)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.AwaitDataFlow(ctx, time.Second, func() (uint64, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	client, card := newTestClient(t, ackAll)
	client.Disconnect()
	client.Disconnect()
	assert.True(t, card.closed)

	err := client.StopRecord(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
