package capture

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmwave-data/mmwavecap/internal/captureconfig"
	"github.com/mmwave-data/mmwavecap/internal/fsutil"
)

// fakeUnit records its lifecycle calls. The manager drives one unit from a
// single goroutine, so no locking is needed.
type fakeUnit struct {
	name    string
	baseDir string
	calls   []string

	initErr    error
	prepareErr error
	startErr   error
	stopErr    error
	dumpErr    error
}

func (u *fakeUnit) Name() string { return u.name }

func (u *fakeUnit) Init(ctx context.Context) error {
	u.calls = append(u.calls, "init")
	return u.initErr
}

func (u *fakeUnit) SetBaseDir(dir string) { u.baseDir = dir }

func (u *fakeUnit) Prepare(ctx context.Context) error {
	u.calls = append(u.calls, "prepare")
	return u.prepareErr
}

func (u *fakeUnit) Start(ctx context.Context) error {
	u.calls = append(u.calls, "start")
	return u.startErr
}

func (u *fakeUnit) Stop(ctx context.Context) error {
	u.calls = append(u.calls, "stop")
	return u.stopErr
}

func (u *fakeUnit) DumpConfig() error {
	u.calls = append(u.calls, "dump")
	return u.dumpErr
}

// completingUnit also reports its own capture end, like a radar with a
// fixed frame count.
type completingUnit struct {
	fakeUnit
	awaitErr error
}

func (u *completingUnit) AwaitComplete(ctx context.Context) error {
	u.calls = append(u.calls, "await")
	if u.awaitErr != nil {
		return u.awaitErr
	}
	return nil
}

func testConfig(duration string) *captureconfig.Config {
	return &captureconfig.Config{
		DatasetDir: "dataset",
		Logging:    captureconfig.Logging{Level: "debug"},
		Capture:    captureconfig.Capture{Duration: duration},
	}
}

func TestCaptureNoUnits(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig(""), fsutil.NewMemoryFileSystem())
	_, err := m.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoUnits)
}

func TestInitHardware(t *testing.T) {
	t.Parallel()

	broken := &fakeUnit{name: "broken", initErr: errors.New("no such device")}
	fine := &fakeUnit{name: "fine"}
	m := NewManager(testConfig(""), fsutil.NewMemoryFileSystem())
	m.Register(broken)
	m.Register(fine)

	err := m.InitHardware(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	// One broken unit must not stop the others from initializing.
	assert.Equal(t, []string{"init"}, fine.calls)
}

func TestCaptureLifecycle(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	u := &fakeUnit{name: "radar0"}
	m := NewManager(testConfig("20ms"), fsys)
	m.Register(u)

	res, err := m.Capture(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.SessionID)
	assert.Equal(t, []string{"prepare", "start", "stop", "dump"}, u.calls)
	assert.Equal(t, filepath.Join(res.SessionDir, "radar0"), u.baseDir)

	// The stamped config lands in the session before any unit runs.
	data, err := fsys.ReadFile(filepath.Join(res.SessionDir, ConfigFilename))
	require.NoError(t, err)
	assert.Contains(t, string(data), "uuid = ")
	assert.Contains(t, string(data), "date = ")
}

func TestCaptureStampsSessionTime(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	m := NewManager(testConfig("20ms"), fsys)
	m.now = func() time.Time { return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC) }
	m.Register(&fakeUnit{name: "radar0"})

	res, err := m.Capture(context.Background())
	require.NoError(t, err)

	data, err := fsys.ReadFile(filepath.Join(res.SessionDir, ConfigFilename))
	require.NoError(t, err)
	assert.Contains(t, string(data), "2026-08-23T12:00:00Z")
}

func TestCaptureFailureIsolation(t *testing.T) {
	t.Parallel()

	bad := &fakeUnit{name: "bad", startErr: errors.New("no data flow")}
	good := &fakeUnit{name: "good"}
	m := NewManager(testConfig("20ms"), fsutil.NewMemoryFileSystem())
	m.Register(bad)
	m.Register(good)

	res, err := m.Capture(context.Background())
	require.Error(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, []string{"bad"}, res.FailedUnits())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageStart, res.Failures[0].Stage)

	// The failed unit is still torn down, and the healthy one runs its
	// whole lifecycle untouched.
	assert.Equal(t, []string{"prepare", "start", "stop", "dump"}, bad.calls)
	assert.Equal(t, []string{"prepare", "start", "stop", "dump"}, good.calls)
}

func TestCapturePrepareFailureSkipsStop(t *testing.T) {
	t.Parallel()

	u := &fakeUnit{name: "radar0", prepareErr: errors.New("tcpdump not found")}
	m := NewManager(testConfig("20ms"), fsutil.NewMemoryFileSystem())
	m.Register(u)

	res, err := m.Capture(context.Background())
	require.Error(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StagePrepare, res.Failures[0].Stage)

	// Nothing was armed, so there is nothing to stop; the config dump is
	// still attempted.
	assert.Equal(t, []string{"prepare", "dump"}, u.calls)
}

func TestCaptureStopFailureRecorded(t *testing.T) {
	t.Parallel()

	u := &fakeUnit{name: "radar0", stopErr: errors.New("sensor wedged")}
	m := NewManager(testConfig("20ms"), fsutil.NewMemoryFileSystem())
	m.Register(u)

	res, err := m.Capture(context.Background())
	require.Error(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageStop, res.Failures[0].Stage)
	assert.Equal(t, []string{"prepare", "start", "stop", "dump"}, u.calls)
}

func TestCaptureCompleterEndsEarly(t *testing.T) {
	t.Parallel()

	// No duration bound: the session ends when the unit reports done.
	u := &completingUnit{fakeUnit: fakeUnit{name: "radar0"}}
	m := NewManager(testConfig(""), fsutil.NewMemoryFileSystem())
	m.Register(u)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.Capture(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, []string{"prepare", "start", "await", "stop", "dump"}, u.calls)
}

func TestCaptureCompleterFailure(t *testing.T) {
	t.Parallel()

	u := &completingUnit{
		fakeUnit: fakeUnit{name: "radar0"},
		awaitErr: errors.New("data flow stalled"),
	}
	m := NewManager(testConfig(""), fsutil.NewMemoryFileSystem())
	m.Register(u)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.Capture(ctx)
	require.Error(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageCapture, res.Failures[0].Stage)

	// A stalled capture still gets stopped and dumped.
	assert.Equal(t, []string{"prepare", "start", "await", "stop", "dump"}, u.calls)
}

func TestCaptureCompleterDeadlineIsNotFailure(t *testing.T) {
	t.Parallel()

	u := &completingUnit{
		fakeUnit: fakeUnit{name: "radar0"},
		awaitErr: context.DeadlineExceeded,
	}
	m := NewManager(testConfig("20ms"), fsutil.NewMemoryFileSystem())
	m.Register(u)

	res, err := m.Capture(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestCaptureDurationBound(t *testing.T) {
	t.Parallel()

	// A unit without completion tracking runs until the bound expires.
	u := &fakeUnit{name: "radar0"}
	m := NewManager(testConfig("30ms"), fsutil.NewMemoryFileSystem())
	m.Register(u)

	begin := time.Now()
	res, err := m.Capture(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.GreaterOrEqual(t, time.Since(begin), 30*time.Millisecond)
}

func TestCaptureSessionIDsAdvance(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	m := NewManager(testConfig("10ms"), fsys)
	m.Register(&fakeUnit{name: "radar0"})

	for want := 0; want < 3; want++ {
		res, err := m.Capture(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, res.SessionID)
	}
}

func TestCaptureBadDuration(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig("soon"), fsutil.NewMemoryFileSystem())
	m.Register(&fakeUnit{name: "radar0"})
	_, err := m.Capture(context.Background())
	assert.ErrorIs(t, err, captureconfig.ErrInvalid)
}
