package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmwave-data/mmwavecap/internal/captureconfig"
	"github.com/mmwave-data/mmwavecap/internal/fsutil"
	"github.com/mmwave-data/mmwavecap/internal/monitoring"
)

// ErrNoUnits is returned by Capture when nothing was registered.
var ErrNoUnits = errors.New("no capture units registered")

// Lifecycle stages a unit failure is attributed to.
const (
	StagePrepare = "prepare"
	StageStart   = "start"
	StageCapture = "capture"
	StageStop    = "stop"
	StageDump    = "dump"
)

// defaultStopTimeout bounds the teardown of one unit after the session
// context has ended.
const defaultStopTimeout = 10 * time.Second

// UnitResult records one unit failure, attributed to a lifecycle stage. A
// unit may accumulate several (a failed start followed by a failed stop).
type UnitResult struct {
	Unit  string
	Stage string
	Err   error
}

func (r UnitResult) Error() string {
	return fmt.Sprintf("unit %s: %s: %v", r.Unit, r.Stage, r.Err)
}

func (r UnitResult) Unwrap() error {
	return r.Err
}

// Result is the outcome of one capture session: where it landed on disk and
// which units failed at which stage. Partial success is a valid terminal
// outcome and is always reported per unit, never upgraded to overall
// success.
type Result struct {
	SessionID  int
	SessionDir string
	UUID       string
	Failures   []UnitResult
	Units      []string
}

// OK reports whether every unit completed cleanly.
func (r *Result) OK() bool {
	return len(r.Failures) == 0
}

// FailedUnits returns the distinct unit names with at least one failure.
func (r *Result) FailedUnits() []string {
	seen := map[string]bool{}
	var names []string
	for _, f := range r.Failures {
		if !seen[f.Unit] {
			seen[f.Unit] = true
			names = append(names, f.Unit)
		}
	}
	return names
}

// Manager runs capture sessions over a registered set of units.
type Manager struct {
	cfg         *captureconfig.Config
	fs          fsutil.FileSystem
	units       []Unit
	stopTimeout time.Duration
	now         func() time.Time
}

// NewManager creates a manager for the rig described by cfg. A nil fsys
// means the real filesystem.
func NewManager(cfg *captureconfig.Config, fsys fsutil.FileSystem) *Manager {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Manager{
		cfg:         cfg,
		fs:          fsys,
		stopTimeout: defaultStopTimeout,
		now:         time.Now,
	}
}

// Register adds a unit. Units are driven in registration order during
// InitHardware and concurrently during Capture.
func (m *Manager) Register(u Unit) {
	m.units = append(m.units, u)
}

// Units returns the registered unit names in registration order.
func (m *Manager) Units() []string {
	names := make([]string, len(m.units))
	for i, u := range m.units {
		names[i] = u.Name()
	}
	return names
}

// InitHardware initializes every unit. Units are independent: one failure
// does not stop the others from initializing, but any failure fails the
// call, listing which units broke. Nothing is written to disk here.
func (m *Manager) InitHardware(ctx context.Context) error {
	var errs []error
	for _, u := range m.units {
		if err := u.Init(ctx); err != nil {
			monitoring.Logf("capture: unit %s failed to initialize: %v", u.Name(), err)
			errs = append(errs, fmt.Errorf("unit %s: init: %w", u.Name(), err))
			continue
		}
		monitoring.Logf("capture: unit %s initialized", u.Name())
	}
	return errors.Join(errs...)
}

// Capture runs one session: allocate the id and directory tree, persist the
// stamped configuration, then drive every unit concurrently through
// prepare, start, wait, stop and dump. The wait ends at the configured
// capture duration, at ctx cancellation, or when a unit reports its own
// completion. Stop and dump are always attempted for units that got
// through prepare, even when start failed.
//
// The returned Result is complete even when the error is non-nil; the error
// joins the per-unit failures.
func (m *Manager) Capture(ctx context.Context) (*Result, error) {
	if len(m.units) == 0 {
		return nil, ErrNoUnits
	}

	duration, err := m.cfg.CaptureDuration()
	if err != nil {
		return nil, err
	}

	session, err := NewSession(m.fs, m.cfg.DatasetDir, m.Units(), m.cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stamped := *m.cfg
	stamped.Stamp(m.now(), session.UUID())
	data, err := stamped.Marshal()
	if err != nil {
		return nil, err
	}
	if err := session.WriteConfig(data); err != nil {
		return nil, err
	}

	runCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	failures := make([][]UnitResult, len(m.units))
	var wg sync.WaitGroup
	for i, u := range m.units {
		wg.Add(1)
		go func(i int, u Unit) {
			defer wg.Done()
			failures[i] = m.runUnit(runCtx, session, u)
		}(i, u)
	}
	wg.Wait()

	result := &Result{
		SessionID:  session.ID,
		SessionDir: session.Dir,
		UUID:       session.UUID(),
		Units:      m.Units(),
	}
	var errs []error
	for _, fs := range failures {
		for _, f := range fs {
			result.Failures = append(result.Failures, f)
			errs = append(errs, f)
		}
	}
	if result.OK() {
		session.Log.Info("capture finished", "session", session.ID)
	} else {
		session.Log.Error("capture finished with failures",
			"session", session.ID, "failed_units", result.FailedUnits())
	}
	return result, errors.Join(errs...)
}

// runUnit drives one unit through its lifecycle and returns its failures.
func (m *Manager) runUnit(ctx context.Context, session *Session, u Unit) []UnitResult {
	name := u.Name()
	log := session.Log.With("unit", name)
	var failures []UnitResult
	fail := func(stage string, err error) {
		log.Error("stage failed", "stage", stage, "err", err)
		failures = append(failures, UnitResult{Unit: name, Stage: stage, Err: err})
	}

	u.SetBaseDir(session.UnitDir(name))

	if err := u.Prepare(ctx); err != nil {
		fail(StagePrepare, err)
	} else {
		log.Info("prepared")
		if err := u.Start(ctx); err != nil {
			fail(StageStart, err)
		} else {
			log.Info("started")
			m.awaitUnit(ctx, u, fail)
		}

		// Teardown gets its own deadline: the session context is often
		// already done by the time we stop.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout)
		if err := u.Stop(stopCtx); err != nil {
			fail(StageStop, err)
		} else {
			log.Info("stopped")
		}
		cancel()
	}

	if err := u.DumpConfig(); err != nil {
		fail(StageDump, err)
	}
	return failures
}

// awaitUnit waits out the capture phase: completion-aware units report
// their own end, the rest run until the session context closes. Hitting
// the duration bound or an external stop is a normal end, not a failure.
func (m *Manager) awaitUnit(ctx context.Context, u Unit, fail func(string, error)) {
	c, ok := u.(Completer)
	if !ok {
		<-ctx.Done()
		return
	}
	err := c.AwaitComplete(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		fail(StageCapture, err)
	}
}
