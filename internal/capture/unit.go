// Package capture orchestrates one recording session across a set of named
// hardware units. The manager owns the common lifecycle — initialize,
// prepare, start, wait, stop, dump — while each unit owns its hardware.
// Units fail independently: a session with one broken unit still produces a
// complete directory tree for the units that worked.
package capture

import "context"

// Unit is one named hardware capability registered with the Manager. The
// Manager drives every unit through the same lifecycle; all calls to one
// unit are sequential, and a unit must never touch another unit's hardware
// or files.
//
// Output files belong under the directory given by SetBaseDir, which the
// Manager assigns before Prepare.
type Unit interface {
	// Name is the unit's label, used for its artifact subdirectory.
	Name() string

	// Init connects and configures the hardware. It must not create
	// output files; sessions that fail initialization leave no artifacts.
	Init(ctx context.Context) error

	// SetBaseDir assigns the unit's artifact directory for the session.
	SetBaseDir(dir string)

	// Prepare creates output files and arms any recording processes.
	Prepare(ctx context.Context) error

	// Start begins the actual capture and returns once data flow is
	// confirmed, not merely requested.
	Start(ctx context.Context) error

	// Stop ends the capture and closes output files. It must be safe to
	// call after a failed Start.
	Stop(ctx context.Context) error

	// DumpConfig persists the unit's effective configuration into its
	// base directory.
	DumpConfig() error
}

// Completer is an optional Unit extension for hardware that knows when its
// own capture is done, such as a radar running a fixed frame count. The
// Manager waits on AwaitComplete instead of running the full session bound.
type Completer interface {
	Unit

	// AwaitComplete blocks until the unit's capture is finished or ctx
	// ends.
	AwaitComplete(ctx context.Context) error
}
