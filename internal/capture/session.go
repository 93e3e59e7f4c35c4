package capture

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"

	clog "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mmwave-data/mmwavecap/internal/fsutil"
	"github.com/mmwave-data/mmwavecap/internal/monitoring"
)

// Session directory layout, shared with every tool that reads a dataset.
const (
	ConfigFilename = "config.toml"
	LogFilename    = "capture.log"

	sessionDirPrefix = "capture_"
	sessionDirFormat = sessionDirPrefix + "%05d"
)

var sessionDirRE = regexp.MustCompile(`^capture_(\d+)$`)

// NextSessionID scans the dataset root for session directories and returns
// one past the highest id found. Ids are never reused: deleting an
// intermediate session leaves later ids untouched, so a fresh root starts
// at 0 and every allocation is max+1.
func NextSessionID(fsys fsutil.FileSystem, root string) (int, error) {
	if !fsys.Exists(root) {
		return 0, nil
	}
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("scan dataset root %s: %w", root, err)
	}

	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := sessionDirRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if id+1 > next {
			next = id + 1
		}
	}
	return next, nil
}

// SessionDir returns the directory path for a session id under root.
func SessionDir(root string, id int) string {
	return filepath.Join(root, fmt.Sprintf(sessionDirFormat, id))
}

// Session is one allocated capture attempt: its id, its directory tree, and
// its structured log. The tree — session dir, one subdirectory per unit,
// and the capture.log sink — is created eagerly at construction so a crash
// mid-capture still leaves forensic evidence on disk.
type Session struct {
	ID  int
	Dir string

	// Log is the session's structured logger, backed by capture.log.
	Log *clog.Logger

	fs      fsutil.FileSystem
	logFile io.WriteCloser
	uuid    string
}

// NewSession allocates the next session id under root and builds its
// directory tree with one subdirectory per unit name.
func NewSession(fsys fsutil.FileSystem, root string, unitNames []string, logLevel string) (*Session, error) {
	id, err := NextSessionID(fsys, root)
	if err != nil {
		return nil, err
	}

	dir := SessionDir(root, id)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}
	for _, name := range unitNames {
		if err := fsys.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			return nil, fmt.Errorf("create unit dir for %s: %w", name, err)
		}
	}

	logFile, err := fsys.Create(filepath.Join(dir, LogFilename))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", LogFilename, err)
	}

	s := &Session{
		ID:      id,
		Dir:     dir,
		Log:     monitoring.NewCaptureLogger(logFile, logLevel),
		fs:      fsys,
		logFile: logFile,
		uuid:    uuid.NewString(),
	}
	monitoring.Logf("capture: session %05d at %s", id, dir)
	s.Log.Info("session created", "id", id, "uuid", s.uuid)
	return s, nil
}

// UUID returns the session's unique identifier, stamped into its metadata.
func (s *Session) UUID() string {
	return s.uuid
}

// UnitDir returns a unit's artifact directory inside the session.
func (s *Session) UnitDir(name string) string {
	return filepath.Join(s.Dir, name)
}

// WriteConfig persists the session's config.toml.
func (s *Session) WriteConfig(data []byte) error {
	return s.fs.WriteFile(filepath.Join(s.Dir, ConfigFilename), data, 0o644)
}

// Close flushes and closes the session log.
func (s *Session) Close() error {
	return s.logFile.Close()
}
