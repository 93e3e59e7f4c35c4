// Package capturedb keeps the dataset catalog: one sqlite database at the
// dataset root recording every capture session, the per-unit failures it
// produced, and the decode validation run over its data files. The directory
// tree remains the source of truth for the data itself; the catalog makes it
// queryable.
package capturedb

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mmwave-data/mmwavecap/internal/capture"
	"github.com/mmwave-data/mmwavecap/internal/capture/decode"
)

// Filename is the catalog database name under the dataset root.
const Filename = "captures.db"

type CaptureDB struct {
	*sql.DB
}

//go:embed schema.sql
var schemaSQL string

// New opens or creates the catalog at path.
func New(path string) (*CaptureDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open capture db %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init capture db %s: %w", path, err)
	}
	return &CaptureDB{db}, nil
}

// RecordSession stores one finished session and its failures, returning the
// catalog row id the session's other records hang off.
func (db *CaptureDB) RecordSession(res *capture.Result, uuid, title string) (int64, error) {
	r, err := db.Exec(`
		INSERT INTO capture_sessions (session_id, uuid, session_dir, title, ok)
		VALUES (?, ?, ?, ?, ?)`,
		res.SessionID, uuid, res.SessionDir, title, res.OK())
	if err != nil {
		return 0, fmt.Errorf("record session %d: %w", res.SessionID, err)
	}
	row, err := r.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, f := range res.Failures {
		if _, err := db.Exec(`
			INSERT INTO unit_failures (session, unit, stage, error)
			VALUES (?, ?, ?, ?)`,
			row, f.Unit, f.Stage, f.Err.Error()); err != nil {
			return 0, fmt.Errorf("record failure for unit %s: %w", f.Unit, err)
		}
	}
	return row, nil
}

// SessionRow finds the catalog row id for a session uuid.
func (db *CaptureDB) SessionRow(uuid string) (int64, error) {
	var row int64
	err := db.QueryRow(`SELECT id FROM capture_sessions WHERE uuid = ?`, uuid).Scan(&row)
	if err != nil {
		return 0, fmt.Errorf("lookup session %s: %w", uuid, err)
	}
	return row, nil
}

// RecordDecodeReport stores the validation outcome of decoding one unit's
// data stream.
func (db *CaptureDB) RecordDecodeReport(session int64, unit string, r *decode.Result) error {
	_, err := db.Exec(`
		INSERT INTO decode_reports
			(session, unit, port, packets, received_bytes, reported_bytes,
			 lost_bytes, loss_spans, samples, expected_samples, valid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, unit, r.Port, r.Packets, r.ReceivedBytes, r.ReportedBytes,
		r.LostBytes(), len(r.Loss), len(r.Samples), r.ExpectedSamples, r.Valid())
	if err != nil {
		return fmt.Errorf("record decode report for unit %s port %d: %w", unit, r.Port, err)
	}
	return nil
}

// SessionSummary is one catalog row joined with its failure count.
type SessionSummary struct {
	SessionID int
	UUID      string
	Dir       string
	Title     string
	OK        bool
	Failures  int
}

// Sessions lists the catalog newest-first.
func (db *CaptureDB) Sessions() ([]SessionSummary, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.uuid, s.session_dir, s.title, s.ok,
		       (SELECT COUNT(*) FROM unit_failures f WHERE f.session = s.id)
		FROM capture_sessions s
		ORDER BY s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.SessionID, &s.UUID, &s.Dir, &s.Title, &s.OK, &s.Failures); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
