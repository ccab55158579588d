// Package journal keeps a SQLite record of acquisition runs: when they
// ran, at which illumination level, which files they produced and where
// those were exported.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/journal/migrations"
	"github.com/cjeanneret/SFDIGo/internal/logic/sequence"
)

// Journal is a run journal backed by one SQLite file.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// one writer: the sequencer observer and the web readers share it
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path}
	if err := j.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	debug.Verbose("Journal opened at %s", path)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

func (j *Journal) migrate(fsys embed.FS) error {
	if _, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var ups []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	for _, name := range ups {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := j.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := j.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Observe records sequencer events. Write failures are logged, never
// returned: the journal must not disturb a run.
func (j *Journal) Observe(ev sequence.Event) {
	if err := j.record(context.Background(), ev); err != nil {
		debug.Warn("Journal: %v", err)
	}
}

func (j *Journal) record(ctx context.Context, ev sequence.Event) error {
	switch {
	case ev.Step != nil:
		_, err := j.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO captures (run_id, step, angle, path, ok, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ev.RunID, ev.Step.Index, ev.Step.Angle, ev.Step.Path, ev.Step.OK, errString(ev.Step.Err), ev.Time.UTC())
		return err
	case ev.Export != nil:
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO exports (run_id, path, ok, error, created_at) VALUES (?, ?, ?, ?, ?)
		`, ev.RunID, ev.Export.Path, ev.Export.Err == nil, errString(ev.Export.Err), ev.Time.UTC())
		return err
	case ev.State == sequence.Idle:
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO runs (id, level, state, started_at) VALUES (?, ?, ?, ?)
		`, ev.RunID, ev.Level, ev.State.String(), ev.Time.UTC())
		return err
	case ev.State == sequence.Done || ev.State == sequence.Failed:
		_, err := j.db.ExecContext(ctx, `
			UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?
		`, ev.State.String(), errString(ev.Err), ev.Time.UTC(), ev.RunID)
		return err
	default:
		_, err := j.db.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, ev.State.String(), ev.RunID)
		return err
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Run is one journaled run.
type Run struct {
	ID         string    `json:"id"`
	Level      int       `json:"level"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Captures   []Capture `json:"captures"`
	Exports    []Export  `json:"exports"`
}

// Capture is one journaled capture step.
type Capture struct {
	Step  int     `json:"step"`
	Angle float64 `json:"angle"`
	Path  string  `json:"path,omitempty"`
	OK    bool    `json:"ok"`
	Error string  `json:"error,omitempty"`
}

// Export is one journaled file transfer.
type Export struct {
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Recent returns the last limit runs, newest first, with their captures and exports.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, level, state, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Level, &r.State, &r.Error, &r.StartedAt, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Captures, err = j.captures(ctx, runs[i].ID); err != nil {
			return nil, err
		}
		if runs[i].Exports, err = j.exports(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (j *Journal) captures(ctx context.Context, runID string) ([]Capture, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT step, angle, path, ok, error FROM captures WHERE run_id = ? ORDER BY step
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying captures: %w", err)
	}
	defer rows.Close()
	var out []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.Step, &c.Angle, &c.Path, &c.OK, &c.Error); err != nil {
			return nil, fmt.Errorf("scanning capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (j *Journal) exports(ctx context.Context, runID string) ([]Export, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT path, ok, error FROM exports WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying exports: %w", err)
	}
	defer rows.Close()
	var out []Export
	for rows.Next() {
		var e Export
		if err := rows.Scan(&e.Path, &e.OK, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning export: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
