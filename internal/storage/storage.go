package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed run history, stage records, cache digests and the
// per-file header table. A nil *Store ignores writes.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure-Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database with driver "sqlite" (modernc, pure Go) or
// "sqlite3" (mattn, cgo).
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
	case "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY from workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            config_path TEXT,
            status TEXT NOT NULL,
            files INTEGER,
            succeeded INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            created_at INTEGER NOT NULL,
            completed_at INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS stage_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            input_path TEXT NOT NULL,
            stage TEXT NOT NULL,
            state TEXT NOT NULL,
            outputs_json TEXT,
            duration_ms INTEGER,
            error_message TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS stage_digests (
            output_path TEXT PRIMARY KEY,
            stage TEXT NOT NULL,
            digest TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS file_headers (
            file_path TEXT PRIMARY KEY,
            camera INTEGER,
            object TEXT,
            mjd REAL,
            ut TEXT,
            exptime REAL,
            pa REAL,
            u_flc TEXT,
            nframes INTEGER,
            header_json TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stage_records_run ON stage_records(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_file_headers_camera ON file_headers(camera, mjd);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string
	Name        string
	ConfigPath  string
	Status      string
	Files       int
	Succeeded   int
	Failed      int
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// StageRecord is one (file, stage) outcome.
type StageRecord struct {
	RunID     string
	Input     string
	Stage     string
	State     string
	Outputs   []string
	Duration  time.Duration
	Error     string
	CreatedAt time.Time
}

// HeaderRecord summarizes one input file's header.
type HeaderRecord struct {
	FilePath string
	Camera   int
	Object   string
	MJD      float64
	UT       string
	ExpTime  float64
	PA       float64
	FLC      string
	NFrames  int
	Cards    map[string]any
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = "running"
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, name, config_path, status, files, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Name, rec.ConfigPath, rec.Status, rec.Files, millis(rec.CreatedAt))
	return err
}

// RecordRunResult finalizes a run.
func (s *Store) RecordRunResult(id, status string, succeeded, failed int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, succeeded=?, failed=?, completed_at=?, error_message=? WHERE id=?;`,
		status, succeeded, failed, millis(time.Now()), errMsg, id)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, name, config_path, status, files, succeeded, failed, created_at, completed_at, error_message FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var configPath, errorMsg sql.NullString
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Name, &configPath, &rec.Status, &rec.Files, &rec.Succeeded, &rec.Failed, &created, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.ConfigPath = configPath.String
		rec.Error = errorMsg.String
		rec.CreatedAt = fromMillis(created)
		if completed.Valid {
			t := fromMillis(completed.Int64)
			rec.CompletedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordStage appends a stage outcome.
func (s *Store) RecordStage(rec StageRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	outputs, _ := json.Marshal(rec.Outputs)
	_, err := s.DB.Exec(`INSERT INTO stage_records (run_id, input_path, stage, state, outputs_json, duration_ms, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Input, rec.Stage, rec.State, string(outputs), rec.Duration.Milliseconds(), rec.Error, millis(rec.CreatedAt))
	return err
}

// StageRecords returns a run's stage outcomes in insertion order.
func (s *Store) StageRecords(runID string) ([]StageRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, input_path, stage, state, outputs_json, duration_ms, error_message, created_at FROM stage_records WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StageRecord
	for rows.Next() {
		var rec StageRecord
		var outputs, errorMsg sql.NullString
		var durationMS, created int64
		if err := rows.Scan(&rec.RunID, &rec.Input, &rec.Stage, &rec.State, &outputs, &durationMS, &errorMsg, &created); err != nil {
			return nil, err
		}
		if outputs.Valid && outputs.String != "" {
			if err := json.Unmarshal([]byte(outputs.String), &rec.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal outputs: %w", err)
			}
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Error = errorMsg.String
		rec.CreatedAt = fromMillis(created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Digest returns the params digest recorded for an output.
func (s *Store) Digest(output string) (string, bool, error) {
	if s == nil {
		return "", false, nil
	}
	var digest string
	err := s.DB.QueryRow(`SELECT digest FROM stage_digests WHERE output_path=?;`, output).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return digest, true, nil
}

// SetDigest records the params digest an output was produced with.
func (s *Store) SetDigest(output, stage, digest string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stage_digests (output_path, stage, digest, updated_at) VALUES (?, ?, ?, ?);`,
		output, stage, digest, millis(time.Now()))
	return err
}

// RecordHeader stores a file's header summary.
func (s *Store) RecordHeader(rec HeaderRecord) error {
	if s == nil {
		return nil
	}
	cards, err := json.Marshal(rec.Cards)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO file_headers (file_path, camera, object, mjd, ut, exptime, pa, u_flc, nframes, header_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.FilePath, rec.Camera, rec.Object, rec.MJD, rec.UT, rec.ExpTime, rec.PA, rec.FLC, rec.NFrames, string(cards))
	return err
}

// Headers returns header summaries for the given files (all when none given),
// ordered by camera then MJD.
func (s *Store) Headers(paths ...string) ([]HeaderRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, camera, object, mjd, ut, exptime, pa, u_flc, nframes, header_json FROM file_headers ORDER BY camera, mjd, u_flc, file_path;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		want[p] = struct{}{}
	}
	var recs []HeaderRecord
	for rows.Next() {
		var rec HeaderRecord
		var object, ut, flc, cards sql.NullString
		if err := rows.Scan(&rec.FilePath, &rec.Camera, &object, &rec.MJD, &ut, &rec.ExpTime, &rec.PA, &flc, &rec.NFrames, &cards); err != nil {
			return nil, err
		}
		if len(want) > 0 {
			if _, ok := want[rec.FilePath]; !ok {
				continue
			}
		}
		rec.Object, rec.UT, rec.FLC = object.String, ut.String, flc.String
		if cards.Valid && cards.String != "" {
			if err := json.Unmarshal([]byte(cards.String), &rec.Cards); err != nil {
				return nil, fmt.Errorf("unmarshal header: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
