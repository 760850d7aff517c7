package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for batch runs and their
// per-sequence outcomes.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_runs (
            id TEXT PRIMARY KEY,
            data_path TEXT NOT NULL,
            start_phase INTEGER NOT NULL,
            no_filter BOOLEAN DEFAULT FALSE,
            sequences_found INTEGER,
            sequences_failed INTEGER,
            status TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS sequence_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            sequence_path TEXT NOT NULL,
            work_dir TEXT,
            status TEXT NOT NULL,
            failed_phase INTEGER,
            frames_total INTEGER,
            frames_selected INTEGER,
            error_message TEXT,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_sequence_results_run_id ON sequence_results(run_id);`,
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

// RunRecord captures one batch invocation.
type RunRecord struct {
	ID              string
	DataPath        string
	StartPhase      int
	NoFilter        bool
	SequencesFound  int
	SequencesFailed int
	Status          string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// SequenceRecord captures the outcome of one sequence in a run.
type SequenceRecord struct {
	RunID          string
	SequencePath   string
	WorkDir        string
	Status         string
	FailedPhase    int
	FramesTotal    int
	FramesSelected int
	Error          string
	Duration       time.Duration
}

// RecordRunStart inserts a pending batch run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO batch_runs (id, data_path, start_phase, no_filter, status) VALUES (?, ?, ?, ?, 'running');`,
		rec.ID, rec.DataPath, rec.StartPhase, rec.NoFilter)
	return err
}

// RecordRunFinish finalizes a batch run with totals.
func (s *Store) RecordRunFinish(id string, found, failed int, status string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE batch_runs SET sequences_found=?, sequences_failed=?, status=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		found, failed, status, id)
	return err
}

// RecordSequenceResult persists one sequence outcome.
func (s *Store) RecordSequenceResult(rec SequenceRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO sequence_results (run_id, sequence_path, work_dir, status, failed_phase, frames_total, frames_selected, error_message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.SequencePath, rec.WorkDir, rec.Status, rec.FailedPhase,
		rec.FramesTotal, rec.FramesSelected, rec.Error, rec.Duration.Milliseconds())
	return err
}

// RecentRuns returns the latest batch runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, data_path, start_phase, no_filter, sequences_found, sequences_failed, status, created_at, completed_at FROM batch_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var found, failed sql.NullInt64
		var created time.Time
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.DataPath, &rec.StartPhase, &rec.NoFilter, &found, &failed, &rec.Status, &created, &completed); err != nil {
			return nil, err
		}
		rec.SequencesFound = int(found.Int64)
		rec.SequencesFailed = int(failed.Int64)
		rec.CreatedAt = created
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunSequences returns the sequence outcomes recorded for a run.
func (s *Store) RunSequences(runID string) ([]SequenceRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, sequence_path, work_dir, status, failed_phase, frames_total, frames_selected, error_message, duration_ms FROM sequence_results WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SequenceRecord
	for rows.Next() {
		var rec SequenceRecord
		var errMsg sql.NullString
		var durMS int64
		if err := rows.Scan(&rec.RunID, &rec.SequencePath, &rec.WorkDir, &rec.Status, &rec.FailedPhase, &rec.FramesTotal, &rec.FramesSelected, &errMsg, &durMS); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		rec.Duration = time.Duration(durMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
