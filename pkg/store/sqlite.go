package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/locuskit/locus/pkg"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fixes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time_ms INTEGER NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	alt REAL,
	acc REAL NOT NULL,
	speed REAL,
	bearing REAL,
	source TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attrs TEXT
);
CREATE INDEX IF NOT EXISTS idx_fixes_time ON fixes(time_ms);
`

// SQLiteStore persists history in an embedded sqlite database
type SQLiteStore struct {
	mu     sync.Mutex
	path   string
	db     *sql.DB
	closed bool
}

// NewSQLiteStore creates the store for a database path (":memory:" is
// accepted for tests)
func NewSQLiteStore(path string) *SQLiteStore {
	if path == "" {
		path = "location_history.db"
	}
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return pkg.ErrStoreClosed
	}
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer; sqlite handles its own locking
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("create schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Save(fix pkg.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}
	return insertFix(s.db, fix)
}

func (s *SQLiteStore) SaveBatch(fixes []pkg.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, f := range fixes {
		if err := insertFix(tx, f); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertFix(e execer, fix pkg.Fix) error {
	var attrs interface{}
	if len(fix.Attributes) > 0 {
		raw, err := json.Marshal(fix.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		attrs = string(raw)
	}
	_, err := e.Exec(
		`INSERT INTO fixes (time_ms, lat, lon, alt, acc, speed, bearing, source, source_id, status, attrs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fix.Timestamp, fix.Latitude, fix.Longitude, optFloat(fix.Altitude),
		fix.Accuracy, optFloat(fix.Speed), optFloat(fix.Bearing),
		string(fix.Source), fix.SourceID, string(fix.Status), attrs)
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}
	return nil
}

func optFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func (s *SQLiteStore) Latest() (pkg.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readyLocked() != nil {
		return pkg.Fix{}, false
	}
	rows, err := s.db.Query(
		`SELECT time_ms, lat, lon, alt, acc, speed, bearing, source, source_id, status, attrs
		 FROM fixes ORDER BY time_ms DESC, id DESC LIMIT 1`)
	if err != nil {
		return pkg.Fix{}, false
	}
	defer rows.Close()

	if !rows.Next() {
		return pkg.Fix{}, false
	}
	fix, err := scanFix(rows)
	if err != nil {
		return pkg.Fix{}, false
	}
	return fix, true
}

func (s *SQLiteStore) QueryByTime(from, to int64) ([]pkg.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT time_ms, lat, lon, alt, acc, speed, bearing, source, source_id, status, attrs
		 FROM fixes WHERE time_ms >= ? AND time_ms <= ? ORDER BY time_ms ASC, id ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query by time: %w", err)
	}
	defer rows.Close()
	return collectFixes(rows)
}

func (s *SQLiteStore) Recent(n int) ([]pkg.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT time_ms, lat, lon, alt, acc, speed, bearing, source, source_id, status, attrs
		 FROM (SELECT * FROM fixes ORDER BY time_ms DESC, id DESC LIMIT ?)
		 ORDER BY time_ms ASC, id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return collectFixes(rows)
}

func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM fixes`); err != nil {
		return fmt.Errorf("clear fixes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) readyLocked() error {
	if s.closed || s.db == nil {
		return pkg.ErrStoreClosed
	}
	return nil
}

func scanFix(rows *sql.Rows) (pkg.Fix, error) {
	var fix pkg.Fix
	var alt, speed, bearing sql.NullFloat64
	var attrs sql.NullString
	var source, status string

	err := rows.Scan(&fix.Timestamp, &fix.Latitude, &fix.Longitude, &alt,
		&fix.Accuracy, &speed, &bearing, &source, &fix.SourceID, &status, &attrs)
	if err != nil {
		return pkg.Fix{}, fmt.Errorf("scan fix: %w", err)
	}
	fix.Source = pkg.SourceType(source)
	fix.Status = pkg.FixStatus(status)
	if alt.Valid {
		fix.Altitude = &alt.Float64
	}
	if speed.Valid {
		fix.Speed = &speed.Float64
	}
	if bearing.Valid {
		fix.Bearing = &bearing.Float64
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &fix.Attributes); err != nil {
			return pkg.Fix{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return fix, nil
}

func collectFixes(rows *sql.Rows) ([]pkg.Fix, error) {
	var out []pkg.Fix
	for rows.Next() {
		fix, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fix)
	}
	return out, rows.Err()
}
