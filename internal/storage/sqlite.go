package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "autocheckin/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; concurrent callers queue on the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendLog(ctx context.Context, r LogRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(at, status, message) VALUES(?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.Status, r.Message,
	)
	return err
}

func (s *sqliteStore) RecentLogs(ctx context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, status, message FROM (
		   SELECT id, at, status, message FROM logs ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var (
			r  LogRecord
			at string
		)
		if err := rows.Scan(&at, &r.Status, &r.Message); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, r AttemptRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(at, run_id, email, event_id, code, outcome) VALUES(?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), nullStr(r.RunID), r.Email, r.EventID, r.Code, r.Outcome,
	)
	return err
}

func (s *sqliteStore) PutAttendance(ctx context.Context, r AttendanceRecord) error {
	if strings.TrimSpace(r.Email) == "" {
		return errors.New("attendance record without email")
	}
	acts, err := json.Marshal(r.Activities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attendance(email, iso_year, iso_week, fetched_at, activities) VALUES(?,?,?,?,?)
		 ON CONFLICT(email, iso_year, iso_week) DO UPDATE SET fetched_at=excluded.fetched_at, activities=excluded.activities`,
		r.Email, r.ISOYear, r.ISOWeek, r.FetchedAt.UTC().Format(time.RFC3339Nano), string(acts),
	)
	return err
}

func (s *sqliteStore) GetAttendance(ctx context.Context, email string, isoYear, isoWeek int) (AttendanceRecord, bool, error) {
	var (
		fetched string
		acts    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fetched_at, activities FROM attendance WHERE email = ? AND iso_year = ? AND iso_week = ?`,
		email, isoYear, isoWeek,
	).Scan(&fetched, &acts)
	if errors.Is(err, sql.ErrNoRows) {
		return AttendanceRecord{}, false, nil
	}
	if err != nil {
		return AttendanceRecord{}, false, err
	}
	r := AttendanceRecord{Email: email, ISOYear: isoYear, ISOWeek: isoWeek}
	r.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetched)
	if err := json.Unmarshal([]byte(acts), &r.Activities); err != nil {
		return AttendanceRecord{}, false, fmt.Errorf("decode activities: %w", err)
	}
	return r, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
