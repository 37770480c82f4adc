package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "autocheckin/pkg/logx"
)

// fileStore keeps everything in JSON Lines files.
//
// Files:
//   - <prefix>.logs.jsonl                (append-only)
//   - <prefix>.attempts.jsonl            (append-only)
//   - <prefix>.attendance.snapshot.json  (periodic snapshot)
//   - <prefix>.attendance.journal.jsonl  (append-only journal)
//
// The attendance journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	logsPath     string
	logsFile     *os.File
	attemptsFile *os.File

	snapshotPath string
	journalFile  *os.File
	attendance   map[string]AttendanceRecord
	writes       int
}

const compactEvery = 200

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		logsPath:     prefix + ".logs.jsonl",
		snapshotPath: prefix + ".attendance.snapshot.json",
		attendance:   map[string]AttendanceRecord{},
	}
	journalPath := prefix + ".attendance.journal.jsonl"

	var err error
	if s.logsFile, err = openAppend(s.logsPath); err != nil {
		return nil, err
	}
	if s.attemptsFile, err = openAppend(prefix + ".attempts.jsonl"); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := loadSnapshot(s.snapshotPath, s.attendance); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("attendance snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.attendance); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("attendance journal unreadable", logx.Err(err))
	}

	if s.journalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.logsFile, &s.attemptsFile, &s.journalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendLog(_ context.Context, r LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logsFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.logsFile).Encode(r)
}

func (s *fileStore) RecentLogs(_ context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.logsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Keep a sliding window of the newest limit records.
	out := make([]LogRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r LogRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(out) == limit {
			copy(out, out[1:])
			out = out[:limit-1]
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func (s *fileStore) AppendAttempt(_ context.Context, r AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptsFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.attemptsFile).Encode(r)
}

func (s *fileStore) PutAttendance(_ context.Context, r AttendanceRecord) error {
	if strings.TrimSpace(r.Email) == "" {
		return errors.New("attendance record without email")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrDisabled
	}
	s.attendance[r.key()] = r
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("attendance compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetAttendance(_ context.Context, email string, isoYear, isoWeek int) (AttendanceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.attendance[attendanceKey(email, isoYear, isoWeek)]
	return r, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.attendance); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]AttendanceRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]AttendanceRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]AttendanceRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r AttendanceRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Email == "" {
			continue
		}
		out[r.key()] = r
	}
	return sc.Err()
}
