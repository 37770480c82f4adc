package storage

import (
	"context"
	"errors"
	"strings"

	logx "autocheckin/pkg/logx"
)

// Store is the journal used by the state store, the attempt engine and the
// attendance fetcher. Every method is safe for concurrent use.
type Store interface {
	AppendLog(ctx context.Context, r LogRecord) error
	// RecentLogs returns up to limit newest records, oldest first.
	RecentLogs(ctx context.Context, limit int) ([]LogRecord, error)

	AppendAttempt(ctx context.Context, r AttemptRecord) error

	PutAttendance(ctx context.Context, r AttendanceRecord) error
	GetAttendance(ctx context.Context, email string, isoYear, isoWeek int) (AttendanceRecord, bool, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
