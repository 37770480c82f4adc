package app

import (
	"fmt"
	"strings"
	"time"

	"autocheckin/internal/config"
	"autocheckin/internal/notifier"
	"autocheckin/internal/storage"
	"autocheckin/internal/task/scheduler"
	logx "autocheckin/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig returns enabled=false when no journal is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(s config.Settings) notifier.Config {
	return notifier.Config{
		Enabled:     s.TelegramToken != "" && s.TelegramChatID != 0,
		Checkins:    s.NotifyCheckins,
		Workers:     1,
		QueueSize:   256,
		RatePerSec:  s.NotifyRate,
		RetryMax:    s.NotifyRetryMax,
		DedupWindow: s.NotifyDedup,
	}
}

func policyFor(s config.Settings) scheduler.Policy {
	return scheduler.NewRandomPolicy(s.MinInterval, s.MaxInterval, s.MaxUserDelay, nil)
}
