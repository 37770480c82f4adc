package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	DefaultMinInterval        = time.Hour
	DefaultMaxInterval        = 5 * time.Hour
	DefaultMaxUserDelay       = 10 * time.Minute
	DefaultCheckinTimeout     = 15 * time.Second
	DefaultCheckoutTimeout    = 10 * time.Second
	DefaultCodesMaxAge        = time.Minute
	DefaultCodesFetchEvery    = 10 * time.Second
	DefaultAttendanceMaxAge   = 24 * time.Hour
	DefaultUsersRefreshEvery  = time.Hour
	DefaultLogCapacity        = 500
	DefaultCodesSuffix        = "yrk/cs/2"
	DefaultAttendanceSchedule = "@every 1h"
	DefaultConnectionSchedule = "@every 1m"
	DefaultHTTPAddr           = "127.0.0.1:8080"
	DefaultUserFile           = "user.json"
	DefaultNotifyDedup        = time.Minute
)

// Settings is the resolved, typed view of Config.
// Durations are parsed, defaults applied and secrets pulled from the environment.
type Settings struct {
	Mode string

	CheckinBaseURL   string
	CheckinTimeout   time.Duration
	CheckinUserAgent string

	CheckoutURL        string
	CheckoutKey        string
	CheckoutTimeout    time.Duration
	DefaultCodesSuffix string

	UserFile        string
	CodesFetchEvery time.Duration

	SchedulerEnabled bool
	MinInterval      time.Duration
	MaxInterval      time.Duration
	MaxUserDelay     time.Duration
	InitialDelay     time.Duration
	RunInitialCycle  bool
	Location         *time.Location

	AttendanceSchedule string
	AttendanceMaxAge   time.Duration
	ConnectionSchedule string
	UsersRefreshEvery  time.Duration

	CodesMaxAge      time.Duration
	SubmitRatePerSec float64

	CalendarPath string
	LogCapacity  int

	HTTPEnabled bool
	HTTPAddr    string
	HTTPKey     string
	DevMode     bool
	HTTPRate    float64
	HTTPBurst   int
	HTTPPprof   bool

	TelegramToken    string
	TelegramChatID   int64
	TelegramThreadID int
	NotifyCheckins   bool
	NotifyRate       int
	NotifyRetryMax   int
	NotifyDedup      time.Duration
}

// Resolve validates cfg and returns its typed settings.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	s.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if s.Mode == "" {
		s.Mode = ModeMulti
	}
	if s.Mode != ModeMulti && s.Mode != ModeLocal {
		errs = append(errs, fmt.Errorf("mode: unknown value %q", cfg.Mode))
	}

	s.CheckinBaseURL = strings.TrimRight(strings.TrimSpace(cfg.Checkin.BaseURL), "/")
	if err := checkURL("checkin.base_url", s.CheckinBaseURL); err != nil {
		errs = append(errs, err)
	}
	s.CheckinTimeout = dur("checkin.timeout", cfg.Checkin.Timeout, DefaultCheckinTimeout)
	s.CheckinUserAgent = strings.TrimSpace(cfg.Checkin.UserAgent)

	s.CheckoutURL = strings.TrimRight(strings.TrimSpace(cfg.Checkout.APIURL), "/")
	s.CheckoutKey = firstNonEmpty(cfg.Checkout.APIKey, os.Getenv("CHECKOUT_API_KEY"))
	s.CheckoutTimeout = dur("checkout.timeout", cfg.Checkout.Timeout, DefaultCheckoutTimeout)
	s.DefaultCodesSuffix = firstNonEmpty(cfg.Checkout.DefaultCodesSuffix, DefaultCodesSuffix)
	if s.Mode == ModeMulti {
		if err := checkURL("checkout.api_url", s.CheckoutURL); err != nil {
			errs = append(errs, err)
		}
	}

	s.UserFile = firstNonEmpty(cfg.Local.UserFile, DefaultUserFile)
	s.CodesFetchEvery = dur("local.codes_fetch_every", cfg.Local.CodesFetchEvery, DefaultCodesFetchEvery)

	s.SchedulerEnabled = cfg.Scheduler.Enabled
	s.MinInterval = dur("scheduler.min_interval", cfg.Scheduler.MinInterval, DefaultMinInterval)
	s.MaxInterval = dur("scheduler.max_interval", cfg.Scheduler.MaxInterval, DefaultMaxInterval)
	s.MaxUserDelay = dur("scheduler.max_user_delay", cfg.Scheduler.MaxUserDelay, DefaultMaxUserDelay)
	s.InitialDelay = dur("scheduler.initial_delay", cfg.Scheduler.InitialDelay, 0)
	s.RunInitialCycle = cfg.Scheduler.RunInitialCycle
	if s.MaxInterval < s.MinInterval {
		errs = append(errs, fmt.Errorf("scheduler: max_interval (%s) < min_interval (%s)", s.MaxInterval, s.MinInterval))
	}
	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		} else {
			s.Location = loc
		}
	}

	s.AttendanceSchedule = firstNonEmpty(cfg.Jobs.AttendanceCheck, DefaultAttendanceSchedule)
	s.AttendanceMaxAge = dur("jobs.attendance_max_age", cfg.Jobs.AttendanceMaxAge, DefaultAttendanceMaxAge)
	s.ConnectionSchedule = firstNonEmpty(cfg.Jobs.ConnectionCheck, DefaultConnectionSchedule)
	s.UsersRefreshEvery = dur("jobs.users_refresh_every", cfg.Jobs.UsersRefreshEvery, DefaultUsersRefreshEvery)

	s.CodesMaxAge = dur("codes.max_age", cfg.Codes.MaxAge, DefaultCodesMaxAge)
	s.SubmitRatePerSec = cfg.Codes.SubmitRatePerSec
	if s.SubmitRatePerSec < 0 {
		errs = append(errs, errors.New("codes.submit_rate_per_sec must be >= 0"))
	}

	s.CalendarPath = strings.TrimSpace(cfg.Attendance.CalendarPath)
	s.LogCapacity = cfg.State.LogCapacity
	if s.LogCapacity <= 0 {
		s.LogCapacity = DefaultLogCapacity
	}

	s.HTTPEnabled = cfg.HTTP.Enabled
	s.HTTPAddr = firstNonEmpty(cfg.HTTP.Addr, DefaultHTTPAddr)
	s.HTTPKey = firstNonEmpty(cfg.HTTP.APIKey, os.Getenv("CHECKOUT_API_KEY"))
	s.DevMode = cfg.HTTP.DevMode
	s.HTTPRate = cfg.HTTP.RatePerSec
	s.HTTPBurst = cfg.HTTP.Burst
	s.HTTPPprof = cfg.HTTP.Pprof
	if s.HTTPRate > 0 && s.HTTPBurst <= 0 {
		s.HTTPBurst = int(s.HTTPRate) + 1
	}
	if s.HTTPEnabled && !s.DevMode && s.HTTPKey == "" {
		errs = append(errs, errors.New("http: api_key required unless dev_mode is set"))
	}

	s.TelegramToken = firstNonEmpty(cfg.Telegram.Token, os.Getenv("TELEGRAM_TOKEN"))
	s.TelegramChatID = cfg.Telegram.ChatID
	s.TelegramThreadID = cfg.Telegram.ThreadID
	s.NotifyCheckins = cfg.Telegram.NotifyCheckins
	s.NotifyRate = cfg.Telegram.RatePerSec
	s.NotifyRetryMax = cfg.Telegram.RetryMax
	s.NotifyDedup = dur("telegram.dedup_window", cfg.Telegram.DedupWindow, DefaultNotifyDedup)
	if s.NotifyRate < 0 || s.NotifyRetryMax < 0 {
		errs = append(errs, errors.New("telegram: rate_per_sec and retry_max must be >= 0"))
	}

	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return s, errors.Join(errs...)
}

// Validate reports whether cfg resolves cleanly. Used as the reload validator.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

func checkURL(path, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s: required", path)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", path, raw)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
