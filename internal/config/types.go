package config

// Mode selects where users and codes come from.
const (
	ModeMulti = "multi" // users and codes from the CheckOut service
	ModeLocal = "local" // single user kept in a local JSON record
)

type Config struct {
	Mode       string           `json:"mode"`
	Checkin    CheckinConfig    `json:"checkin"`
	Checkout   CheckoutConfig   `json:"checkout"`
	Local      LocalConfig      `json:"local"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Jobs       JobsConfig       `json:"jobs"`
	Codes      CodesConfig      `json:"codes"`
	Attendance AttendanceConfig `json:"attendance"`
	State      StateConfig      `json:"state"`
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Telegram   TelegramConfig   `json:"telegram"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
}

// CheckinConfig points at the external check-in site.
type CheckinConfig struct {
	BaseURL   string `json:"base_url"`
	Timeout   string `json:"timeout,omitempty"` // Go duration string, default 15s
	UserAgent string `json:"user_agent,omitempty"`
}

// CheckoutConfig points at the multi-user CheckOut service.
//
// APIKey falls back to $CHECKOUT_API_KEY when empty.
type CheckoutConfig struct {
	APIURL             string `json:"api_url"`
	APIKey             string `json:"api_key,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	DefaultCodesSuffix string `json:"default_codes_suffix,omitempty"`
}

type LocalConfig struct {
	UserFile        string `json:"user_file,omitempty"`
	CodesFetchEvery string `json:"codes_fetch_every,omitempty"`
}

// SchedulerConfig controls the jittered background cycle.
//
// Bounds are inclusive: the next cycle is armed after a delay drawn from
// [min_interval, max_interval], each user waits [0, max_user_delay].
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	MinInterval     string `json:"min_interval,omitempty"`
	MaxInterval     string `json:"max_interval,omitempty"`
	MaxUserDelay    string `json:"max_user_delay,omitempty"`
	InitialDelay    string `json:"initial_delay,omitempty"`
	RunInitialCycle bool   `json:"run_initial_cycle,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// JobsConfig holds the cron-style maintenance jobs.
// Schedules accept cron expressions, Go durations or HH:MM.
type JobsConfig struct {
	AttendanceCheck   string `json:"attendance_check,omitempty"`
	AttendanceMaxAge  string `json:"attendance_max_age,omitempty"`
	ConnectionCheck   string `json:"connection_check,omitempty"`
	UsersRefreshEvery string `json:"users_refresh_every,omitempty"`
}

type CodesConfig struct {
	MaxAge           string  `json:"max_age,omitempty"`
	SubmitRatePerSec float64 `json:"submit_rate_per_sec,omitempty"`
}

type AttendanceConfig struct {
	// CalendarPath overrides the embedded academic calendar (YAML).
	CalendarPath string `json:"calendar_path,omitempty"`
}

type StateConfig struct {
	LogCapacity int `json:"log_capacity,omitempty"`
}

// HTTPConfig controls the JSON API.
//
// APIKey falls back to $CHECKOUT_API_KEY. DevMode disables the key check.
type HTTPConfig struct {
	Enabled    bool    `json:"enabled"`
	Addr       string  `json:"addr,omitempty"`
	APIKey     string  `json:"api_key,omitempty"`
	DevMode    bool    `json:"dev_mode,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// Pprof mounts the Go profiler under /debug behind the API key.
	Pprof bool `json:"pprof,omitempty"`
}

// TelegramConfig targets the operator chat. Delivery settings (rate, retry,
// dedup) can be reloaded; token and chat changes need a restart.
type TelegramConfig struct {
	Token          string `json:"token,omitempty"` // falls back to $TELEGRAM_TOKEN
	ChatID         int64  `json:"chat_id,omitempty"`
	ThreadID       int    `json:"thread_id,omitempty"`
	NotifyCheckins bool   `json:"notify_checkins,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	DedupWindow    string `json:"dedup_window,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the optional journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./autocheckin.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
