package config

import (
	"sort"
	"strings"

	logx "autocheckin/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. Secrets (api keys, tokens) are only reported as *_set flags.
//
// restart lists changed sections that are not applied until the process restarts.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, hot bool, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hot {
			restart = append(restart, section)
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", true,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", true,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.min_interval", newCfg.Scheduler.MinInterval),
			logx.String("scheduler.max_interval", newCfg.Scheduler.MaxInterval),
			logx.String("scheduler.max_user_delay", newCfg.Scheduler.MaxUserDelay),
		)
	}
	if !strings.EqualFold(strings.TrimSpace(oldCfg.Mode), strings.TrimSpace(newCfg.Mode)) {
		mark("mode", false, logx.String("mode", newCfg.Mode))
	}
	if oldCfg.Checkin != newCfg.Checkin {
		mark("checkin", false,
			logx.String("checkin.base_url", newCfg.Checkin.BaseURL),
			logx.String("checkin.timeout", newCfg.Checkin.Timeout),
		)
	}
	if oldCfg.Checkout != newCfg.Checkout {
		mark("checkout", false,
			logx.String("checkout.api_url", newCfg.Checkout.APIURL),
			logx.Bool("checkout.api_key_set", strings.TrimSpace(newCfg.Checkout.APIKey) != ""),
		)
	}
	if oldCfg.Local != newCfg.Local {
		mark("local", false, logx.String("local.user_file", newCfg.Local.UserFile))
	}
	if oldCfg.Jobs != newCfg.Jobs {
		mark("jobs", false,
			logx.String("jobs.attendance_check", newCfg.Jobs.AttendanceCheck),
			logx.String("jobs.connection_check", newCfg.Jobs.ConnectionCheck),
		)
	}
	if oldCfg.Codes != newCfg.Codes {
		mark("codes", false, logx.String("codes.max_age", newCfg.Codes.MaxAge))
	}
	if oldCfg.Attendance != newCfg.Attendance {
		mark("attendance", false, logx.String("attendance.calendar_path", newCfg.Attendance.CalendarPath))
	}
	if oldCfg.State != newCfg.State {
		mark("state", false, logx.Int("state.log_capacity", newCfg.State.LogCapacity))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", false,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.dev_mode", newCfg.HTTP.DevMode),
			logx.Bool("http.api_key_set", strings.TrimSpace(newCfg.HTTP.APIKey) != ""),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		ot, nt := oldCfg.Telegram, newCfg.Telegram
		hot := ot.Token == nt.Token && ot.ChatID == nt.ChatID && ot.ThreadID == nt.ThreadID
		mark("telegram", hot,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Bool("telegram.notify_checkins", newCfg.Telegram.NotifyCheckins),
		)
	}

	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		mark("storage", false,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
