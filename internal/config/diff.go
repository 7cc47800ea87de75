package config

import (
	"strings"

	logx "renewd/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists changed top-level sections.
	Sections []string
	// RestartRequired lists changed sections that only take effect after a
	// restart (the store, transport and admin listener are built once).
	RestartRequired []string
	// Attrs are safe to log; secrets are reported only as "set" flags.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.redis_password_set", newCfg.Storage.Redis.Password != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", false,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.daily_at", newCfg.Scheduler.DailyAt),
			logx.Int("scheduler.lookahead_days", newCfg.Scheduler.LookaheadDays),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		mark("dispatcher", false,
			logx.Int("dispatcher.retry_max", newCfg.Dispatcher.RetryMax),
			logx.String("dispatcher.retry_base", newCfg.Dispatcher.RetryBase),
			logx.Int("dispatcher.rate_per_sec", newCfg.Dispatcher.RatePerSec),
			logx.Bool("dispatcher.clear_invalid_target", newCfg.Dispatcher.ClearInvalidTarget),
		)
	}

	if oldCfg.Transport != newCfg.Transport {
		mark("transport", true,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.String("transport.push.url", newCfg.Transport.Push.URL),
			logx.Bool("transport.push.token_set", newCfg.Transport.Push.Token != ""),
			logx.Bool("transport.telegram.token_set", newCfg.Transport.Telegram.Token != ""),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		mark("admin", true,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
			logx.Bool("admin.allow_insecure", newCfg.Admin.AllowInsecure),
		)
	}
	return ch
}
