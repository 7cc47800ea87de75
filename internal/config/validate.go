package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "renewd/pkg/logx"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks field syntax and ranges. Cross-component checks (cron
// specs, templates) happen when the components are built.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.level: unknown level %q", lvl)
		}
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path: required for driver %q", c.Storage.Driver)
		}
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			add("storage.redis.addr: required for driver redis")
		}
	default:
		add("storage.driver: unknown driver %q (use sqlite, file or redis)", c.Storage.Driver)
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	s := c.Scheduler
	if s.LookaheadDays < 0 {
		add("scheduler.lookahead_days: must be >= 0")
	}
	if s.Workers < 0 {
		add("scheduler.workers: must be >= 0")
	}
	dur("scheduler.pass_timeout", s.PassTimeout)
	dur("scheduler.claim_lease", s.ClaimLease)
	dur("scheduler.retention", s.Retention)
	if tz := strings.TrimSpace(s.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}

	d := c.Dispatcher
	if d.RetryMax < 0 {
		add("dispatcher.retry_max: must be >= 0")
	}
	if d.RetryFactor != 0 && d.RetryFactor < 1 {
		add("dispatcher.retry_factor: must be >= 1")
	}
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		add("dispatcher.retry_jitter: must be within [0, 1]")
	}
	if d.RatePerSec < 0 {
		add("dispatcher.rate_per_sec: must be >= 0")
	}
	dur("dispatcher.retry_base", d.RetryBase)
	dur("dispatcher.retry_max_delay", d.RetryMaxDelay)
	dur("dispatcher.attempt_timeout", d.AttemptTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Transport.Driver)) {
	case "", "log":
	case "push":
		if strings.TrimSpace(c.Transport.Push.URL) == "" {
			add("transport.push.url: required for driver push")
		}
		dur("transport.push.dns_cache_ttl", c.Transport.Push.DNSCacheTTL)
	case "telegram":
		if strings.TrimSpace(c.Transport.Telegram.Token) == "" {
			add("transport.telegram.token: required for driver telegram (or set %s)", EnvTelegramToken)
		}
	default:
		add("transport.driver: unknown driver %q (use push, telegram or log)", c.Transport.Driver)
	}

	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Addr) == "" {
		add("admin.addr: required when admin is enabled")
	}

	return errors.Join(errs...)
}
