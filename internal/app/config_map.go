package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"renewd/internal/adminapi"
	"renewd/internal/config"
	"renewd/internal/notifier"
	"renewd/internal/notifier/push"
	"renewd/internal/notifier/telegram"
	"renewd/internal/scheduler"
	"renewd/internal/storage"
	logx "renewd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	switch driver {
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "file":
	case "redis":
		// Redis expires settled records itself, on the same horizon as pruning.
		ttl, err := config.ParseDurationField("scheduler.retention", cfg.Scheduler.Retention)
		if err != nil {
			return storage.Config{}, err
		}
		out.Redis = storage.RedisConfig{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			Prefix:    sc.Redis.Prefix,
			RecordTTL: ttl,
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	passTimeout, err := config.ParseDurationOrDefault("scheduler.pass_timeout", sc.PassTimeout, scheduler.DefaultPassTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	lease, err := config.ParseDurationOrDefault("scheduler.claim_lease", sc.ClaimLease, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	retention, err := config.ParseDurationField("scheduler.retention", sc.Retention)
	if err != nil {
		return scheduler.Config{}, err
	}
	out := scheduler.Config{
		Enabled:            sc.Enabled,
		Timezone:           sc.Timezone,
		DailyAt:            sc.DailyAt,
		LookaheadDays:      sc.LookaheadDays,
		Workers:            sc.Workers,
		PassTimeout:        passTimeout,
		ClaimLease:         lease,
		Retention:          retention,
		PruneAt:            sc.PruneAt,
		ClearInvalidTarget: cfg.Dispatcher.ClearInvalidTarget,
		TitleTemplate:      cfg.Dispatcher.TitleTemplate,
		BodyTemplate:       cfg.Dispatcher.BodyTemplate,
	}
	if err := scheduler.Validate(out); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler: %w", err)
	}
	return out, nil
}

func mapDispatcherConfig(cfg *config.Config) (notifier.Config, error) {
	dc := cfg.Dispatcher
	base, err := config.ParseDurationField("dispatcher.retry_base", dc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatcher.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	attempt, err := config.ParseDurationField("dispatcher.attempt_timeout", dc.AttemptTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RetryMax:       dc.RetryMax,
		RetryBase:      base,
		RetryFactor:    dc.RetryFactor,
		RetryMaxDelay:  maxDelay,
		RetryJitter:    dc.RetryJitter,
		AttemptTimeout: attempt,
		RatePerSec:     dc.RatePerSec,
	}, nil
}

func mapAdminConfig(cfg *config.Config) adminapi.Config {
	return adminapi.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          cfg.Admin.Addr,
		Token:         cfg.Admin.Token,
		AllowInsecure: cfg.Admin.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		// long enough for a synchronous manual pass
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  time.Minute,
	}
}

// loopFunc is a background loop a transport needs kept alive.
type loopFunc func(ctx context.Context) error

// buildTransport returns the configured transport and, when it has one,
// the loop to supervise next to it.
func buildTransport(cfg *config.Config, log logx.Logger) (notifier.Transport, loopFunc, error) {
	tc := cfg.Transport
	switch strings.ToLower(strings.TrimSpace(tc.Driver)) {
	case "", "log":
		return notifier.NewLogTransport(log.With(logx.String("comp", "transport.log"))), nil, nil
	case "push":
		ttl, err := config.ParseDurationOrDefault("transport.push.dns_cache_ttl", tc.Push.DNSCacheTTL, 5*time.Minute)
		if err != nil {
			return nil, nil, err
		}
		c, err := push.New(push.Config{URL: tc.Push.URL, Token: tc.Push.Token, DNSCacheTTL: ttl},
			log.With(logx.String("comp", "transport.push")))
		if err != nil {
			return nil, nil, err
		}
		return c, c.RefreshLoop, nil
	case "telegram":
		s, err := telegram.New(telegram.Config{Token: tc.Telegram.Token, APIURL: tc.Telegram.APIURL},
			log.With(logx.String("comp", "transport.telegram")))
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport.driver: %s", tc.Driver)
	}
}
