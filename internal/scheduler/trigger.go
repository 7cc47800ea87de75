package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	logx "renewd/pkg/logx"
)

// newParser accepts 5-field and 6-field (with seconds) specs and descriptors.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// CronSpec turns a trigger setting into a cron expression.
//
// Supported forms:
//   - wall-clock time "HH:MM" (fires once a day)
//   - any cron expression, e.g. "0 9 * * 1-5" or "@daily"
func CronSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if m := reClock.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if hh > 23 || mm > 59 {
			return "", fmt.Errorf("invalid time of day %q", raw)
		}
		return fmt.Sprintf("%d %d * * *", mm, hh), nil
	}
	if _, err := newParser().Parse(s); err != nil {
		return "", fmt.Errorf("invalid schedule %q (use HH:MM like '09:00' or a cron expression): %w", raw, err)
	}
	return s, nil
}

// Start registers the daily pass and the prune job in the configured
// timezone. Passes started by the triggers inherit ctx.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		return
	}
	c.baseCtx, c.cancel = context.WithCancel(ctx)
	c.startCronLocked()
}

func (c *Controller) startCronLocked() {
	cfg := c.cfg
	cr := cron.New(cron.WithParser(c.parser), cron.WithLocation(c.loc))
	c.passID, c.pruneID = 0, 0

	if cfg.Enabled {
		if spec, err := CronSpec(cfg.DailyAt); err != nil {
			c.log.Error("daily trigger not registered", logx.Err(err))
		} else if id, err := cr.AddFunc(spec, c.dailyPass); err != nil {
			c.log.Error("daily trigger not registered", logx.String("spec", spec), logx.Err(err))
		} else {
			c.passID = id
		}
		if cfg.Retention > 0 {
			if spec, err := CronSpec(cfg.PruneAt); err != nil {
				c.log.Error("prune trigger not registered", logx.Err(err))
			} else if id, err := cr.AddFunc(spec, c.dailyPrune); err != nil {
				c.log.Error("prune trigger not registered", logx.String("spec", spec), logx.Err(err))
			} else {
				c.pruneID = id
			}
		}
	}
	cr.Start()
	c.c = cr

	fields := []logx.Field{logx.Bool("enabled", cfg.Enabled), logx.String("tz", c.loc.String()), logx.String("daily_at", cfg.DailyAt)}
	if c.passID != 0 {
		fields = append(fields, logx.Time("next", cr.Entry(c.passID).Next))
	}
	c.log.Info("triggers started", fields...)
}

// restartLocked replaces the cron instance. Jobs already running on the
// old instance finish on their own.
func (c *Controller) restartLocked() {
	if c.c != nil {
		c.c.Stop()
	}
	c.log.Info("triggers reloaded")
	c.startCronLocked()
}

// Stop cancels trigger-started passes and waits for them to return, or
// for ctx to expire.
func (c *Controller) Stop(ctx context.Context) {
	start := time.Now()
	c.mu.Lock()
	cr := c.c
	cancel := c.cancel
	c.c, c.cancel = nil, nil
	c.passID, c.pruneID = 0, 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}
	c.log.Info("triggers stopped", logx.Duration("took", time.Since(start)))
}

func (c *Controller) triggerContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

func (c *Controller) dailyPass() {
	ctx := c.triggerContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	// Errors are logged and counted by runPass; the next trigger retries.
	_, _ = c.runPass(ctx, c.clock(), TriggerDaily)
}

func (c *Controller) dailyPrune() {
	ctx := c.triggerContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	cfg, _, _ := c.settings()
	pctx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
	defer cancel()
	if _, err := c.Prune(pctx, c.clock()); err != nil {
		c.log.Warn("scheduled prune failed", logx.Err(err))
	}
}

// NextRuns previews the next n daily pass times after from.
func (c *Controller) NextRuns(from time.Time, n int) ([]time.Time, error) {
	cfg, loc, _ := c.settings()
	spec, err := CronSpec(cfg.DailyAt)
	if err != nil {
		return nil, err
	}
	sched, err := c.parser.Parse(spec)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
