package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"renewd/internal/billing"
	"renewd/internal/eventbus"
	"renewd/internal/notifier"
	"renewd/internal/reminder"
	"renewd/internal/storage"
	"renewd/internal/subscription"
	logx "renewd/pkg/logx"
)

// Controller owns the reminder pass: load, normalize, select, dispatch,
// record. It never runs two passes at once; a trigger that arrives while a
// pass is running is coalesced.
type Controller struct {
	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	tmpl *notifier.Templates

	store  Store
	dedup  *reminder.Deduplicator
	sender Sender

	log   logx.Logger
	bus   eventbus.Bus
	rec   Recorder
	clock func() time.Time
	// settle bounds each record write after a send.
	settle time.Duration

	running   atomic.Bool
	passes    atomic.Uint64
	coalesced atomic.Uint64
	last      atomic.Pointer[PassResult]

	// triggers (trigger.go)
	parser  cron.Parser
	c       *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
	passID  cron.EntryID
	pruneID cron.EntryID
}

type Option func(*Controller)

func WithEventBus(bus eventbus.Bus) Option { return func(c *Controller) { c.bus = bus } }

func WithRecorder(r Recorder) Option { return func(c *Controller) { c.rec = r } }

// WithClock replaces time.Now for trigger-driven passes and record stamps.
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.clock = fn
		}
	}
}

func New(cfg Config, store Store, sender Sender, log logx.Logger, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if sender == nil {
		return nil, errors.New("scheduler: sender is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	loc, tmpl, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		loc:    loc,
		tmpl:   tmpl,
		store:  store,
		dedup:  reminder.NewDeduplicator(store, cfg.ClaimLease),
		sender: sender,
		log:    log,
		clock:  time.Now,
		settle: settleTimeout,
		parser: newParser(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Validate reports whether New or Apply would accept cfg.
func Validate(cfg Config) error {
	_, _, err := compile(cfg.withDefaults())
	return err
}

func compile(cfg Config) (*time.Location, *notifier.Templates, error) {
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, err
	}
	if _, err := CronSpec(cfg.DailyAt); err != nil {
		return nil, nil, fmt.Errorf("daily_at: %w", err)
	}
	if cfg.Retention > 0 {
		if _, err := CronSpec(cfg.PruneAt); err != nil {
			return nil, nil, fmt.Errorf("prune_at: %w", err)
		}
	}
	tmpl, err := notifier.ParseTemplates(cfg.TitleTemplate, cfg.BodyTemplate)
	if err != nil {
		return nil, nil, err
	}
	return loc, tmpl, nil
}

// LoadLocation resolves an IANA zone name. Empty and "Local" mean the
// process zone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Apply swaps in a new config. Trigger times are re-registered when they
// change; a running pass keeps the settings it started with.
func (c *Controller) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	loc, tmpl, err := compile(cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.cfg
	c.cfg, c.loc, c.tmpl = cfg, loc, tmpl
	c.dedup.SetLease(cfg.ClaimLease)

	if c.c == nil {
		return nil
	}
	if old.Enabled != cfg.Enabled || old.Timezone != cfg.Timezone || old.DailyAt != cfg.DailyAt ||
		old.PruneAt != cfg.PruneAt || (old.Retention > 0) != (cfg.Retention > 0) {
		c.restartLocked()
	}
	return nil
}

func (c *Controller) settings() (Config, *time.Location, *notifier.Templates) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.loc, c.tmpl
}

// Location is the zone billing days and triggers are evaluated in.
func (c *Controller) Location() *time.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loc
}

// RunPass runs one pass as of now and returns its summary.
//
// It returns ErrPassInProgress if another pass is running, and an error
// wrapping storage.ErrUnavailable if the pass had to stop because durable
// state could not be read. Per-item failures are never returned; they are
// counted and listed in the result.
func (c *Controller) RunPass(ctx context.Context, now time.Time) (PassResult, error) {
	return c.runPass(ctx, now, TriggerManual)
}

func (c *Controller) runPass(ctx context.Context, now time.Time, trigger string) (PassResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.coalesced.Add(1)
		c.observePass(OutcomeCoalesced, 0)
		c.publish(EventPassCoalesced, PassResult{Trigger: trigger, Now: now, Outcome: OutcomeCoalesced})
		c.log.Info("pass coalesced into running pass", logx.String("trigger", trigger))
		return PassResult{Trigger: trigger, Now: now, Outcome: OutcomeCoalesced}, ErrPassInProgress
	}
	defer c.running.Store(false)
	if c.rec != nil {
		c.rec.SetPassRunning(true)
		defer c.rec.SetPassRunning(false)
	}

	cfg, loc, tmpl := c.settings()
	res := PassResult{ID: ulid.Make().String(), Trigger: trigger, Now: now, StartedAt: c.clock()}
	log := c.log.With(logx.String("pass", res.ID), logx.String("trigger", trigger))
	log.Info("pass started", logx.Time("now", now), logx.String("tz", loc.String()))
	c.publish(EventPassStarted, res)

	pctx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
	err := c.execute(pctx, cfg, loc, tmpl, now, &res, log)
	cancel()

	res.FinishedAt = c.clock()
	res.Took = res.FinishedAt.Sub(res.StartedAt)
	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeCanceled
	default:
		res.Outcome = OutcomeAborted
	}
	if err != nil {
		res.Error = err.Error()
	}

	c.passes.Add(1)
	last := res
	c.last.Store(&last)
	c.observePass(res.Outcome, res.Took)
	c.publish(EventPassFinished, res)

	fields := []logx.Field{
		logx.String("outcome", res.Outcome),
		logx.Int("loaded", res.Loaded),
		logx.Int("normalized", res.Normalized),
		logx.Int("due", res.Due),
		logx.Int("sent", res.Sent),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Took),
	}
	if err != nil {
		log.Error("pass stopped early", append(fields, logx.Err(err))...)
	} else {
		log.Info("pass finished", fields...)
	}
	return res, err
}

func (c *Controller) execute(ctx context.Context, cfg Config, loc *time.Location, tmpl *notifier.Templates, now time.Time, res *PassResult, log logx.Logger) error {
	subs, err := c.store.ListSubscriptionsDueForCheck(ctx, reminder.WindowEnd(now, cfg.LookaheadDays))
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	res.Loaded = len(subs)

	current, err := c.normalize(ctx, subs, loc, now, res, log)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	due := reminder.SelectDue(current, now, cfg.LookaheadDays)
	res.Due = len(due)
	if len(due) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, sub := range due {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := c.process(gctx, cfg, tmpl, res.ID, sub, log)
			mu.Lock()
			out.apply(res)
			mu.Unlock()
			if out.result != "" && c.rec != nil {
				c.rec.ObserveReminder(out.result)
			}
			return out.abort
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// normalize rolls stale billing dates forward and writes them back. It
// returns the subscriptions with usable dates; bad ones are reported and
// left out of the pass. An unavailable store aborts the pass; any other
// write-back error only costs a recomputation next pass.
func (c *Controller) normalize(ctx context.Context, subs []subscription.Subscription, loc *time.Location, now time.Time, res *PassResult, log logx.Logger) ([]subscription.Subscription, error) {
	out := make([]subscription.Subscription, 0, len(subs))
	for _, sub := range subs {
		day := billing.Day(sub.NextBillingDate, loc)
		next, steps, err := billing.Normalize(day, sub.Cycle, now)
		if err != nil {
			res.DateErrors++
			res.Failures = append(res.Failures, ItemFailure{SubscriptionID: sub.ID, Reason: "date_arithmetic", Error: err.Error()})
			log.Warn("subscription skipped", logx.String("subscription", sub.ID), logx.Err(err))
			continue
		}
		sub.NextBillingDate = next
		if steps > 0 {
			res.Normalized++
			switch err := c.store.UpdateNextBillingDate(ctx, sub.ID, next); {
			case errors.Is(err, storage.ErrUnavailable):
				return nil, fmt.Errorf("write back %s: %w", sub.ID, err)
			case err != nil:
				log.Warn("billing date write-back failed", logx.String("subscription", sub.ID), logx.Err(err))
			default:
				log.Debug("billing date rolled forward",
					logx.String("subscription", sub.ID),
					logx.String("from", billing.InstanceKey(day)),
					logx.String("to", billing.InstanceKey(next)),
					logx.Int("cycles", steps),
				)
			}
		}
		out = append(out, sub)
	}
	if c.rec != nil && res.Normalized > 0 {
		c.rec.ObserveNormalized(res.Normalized)
	}
	return out, nil
}

type itemOutcome struct {
	result  string
	failure *ItemFailure
	abort   error
}

func (o itemOutcome) apply(r *PassResult) {
	switch o.result {
	case ResultSent:
		r.Sent++
	case ResultSkipped:
		r.Skipped++
	case ResultFailedPermanent:
		r.Failed++
	case ResultInvalid:
		r.Failed++
		r.Invalid++
	case ResultReleased:
		r.Released++
	}
	if o.failure != nil {
		r.Failures = append(r.Failures, *o.failure)
	}
}

// process handles one due subscription: dedup check, claim, send, record.
//
// The pass instant only decides which billing instance is due. Leases are
// stamped and compared on the wall clock so that passes evaluated at different instants, or hosts
// sharing a store, agree on when a claim lapses.
func (c *Controller) process(ctx context.Context, cfg Config, tmpl *notifier.Templates, passID string, sub subscription.Subscription, log logx.Logger) itemOutcome {
	key := subscription.ReminderKey{SubscriptionID: sub.ID, InstanceKey: billing.InstanceKey(sub.NextBillingDate)}
	log = log.With(logx.String("subscription", sub.ID), logx.String("instance", key.InstanceKey))
	ev := ReminderEvent{PassID: passID, SubscriptionID: sub.ID, InstanceKey: key.InstanceKey}

	owed, err := c.dedup.ShouldSend(ctx, key, c.clock())
	if err != nil {
		return storageFault(ctx, key, "dedup check", err, log)
	}
	if !owed {
		log.Debug("reminder already handled")
		c.publish(EventReminderSkipped, ev)
		return itemOutcome{result: ResultSkipped}
	}
	rec, err := c.dedup.Claim(ctx, key, sub.NextBillingDate, c.clock())
	if errors.Is(err, reminder.ErrNotClaimed) {
		log.Debug("reminder claimed elsewhere")
		c.publish(EventReminderSkipped, ev)
		return itemOutcome{result: ResultSkipped}
	}
	if err != nil {
		return storageFault(ctx, key, "claim", err, log)
	}

	msg, err := tmpl.Build(sub)
	if err != nil {
		return c.fail(ctx, cfg, rec, sub, 0, err, ev, log)
	}
	sent, err := c.sender.Send(ctx, msg)
	switch {
	case err == nil:
		settle, cancel := c.settleContext(ctx)
		defer cancel()
		if merr := c.dedup.MarkSent(settle, rec, c.clock(), sent.Attempts); merr != nil {
			log.Error("reminder sent but not recorded", logx.Err(merr))
		}
		log.Info("reminder sent", logx.Int("attempts", sent.Attempts))
		ev.Attempts = sent.Attempts
		c.publish(EventReminderSent, ev)
		return itemOutcome{result: ResultSent}
	case ctx.Err() != nil:
		settle, cancel := c.settleContext(ctx)
		defer cancel()
		if rerr := c.dedup.Release(settle, rec, c.clock(), sent.Attempts, err); rerr != nil {
			log.Warn("claim release failed", logx.Err(rerr))
		}
		log.Debug("reminder released", logx.Err(err))
		return itemOutcome{result: ResultReleased}
	default:
		return c.fail(ctx, cfg, rec, sub, sent.Attempts, err, ev, log)
	}
}

// settleContext bounds one record write after a send. It starts when the
// send has returned and survives pass cancellation, otherwise a confirmed
// send could go unrecorded.
func (c *Controller) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.settle)
}

func (c *Controller) fail(ctx context.Context, cfg Config, rec subscription.ReminderRecord, sub subscription.Subscription, attempts int, cause error, ev ReminderEvent, log logx.Logger) itemOutcome {
	ctx, cancel := c.settleContext(ctx)
	defer cancel()

	de := notifier.Classify(cause)
	if de.Attempts > attempts {
		attempts = de.Attempts
	}
	if err := c.dedup.MarkFailed(ctx, rec, c.clock(), attempts, cause); err != nil {
		log.Warn("failure not recorded", logx.Err(err))
	}
	out := itemOutcome{
		result:  ResultFailedPermanent,
		failure: &ItemFailure{SubscriptionID: sub.ID, InstanceKey: rec.InstanceKey, Reason: de.Reason, Error: cause.Error()},
	}
	log.Warn("reminder failed permanently", logx.String("reason", de.Reason), logx.Int("attempts", attempts), logx.Bool("exhausted", de.Exhausted), logx.Err(cause))

	if de.Reason == notifier.ReasonInvalidTarget {
		out.result = ResultInvalid
		if cfg.ClearInvalidTarget {
			if err := c.store.ClearNotificationTarget(ctx, sub.ID); err != nil {
				log.Warn("clearing invalid target failed", logx.Err(err))
			} else {
				log.Info("notification target cleared")
			}
		}
	}
	ev.Attempts = attempts
	ev.Reason = de.Reason
	ev.Error = cause.Error()
	c.publish(EventReminderFailed, ev)
	return out
}

// storageFault aborts the pass when storage is unavailable; any other
// storage error only affects this item.
func storageFault(ctx context.Context, key subscription.ReminderKey, op string, err error, log logx.Logger) itemOutcome {
	if ctx.Err() != nil {
		return itemOutcome{}
	}
	if errors.Is(err, storage.ErrUnavailable) {
		return itemOutcome{abort: fmt.Errorf("%s %s: %w", op, key, err)}
	}
	log.Warn("reminder skipped after storage error", logx.String("op", op), logx.Err(err))
	return itemOutcome{
		result:  ResultSkipped,
		failure: &ItemFailure{SubscriptionID: key.SubscriptionID, InstanceKey: key.InstanceKey, Reason: "storage", Error: err.Error()},
	}
}

// Prune deletes reminder records for billing dates older than the
// retention window.
func (c *Controller) Prune(ctx context.Context, now time.Time) (int, error) {
	cfg, _, _ := c.settings()
	if cfg.Retention <= 0 {
		return 0, nil
	}
	before := now.Add(-cfg.Retention)
	n, err := c.store.PruneReminders(ctx, before)
	if err != nil {
		return n, fmt.Errorf("prune reminders: %w", err)
	}
	if p, ok := c.rec.(interface{ ObservePruned(n int) }); ok {
		p.ObservePruned(n)
	}
	c.log.Info("reminders pruned", logx.Int("deleted", n), logx.Time("before", before))
	c.publish(EventRemindersPruned, map[string]any{"deleted": n, "before": before})
	return n, nil
}

// Snapshot returns the controller state, trigger times and last pass.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	cfg := c.cfg
	loc := c.loc
	cr := c.c
	passID, pruneID := c.passID, c.pruneID
	c.mu.Unlock()

	s := Snapshot{
		Enabled:   cfg.Enabled,
		State:     StateIdle,
		Timezone:  loc.String(),
		DailyAt:   cfg.DailyAt,
		Passes:    c.passes.Load(),
		Coalesced: c.coalesced.Load(),
	}
	if c.running.Load() {
		s.State = StateRunning
	}
	if cr != nil {
		if passID != 0 {
			s.NextPass = cr.Entry(passID).Next
		}
		if pruneID != 0 {
			s.NextPrune = cr.Entry(pruneID).Next
		}
	} else if cfg.Enabled {
		if next, err := c.NextRuns(c.clock(), 1); err == nil && len(next) > 0 {
			s.NextPass = next[0]
		}
	}
	if last := c.last.Load(); last != nil {
		cp := *last
		s.LastPass = &cp
	}
	return s
}

func (c *Controller) observePass(outcome string, took time.Duration) {
	if c.rec != nil {
		c.rec.ObservePass(outcome, took)
	}
}

func (c *Controller) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
