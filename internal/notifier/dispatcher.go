package notifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"renewd/internal/eventbus"
	logx "renewd/pkg/logx"
)

// ErrNoTransport is returned when the dispatcher has nothing to send through.
var ErrNoTransport = errors.New("no transport configured")

// AttemptObserver receives one call per delivery attempt.
// outcome is "ok", "transient" or "permanent".
type AttemptObserver interface {
	ObserveAttempt(transport, outcome string)
}

// Dispatcher sends messages through a Transport with retry and pacing.
//
// It is safe for concurrent use; each Send runs on the caller's goroutine.
type Dispatcher struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	transport Transport

	log   logx.Logger
	bus   eventbus.Bus
	obs   AttemptObserver
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

func WithEventBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

func WithObserver(obs AttemptObserver) Option { return func(d *Dispatcher) { d.obs = obs } }

func New(cfg Config, transport Transport, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{transport: transport, log: log, sleep: sleepCtx}
	for _, o := range opts {
		o(d)
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	d.cfg = cfg
	// Burst equals the per-second rate so a pass start does not stall.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// TransportName returns the name of the configured transport.
func (d *Dispatcher) TransportName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return ""
	}
	return d.transport.Name()
}

// Send delivers m, retrying transient failures.
//
// On failure the error is a *DispatchError, except when ctx is cancelled,
// in which case ctx's error is returned as-is and nothing is classified.
func (d *Dispatcher) Send(ctx context.Context, m Message) (Result, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	tr := d.transport
	d.mu.Unlock()

	var res Result
	if tr == nil {
		return res, Permanent(ReasonBadRequest, ErrNoTransport)
	}
	if err := validate.Struct(m); err != nil {
		return res, Permanent(ReasonInvalidMsg, err)
	}

	log := d.log.With(
		logx.String("transport", tr.Name()),
		logx.String("subscription", m.Metadata[MetaSubscriptionID]),
		logx.String("instance", m.Metadata[MetaInstanceKey]),
	)
	maxAttempts := 1 + cfg.RetryMax

	for attempt := 1; ; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				return res, fmt.Errorf("rate limiter: %w", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := tr.Deliver(callCtx, m)
		cancel()
		res.Attempts = attempt
		if err == nil {
			d.observe(tr.Name(), "ok")
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		de := Classify(err)
		de.Attempts = attempt
		d.observe(tr.Name(), de.Class.String())
		if de.Class == ClassPermanent {
			log.Debug("send failed permanently", logx.String("reason", de.Reason), logx.Err(err))
			return res, de
		}
		if attempt >= maxAttempts {
			de.Class = ClassPermanent
			de.Exhausted = true
			log.Debug("retries exhausted", logx.String("reason", de.Reason), logx.Int("attempts", attempt), logx.Err(err))
			return res, de
		}

		delay := retryDelay(cfg, attempt, de.RetryAfter)
		res.Delays = append(res.Delays, delay)
		log.Debug("send failed, retrying", logx.String("reason", de.Reason), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Duration("backoff", delay), logx.Err(err))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: "dispatch.retry", Data: DispatchEvent{
				SubscriptionID: m.Metadata[MetaSubscriptionID],
				InstanceKey:    m.Metadata[MetaInstanceKey],
				Transport:      tr.Name(),
				Attempt:        attempt,
				Delay:          delay,
				Reason:         de.Reason,
				Error:          err.Error(),
			}})
		}
		if err := d.sleep(ctx, delay); err != nil {
			return res, err
		}
	}
}

func (d *Dispatcher) observe(transport, outcome string) {
	if d.obs != nil {
		d.obs.ObserveAttempt(transport, outcome)
	}
}

// retryDelay is the wait before attempt+1: base * factor^(attempt-1), capped.
// A larger transport hint wins, still capped.
func retryDelay(cfg Config, attempt int, hint time.Duration) time.Duration {
	maxD := float64(cfg.RetryMaxDelay)
	d := float64(cfg.RetryBase) * math.Pow(cfg.RetryFactor, float64(attempt-1))
	if d > maxD {
		d = maxD
	}
	if cfg.RetryJitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*cfg.RetryJitter
	}
	out := time.Duration(d)
	if hint > out {
		out = hint
	}
	if out > cfg.RetryMaxDelay {
		out = cfg.RetryMaxDelay
	}
	if out < 0 {
		return 0
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
