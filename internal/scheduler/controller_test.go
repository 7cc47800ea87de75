package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"renewd/internal/eventbus"
	"renewd/internal/notifier"
	"renewd/internal/storage"
	"renewd/internal/subscription"
	logx "renewd/pkg/logx"
)

var (
	passNow = time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	dueDay  = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
)

type fakeSender struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error

	entered chan struct{}
	block   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeSender) Send(ctx context.Context, m notifier.Message) (notifier.Result, error) {
	f.mu.Lock()
	f.calls[m.Target]++
	err := f.fail[m.Target]
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return notifier.Result{Attempts: 1}, ctx.Err()
		}
	}
	return notifier.Result{Attempts: 1}, err
}

func (f *fakeSender) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func openSQLiteAt(t *testing.T, path string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newController(t *testing.T, cfg Config, st Store, sender Sender, opts ...Option) *Controller {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	c, err := New(cfg, st, sender, logx.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func putSub(t *testing.T, st storage.Store, id string, next time.Time, cycle subscription.Cycle) {
	t.Helper()
	require.NoError(t, st.PutSubscription(context.Background(), subscription.Subscription{
		ID:                 id,
		Name:               "Plan " + id,
		Price:              decimal.RequireFromString("12.00"),
		Currency:           "USD",
		Cycle:              cycle,
		NextBillingDate:    next,
		OwnerUserID:        "u1",
		NotificationTarget: "to-" + id,
	}))
}

func reminderStatus(t *testing.T, st storage.Store, id string, day time.Time) (subscription.ReminderRecord, bool) {
	t.Helper()
	rec, ok, err := st.GetReminder(context.Background(), subscription.ReminderKey{SubscriptionID: id, InstanceKey: day.Format("2006-01-02")})
	require.NoError(t, err)
	return rec, ok
}

func TestSecondPassSameDaySendsNothing(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "s", dueDay, subscription.Yearly)
	sender := newFakeSender()
	c := newController(t, Config{}, st, sender)

	res, err := c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, res.Due)
	require.Equal(t, 1, res.Sent)
	require.NotEmpty(t, res.ID)

	rec, ok := reminderStatus(t, st, "s", dueDay)
	require.True(t, ok)
	require.Equal(t, subscription.StatusSent, rec.Status)
	require.Equal(t, 1, rec.Attempts)

	res, err = c.RunPass(context.Background(), passNow.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.Due)
	require.Equal(t, 0, res.Sent)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, sender.count("to-s"))
}

func TestPermanentFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "a", dueDay, subscription.Monthly)
	putSub(t, st, "b", dueDay, subscription.Monthly)
	sender := newFakeSender()
	sender.fail["to-a"] = notifier.Permanent(notifier.ReasonInvalidTarget, errors.New("unregistered"))
	c := newController(t, Config{ClearInvalidTarget: true}, st, sender)

	res, err := c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, 2, res.Due)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Invalid)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "a", res.Failures[0].SubscriptionID)
	require.Equal(t, notifier.ReasonInvalidTarget, res.Failures[0].Reason)

	recA, _ := reminderStatus(t, st, "a", dueDay)
	require.Equal(t, subscription.StatusFailedPermanent, recA.Status)
	require.Contains(t, recA.LastError, "unregistered")
	recB, _ := reminderStatus(t, st, "b", dueDay)
	require.Equal(t, subscription.StatusSent, recB.Status)

	a, err := st.GetSubscription(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, a.HasTarget())

	// The cleared target keeps a out of later passes; nothing is retried.
	res, err = c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, 1, res.Due)
	require.Equal(t, 0, res.Sent)
	require.Equal(t, 1, sender.count("to-a"))
	require.Equal(t, 1, sender.count("to-b"))
}

func TestPermanentFailureKeepsTargetWhenClearingDisabled(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "a", dueDay, subscription.Monthly)
	sender := newFakeSender()
	sender.fail["to-a"] = notifier.Permanent(notifier.ReasonInvalidTarget, errors.New("gone"))
	c := newController(t, Config{ClearInvalidTarget: false}, st, sender)

	_, err := c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	a, err := st.GetSubscription(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, a.HasTarget())

	// Dead-lettered: the second pass does not call the transport again.
	res, err := c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, sender.count("to-a"))
}

func TestStaleDateIsRolledForwardAndPersisted(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "old", time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), subscription.Monthly)
	sender := newFakeSender()
	c := newController(t, Config{}, st, sender)

	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	res, err := c.RunPass(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Loaded)
	require.Equal(t, 1, res.Normalized)
	require.Equal(t, 0, res.Due)

	sub, err := st.GetSubscription(context.Background(), "old")
	require.NoError(t, err)
	require.True(t, sub.NextBillingDate.Equal(time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)), sub.NextBillingDate)

	// Rolled date becomes due the day before.
	res, err = c.RunPass(context.Background(), time.Date(2024, 3, 28, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 0, res.Normalized)
	require.Equal(t, 1, res.Sent)
}

func TestBadBillingDataIsIsolated(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "weird", dueDay.AddDate(0, -1, 0), subscription.Cycle("weekly"))
	putSub(t, st, "ok", dueDay, subscription.Monthly)
	sender := newFakeSender()
	c := newController(t, Config{}, st, sender)

	res, err := c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, 2, res.Loaded)
	require.Equal(t, 1, res.DateErrors)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, "date_arithmetic", res.Failures[0].Reason)
}

func TestConcurrentTriggerIsCoalesced(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "s", dueDay, subscription.Monthly)
	sender := newFakeSender()
	sender.entered = make(chan struct{}, 1)
	sender.block = make(chan struct{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	c := newController(t, Config{}, st, sender, WithEventBus(bus))

	done := make(chan PassResult, 1)
	go func() {
		res, _ := c.RunPass(context.Background(), passNow)
		done <- res
	}()
	<-sender.entered
	require.Equal(t, StateRunning, c.Snapshot().State)

	res, err := c.RunPass(context.Background(), passNow)
	require.ErrorIs(t, err, ErrPassInProgress)
	require.Equal(t, OutcomeCoalesced, res.Outcome)

	close(sender.block)
	first := <-done
	require.Equal(t, 1, first.Sent)
	require.Equal(t, 1, sender.total())

	snap := c.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.EqualValues(t, 1, snap.Passes)
	require.EqualValues(t, 1, snap.Coalesced)
	require.NotNil(t, snap.LastPass)
	require.Equal(t, first.ID, snap.LastPass.ID)

	seen := map[string]bool{}
	for len(events) > 0 {
		e := <-events
		seen[e.Type] = true
	}
	require.True(t, seen[EventPassCoalesced])
	require.True(t, seen[EventReminderSent])
	require.True(t, seen[EventPassFinished])
}

type unavailableReads struct {
	storage.Store
}

func (unavailableReads) GetReminder(context.Context, subscription.ReminderKey) (subscription.ReminderRecord, bool, error) {
	return subscription.ReminderRecord{}, false, fmt.Errorf("get reminder: %w", storage.ErrUnavailable)
}

type unavailableList struct {
	storage.Store
}

func (unavailableList) ListSubscriptionsDueForCheck(context.Context, time.Time) ([]subscription.Subscription, error) {
	return nil, fmt.Errorf("list: %w", storage.ErrUnavailable)
}

func TestStorageUnavailableAbortsPass(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		wrap func(storage.Store) Store
	}{
		{"list", func(s storage.Store) Store { return unavailableList{s} }},
		{"dedup read", func(s storage.Store) Store { return unavailableReads{s} }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := openStore(t)
			putSub(t, st, "s", dueDay, subscription.Monthly)
			sender := newFakeSender()
			c := newController(t, Config{}, tc.wrap(st), sender)

			res, err := c.RunPass(context.Background(), passNow)
			require.ErrorIs(t, err, storage.ErrUnavailable)
			require.Equal(t, OutcomeAborted, res.Outcome)
			require.NotEmpty(t, res.Error)
			require.Equal(t, 0, sender.total())

			// The guard is released so the next trigger can run.
			_, err = c.RunPass(context.Background(), passNow)
			require.ErrorIs(t, err, storage.ErrUnavailable)
		})
	}
}

func TestCancelledPassReleasesClaim(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "s", dueDay, subscription.Monthly)
	sender := newFakeSender()
	sender.entered = make(chan struct{}, 1)
	sender.block = make(chan struct{})
	c := newController(t, Config{}, st, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var res PassResult
	go func() {
		var err error
		res, err = c.RunPass(ctx, passNow)
		done <- err
	}()
	<-sender.entered
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, OutcomeCanceled, res.Outcome)
	require.Equal(t, 1, res.Released)

	rec, ok := reminderStatus(t, st, "s", dueDay)
	require.True(t, ok)
	require.Equal(t, subscription.StatusPending, rec.Status)
	// Released claims lapse on the wall clock, not the pass instant.
	require.True(t, rec.Claimable(time.Now()))

	close(sender.block)
	res2, err := c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, 1, res2.Sent)
}

func TestPassWithRetryingDispatcher(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "s", dueDay, subscription.Monthly)
	tr := &flakyTransport{failures: 2}
	disp := notifier.New(notifier.Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, RatePerSec: 1000}, tr, logx.Nop())
	c := newController(t, Config{}, st, disp)

	res, err := c.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 3, tr.calls)

	rec, _ := reminderStatus(t, st, "s", dueDay)
	require.Equal(t, subscription.StatusSent, rec.Status)
	require.Equal(t, 3, rec.Attempts)
}

type flakyTransport struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *flakyTransport) Name() string { return "flaky" }

func (f *flakyTransport) Deliver(ctx context.Context, m notifier.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return notifier.Transient(notifier.ReasonRateLimited, errors.New("429"))
	}
	return nil
}

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	old := subscription.ReminderRecord{
		ReminderKey: subscription.ReminderKey{SubscriptionID: "s", InstanceKey: "2025-01-10"},
		BillingDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		Status:      subscription.StatusSent,
	}
	_, err := st.UpsertReminder(ctx, old)
	require.NoError(t, err)

	c := newController(t, Config{}, st, newFakeSender())
	n, err := c.Prune(ctx, passNow)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, c.Apply(Config{Timezone: "UTC", Retention: 90 * 24 * time.Hour}))
	n, err = c.Prune(ctx, passNow)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCronSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "09:00", want: "0 9 * * *"},
		{in: " 7:05 ", want: "5 7 * * *"},
		{in: "23:59", want: "59 23 * * *"},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "0 9 * * 1-5", want: "0 9 * * 1-5"},
		{in: "@daily", want: "@daily"},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := CronSpec(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNextRunsUseTimezone(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)
	c := newController(t, Config{Enabled: true, Timezone: "Asia/Jakarta", DailyAt: "09:00"}, openStore(t), newFakeSender())

	from := time.Date(2025, 6, 9, 1, 0, 0, 0, time.UTC) // 08:00 WIB
	runs, err := c.NextRuns(from, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.True(t, runs[0].Equal(time.Date(2025, 6, 9, 9, 0, 0, 0, loc)))
	require.True(t, runs[1].Equal(time.Date(2025, 6, 10, 9, 0, 0, 0, loc)))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	_, err := New(Config{Timezone: "Mars/Olympus"}, st, newFakeSender(), logx.Nop())
	require.Error(t, err)
	_, err = New(Config{DailyAt: "25:00"}, st, newFakeSender(), logx.Nop())
	require.Error(t, err)
	_, err = New(Config{TitleTemplate: "{{.Name"}, st, newFakeSender(), logx.Nop())
	require.Error(t, err)
	_, err = New(Config{}, nil, newFakeSender(), logx.Nop())
	require.Error(t, err)
}

func TestStartStopRegistersTriggers(t *testing.T) {
	t.Parallel()
	c := newController(t, Config{Enabled: true, DailyAt: "09:00", Retention: time.Hour}, openStore(t), newFakeSender())
	c.Start(context.Background())
	snap := c.Snapshot()
	require.False(t, snap.NextPass.IsZero())
	require.False(t, snap.NextPrune.IsZero())

	require.NoError(t, c.Apply(Config{Enabled: true, Timezone: "UTC", DailyAt: "10:30"}))
	snap = c.Snapshot()
	require.Equal(t, 30, snap.NextPass.Minute())
	require.True(t, snap.NextPrune.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)
}

// slowSender answers after delay, as a transport retrying with backoff would.
type slowSender struct {
	delay time.Duration
	err   error

	mu    sync.Mutex
	calls int
}

func (s *slowSender) Send(ctx context.Context, m notifier.Message) (notifier.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return notifier.Result{Attempts: 1}, ctx.Err()
	}
	return notifier.Result{Attempts: 3}, s.err
}

func (s *slowSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSlowSendIsStillRecorded(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		err    error
		status subscription.Status
	}{
		{name: "sent", status: subscription.StatusSent},
		{name: "retries exhausted", err: notifier.Permanent(notifier.ReasonServer, errors.New("503 after retries")), status: subscription.StatusFailedPermanent},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := openSQLiteAt(t, filepath.Join(t.TempDir(), "renewd.db"))
			putSub(t, st, "s", dueDay, subscription.Monthly)
			sender := &slowSender{delay: 150 * time.Millisecond, err: tc.err}
			c := newController(t, Config{}, st, sender)
			c.settle = 50 * time.Millisecond

			_, err := c.RunPass(context.Background(), passNow)
			require.NoError(t, err)
			rec, ok := reminderStatus(t, st, "s", dueDay)
			require.True(t, ok)
			require.Equal(t, tc.status, rec.Status)
			require.Equal(t, 3, rec.Attempts)

			res, err := c.RunPass(context.Background(), passNow.Add(6*time.Minute))
			require.NoError(t, err)
			require.Equal(t, 0, res.Sent)
			require.Equal(t, 1, res.Skipped)
			require.Equal(t, 1, sender.count())
		})
	}
}

func TestClaimHoldsAcrossPassInstants(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shared.db")
	stA := openSQLiteAt(t, path)
	stB := openSQLiteAt(t, path)
	putSub(t, stA, "s", dueDay, subscription.Monthly)

	senderA := newFakeSender()
	senderA.entered = make(chan struct{}, 1)
	senderA.block = make(chan struct{})
	senderB := newFakeSender()
	a := newController(t, Config{}, stA, senderA)
	b := newController(t, Config{}, stB, senderB)

	// A evaluates an earlier instant than B; both windows hold the 10th.
	done := make(chan PassResult, 1)
	go func() {
		res, _ := a.RunPass(context.Background(), time.Date(2025, 6, 9, 1, 0, 0, 0, time.UTC))
		done <- res
	}()
	<-senderA.entered

	res, err := b.RunPass(context.Background(), passNow)
	require.NoError(t, err)
	require.Equal(t, 1, res.Due)
	require.Equal(t, 0, res.Sent)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 0, senderB.total())

	close(senderA.block)
	first := <-done
	require.Equal(t, 1, first.Sent)

	rec, ok := reminderStatus(t, stB, "s", dueDay)
	require.True(t, ok)
	require.Equal(t, subscription.StatusSent, rec.Status)
}

type unavailableWriteBack struct {
	storage.Store
}

func (unavailableWriteBack) UpdateNextBillingDate(context.Context, string, time.Time) error {
	return fmt.Errorf("update: %w", storage.ErrUnavailable)
}

func TestWriteBackUnavailableAbortsPass(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	putSub(t, st, "stale", dueDay.AddDate(0, -1, 0), subscription.Monthly)
	sender := newFakeSender()
	c := newController(t, Config{}, unavailableWriteBack{st}, sender)

	res, err := c.RunPass(context.Background(), passNow)
	require.ErrorIs(t, err, storage.ErrUnavailable)
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.Equal(t, 0, sender.total())
}
