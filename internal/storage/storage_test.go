package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"renewd/internal/subscription"
	logx "renewd/pkg/logx"
)

type opener func(t *testing.T) (open func() Store)

func drivers(t *testing.T) map[string]opener {
	t.Helper()
	out := map[string]opener{
		"sqlite": func(t *testing.T) func() Store {
			path := filepath.Join(t.TempDir(), "renewd.db")
			return func() Store {
				st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
				require.NoError(t, err)
				return st
			}
		},
		"file": func(t *testing.T) func() Store {
			path := filepath.Join(t.TempDir(), "renewd.json")
			return func() Store {
				st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
				require.NoError(t, err)
				return st
			}
		},
	}
	if addr := strings.TrimSpace(os.Getenv("RENEWD_TEST_REDIS_ADDR")); addr != "" {
		out["redis"] = func(t *testing.T) func() Store {
			prefix := "renewd-test:" + ulid.Make().String() + ":"
			return func() Store {
				st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: addr, Prefix: prefix}}, logx.Nop())
				require.NoError(t, err)
				return st
			}
		}
	}
	return out
}

// forEachDriver runs fn against a fresh store of every available driver.
func forEachDriver(t *testing.T, fn func(t *testing.T, open func() Store)) {
	for name, mk := range drivers(t) {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, mk(t))
		})
	}
}

var day0 = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

func testSub(id string, next time.Time) subscription.Subscription {
	return subscription.Subscription{
		ID:                 id,
		Name:               "Sub " + id,
		Price:              decimal.RequireFromString("9.99"),
		Currency:           "USD",
		Cycle:              subscription.Monthly,
		NextBillingDate:    next,
		OwnerUserID:        "owner-1",
		NotificationTarget: "target-" + id,
	}
}

func pendingRec(key subscription.ReminderKey, now time.Time, lease time.Duration) subscription.ReminderRecord {
	return subscription.ReminderRecord{
		ReminderKey: key,
		BillingDate: day0,
		Status:      subscription.StatusPending,
		LeaseUntil:  now.Add(lease),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSubscriptionsCRUD(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		st := open()
		defer st.Close()

		require.NoError(t, st.PutSubscription(ctx, testSub("b", day0.AddDate(0, 0, 2))))
		require.NoError(t, st.PutSubscription(ctx, testSub("a", day0)))
		require.NoError(t, st.PutSubscription(ctx, testSub("c", day0.AddDate(0, -2, 0))))

		got, err := st.GetSubscription(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "Sub a", got.Name)
		require.True(t, got.Price.Equal(decimal.RequireFromString("9.99")))
		require.True(t, got.NextBillingDate.Equal(day0))
		require.Equal(t, "target-a", got.NotificationTarget)
		require.False(t, got.CreatedAt.IsZero())

		_, err = st.GetSubscription(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		all, err := st.ListSubscriptions(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"c", "a", "b"}, ids(all))

		due, err := st.ListSubscriptionsDueForCheck(ctx, day0.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Equal(t, []string{"c", "a"}, ids(due))

		// before is exclusive
		due, err = st.ListSubscriptionsDueForCheck(ctx, day0)
		require.NoError(t, err)
		require.Equal(t, []string{"c"}, ids(due))

		require.NoError(t, st.UpdateNextBillingDate(ctx, "c", day0.AddDate(0, 1, 0)))
		require.NoError(t, st.ClearNotificationTarget(ctx, "a"))
		got, err = st.GetSubscription(ctx, "a")
		require.NoError(t, err)
		require.False(t, got.HasTarget())

		all, err = st.ListSubscriptions(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, ids(all))

		require.ErrorIs(t, st.UpdateNextBillingDate(ctx, "missing", day0), ErrNotFound)
		require.ErrorIs(t, st.ClearNotificationTarget(ctx, "missing"), ErrNotFound)

		require.NoError(t, st.DeleteSubscription(ctx, "b"))
		require.ErrorIs(t, st.DeleteSubscription(ctx, "b"), ErrNotFound)
		all, err = st.ListSubscriptions(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "c"}, ids(all))
	})
}

func TestClaimReminderCompareAndSet(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		st := open()
		defer st.Close()
		key := subscription.ReminderKey{SubscriptionID: "s1", InstanceKey: "2025-06-10"}
		now := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)

		ok, err := st.ClaimReminder(ctx, pendingRec(key, now, time.Minute), now)
		require.NoError(t, err)
		require.True(t, ok)

		// live lease
		ok, err = st.ClaimReminder(ctx, pendingRec(key, now.Add(time.Second), time.Minute), now.Add(time.Second))
		require.NoError(t, err)
		require.False(t, ok)

		// lapsed lease
		later := now.Add(time.Minute)
		ok, err = st.ClaimReminder(ctx, pendingRec(key, later, time.Minute), later)
		require.NoError(t, err)
		require.True(t, ok)

		rec, found, err := st.GetReminder(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, subscription.StatusPending, rec.Status)
		require.True(t, rec.LeaseUntil.Equal(later.Add(time.Minute)))
		require.True(t, rec.CreatedAt.Equal(now))

		// settled records are never claimable
		rec.Status = subscription.StatusFailedPermanent
		rec.LeaseUntil = time.Time{}
		applied, err := st.UpsertReminder(ctx, rec)
		require.NoError(t, err)
		require.True(t, applied)
		ok, err = st.ClaimReminder(ctx, pendingRec(key, later.AddDate(0, 0, 1), time.Minute), later.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestClaimReminderSingleWinner(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		st := open()
		defer st.Close()
		key := subscription.ReminderKey{SubscriptionID: "race", InstanceKey: "2025-06-10"}
		now := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.ClaimReminder(ctx, pendingRec(key, now, time.Minute), now)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())
	})
}

func TestUpsertNeverOverwritesSent(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		st := open()
		defer st.Close()
		key := subscription.ReminderKey{SubscriptionID: "s1", InstanceKey: "2025-06-10"}
		now := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)

		sent := pendingRec(key, now, 0)
		sent.Status = subscription.StatusSent
		sent.SentAt = now
		sent.Attempts = 1
		applied, err := st.UpsertReminder(ctx, sent)
		require.NoError(t, err)
		require.True(t, applied)

		again := sent
		again.SentAt = now.Add(time.Hour)
		again.Attempts = 2
		applied, err = st.UpsertReminder(ctx, again)
		require.NoError(t, err)
		require.False(t, applied)

		failed := sent
		failed.Status = subscription.StatusFailedPermanent
		applied, err = st.UpsertReminder(ctx, failed)
		require.NoError(t, err)
		require.False(t, applied)

		rec, _, err := st.GetReminder(ctx, key)
		require.NoError(t, err)
		require.Equal(t, subscription.StatusSent, rec.Status)
		require.True(t, rec.SentAt.Equal(now))
		require.Equal(t, 1, rec.Attempts)

		ok, err := st.ClaimReminder(ctx, pendingRec(key, now.AddDate(0, 0, 1), time.Minute), now.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRemindersListResetPrune(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		st := open()
		defer st.Close()
		now := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)

		mk := func(id string, billing time.Time, status subscription.Status) subscription.ReminderKey {
			key := subscription.ReminderKey{SubscriptionID: id, InstanceKey: billing.Format("2006-01-02")}
			rec := pendingRec(key, now, 0)
			rec.BillingDate = billing
			rec.Status = status
			rec.LastError = "x"
			if status == subscription.StatusSent {
				rec.SentAt = now
			}
			_, err := st.UpsertReminder(ctx, rec)
			require.NoError(t, err)
			return key
		}
		old := mk("old", day0.AddDate(0, -4, 0), subscription.StatusSent)
		sent := mk("sent", day0, subscription.StatusSent)
		failed := mk("failed", day0.AddDate(0, 0, 1), subscription.StatusFailedPermanent)
		pending := mk("pending", day0.AddDate(0, 0, 2), subscription.StatusPending)

		all, err := st.ListReminders(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.Equal(t, old, all[0].ReminderKey)

		onlyFailed, err := st.ListReminders(ctx, subscription.StatusFailedPermanent)
		require.NoError(t, err)
		require.Len(t, onlyFailed, 1)
		require.Equal(t, failed, onlyFailed[0].ReminderKey)
		require.Equal(t, "x", onlyFailed[0].LastError)

		require.NoError(t, st.ResetReminder(ctx, failed))
		require.NoError(t, st.ResetReminder(ctx, pending))
		require.ErrorIs(t, st.ResetReminder(ctx, sent), ErrAlreadySent)
		require.ErrorIs(t, st.ResetReminder(ctx, failed), ErrNotFound)

		_, ok, err := st.GetReminder(ctx, failed)
		require.NoError(t, err)
		require.False(t, ok)

		n, err := st.PruneReminders(ctx, day0.AddDate(0, 0, -90))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		_, ok, err = st.GetReminder(ctx, old)
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = st.GetReminder(ctx, sent)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		st := open()
		require.NoError(t, st.PutSubscription(ctx, testSub("keep", day0)))
		key := subscription.ReminderKey{SubscriptionID: "keep", InstanceKey: "2025-06-10"}
		rec := pendingRec(key, day0, 0)
		rec.Status = subscription.StatusSent
		rec.SentAt = day0
		_, err := st.UpsertReminder(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, st.Close())

		st = open()
		defer st.Close()
		got, err := st.GetSubscription(ctx, "keep")
		require.NoError(t, err)
		require.True(t, got.NextBillingDate.Equal(day0))
		r, ok, err := st.GetReminder(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, subscription.StatusSent, r.Status)
	})
}

func TestFileJournalReplaysWithoutClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutSubscription(ctx, testSub("j1", day0)))
	require.NoError(t, st.UpdateNextBillingDate(ctx, "j1", day0.AddDate(0, 1, 0)))

	// Simulate a crash: the journal holds the writes, the snapshot does not.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Sync()
	fs.mu.Unlock()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	got, err := st2.GetSubscription(ctx, "j1")
	require.NoError(t, err)
	require.True(t, got.NextBillingDate.Equal(day0.AddDate(0, 1, 0)))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestSQLiteLogsJournalMode(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "renewd.db")}, logx.NewWriter(&buf, "debug"))
	require.NoError(t, err)
	out := buf.String()
	require.NoError(t, st.Close())

	require.Contains(t, out, `"journal_mode":"wal"`)
	require.NotContains(t, out, "sqlite pragma not applied")
}

func TestUnavailableWrapping(t *testing.T) {
	t.Parallel()
	err := unavailable(os.ErrPermission)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, os.ErrPermission)
	require.ErrorIs(t, unavailable(context.Canceled), context.Canceled)
	require.NotErrorIs(t, unavailable(context.Canceled), ErrUnavailable)
	require.NoError(t, unavailable(nil))
}

func ids(subs []subscription.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}
