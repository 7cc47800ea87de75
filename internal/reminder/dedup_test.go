package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"renewd/internal/subscription"
)

// memRecords is a CAS-correct in-memory RecordStore.
type memRecords struct {
	mu   sync.Mutex
	recs map[subscription.ReminderKey]subscription.ReminderRecord
	err  error
}

func newMemRecords() *memRecords {
	return &memRecords{recs: map[subscription.ReminderKey]subscription.ReminderRecord{}}
}

func (m *memRecords) GetReminder(_ context.Context, key subscription.ReminderKey) (subscription.ReminderRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return subscription.ReminderRecord{}, false, m.err
	}
	r, ok := m.recs[key]
	return r, ok, nil
}

func (m *memRecords) ClaimReminder(_ context.Context, rec subscription.ReminderRecord, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if cur, ok := m.recs[rec.ReminderKey]; ok {
		if !cur.Claimable(now) {
			return false, nil
		}
		rec.CreatedAt = cur.CreatedAt
		rec.Attempts = cur.Attempts
	}
	m.recs[rec.ReminderKey] = rec
	return true, nil
}

func (m *memRecords) UpsertReminder(_ context.Context, rec subscription.ReminderRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if cur, ok := m.recs[rec.ReminderKey]; ok && cur.Status == subscription.StatusSent {
		return false, nil
	}
	m.recs[rec.ReminderKey] = rec
	return true, nil
}

var (
	k1   = subscription.ReminderKey{SubscriptionID: "s1", InstanceKey: "2025-06-10"}
	bill = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	t0   = time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
)

func TestShouldSendLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemRecords()
	d := NewDeduplicator(st, time.Minute)

	ok, err := d.ShouldSend(ctx, k1, t0)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := d.Claim(ctx, k1, bill, t0)
	require.NoError(t, err)

	// Leased: not owed while the claim is live.
	ok, err = d.ShouldSend(ctx, k1, t0.Add(30*time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.MarkSent(ctx, rec, t0.Add(time.Second), 1))

	ok, err = d.ShouldSend(ctx, k1, t0.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = d.Claim(ctx, k1, bill, t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrNotClaimed)
}

func TestClaimSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemRecords()

	// Separate deduplicators stand in for separate processes sharing a store.
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		d := NewDeduplicator(st, time.Minute)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Claim(ctx, k1, bill, t0); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestMarkSentSecondWriterIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemRecords()
	d := NewDeduplicator(st, time.Minute)

	rec, err := d.Claim(ctx, k1, bill, t0)
	require.NoError(t, err)
	first := t0.Add(time.Second)
	require.NoError(t, d.MarkSent(ctx, rec, first, 1))
	require.NoError(t, d.MarkSent(ctx, rec, first.Add(time.Minute), 2))
	require.NoError(t, d.MarkFailed(ctx, rec, first.Add(time.Minute), 3, errors.New("late")))

	got, ok, err := st.GetReminder(ctx, k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, subscription.StatusSent, got.Status)
	require.True(t, got.SentAt.Equal(first))
	require.Equal(t, 1, got.Attempts)
}

func TestMarkFailedIsNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDeduplicator(newMemRecords(), time.Minute)

	rec, err := d.Claim(ctx, k1, bill, t0)
	require.NoError(t, err)
	require.NoError(t, d.MarkFailed(ctx, rec, t0, 1, errors.New("invalid target")))

	ok, err := d.ShouldSend(ctx, k1, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemRecords()

	crashed := NewDeduplicator(st, time.Minute)
	_, err := crashed.Claim(ctx, k1, bill, t0)
	require.NoError(t, err)

	next := NewDeduplicator(st, time.Minute)
	_, err = next.Claim(ctx, k1, bill, t0.Add(30*time.Second))
	require.ErrorIs(t, err, ErrNotClaimed)

	ok, err := next.ShouldSend(ctx, k1, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	_, err = next.Claim(ctx, k1, bill, t0.Add(time.Minute))
	require.NoError(t, err)
}

func TestReleaseAllowsImmediateRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDeduplicator(newMemRecords(), time.Hour)

	rec, err := d.Claim(ctx, k1, bill, t0)
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, rec, t0.Add(time.Second), 1, context.Canceled))

	_, err = d.Claim(ctx, k1, bill, t0.Add(2*time.Second))
	require.NoError(t, err)
}

func TestClaimSameKeyInProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDeduplicator(newMemRecords(), time.Nanosecond)

	_, err := d.Claim(ctx, k1, bill, t0)
	require.NoError(t, err)
	// Even with a lapsed lease, an in-process claim is still held.
	_, err = d.Claim(ctx, k1, bill, t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrNotClaimed)
}

func TestStoreErrorsPropagate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemRecords()
	boom := errors.New("disk gone")
	st.err = boom
	d := NewDeduplicator(st, time.Minute)

	_, err := d.ShouldSend(ctx, k1, t0)
	require.ErrorIs(t, err, boom)

	_, err = d.Claim(ctx, k1, bill, t0)
	require.ErrorIs(t, err, boom)

	// A failed claim does not leave the key busy.
	st.mu.Lock()
	st.err = nil
	st.mu.Unlock()
	_, err = d.Claim(ctx, k1, bill, t0)
	require.NoError(t, err)
}
