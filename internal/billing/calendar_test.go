package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"renewd/internal/subscription"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.ParseInLocation(InstanceKeyLayout, s, time.UTC)
	require.NoError(t, err)
	return d
}

func TestAdvanceClampsMonthEnd(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		from  string
		cycle subscription.Cycle
		want  string
	}{
		{name: "jan31 leap", from: "2024-01-31", cycle: subscription.Monthly, want: "2024-02-29"},
		{name: "jan31 non-leap", from: "2023-01-31", cycle: subscription.Monthly, want: "2023-02-28"},
		{name: "mar31 to apr30", from: "2024-03-31", cycle: subscription.Monthly, want: "2024-04-30"},
		{name: "dec to jan", from: "2024-12-15", cycle: subscription.Monthly, want: "2025-01-15"},
		{name: "feb29 yearly", from: "2024-02-29", cycle: subscription.Yearly, want: "2025-02-28"},
		{name: "plain yearly", from: "2025-06-10", cycle: subscription.Yearly, want: "2026-06-10"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Advance(day(t, tt.from), tt.cycle)
			require.NoError(t, err)
			require.Equal(t, tt.want, InstanceKey(got))
		})
	}
}

func TestNormalizeRollsForwardFromStepToStep(t *testing.T) {
	t.Parallel()
	// 2024-01-31 -> 2024-02-29 -> 2024-03-29
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	got, steps, err := Normalize(day(t, "2024-01-31"), subscription.Monthly, now)
	require.NoError(t, err)
	require.Equal(t, "2024-03-29", InstanceKey(got))
	require.Equal(t, 2, steps)
}

func TestNormalizeKeepsTodayAndFuture(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 10, 23, 59, 0, 0, time.UTC)

	got, steps, err := Normalize(day(t, "2025-06-10"), subscription.Yearly, now)
	require.NoError(t, err)
	require.Zero(t, steps)
	require.Equal(t, "2025-06-10", InstanceKey(got))

	got, steps, err = Normalize(day(t, "2025-07-01"), subscription.Monthly, now)
	require.NoError(t, err)
	require.Zero(t, steps)
	require.Equal(t, "2025-07-01", InstanceKey(got))
}

func TestNormalizeProperties(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	today := Day(now, time.UTC)
	starts := []string{"2019-01-31", "2020-02-29", "2023-08-31", "2024-12-31", "2026-10-14", "2026-09-30", "2010-05-05"}
	for _, cycle := range []subscription.Cycle{subscription.Monthly, subscription.Yearly} {
		for _, s := range starts {
			d := day(t, s)
			once, steps, err := Normalize(d, cycle, now)
			require.NoError(t, err)

			// forward-only
			require.False(t, once.Before(today), "%s %s -> %s", cycle, s, once)

			// idempotent
			twice, steps2, err := Normalize(once, cycle, now)
			require.NoError(t, err)
			require.True(t, once.Equal(twice))
			require.Zero(t, steps2)

			// whole number of cycles: replaying the same steps lands on the same day
			replay := d
			for i := 0; i < steps; i++ {
				replay, err = Advance(replay, cycle)
				require.NoError(t, err)
			}
			require.True(t, replay.Equal(once))

			// minimal: one cycle fewer would still be in the past
			if steps > 0 {
				prev := d
				for i := 0; i < steps-1; i++ {
					prev, _ = Advance(prev, cycle)
				}
				require.True(t, prev.Before(today))
			}
		}
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := Normalize(time.Time{}, subscription.Monthly, now)
	require.ErrorIs(t, err, ErrZeroDate)
	require.True(t, errors.Is(err, ErrDateArithmetic))

	_, _, err = Normalize(day(t, "2024-01-01"), subscription.Cycle("weekly"), now)
	require.ErrorIs(t, err, ErrInvalidCycle)
	require.ErrorIs(t, err, ErrDateArithmetic)
}

func TestInstanceKeyRoundTrip(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)
	d, err := ParseInstanceKey("2025-06-10", loc)
	require.NoError(t, err)
	require.Equal(t, "2025-06-10", InstanceKey(d))

	_, err = ParseInstanceKey("10/06/2025", loc)
	require.ErrorIs(t, err, ErrDateArithmetic)
}

func TestDayUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	// 20:00 UTC is already the next day at UTC+7.
	got := Day(time.Date(2025, 6, 9, 20, 0, 0, 0, time.UTC), loc)
	require.Equal(t, "2025-06-10", InstanceKey(got))
	require.Equal(t, 0, got.Hour())
}
