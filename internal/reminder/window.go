// Package reminder decides which billing instances are owed a reminder and
// guards each instance against being reminded twice.
package reminder

import (
	"time"

	"renewd/internal/subscription"
)

// DefaultLookaheadDays is used when a non-positive lookahead is configured.
const DefaultLookaheadDays = 1

// WindowEnd returns the exclusive end of the due window that starts at now.
func WindowEnd(now time.Time, lookaheadDays int) time.Time {
	if lookaheadDays <= 0 {
		lookaheadDays = DefaultLookaheadDays
	}
	return now.AddDate(0, 0, lookaheadDays)
}

// InWindow reports whether date falls in [now, now+lookaheadDays).
func InWindow(date, now time.Time, lookaheadDays int) bool {
	return !date.Before(now) && date.Before(WindowEnd(now, lookaheadDays))
}

// SelectDue returns the subscriptions whose next billing date lies in the
// due window. Subscriptions without a notification target are left out.
//
// The input slice is not modified; the result keeps input order.
func SelectDue(subs []subscription.Subscription, now time.Time, lookaheadDays int) []subscription.Subscription {
	out := make([]subscription.Subscription, 0, len(subs))
	for _, s := range subs {
		if !s.HasTarget() {
			continue
		}
		if InWindow(s.NextBillingDate, now, lookaheadDays) {
			out = append(out, s)
		}
	}
	return out
}
