// Package billing computes billing dates as subscription cycles roll over.
//
// All functions are pure. Dates are calendar days; time-of-day is discarded
// before any comparison.
package billing

import (
	"errors"
	"fmt"
	"time"

	"renewd/internal/subscription"
)

var (
	// ErrDateArithmetic is the umbrella for malformed date/cycle input.
	ErrDateArithmetic = errors.New("date arithmetic")

	ErrInvalidCycle = fmt.Errorf("%w: invalid billing cycle", ErrDateArithmetic)
	ErrZeroDate     = fmt.Errorf("%w: billing date is zero", ErrDateArithmetic)
)

// InstanceKeyLayout formats the billing instance key of a date.
const InstanceKeyLayout = "2006-01-02"

// maxSteps bounds Normalize for inputs such as year-1 dates (2000 years of monthly steps).
const maxSteps = 24000

// Day truncates t to midnight of its calendar day in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Advance moves a calendar day forward by one cycle. When the target month
// is shorter than the source day, the result is clamped to the last day of
// that month (Jan 31 -> Feb 29/28, Feb 29 + 1y -> Feb 28).
func Advance(day time.Time, cycle subscription.Cycle) (time.Time, error) {
	if day.IsZero() {
		return time.Time{}, ErrZeroDate
	}
	switch cycle {
	case subscription.Monthly:
		return addMonthsClamped(day, 1), nil
	case subscription.Yearly:
		return addMonthsClamped(day, 12), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, months, 0)
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

// Normalize returns date unchanged when its day is today or later, otherwise
// it advances date one cycle at a time until it is no longer in the past.
// The second return value is the number of cycles applied.
func Normalize(date time.Time, cycle subscription.Cycle, now time.Time) (time.Time, int, error) {
	if date.IsZero() {
		return time.Time{}, 0, ErrZeroDate
	}
	if !cycle.Valid() {
		return time.Time{}, 0, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}
	loc := date.Location()
	day := Day(date, loc)
	today := Day(now, loc)
	if !day.Before(today) {
		return day, 0, nil
	}

	steps := 0
	for day.Before(today) {
		if steps >= maxSteps {
			return time.Time{}, steps, fmt.Errorf("%w: %s is too far in the past", ErrDateArithmetic, date.Format(InstanceKeyLayout))
		}
		next, err := Advance(day, cycle)
		if err != nil {
			return time.Time{}, steps, err
		}
		day = next
		steps++
	}
	return day, steps, nil
}

// InstanceKey derives the billing instance key from a billing date.
// Rolling a subscription forward always yields a new key.
func InstanceKey(billingDate time.Time) string {
	return billingDate.Format(InstanceKeyLayout)
}

// ParseInstanceKey parses a key produced by InstanceKey as a day in loc.
func ParseInstanceKey(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(InstanceKeyLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad instance key %q", ErrDateArithmetic, key)
	}
	return t, nil
}
