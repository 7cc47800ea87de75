package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"renewd/internal/subscription"
)

var (
	// ErrUnavailable wraps every connectivity or I/O failure of a driver.
	// A pass that sees it aborts and waits for the next trigger.
	ErrUnavailable = errors.New("storage unavailable")

	ErrNotFound = errors.New("not found")

	// ErrAlreadySent is returned when resetting a reminder that was delivered.
	ErrAlreadySent = errors.New("reminder already sent")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON journal + snapshot, single process only
//   - "redis": shared Redis instance
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// RecordTTL expires settled reminder records this long after their
	// billing date. 0 keeps them until PruneReminders.
	RecordTTL time.Duration
}

// Store persists subscriptions and reminder records.
//
// All methods are safe for concurrent use. Reads observe prior writes made
// through the same Store.
type Store interface {
	ListSubscriptions(ctx context.Context) ([]subscription.Subscription, error)
	// ListSubscriptionsDueForCheck returns subscriptions whose next billing
	// date is before the given instant, ordered by date then id. Stale dates
	// are included.
	ListSubscriptionsDueForCheck(ctx context.Context, before time.Time) ([]subscription.Subscription, error)
	GetSubscription(ctx context.Context, id string) (subscription.Subscription, error)
	PutSubscription(ctx context.Context, s subscription.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	UpdateNextBillingDate(ctx context.Context, id string, date time.Time) error
	ClearNotificationTarget(ctx context.Context, id string) error

	GetReminder(ctx context.Context, key subscription.ReminderKey) (subscription.ReminderRecord, bool, error)
	// ClaimReminder writes rec only if no record exists for its key or the
	// existing record is pending with a lease that lapsed at now.
	ClaimReminder(ctx context.Context, rec subscription.ReminderRecord, now time.Time) (bool, error)
	// UpsertReminder writes rec unless the stored record is already sent.
	UpsertReminder(ctx context.Context, rec subscription.ReminderRecord) (applied bool, err error)
	// ListReminders returns records with the given status, or all when
	// status is empty, ordered by billing date then key.
	ListReminders(ctx context.Context, status subscription.Status) ([]subscription.ReminderRecord, error)
	// ResetReminder deletes a pending or failed record so it is owed again.
	ResetReminder(ctx context.Context, key subscription.ReminderKey) error
	// PruneReminders deletes records billed before the given instant.
	PruneReminders(ctx context.Context, before time.Time) (int, error)

	Close() error
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
