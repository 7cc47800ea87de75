package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"renewd/internal/subscription"
	logx "renewd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, unavailable(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable(err)
	}
	// One writer keeps claim/upsert statements serialized inside this process;
	// busy_timeout covers other processes sharing the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas are best effort; the journal mode in effect is logged below.
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma not applied", logx.String("pragma", p), logx.Err(err))
		}
	}
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		log.Debug("sqlite journal mode unknown", logx.Err(err))
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, unavailable(err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.String("journal_mode", mode))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const subColumns = `id, name, price, currency, billing_cycle, next_billing_date, owner_user_id, notification_target, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (subscription.Subscription, error) {
	var (
		sub                    subscription.Subscription
		price, cycle           string
		target                 sql.NullString
		next, created, updated int64
	)
	if err := r.Scan(&sub.ID, &sub.Name, &price, &sub.Currency, &cycle, &next, &sub.OwnerUserID, &target, &created, &updated); err != nil {
		return sub, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return sub, fmt.Errorf("subscription %q: bad price %q: %w", sub.ID, price, err)
	}
	sub.Price = p
	sub.Cycle = subscription.Cycle(cycle)
	sub.NextBillingDate = timeOf(next)
	sub.NotificationTarget = target.String
	sub.CreatedAt = timeOf(created)
	sub.UpdatedAt = timeOf(updated)
	return sub, nil
}

func (s *sqliteStore) querySubscriptions(ctx context.Context, q string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subColumns+` FROM subscriptions ORDER BY next_billing_date, id`)
}

func (s *sqliteStore) ListSubscriptionsDueForCheck(ctx context.Context, before time.Time) ([]subscription.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE next_billing_date < ? ORDER BY next_billing_date, id`, before.UnixMilli())
}

func (s *sqliteStore) GetSubscription(ctx context.Context, id string) (subscription.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sub, notFound("subscription", id)
	}
	if err != nil {
		return sub, unavailable(err)
	}
	return sub, nil
}

func (s *sqliteStore) PutSubscription(ctx context.Context, sub subscription.Subscription) error {
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(`+subColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, price=excluded.price, currency=excluded.currency,
		   billing_cycle=excluded.billing_cycle, next_billing_date=excluded.next_billing_date,
		   owner_user_id=excluded.owner_user_id, notification_target=excluded.notification_target,
		   updated_at=excluded.updated_at`,
		sub.ID, sub.Name, sub.Price.String(), sub.Currency, string(sub.Cycle), sub.NextBillingDate.UnixMilli(),
		sub.OwnerUserID, nullStr(sub.NotificationTarget), msOf(sub.CreatedAt), msOf(sub.UpdatedAt),
	)
	return unavailable(err)
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, id string) error {
	return s.execOne(ctx, "subscription", id, `DELETE FROM subscriptions WHERE id = ?`, id)
}

func (s *sqliteStore) UpdateNextBillingDate(ctx context.Context, id string, date time.Time) error {
	return s.execOne(ctx, "subscription", id,
		`UPDATE subscriptions SET next_billing_date = ?, updated_at = ? WHERE id = ?`,
		date.UnixMilli(), time.Now().UnixMilli(), id)
}

func (s *sqliteStore) ClearNotificationTarget(ctx context.Context, id string) error {
	return s.execOne(ctx, "subscription", id,
		`UPDATE subscriptions SET notification_target = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
}

func (s *sqliteStore) execOne(ctx context.Context, kind, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

const remColumns = `subscription_id, instance_key, billing_date, status, attempts, last_error, lease_until, sent_at, created_at, updated_at`

func scanReminder(r rowScanner) (subscription.ReminderRecord, error) {
	var (
		rec                              subscription.ReminderRecord
		status                           string
		lastErr                          sql.NullString
		sentAt                           sql.NullInt64
		billing, lease, created, updated int64
	)
	if err := r.Scan(&rec.SubscriptionID, &rec.InstanceKey, &billing, &status, &rec.Attempts, &lastErr, &lease, &sentAt, &created, &updated); err != nil {
		return rec, err
	}
	rec.Status = subscription.Status(status)
	rec.BillingDate = timeOf(billing)
	rec.LastError = lastErr.String
	rec.LeaseUntil = timeOf(lease)
	rec.SentAt = timeOf(sentAt.Int64)
	rec.CreatedAt = timeOf(created)
	rec.UpdatedAt = timeOf(updated)
	return rec, nil
}

func reminderArgs(rec subscription.ReminderRecord) []any {
	var sentAt any
	if !rec.SentAt.IsZero() {
		sentAt = rec.SentAt.UnixMilli()
	}
	return []any{
		rec.SubscriptionID, rec.InstanceKey, msOf(rec.BillingDate), string(rec.Status), rec.Attempts,
		nullStr(rec.LastError), msOf(rec.LeaseUntil), sentAt, msOf(rec.CreatedAt), msOf(rec.UpdatedAt),
	}
}

func (s *sqliteStore) GetReminder(ctx context.Context, key subscription.ReminderKey) (subscription.ReminderRecord, bool, error) {
	rec, err := scanReminder(s.db.QueryRowContext(ctx,
		`SELECT `+remColumns+` FROM reminders WHERE subscription_id = ? AND instance_key = ?`,
		key.SubscriptionID, key.InstanceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.ReminderRecord{}, false, nil
	}
	if err != nil {
		return subscription.ReminderRecord{}, false, unavailable(err)
	}
	return rec, true, nil
}

func (s *sqliteStore) ClaimReminder(ctx context.Context, rec subscription.ReminderRecord, now time.Time) (bool, error) {
	args := append(reminderArgs(rec), now.UnixMilli())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+remColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(subscription_id, instance_key) DO UPDATE SET
		   lease_until=excluded.lease_until, updated_at=excluded.updated_at, billing_date=excluded.billing_date
		 WHERE reminders.status = 'pending' AND reminders.lease_until <= ?`,
		args...)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *sqliteStore) UpsertReminder(ctx context.Context, rec subscription.ReminderRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+remColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(subscription_id, instance_key) DO UPDATE SET
		   billing_date=excluded.billing_date, status=excluded.status, attempts=excluded.attempts,
		   last_error=excluded.last_error, lease_until=excluded.lease_until, sent_at=excluded.sent_at,
		   updated_at=excluded.updated_at
		 WHERE reminders.status <> 'sent'`,
		reminderArgs(rec)...)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *sqliteStore) ListReminders(ctx context.Context, status subscription.Status) ([]subscription.ReminderRecord, error) {
	q := `SELECT ` + remColumns + ` FROM reminders`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY billing_date, subscription_id, instance_key`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []subscription.ReminderRecord
	for rows.Next() {
		rec, err := scanReminder(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *sqliteStore) ResetReminder(ctx context.Context, key subscription.ReminderKey) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE subscription_id = ? AND instance_key = ? AND status <> 'sent'`,
		key.SubscriptionID, key.InstanceKey)
	if err != nil {
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable(err)
	} else if n == 1 {
		return nil
	}
	_, ok, err := s.GetReminder(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("reset %s: %w", key, ErrAlreadySent)
	}
	return notFound("reminder", key.String())
}

func (s *sqliteStore) PruneReminders(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE billing_date < ?`, before.UnixMilli())
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
