package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"renewd/internal/subscription"
)

// RecordStore is the slice of storage the deduplicator needs.
//
// ClaimReminder must be a compare-and-set: it succeeds only when no record
// exists for the key, or the existing record is pending with an expired
// lease. UpsertReminder must never overwrite a sent record and reports
// applied=false in that case.
type RecordStore interface {
	GetReminder(ctx context.Context, key subscription.ReminderKey) (subscription.ReminderRecord, bool, error)
	ClaimReminder(ctx context.Context, rec subscription.ReminderRecord, now time.Time) (bool, error)
	UpsertReminder(ctx context.Context, rec subscription.ReminderRecord) (applied bool, err error)
}

// ErrNotClaimed is returned by Claim when another caller owns the key
// or the key is already settled.
var ErrNotClaimed = errors.New("reminder already claimed or settled")

// DefaultLease bounds how long a claim blocks other passes after a crash.
const DefaultLease = 5 * time.Minute

// Deduplicator tracks which billing instances were reminded.
//
// It is safe for concurrent use. Claims are serialized per key in-process
// and through the store across processes.
type Deduplicator struct {
	store RecordStore

	mu       sync.Mutex
	lease    time.Duration
	inflight map[subscription.ReminderKey]struct{}
}

func NewDeduplicator(store RecordStore, lease time.Duration) *Deduplicator {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Deduplicator{
		store:    store,
		lease:    lease,
		inflight: map[subscription.ReminderKey]struct{}{},
	}
}

// SetLease changes the claim lease for subsequent claims.
func (d *Deduplicator) SetLease(lease time.Duration) {
	if lease <= 0 {
		lease = DefaultLease
	}
	d.mu.Lock()
	d.lease = lease
	d.mu.Unlock()
}

// ShouldSend reports whether a reminder is still owed for key at now.
//
// Sent and permanently failed instances are never owed again; permanent
// failures need an operator reset. A pending record is owed once its
// lease has lapsed.
func (d *Deduplicator) ShouldSend(ctx context.Context, key subscription.ReminderKey, now time.Time) (bool, error) {
	rec, ok, err := d.store.GetReminder(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return rec.Claimable(now), nil
}

// Claim takes ownership of key for one dispatch. The caller must settle the
// claim with MarkSent, MarkFailed or Release.
func (d *Deduplicator) Claim(ctx context.Context, key subscription.ReminderKey, billingDate, now time.Time) (subscription.ReminderRecord, error) {
	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return subscription.ReminderRecord{}, ErrNotClaimed
	}
	d.inflight[key] = struct{}{}
	lease := d.lease
	d.mu.Unlock()

	rec := subscription.ReminderRecord{
		ReminderKey: key,
		BillingDate: billingDate,
		Status:      subscription.StatusPending,
		LeaseUntil:  now.Add(lease),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ok, err := d.store.ClaimReminder(ctx, rec, now)
	if err != nil || !ok {
		d.forget(key)
		if err != nil {
			return subscription.ReminderRecord{}, fmt.Errorf("claim %s: %w", key, err)
		}
		return subscription.ReminderRecord{}, ErrNotClaimed
	}
	return rec, nil
}

// MarkSent records a confirmed send. If the record is already sent by a
// concurrent writer, MarkSent is a no-op.
func (d *Deduplicator) MarkSent(ctx context.Context, rec subscription.ReminderRecord, at time.Time, attempts int) error {
	defer d.forget(rec.ReminderKey)
	rec.Status = subscription.StatusSent
	rec.SentAt = at
	rec.UpdatedAt = at
	rec.LeaseUntil = time.Time{}
	rec.Attempts = attempts
	rec.LastError = ""
	if _, err := d.store.UpsertReminder(ctx, rec); err != nil {
		return fmt.Errorf("mark sent %s: %w", rec.ReminderKey, err)
	}
	return nil
}

// MarkFailed dead-letters the instance. It never downgrades a sent record.
func (d *Deduplicator) MarkFailed(ctx context.Context, rec subscription.ReminderRecord, at time.Time, attempts int, cause error) error {
	defer d.forget(rec.ReminderKey)
	rec.Status = subscription.StatusFailedPermanent
	rec.UpdatedAt = at
	rec.LeaseUntil = time.Time{}
	rec.Attempts = attempts
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if _, err := d.store.UpsertReminder(ctx, rec); err != nil {
		return fmt.Errorf("mark failed %s: %w", rec.ReminderKey, err)
	}
	return nil
}

// Release gives up a claim without settling it, so the next pass may try
// again right away. Used when a pass is cancelled mid-dispatch.
func (d *Deduplicator) Release(ctx context.Context, rec subscription.ReminderRecord, at time.Time, attempts int, cause error) error {
	defer d.forget(rec.ReminderKey)
	rec.Status = subscription.StatusPending
	rec.UpdatedAt = at
	rec.LeaseUntil = at
	rec.Attempts = attempts
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if _, err := d.store.UpsertReminder(ctx, rec); err != nil {
		return fmt.Errorf("release %s: %w", rec.ReminderKey, err)
	}
	return nil
}

func (d *Deduplicator) forget(key subscription.ReminderKey) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}
