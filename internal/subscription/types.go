// Package subscription holds the value types shared by the reminder engine:
// subscriptions (owned by storage) and reminder records (owned by the engine).
package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Cycle is the recurrence period of a subscription charge.
type Cycle string

const (
	Monthly Cycle = "monthly"
	Yearly  Cycle = "yearly"
)

// ParseCycle accepts "monthly"/"yearly" in any case.
func ParseCycle(s string) (Cycle, error) {
	switch c := Cycle(strings.ToLower(strings.TrimSpace(s))); c {
	case Monthly, Yearly:
		return c, nil
	default:
		return "", fmt.Errorf("unknown billing cycle %q", s)
	}
}

func (c Cycle) Valid() bool { return c == Monthly || c == Yearly }

// Subscription is a recurring charge tracked for one user.
//
// NextBillingDate is a calendar day: midnight in the scheduler timezone.
// NotificationTarget may be empty; such subscriptions still roll forward
// but are never dispatched.
type Subscription struct {
	ID                 string          `json:"id" validate:"required"`
	Name               string          `json:"name" validate:"required"`
	Price              decimal.Decimal `json:"price"`
	Currency           string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Cycle              Cycle           `json:"billing_cycle" validate:"required,oneof=monthly yearly"`
	NextBillingDate    time.Time       `json:"next_billing_date" validate:"required"`
	OwnerUserID        string          `json:"owner_user_id" validate:"required"`
	NotificationTarget string          `json:"notification_target,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// HasTarget reports whether the subscription can be dispatched to.
func (s Subscription) HasTarget() bool { return strings.TrimSpace(s.NotificationTarget) != "" }

// Status is the lifecycle state of a ReminderRecord.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSent            Status = "sent"
	StatusFailedPermanent Status = "failed_permanent"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusSent, StatusFailedPermanent:
		return st, nil
	default:
		return "", fmt.Errorf("unknown reminder status %q", s)
	}
}

// ReminderKey identifies one billing instance of one subscription.
type ReminderKey struct {
	SubscriptionID string `json:"subscription_id"`
	InstanceKey    string `json:"instance_key"`
}

func (k ReminderKey) String() string { return k.SubscriptionID + "@" + k.InstanceKey }

// ReminderRecord tracks the reminder owed for one billing instance.
//
// A record in StatusSent is never mutated again.
// LeaseUntil is only meaningful while StatusPending: it marks an in-flight
// claim that other passes must not steal before it expires.
type ReminderRecord struct {
	ReminderKey
	BillingDate time.Time `json:"billing_date"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	LeaseUntil  time.Time `json:"lease_until,omitempty"`
	SentAt      time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Claimable reports whether a new pass may take ownership of this record at now.
func (r ReminderRecord) Claimable(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.LeaseUntil)
}
