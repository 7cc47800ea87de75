package scheduler

import (
	"context"
	"errors"
	"time"

	"renewd/internal/notifier"
	"renewd/internal/reminder"
	"renewd/internal/subscription"
)

// ErrPassInProgress is returned when a trigger arrives while a pass is
// already running. The trigger is coalesced into the running pass.
var ErrPassInProgress = errors.New("pass already in progress")

// Config controls the reminder pass and its wall-clock triggers.
type Config struct {
	Enabled       bool
	Timezone      string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	DailyAt       string // "HH:MM" or a cron expression
	LookaheadDays int
	Workers       int
	PassTimeout   time.Duration
	ClaimLease    time.Duration

	Retention time.Duration // 0 disables pruning
	PruneAt   string

	ClearInvalidTarget bool
	TitleTemplate      string
	BodyTemplate       string
}

const (
	DefaultDailyAt     = "09:00"
	DefaultPruneAt     = "03:30"
	DefaultWorkers     = 4
	DefaultPassTimeout = 10 * time.Minute

	// settleTimeout bounds the record write after a send, which must
	// outlive the pass context.
	settleTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.DailyAt == "" {
		c.DailyAt = DefaultDailyAt
	}
	if c.PruneAt == "" {
		c.PruneAt = DefaultPruneAt
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = reminder.DefaultLookaheadDays
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = DefaultPassTimeout
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = reminder.DefaultLease
	}
	return c
}

// Store is the slice of storage the controller needs.
type Store interface {
	reminder.RecordStore
	ListSubscriptionsDueForCheck(ctx context.Context, before time.Time) ([]subscription.Subscription, error)
	UpdateNextBillingDate(ctx context.Context, id string, date time.Time) error
	ClearNotificationTarget(ctx context.Context, id string) error
	PruneReminders(ctx context.Context, before time.Time) (int, error)
}

// Sender delivers one message with the dispatcher's retry policy.
type Sender interface {
	Send(ctx context.Context, m notifier.Message) (notifier.Result, error)
}

// Recorder receives pass and per-reminder observations.
type Recorder interface {
	SetPassRunning(running bool)
	ObservePass(outcome string, took time.Duration)
	ObserveReminder(result string)
	ObserveNormalized(n int)
}

// Pass outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeCanceled  = "canceled"
	OutcomeCoalesced = "coalesced"
)

// Per-reminder results.
const (
	ResultSent            = "sent"
	ResultSkipped         = "skipped"
	ResultFailedPermanent = "failed_permanent"
	ResultInvalid         = "invalid"
	ResultReleased        = "released"
)

// Trigger names recorded on a pass.
const (
	TriggerDaily  = "daily"
	TriggerManual = "manual"
)

// State is the controller's pass state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// ItemFailure describes one reminder that did not go out.
type ItemFailure struct {
	SubscriptionID string `json:"subscription_id"`
	InstanceKey    string `json:"instance_key,omitempty"`
	Reason         string `json:"reason"`
	Error          string `json:"error"`
}

// PassResult summarizes one pass. Counts are for observability only.
type PassResult struct {
	ID         string        `json:"id"`
	Trigger    string        `json:"trigger"`
	Now        time.Time     `json:"now"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Took       time.Duration `json:"took"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`

	Loaded     int `json:"loaded"`
	Normalized int `json:"normalized"`
	DateErrors int `json:"date_errors"`
	Due        int `json:"due"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Invalid    int `json:"invalid"`
	Released   int `json:"released"`

	Failures []ItemFailure `json:"failures,omitempty"`
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Enabled   bool        `json:"enabled"`
	State     State       `json:"state"`
	Timezone  string      `json:"timezone"`
	DailyAt   string      `json:"daily_at"`
	NextPass  time.Time   `json:"next_pass,omitempty"`
	NextPrune time.Time   `json:"next_prune,omitempty"`
	Passes    uint64      `json:"passes"`
	Coalesced uint64      `json:"coalesced"`
	LastPass  *PassResult `json:"last_pass,omitempty"`
}

// Events published on the bus.
const (
	EventPassStarted     = "pass.started"
	EventPassFinished    = "pass.finished"
	EventPassCoalesced   = "pass.coalesced"
	EventReminderSent    = "reminder.sent"
	EventReminderFailed  = "reminder.failed"
	EventReminderSkipped = "reminder.skipped"
	EventRemindersPruned = "reminders.pruned"
)

// ReminderEvent is the payload of reminder.* events.
type ReminderEvent struct {
	PassID         string `json:"pass_id"`
	SubscriptionID string `json:"subscription_id"`
	InstanceKey    string `json:"instance_key"`
	Attempts       int    `json:"attempts,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}
