package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Config controls retry and pacing of outbound sends.
type Config struct {
	RetryMax       int
	RetryBase      time.Duration
	RetryFactor    float64
	RetryMaxDelay  time.Duration
	RetryJitter    float64 // 0..1, fraction of the delay
	AttemptTimeout time.Duration
	RatePerSec     int
}

func (c Config) withDefaults() Config {
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryFactor < 1 {
		c.RetryFactor = 2
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RetryJitter > 1 {
		c.RetryJitter = 1
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	return c
}

// Transport performs exactly one delivery attempt per call.
//
// Implementations should return errors built with Transient or Permanent so
// the dispatcher can classify them. Unclassified errors are treated as
// transient.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, m Message) error
}

// Class is the retry class of a failed send.
type Class int

const (
	ClassTransient Class = iota + 1
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Reasons attached to DispatchError.
const (
	ReasonTimeout       = "timeout"
	ReasonRateLimited   = "rate_limited"
	ReasonServer        = "server_error"
	ReasonNetwork       = "network"
	ReasonInvalidTarget = "invalid_target"
	ReasonBadRequest    = "bad_request"
	ReasonInvalidMsg    = "invalid_message"
)

var (
	ErrTransient = errors.New("transient dispatch failure")
	ErrPermanent = errors.New("permanent dispatch failure")
)

// DispatchError describes a failed send.
//
// Exhausted is set when a transient failure ran out of retries and was
// converted to Permanent. RetryAfter carries a transport hint for the
// next attempt.
type DispatchError struct {
	Class      Class
	Reason     string
	Attempts   int
	Exhausted  bool
	RetryAfter time.Duration
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s dispatch failure (%s)", e.Class, e.Reason)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == ClassTransient
	case ErrPermanent:
		return e.Class == ClassPermanent
	}
	return false
}

// Transient builds a retryable transport error.
func Transient(reason string, err error) *DispatchError {
	return &DispatchError{Class: ClassTransient, Reason: reason, Err: err}
}

// Permanent builds a non-retryable transport error.
func Permanent(reason string, err error) *DispatchError {
	return &DispatchError{Class: ClassPermanent, Reason: reason, Err: err}
}

// Classify maps any send error to a DispatchError. Timeouts and unknown
// errors are transient.
func Classify(err error) *DispatchError {
	if err == nil {
		return nil
	}
	var de *DispatchError
	if errors.As(err, &de) {
		cp := *de
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(ReasonTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient(ReasonTimeout, err)
	}
	return Transient(ReasonNetwork, err)
}

// Result summarizes a successful send.
type Result struct {
	Attempts int
	Delays   []time.Duration
}

// DispatchEvent is published on the event bus for retries.
type DispatchEvent struct {
	SubscriptionID string        `json:"subscription_id,omitempty"`
	InstanceKey    string        `json:"instance_key,omitempty"`
	Transport      string        `json:"transport"`
	Attempt        int           `json:"attempt"`
	Delay          time.Duration `json:"delay"`
	Reason         string        `json:"reason"`
	Error          string        `json:"error,omitempty"`
}
