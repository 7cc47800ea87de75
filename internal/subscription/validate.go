package subscription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var ErrNegativePrice = errors.New("price must be non-negative")

// Validate checks field constraints that storage relies on.
func (s Subscription) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid subscription %q: %w", s.ID, err)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("invalid subscription %q: name is blank", s.ID)
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("invalid subscription %q: %w", s.ID, ErrNegativePrice)
	}
	return nil
}

// NewParams are the operator-supplied fields for a new subscription.
type NewParams struct {
	Name               string
	Price              string
	Currency           string
	Cycle              string
	NextBillingDate    time.Time
	OwnerUserID        string
	NotificationTarget string
}

// New builds and validates a Subscription with a fresh random id.
func New(p NewParams, now time.Time) (Subscription, error) {
	cycle, err := ParseCycle(p.Cycle)
	if err != nil {
		return Subscription{}, err
	}
	price, err := decimal.NewFromString(strings.TrimSpace(p.Price))
	if err != nil {
		return Subscription{}, fmt.Errorf("invalid price %q: %w", p.Price, err)
	}
	cur := strings.ToUpper(strings.TrimSpace(p.Currency))
	if cur == "" {
		cur = "USD"
	}
	s := Subscription{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(p.Name),
		Price:              price,
		Currency:           cur,
		Cycle:              cycle,
		NextBillingDate:    p.NextBillingDate,
		OwnerUserID:        strings.TrimSpace(p.OwnerUserID),
		NotificationTarget: strings.TrimSpace(p.NotificationTarget),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Validate(); err != nil {
		return Subscription{}, err
	}
	return s, nil
}
