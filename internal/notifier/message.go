package notifier

import (
	"fmt"
	"maps"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"

	"renewd/internal/billing"
	"renewd/internal/subscription"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Metadata keys set on every reminder.
const (
	MetaSubscriptionID = "subscription_id"
	MetaInstanceKey    = "instance_key"
	MetaOwnerUserID    = "owner_user_id"
	MetaBillingDate    = "billing_date"
)

// Message is one reminder ready for a transport.
type Message struct {
	Target   string            `json:"target" validate:"required"`
	Title    string            `json:"title" validate:"required,max=256"`
	Body     string            `json:"body" validate:"required,max=4096"`
	Metadata map[string]string `json:"data" validate:"required"`
}

// NewMessage validates and returns a Message. Metadata is copied.
func NewMessage(target, title, body string, metadata map[string]string) (Message, error) {
	m := Message{
		Target:   strings.TrimSpace(target),
		Title:    strings.TrimSpace(title),
		Body:     strings.TrimSpace(body),
		Metadata: map[string]string{},
	}
	maps.Copy(m.Metadata, metadata)
	if err := validate.Struct(m); err != nil {
		return Message{}, Permanent(ReasonInvalidMsg, err)
	}
	return m, nil
}

const (
	DefaultTitleTemplate = "Upcoming charge: {{.Name}}"
	DefaultBodyTemplate  = "{{.Name}} renews on {{.BillingDate}} for {{.Price}} {{.Currency}}."
)

// TemplateData is the value passed to title and body templates.
type TemplateData struct {
	Name        string
	Price       string
	Currency    string
	BillingDate string
	Cycle       string
	OwnerUserID string
}

// Templates renders reminder messages for subscriptions.
type Templates struct {
	title *template.Template
	body  *template.Template
}

// ParseTemplates compiles title and body. Empty strings use the defaults.
func ParseTemplates(title, body string) (*Templates, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitleTemplate
	}
	if strings.TrimSpace(body) == "" {
		body = DefaultBodyTemplate
	}
	tt, err := template.New("title").Option("missingkey=error").Parse(title)
	if err != nil {
		return nil, fmt.Errorf("title template: %w", err)
	}
	bt, err := template.New("body").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("body template: %w", err)
	}
	return &Templates{title: tt, body: bt}, nil
}

// Build renders the reminder for s's current billing instance.
func (t *Templates) Build(s subscription.Subscription) (Message, error) {
	key := billing.InstanceKey(s.NextBillingDate)
	data := TemplateData{
		Name:        s.Name,
		Price:       s.Price.StringFixed(2),
		Currency:    s.Currency,
		BillingDate: key,
		Cycle:       string(s.Cycle),
		OwnerUserID: s.OwnerUserID,
	}
	var title, body strings.Builder
	if err := t.title.Execute(&title, data); err != nil {
		return Message{}, Permanent(ReasonInvalidMsg, err)
	}
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, Permanent(ReasonInvalidMsg, err)
	}
	return NewMessage(s.NotificationTarget, title.String(), body.String(), map[string]string{
		MetaSubscriptionID: s.ID,
		MetaInstanceKey:    key,
		MetaOwnerUserID:    s.OwnerUserID,
		MetaBillingDate:    key,
	})
}
