// Package telegram delivers reminders as Telegram bot messages.
// The notification target is the numeric chat id.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"renewd/internal/notifier"
	logx "renewd/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string
}

// Sender is a send-only notifier.Transport. It never polls for updates.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimSpace(cfg.APIURL),
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

func (s *Sender) Name() string { return "telegram" }

func (s *Sender) Deliver(ctx context.Context, m notifier.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(m.Target), 10, 64)
	if err != nil {
		return notifier.Permanent(notifier.ReasonInvalidTarget, fmt.Errorf("chat id %q: %w", m.Target, err))
	}
	text := "<b>" + html.EscapeString(m.Title) + "</b>\n" + html.EscapeString(m.Body)
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}

	// telebot has no context support; the attempt timeout is enforced here
	// and a late reply is dropped.
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: chatID}, text, opts)
		done <- err
	}()
	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
	codeSuffixRe = regexp.MustCompile(`\((\d{3})\)\s*$`)
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if mm := codeSuffixRe.FindStringSubmatch(err.Error()); mm != nil {
		code, _ = strconv.Atoi(mm[1])
	}
	msg := strings.ToLower(err.Error())
	if mm := retryAfterRe.FindStringSubmatch(msg); mm != nil {
		code = http.StatusTooManyRequests
	}

	switch {
	case code == http.StatusTooManyRequests:
		de := notifier.Transient(notifier.ReasonRateLimited, err)
		if mm := retryAfterRe.FindStringSubmatch(msg); mm != nil {
			n, _ := strconv.Atoi(mm[1])
			de.RetryAfter = time.Duration(n) * time.Second
		}
		return de
	case code >= 500:
		return notifier.Transient(notifier.ReasonServer, err)
	case code == http.StatusForbidden,
		strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "user is deactivated"):
		return notifier.Permanent(notifier.ReasonInvalidTarget, err)
	case code >= 400:
		return notifier.Permanent(notifier.ReasonBadRequest, err)
	default:
		return notifier.Classify(err)
	}
}
