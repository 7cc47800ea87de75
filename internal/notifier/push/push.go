// Package push delivers reminders to an HTTP push gateway.
//
// The gateway accepts POST {target,title,body,data} as JSON and answers with
// a status code. 2xx is success; 408, 429 and 5xx are transient; 404 and 410
// mean the target is gone; other 4xx are permanent.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/dnscache"

	"renewd/internal/notifier"
	logx "renewd/pkg/logx"
)

type Config struct {
	URL         string
	Token       string
	DNSCacheTTL time.Duration
}

// Client is a notifier.Transport over HTTP.
type Client struct {
	cfg      Config
	log      logx.Logger
	http     *http.Client
	resolver *dnscache.Resolver
}

var idempotencyNS = uuid.MustParse("6f1c3b1e-8f0a-4d59-9a0e-2b7f3c1d5e40")

func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("push url is empty")
	}
	if cfg.DNSCacheTTL <= 0 {
		cfg.DNSCacheTTL = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, log: log, resolver: &dnscache.Resolver{}}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = c.dialContext
	c.http = &http.Client{Transport: tr}
	return c, nil
}

func (c *Client) Name() string { return "push" }

func (c *Client) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// RefreshLoop refreshes the DNS cache every DNSCacheTTL until ctx is done.
func (c *Client) RefreshLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.DNSCacheTTL)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.resolver.Refresh(true)
			c.log.Debug("dns cache refreshed", logx.Duration("ttl", c.cfg.DNSCacheTTL))
		}
	}
}

type payload struct {
	Target string            `json:"target"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// IdempotencyKey is stable for one billing instance so gateway-side dedup
// also covers resends after a crash.
func IdempotencyKey(m notifier.Message) string {
	seed := m.Metadata[notifier.MetaSubscriptionID] + "@" + m.Metadata[notifier.MetaInstanceKey]
	if seed == "@" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(idempotencyNS, []byte(seed)).String()
}

func (c *Client) Deliver(ctx context.Context, m notifier.Message) error {
	raw, err := json.Marshal(payload{Target: m.Target, Title: m.Title, Body: m.Body, Data: m.Metadata})
	if err != nil {
		return notifier.Permanent(notifier.ReasonInvalidMsg, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return notifier.Permanent(notifier.ReasonBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(m))
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Classify handles timeouts; everything else is a network error.
		return notifier.Classify(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), body, time.Now())
}

func classifyStatus(code int, retryAfter string, body []byte, now time.Time) error {
	cause := fmt.Errorf("push gateway: HTTP %d", code)
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		cause = fmt.Errorf("push gateway: HTTP %d: %s", code, eb.Error)
	}

	switch {
	case code == http.StatusTooManyRequests:
		de := notifier.Transient(notifier.ReasonRateLimited, cause)
		de.RetryAfter = parseRetryAfter(retryAfter, now)
		return de
	case code == http.StatusRequestTimeout:
		return notifier.Transient(notifier.ReasonTimeout, cause)
	case code >= 500:
		de := notifier.Transient(notifier.ReasonServer, cause)
		de.RetryAfter = parseRetryAfter(retryAfter, now)
		return de
	case code == http.StatusNotFound || code == http.StatusGone || isInvalidTargetCode(eb.Error):
		return notifier.Permanent(notifier.ReasonInvalidTarget, cause)
	default:
		return notifier.Permanent(notifier.ReasonBadRequest, cause)
	}
}

func isInvalidTargetCode(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "invalid_target", "unregistered", "device_not_registered", "invalid_token":
		return true
	}
	return false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
