package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"renewd/internal/adminapi"
	"renewd/internal/config"
	"renewd/internal/scheduler"
	"renewd/internal/subscription"
)

func newTestApp(t *testing.T, extra string) *App {
	t.Helper()
	dir := t.TempDir()
	body := "logging:\n  level: ERROR\nstorage:\n  driver: file\n  path: " + filepath.Join(dir, "state.json") +
		"\nscheduler:\n  timezone: UTC\n" + extra
	p := filepath.Join(dir, "renewd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	cfgm := config.NewConfigManager(p)
	_, err := cfgm.Load()
	require.NoError(t, err)
	a, err := NewApp(cfgm, WithLogsToStderr())
	require.NoError(t, err)
	return a
}

func TestNewAppRunsPassThroughLogTransport(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "")
	defer func() { require.NoError(t, a.Close()) }()

	ctx := context.Background()
	require.NoError(t, a.Store().PutSubscription(ctx, subscription.Subscription{
		ID:                 "sub-1",
		Name:               "Music",
		Price:              decimal.RequireFromString("9.99"),
		Currency:           "USD",
		Cycle:              subscription.Monthly,
		NextBillingDate:    time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		OwnerUserID:        "u1",
		NotificationTarget: "chat-1",
	}))

	res, err := a.Scheduler().RunPass(ctx, time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, scheduler.OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, res.Sent)

	recs, err := a.Store().ListReminders(ctx, subscription.StatusSent)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "sub-1", recs[0].SubscriptionID)
}

func TestValidateRejectsUnbuildableReload(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "")
	defer func() { _ = a.Close() }()

	bad := config.Default()
	bad.Scheduler.DailyAt = "every day"
	require.Error(t, a.validate(context.Background(), bad))

	open := config.Default()
	open.Admin.Enabled = true
	open.Admin.Addr = "0.0.0.0:8089"
	require.ErrorIs(t, a.validate(context.Background(), open), adminapi.ErrInsecureBind)

	require.NoError(t, a.validate(context.Background(), config.Default()))
}

func TestApplyConfigReschedules(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "")
	defer func() { _ = a.Close() }()

	next := *a.Config()
	next.Scheduler.DailyAt = "07:15"
	next.Dispatcher.RetryMax = 1
	a.applyConfig(a.Config(), &next)
	require.Equal(t, "07:15", a.Scheduler().Snapshot().DailyAt)

	// an unbuildable section keeps the running settings
	broken := next
	broken.Scheduler.DailyAt = "soon"
	a.applyConfig(&next, &broken)
	require.Equal(t, "07:15", a.Scheduler().Snapshot().DailyAt)
}

func TestStartServesAdminAndStops(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "admin:\n  enabled: true\n  addr: 127.0.0.1:0\n")
	require.NoError(t, a.Start(context.Background()))

	addr := a.admin.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/v1/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"daily_at": "09:00"`)
	require.Contains(t, string(body), `"events_dropped": 0`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
	require.NoError(t, a.Err())
}
