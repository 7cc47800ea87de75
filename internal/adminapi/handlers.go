package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"renewd/internal/runtime/supervisor"
	"renewd/internal/scheduler"
	"renewd/internal/storage"
	"renewd/internal/subscription"
	logx "renewd/pkg/logx"
)

// Passes is the slice of the scheduler the API drives.
type Passes interface {
	RunPass(ctx context.Context, now time.Time) (scheduler.PassResult, error)
	Snapshot() scheduler.Snapshot
	Location() *time.Location
}

// Reminders is the slice of storage the API reads and resets.
type Reminders interface {
	ListReminders(ctx context.Context, status subscription.Status) ([]subscription.ReminderRecord, error)
	ResetReminder(ctx context.Context, key subscription.ReminderKey) error
}

// HTTPObserver records one finished request. route is the chi pattern.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, took time.Duration)
}

// Deps are the handlers' collaborators. Metrics, Tasks, EventsDropped,
// Observer and Clock are optional.
type Deps struct {
	Passes    Passes
	Reminders Reminders
	Metrics   http.Handler
	Tasks     func() supervisor.Snapshot

	// EventsDropped reports events lost to full bus subscribers.
	EventsDropped func() uint64
	Observer      HTTPObserver
	Clock         func() time.Time
	Log           logx.Logger
}

// Status is the body of GET /v1/status.
type Status struct {
	Now        time.Time            `json:"now"`
	Scheduler  scheduler.Snapshot   `json:"scheduler"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`

	EventsDropped uint64 `json:"events_dropped"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewHandler builds the admin router. /healthz is always open; every other
// route requires the bearer token when one is set.
func NewHandler(d Deps, token string) http.Handler {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.recoverer)
	if d.Observer != nil {
		r.Use(observe(d.Observer))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(token))
		r.Get("/v1/status", h.status)
		r.Post("/v1/passes", h.runPass)
		r.Get("/v1/reminders", h.listReminders)
		r.Post("/v1/reminders/{subscriptionID}/{instanceKey}/reset", h.resetReminder)
		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics)
		}
	})
	return r
}

type handlers struct {
	d Deps
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st := Status{Now: h.d.Clock(), Scheduler: h.d.Passes.Snapshot()}
	if h.d.Tasks != nil {
		snap := h.d.Tasks()
		st.Supervisor = &snap
	}
	if h.d.EventsDropped != nil {
		st.EventsDropped = h.d.EventsDropped()
	}
	writeJSON(w, http.StatusOK, st)
}

// runPass runs a manual pass and answers with its summary. ?at= overrides
// "now" (see ParseAt).
func (h *handlers) runPass(w http.ResponseWriter, r *http.Request) {
	now := h.d.Clock()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		at, err := ParseAt(raw, h.d.Passes.Location(), h.d.Passes.Snapshot().DailyAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		now = at
	}

	// The pass owns claims; a client hanging up must not strand them.
	res, err := h.d.Passes.RunPass(context.WithoutCancel(r.Context()), now)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, scheduler.ErrPassInProgress):
		writeJSON(w, http.StatusConflict, res)
	case errors.Is(err, storage.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeJSON(w, http.StatusInternalServerError, res)
	}
}

func (h *handlers) listReminders(w http.ResponseWriter, r *http.Request) {
	var status subscription.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := subscription.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		status = st
	}
	recs, err := h.d.Reminders.ListReminders(r.Context(), status)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if recs == nil {
		recs = []subscription.ReminderRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) resetReminder(w http.ResponseWriter, r *http.Request) {
	key := subscription.ReminderKey{
		SubscriptionID: chi.URLParam(r, "subscriptionID"),
		InstanceKey:    chi.URLParam(r, "instanceKey"),
	}
	if err := h.d.Reminders.ResetReminder(r.Context(), key); err != nil {
		writeStorageError(w, err)
		return
	}
	h.d.Log.Info("reminder reset via admin api",
		logx.String("subscription", key.SubscriptionID),
		logx.String("instance", key.InstanceKey),
		logx.String("request_id", middleware.GetReqID(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.d.Log.Error("admin handler panic",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.String("request_id", middleware.GetReqID(r.Context())),
				)
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func observe(o HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				route := chi.RouteContext(r.Context()).RoutePattern()
				if route == "" {
					route = "unmatched"
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				o.ObserveHTTP(r.Method, route, status, time.Since(start))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseAt reads an instant given as RFC 3339, or as a YYYY-MM-DD day meaning
// that day at dailyAt ("HH:MM") in loc, the time the daily trigger would
// have fired.
func ParseAt(raw string, loc *time.Location, dailyAt string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, errors.New("at: want RFC 3339 or YYYY-MM-DD")
	}
	// A cron daily_at has no single time of day; use midnight.
	hm, err := time.Parse("15:04", strings.TrimSpace(dailyAt))
	if err != nil {
		return day, nil
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), nil
}

func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrAlreadySent):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
