// Package adminapi serves renewd's operator HTTP API: health, status,
// manual passes, reminder inspection and reset, and Prometheus metrics.
package adminapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"renewd/internal/runtime/supervisor"
	logx "renewd/pkg/logx"
)

// ErrInsecureBind is returned when a non-loopback address is configured
// without a token and AllowInsecure is off.
var ErrInsecureBind = errors.New("admin api refused to start: non-loopback addr requires token or allow_insecure")

const DefaultAddr = "127.0.0.1:8089"

// Config controls the admin listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	handler http.Handler
	log     logx.Logger

	ln  net.Listener
	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, handler http.Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, handler: handler, log: log.With(logx.String("comp", "adminapi"))}
}

// CheckBind applies the exposure rule without listening.
func CheckBind(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(addr) {
		return fmt.Errorf("%w (addr %s)", ErrInsecureBind, addr)
	}
	return nil
}

// Start binds the listener and serves in the background. Bind failures are
// returned; later Serve failures are retried with backoff.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	if err := CheckBind(s.cfg); err != nil {
		s.log.Error("admin api not started", logx.Err(err))
		return err
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("admin api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin api listen %s: %w", addr, err)
	}
	s.ln = ln
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// the API is optional; never take the scheduler down with it.
		supervisor.WithCancelOnError(false),
	)
	s.sup.GoRestart("admin.serve", func(c context.Context) error {
		return s.serveOnce(c, addr)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("admin api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	return nil
}

func (s *Service) serveOnce(ctx context.Context, addr string) error {
	s.mu.Lock()
	ln := s.ln
	cfg := s.cfg
	s.mu.Unlock()

	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return err
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		case <-stop:
		}
	}()

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Addr is the bound address, or "" when not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	err := sup.Wait(ctx)
	s.log.Info("admin api stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
