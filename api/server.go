package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/device"
	"github.com/sessionmint/sessionkernelxyz/payment"
	"github.com/sessionmint/sessionkernelxyz/queue"
	"github.com/sessionmint/sessionkernelxyz/ratelimit"
	"github.com/sessionmint/sessionkernelxyz/stream"
	"github.com/sessionmint/sessionkernelxyz/tick"
)

// Per-route rate-limit budgets within the limiter window.
const (
	limitQueueAdd = 20
	limitRead     = 120
)

// Verifier checks an on-chain payment before admission. Implemented by
// payment.Verifier; tests substitute fakes.
type Verifier interface {
	Verify(ctx context.Context, in payment.Input) (*payment.Result, error)
}

// Deps are the subsystems the HTTP surface fronts.
type Deps struct {
	Engine    *queue.Engine
	Verifier  Verifier
	Limiter   *ratelimit.Limiter
	Scheduler tick.Scheduler
	Broker    *stream.Broker
	Device    *device.Client
}

// Server is the HTTP front end.
type Server struct {
	cfg    sessionkernel.Config
	deps   Deps
	logger *slog.Logger

	cronSecret   string
	publicOrigin string

	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCronSecret sets the shared secret that authenticates tick
// callbacks. Tick delivery is rejected while the secret is empty.
func WithCronSecret(secret string) Option {
	return func(s *Server) { s.cronSecret = secret }
}

// WithPublicOrigin pins the origin used when arming delayed tick
// callbacks. When unset the origin is derived from each request.
func WithPublicOrigin(origin string) Option {
	return func(s *Server) { s.publicOrigin = strings.TrimRight(origin, "/") }
}

// NewServer creates the HTTP surface over the given subsystems.
func NewServer(cfg sessionkernel.Config, deps Deps, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default(),
	}
	if s.deps.Scheduler == nil {
		s.deps.Scheduler = tick.NopScheduler{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/queue/add", instrument("queue-add", s.handleQueueAdd))
	mux.HandleFunc("POST /api/queue/precheck", instrument("queue-precheck", s.handleQueuePrecheck))
	mux.HandleFunc("POST /api/queue/check-cooldown", instrument("queue-check-cooldown", s.handleCheckCooldown))

	mux.HandleFunc("GET /api/state", instrument("state", s.handleState))
	mux.HandleFunc("POST /api/state/tick", instrument("state-tick", s.handleTick))
	mux.HandleFunc("GET /api/state/stream", s.handleStream)

	mux.HandleFunc("GET /api/device", instrument("device-get", s.handleDeviceGet))
	mux.HandleFunc("POST /api/device", instrument("device-post", s.handleDevicePost))
	mux.HandleFunc("PUT /api/device", instrument("device-put", s.handleDevicePut))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the state stream holds connections open.
	}

	s.logger.Info("starting http server", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown", "error", err)
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ── request plumbing ──

// allow applies the per-client limit for scope, writing 429 on refusal.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, scope string, maxRequests int) bool {
	if s.deps.Limiter == nil {
		return true
	}
	if !s.deps.Limiter.AllowMax(r.Context(), scope, clientIP(r), maxRequests) {
		rateLimitedTotal.WithLabelValues(scope).Inc()
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return false
	}
	return true
}

// origin resolves the base URL used for scheduled tick callbacks.
func (s *Server) origin(r *http.Request) string {
	if s.publicOrigin != "" {
		return s.publicOrigin
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// clientIP identifies the caller for rate limiting, trusting forward
// headers set by the fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps engine and verification failures to HTTP statuses.
// Replay and cooldown refusals are conflicts; verification refusals are
// client errors except ledger unavailability.
func errorStatus(err error) int {
	var qErr *queue.Error
	if errors.As(err, &qErr) {
		switch qErr.Kind {
		case queue.KindReplay, queue.KindCooldown:
			return http.StatusConflict
		case queue.KindInvalidTier:
			return http.StatusBadRequest
		default:
			return http.StatusInternalServerError
		}
	}

	var pErr *payment.Error
	if errors.As(err, &pErr) {
		if pErr.Kind == payment.KindRPCUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}
