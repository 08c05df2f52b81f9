package tick

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sessionmint/sessionkernelxyz/queue"
)

// HeaderCronSecret authenticates tick callbacks and scheduler posts.
const HeaderCronSecret = "x-cron-secret"

// CallbackPath is where scheduled callbacks are delivered.
const CallbackPath = "/api/state/tick"

// tickBuffer delays the callback slightly past the expiry instant so
// the tick observes the item as already expired.
const tickBuffer = 2 * time.Second

// Scheduler arms a delayed advance. Implementations report whether the
// callback was armed; they never return errors because admission must
// not fail on scheduling problems.
type Scheduler interface {
	ScheduleAdvance(ctx context.Context, executeAt time.Time, origin string) bool
}

// NopScheduler never schedules. It stands in when no shared secret is
// configured.
type NopScheduler struct{}

// ScheduleAdvance implements Scheduler.
func (NopScheduler) ScheduleAdvance(context.Context, time.Time, string) bool { return false }

// CallbackScheduler posts a tick back to the service's own origin after
// a delay, authenticated by the shared cron secret.
type CallbackScheduler struct {
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	afterFunc  func(d time.Duration, fn func()) *time.Timer
}

// SchedulerOption configures a CallbackScheduler.
type SchedulerOption func(*CallbackScheduler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *CallbackScheduler) { s.logger = logger }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *CallbackScheduler) { s.now = now }
}

// WithHTTPClient replaces the HTTP client used for callbacks.
func WithHTTPClient(client *http.Client) SchedulerOption {
	return func(s *CallbackScheduler) { s.httpClient = client }
}

// NewCallbackScheduler builds a scheduler that signs callbacks with
// secret. An empty secret disables scheduling.
func NewCallbackScheduler(secret string, opts ...SchedulerOption) *CallbackScheduler {
	s := &CallbackScheduler{
		secret: secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:    slog.Default(),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleAdvance arms a tick at executeAt against origin. The delivery
// happens on a background timer; delivery failures are logged and
// swallowed.
func (s *CallbackScheduler) ScheduleAdvance(_ context.Context, executeAt time.Time, origin string) bool {
	if s.secret == "" {
		s.logger.Warn("tick callback not scheduled: no cron secret configured")
		return false
	}
	if origin == "" {
		s.logger.Warn("tick callback not scheduled: empty origin")
		return false
	}

	delay := executeAt.Add(tickBuffer).Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.afterFunc(delay, func() { s.deliver(origin) })
	s.logger.Info("tick callback scheduled",
		slog.Time("execute_at", executeAt),
		slog.Duration("delay", delay),
	)
	return true
}

func (s *CallbackScheduler) deliver(origin string) {
	body, _ := json.Marshal(map[string]string{
		"reason": string(queue.ReasonCallback),
	})

	req, err := http.NewRequest(http.MethodPost, origin+CallbackPath, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("tick callback request build failed", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCronSecret, s.secret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("tick callback delivery failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		s.logger.Warn("tick callback rejected", slog.Int("status", resp.StatusCode))
		return
	}
	s.logger.Debug("tick callback delivered", slog.Int("status", resp.StatusCode))
}
