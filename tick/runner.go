package tick

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/sessionmint/sessionkernelxyz/queue"
)

// Advancer is the queue surface the safety-net runner drives.
type Advancer interface {
	Advance(ctx context.Context, reason queue.TickReason) (*queue.TickResult, error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Runner advances the queue on a fixed schedule so expiry never depends
// on a callback arriving.
type Runner struct {
	advancer Advancer
	logger   *slog.Logger
	schedule string
	timeout  time.Duration
	cron     *cronlib.Cron
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSchedule sets the cron expression; the default is "@every 1m".
func WithSchedule(expr string) RunnerOption {
	return func(r *Runner) { r.schedule = expr }
}

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a safety-net runner over advancer.
func NewRunner(advancer Advancer, opts ...RunnerOption) *Runner {
	r := &Runner{
		advancer: advancer,
		logger:   slog.Default(),
		schedule: "@every 1m",
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the schedule and launches the cron loop.
func (r *Runner) Start(_ context.Context) error {
	c := cronlib.New(cronlib.WithParser(cronParser))
	if _, err := c.AddFunc(r.schedule, r.run); err != nil {
		return fmt.Errorf("tick: invalid schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("tick runner started", slog.String("schedule", r.schedule))
	return nil
}

// Stop halts the cron loop and waits for an in-flight run to finish.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.logger.Info("tick runner stopped")
	return nil
}

func (r *Runner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	result, err := r.advancer.Advance(ctx, queue.ReasonScheduler)
	if err != nil {
		r.logger.Error("scheduled tick failed", slog.String("error", err.Error()))
		return
	}
	if result.Changed {
		r.logger.Info("scheduled tick advanced queue",
			slog.String("previous_token", result.PreviousToken),
			slog.String("current_token", result.CurrentToken),
		)
	}
}
