// Package sweep drives the timer-based survey lifecycle: it expires surveys
// whose deadline has passed and opens surveys for rides that have departed.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

// Surveys is the subset of the attendance engine the runner drives.
type Surveys interface {
	ExpireSurveys(ctx context.Context) ([]models.AttendanceSurvey, error)
	CreateDueSurveys(ctx context.Context) ([]models.AttendanceSurvey, error)
}

type Runner struct {
	Surveys  Surveys
	Locker   Locker
	Interval time.Duration
	Logger   *slog.Logger
}

func NewRunner(surveys Surveys, locker Locker, interval time.Duration, logger *slog.Logger) *Runner {
	if locker == nil {
		locker = NoopLocker{}
	}
	return &Runner{Surveys: surveys, Locker: locker, Interval: interval, Logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Report is what one sweep did.
type Report struct {
	Skipped bool
	Expired int
	Opened  int
}

// RunOnce performs a single sweep. Expiry runs before creation.
func (r *Runner) RunOnce(ctx context.Context) Report {
	release, ok, err := r.Locker.Acquire(ctx)
	if err != nil {
		r.Logger.Warn("sweep lock unavailable", "error", err)
		return Report{Skipped: true}
	}
	if !ok {
		r.Logger.Debug("sweep held by another instance")
		return Report{Skipped: true}
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.Logger.Warn("sweep lock release failed", "error", err)
		}
	}()

	var rep Report
	start := time.Now()
	expired, err := r.Surveys.ExpireSurveys(ctx)
	observability.SweepDuration.WithLabelValues("expire").Observe(time.Since(start).Seconds())
	if err != nil {
		r.Logger.Error("expire sweep failed", "error", err)
	}
	rep.Expired = len(expired)

	start = time.Now()
	opened, err := r.Surveys.CreateDueSurveys(ctx)
	observability.SweepDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		r.Logger.Error("survey creation sweep failed", "error", err)
	}
	rep.Opened = len(opened)

	if rep.Expired > 0 || rep.Opened > 0 {
		r.Logger.Info("sweep finished", "expired", rep.Expired, "opened", rep.Opened)
	}
	return rep
}
