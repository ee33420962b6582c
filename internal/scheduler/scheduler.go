// Package scheduler repeats outreach runs on a cron schedule.
//
// A run that is still in progress when its next tick arrives is skipped, so
// there is never more than one run owning the ledger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions (min, hour, dom, month, dow)
// and descriptors such as "@daily".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	logger := cron.DiscardLogger
	c := cron.New(cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(logger)))
	c.Start()
	return &Scheduler{cron: c}
}

// Validate reports whether expr is an accepted schedule.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddRun schedules run under ctx. Errors are logged; the schedule continues.
// Ticks after ctx is done are ignored.
func (s *Scheduler) AddRun(ctx context.Context, expr string, name string, run func(context.Context) error) error {
	return s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		slog.Info("Scheduler: starting run", "job", name)
		if err := run(ctx); err != nil {
			slog.Error("Scheduler: run failed", "job", name, "error", err)
			return
		}
		slog.Info("Scheduler: run finished", "job", name)
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
