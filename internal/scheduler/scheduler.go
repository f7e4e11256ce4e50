// Package scheduler runs periodic producers, such as the comments rescan,
// on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates and starts a cron scheduler. Tasks receive ctx.
// Expressions use the standard 5-field format or descriptors such as "@every 10m".
func NewScheduler(ctx context.Context) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c, ctx: ctx}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddTask schedules a named task that reports an error. Errors are logged and
// do not unschedule the task.
func (s *Scheduler) AddTask(name, expr string, task func(ctx context.Context) error) error {
	err := s.AddJob(expr, func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Error("Scheduler.AddTask: task failed", "task", name, "error", err)
			return
		}
		slog.Debug("Scheduler.AddTask: task finished", "task", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, expr, err)
	}
	slog.Info("Scheduler.AddTask: task scheduled", "task", name, "expr", expr)
	return nil
}

// Stop stops the cron scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
