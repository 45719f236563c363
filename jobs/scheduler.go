package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}

// Scheduler enqueues tasks on cron specs.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
}

func NewScheduler(runner *Runner) *Scheduler {
	logger := cronLogger{logger: slog.Default().With("component", "scheduler")}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		runner: runner,
	}
}

// Add enqueues the named task whenever spec fires. An empty spec disables
// the entry.
func (s *Scheduler) Add(spec, name string, args ...string) error {
	if spec == "" {
		slog.Info("schedule disabled", "task", name)
		return nil
	}
	if _, ok := s.runner.task(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.runner.Enqueue(name, args...); err != nil {
			slog.Error("could not enqueue scheduled task", "task", name, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	slog.Info("task scheduled", "task", name, "spec", spec)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler. The returned context is done once running
// entries have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries is the number of active schedules.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
