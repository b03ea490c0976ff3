// Package maintenance runs the daemon's recurring housekeeping jobs:
// run-record retention, health sampling, and log cleanup.
package maintenance

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler wraps a cron runner with named, logged jobs
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// New creates a scheduler using standard 5-field cron expressions
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Add registers a named job. The job's panics are contained so one
// misbehaving task cannot take down the scheduler.
func (s *Scheduler) Add(name, spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("job", name).
					Interface("panic", r).
					Msg("Maintenance job panicked")
			}
		}()
		started := time.Now()
		fn()
		s.logger.Debug().
			Str("job", name).
			Dur("duration", time.Since(started)).
			Msg("Maintenance job finished")
	})
	if err != nil {
		return fmt.Errorf("maintenance: schedule %q for job %s: %w", spec, name, err)
	}
	s.logger.Info().Str("job", name).Str("schedule", spec).Msg("Maintenance job registered")
	return nil
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
