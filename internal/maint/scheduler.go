package maint

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// Scheduler runs a job on every tick of a cron expression. Runs never overlap;
// a tick that passes while a job is running is skipped.
type Scheduler struct {
	cron   string
	job    func(context.Context) error
	logger zerolog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewScheduler(cron string, job func(context.Context) error, logger zerolog.Logger) (*Scheduler, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid cron expression: %s", cron)
	}
	return &Scheduler{
		cron:   cron,
		job:    job,
		logger: logger.With().Str("component", "scheduler").Str("cron", cron).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		after:  time.After,
	}, nil
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Msg("scheduler started")
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			return fmt.Errorf("next tick: %w", err)
		}
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		s.logger.Debug().Time("next", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopping")
			return nil
		case <-s.after(wait):
		}
		if ctx.Err() != nil {
			return nil
		}

		if err := s.job(ctx); err != nil {
			s.logger.Error().Err(err).Msg("scheduled run failed")
			continue
		}
		s.logger.Info().Msg("scheduled run finished")
	}
}
