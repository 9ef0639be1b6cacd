package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Interval schedules Name every Every.
type Interval struct {
	Name  string
	Every time.Duration
	Args  any
}

// RunIntervals schedules each interval on its own ticker until ctx is done.
// A failed Schedule is logged and retried on the next tick.
func RunIntervals(ctx context.Context, s Scheduler, logger zerolog.Logger, intervals ...Interval) error {
	if s == nil {
		return errors.New("scheduler is required")
	}
	for _, iv := range intervals {
		if iv.Every <= 0 {
			return errors.New("interval for " + iv.Name + " must be positive")
		}
	}

	logger = logger.With().Str("component", "interval").Logger()
	g, ctx := errgroup.WithContext(ctx)
	for _, iv := range intervals {
		g.Go(func() error {
			ticker := time.NewTicker(iv.Every)
			defer ticker.Stop()
			logger.Info().Str("task", iv.Name).Dur("every", iv.Every).Msg("interval started")
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					id, err := s.Schedule(ctx, iv.Name, iv.Args)
					if err != nil {
						logger.Error().Err(err).Str("task", iv.Name).Msg("interval schedule failed")
						continue
					}
					logger.Debug().Str("task", iv.Name).Str("task_id", id.String()).Msg("interval fired")
				}
			}
		})
	}
	return g.Wait()
}
