package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metalhub/pkg/metrics"
)

// Inline runs scheduled tasks on goroutines in the calling process. There is
// no redelivery; a retryable failure is only logged.
type Inline struct {
	ctx      context.Context
	registry *Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewInline returns an in-process scheduler. Tasks run under ctx, not under
// the context passed to Schedule, so they outlive the scheduling request.
func NewInline(ctx context.Context, registry *Registry, m *metrics.Metrics, logger zerolog.Logger) (*Inline, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	return &Inline{
		ctx:      ctx,
		registry: registry,
		metrics:  m,
		logger:   logger.With().Str("component", "inline-tasks").Logger(),
	}, nil
}

func (in *Inline) Schedule(_ context.Context, name string, args any) (uuid.UUID, error) {
	env, err := NewEnvelope(name, args)
	if err != nil {
		return uuid.Nil, err
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		_ = run(in.ctx, in.registry, in.metrics, in.logger, env)
	}()
	return env.ID, nil
}

// Wait blocks until every scheduled task, including ones scheduled by
// running tasks, has returned.
func (in *Inline) Wait() {
	in.wg.Wait()
}
