package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metalhub/pkg/bus"
	"metalhub/pkg/errs"
	"metalhub/pkg/metrics"
)

// Publisher is the part of the bus the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any, msgID string) error
}

// Consumer is the part of the bus the worker needs.
type Consumer interface {
	Subscribe(ctx context.Context, subj string, opts bus.SubscribeOptions, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// BusScheduler publishes tasks to JetStream. The envelope id doubles as the
// message id so a retried publish is deduplicated by the stream.
type BusScheduler struct {
	pub    Publisher
	logger zerolog.Logger
}

// NewBusScheduler returns a scheduler publishing through pub.
func NewBusScheduler(pub Publisher, logger zerolog.Logger) (*BusScheduler, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &BusScheduler{pub: pub, logger: logger.With().Str("component", "scheduler").Logger()}, nil
}

func (s *BusScheduler) Schedule(ctx context.Context, name string, args any) (uuid.UUID, error) {
	env, err := NewEnvelope(name, args)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.pub.Publish(ctx, Subject(name), env, env.ID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Debug().Str("task", name).Str("task_id", env.ID.String()).Msg("task scheduled")
	return env.ID, nil
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Consumer   Consumer
	Registry   *Registry
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
}

// Worker consumes every registered task from the bus as part of a shared
// queue group, so any number of workers split the load.
type Worker struct {
	cfg    WorkerConfig
	logger zerolog.Logger

	mu   sync.Mutex
	subs []io.Closer
}

// NewWorker validates cfg.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Consumer == nil {
		return nil, errors.New("consumer is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	return &Worker{cfg: cfg, logger: cfg.Logger.With().Str("component", "worker").Logger()}, nil
}

// Start subscribes to all registered tasks. Subscriptions end when ctx is
// cancelled or Close is called.
func (w *Worker) Start(ctx context.Context) error {
	for _, name := range w.cfg.Registry.Names() {
		durable := "metalhub_" + strings.ReplaceAll(name, ".", "_")
		closer, err := w.cfg.Consumer.Subscribe(ctx, Subject(name), bus.SubscribeOptions{
			Durable:    durable,
			Queue:      durable,
			AckWait:    w.cfg.AckWait,
			MaxDeliver: w.cfg.MaxDeliver,
			NakDelay:   w.cfg.NakDelay,
		}, w.handle)
		if err != nil {
			_ = w.Close()
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		w.mu.Lock()
		w.subs = append(w.subs, closer)
		w.mu.Unlock()
	}
	w.logger.Info().Strs("tasks", w.cfg.Registry.Names()).Msg("worker started")
	return nil
}

// Close drains all subscriptions.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []error
	for _, sub := range w.subs {
		if err := sub.Close(); err != nil {
			all = append(all, err)
		}
	}
	w.subs = nil
	return errors.Join(all...)
}

func (w *Worker) handle(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.logger.Error().Err(err).Msg("dropping undecodable task")
		w.cfg.Metrics.IncTaskProcessed("unknown", string(OutcomeTerminal))
		return bus.Terminal(fmt.Errorf("decode envelope: %v: %w", err, errs.ErrInvariant))
	}
	return run(ctx, w.cfg.Registry, w.cfg.Metrics, w.logger, env)
}

// run dispatches env and converts the error into what the transport expects:
// nil to ack, bus.Terminal to drop, anything else to redeliver.
func run(ctx context.Context, registry *Registry, m *metrics.Metrics, logger zerolog.Logger, env Envelope) error {
	start := time.Now()
	err := registry.Dispatch(ctx, env)
	outcome := Classify(err)
	m.IncTaskProcessed(env.Name, string(outcome))

	event := logger.Info()
	switch outcome {
	case OutcomeTerminal:
		event = logger.Error().Err(err)
	case OutcomeRetry:
		event = logger.Warn().Err(err)
	case OutcomeHandled, OutcomeSkipped:
		event = logger.Info().Str("reason", err.Error())
	}
	event.Str("task", env.Name).Str("task_id", env.ID.String()).Str("outcome", string(outcome)).
		Dur("duration", time.Since(start)).Msg("task finished")

	switch {
	case outcome.Acked():
		return nil
	case outcome == OutcomeTerminal:
		return bus.Terminal(err)
	default:
		return err
	}
}
