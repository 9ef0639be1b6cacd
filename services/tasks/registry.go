// Package tasks executes named background tasks. Handlers are registered
// once at startup into a Registry; a Scheduler queues work for them, either
// over JetStream (Publisher and Worker) or in-process (Inline).
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"metalhub/pkg/errs"
)

// SubjectPrefix namespaces task subjects on the bus.
const SubjectPrefix = "metalhub.tasks."

// Subject returns the bus subject carrying task name.
func Subject(name string) string { return SubjectPrefix + name }

// Handler executes one task invocation.
type Handler func(ctx context.Context, args json.RawMessage) error

// Scheduler queues a task for asynchronous execution and returns its handle.
type Scheduler interface {
	Schedule(ctx context.Context, name string, args any) (uuid.UUID, error)
}

// Envelope is the wire form of a scheduled task.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

// NewEnvelope marshals args into a fresh envelope for name.
func NewEnvelope(name string, args any) (Envelope, error) {
	env := Envelope{ID: uuid.New(), Name: name, ScheduledAt: time.Now().UTC()}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s args: %w", name, err)
		}
		env.Args = raw
	}
	return env, nil
}

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if h == nil {
		return fmt.Errorf("task %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Names lists the registered tasks in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for env.Name.
func (r *Registry) Dispatch(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s is not registered: %w", env.Name, errs.ErrInvariant)
	}
	return h(ctx, env.Args)
}

// Bind adapts a typed function into a Handler. Arguments that do not decode
// are an invariant violation; redelivering them cannot help.
func Bind[T any](fn func(ctx context.Context, args T) error) Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return fmt.Errorf("decode task args: %v: %w", err, errs.ErrInvariant)
			}
		}
		return fn(ctx, args)
	}
}

// Outcome is what the runner does with a finished task.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeHandled  Outcome = "handled"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeTerminal Outcome = "terminal"
	OutcomeRetry    Outcome = "retry"
)

// Acked reports whether the message is settled without redelivery.
func (o Outcome) Acked() bool {
	return o == OutcomeOK || o == OutcomeHandled || o == OutcomeSkipped
}

// Classify maps a handler error to an Outcome. Invariant violations win over
// every other marker.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errs.ErrInvariant):
		return OutcomeTerminal
	case errs.IsHandled(err):
		return OutcomeHandled
	case errors.Is(err, errs.ErrStale), errors.Is(err, errs.ErrInvalidState):
		return OutcomeSkipped
	default:
		return OutcomeRetry
	}
}
