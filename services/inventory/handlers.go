package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metalhub/pkg/errs"
	"metalhub/pkg/metrics"
	"metalhub/pkg/secrets"
	"metalhub/pkg/sshprobe"
)

// DefaultCheckConcurrency bounds parallel health checks in CheckAll.
const DefaultCheckConcurrency = 4

// checkableStatuses are the statuses the health check may overwrite. Failed
// and maintenance handlers wait for an operator.
var checkableStatuses = []HandlerStatus{HandlerAvailable, HandlerUnavailable}

// Handlers is the handler registry.
type Handlers struct {
	store       Store
	secrets     secrets.Store
	backends    BackendFactory
	prober      Prober
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	concurrency int
}

// HandlersConfig wires a Handlers registry.
type HandlersConfig struct {
	Store       Store
	Secrets     secrets.Store
	Backends    BackendFactory
	Prober      Prober
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time
	Concurrency int
}

// NewHandlers validates cfg and returns the registry.
func NewHandlers(cfg HandlersConfig) (*Handlers, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Secrets == nil {
		return nil, errors.New("secret store is required")
	}
	if cfg.Backends == nil {
		return nil, errors.New("backend factory is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultCheckConcurrency
	}
	return &Handlers{
		store:       cfg.Store,
		secrets:     cfg.Secrets,
		backends:    cfg.Backends,
		prober:      cfg.Prober,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "handlers").Logger(),
		now:         cfg.Now,
		concurrency: cfg.Concurrency,
	}, nil
}

// Register stores a new handler in UNAVAILABLE and writes its credentials to
// the secret store. The first health check promotes it.
func (r *Handlers) Register(ctx context.Context, spec HandlerSpec) (Handler, error) {
	if err := validateHandlerSpec(spec); err != nil {
		return Handler{}, err
	}

	endpoint := *spec.Ironic
	if endpoint.SSHPort == 0 {
		endpoint.SSHPort = 22
	}
	h := Handler{
		Name:     strings.TrimSpace(spec.Name),
		Type:     spec.Type,
		Arch:     spec.Arch,
		Status:   HandlerUnavailable,
		Location: spec.Location,
		Ironic:   &endpoint,
	}
	// Credentials are written inside the insert so a failed write leaves no
	// handler without them.
	err := r.store.CreateHandler(ctx, &h, func(ctx context.Context, id int64) error {
		if err := r.secrets.Write(ctx, handlerAPISecret(id), map[string]string{
			"username": spec.Credentials.Username,
			"password": spec.Credentials.Password,
		}); err != nil {
			return fmt.Errorf("store handler %d api credentials: %w", id, err)
		}
		if err := r.secrets.Write(ctx, handlerSSHSecret(id), map[string]string{
			"private_key": spec.Credentials.SSHPrivateKey,
		}); err != nil {
			return fmt.Errorf("store handler %d ssh key: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return Handler{}, err
	}

	r.logger.Info().Int64("handler_id", h.ID).Str("name", h.Name).Msg("handler registered")
	return h, nil
}

func validateHandlerSpec(spec HandlerSpec) error {
	var problems []string
	if strings.TrimSpace(spec.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(spec.Arch) == "" {
		problems = append(problems, "arch is required")
	}
	switch spec.Type {
	case HandlerTypeIronic:
		if spec.Ironic == nil {
			problems = append(problems, "ironic endpoint is required for type IRONIC")
			break
		}
		if u, err := url.Parse(spec.Ironic.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "ironic.api_url must be an absolute URL")
		}
		if u, err := url.Parse(spec.Ironic.ImageServerURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "ironic.image_server_url must be an absolute URL")
		}
		if spec.Ironic.SSHHost == "" || spec.Ironic.SSHUser == "" {
			problems = append(problems, "ironic.ssh_host and ironic.ssh_user are required")
		}
		if spec.Ironic.ImageRoot == "" {
			problems = append(problems, "ironic.image_root is required")
		}
		if spec.Credentials.SSHPrivateKey == "" {
			problems = append(problems, "credentials.ssh_private_key is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported handler type %q", spec.Type))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Get loads a handler by id.
func (r *Handlers) Get(ctx context.Context, id int64) (Handler, error) {
	return r.store.GetHandler(ctx, id)
}

// IsAvailable loads the handler and reports whether it is AVAILABLE.
func (r *Handlers) IsAvailable(ctx context.Context, id int64) (bool, error) {
	h, err := r.store.GetHandler(ctx, id)
	if err != nil {
		return false, err
	}
	return h.IsAvailable(), nil
}

// SetStatus is the operator override. Only MAINTENANCE and UNAVAILABLE may
// be set by hand; UNAVAILABLE hands the handler back to the health check.
func (r *Handlers) SetStatus(ctx context.Context, id int64, status HandlerStatus) (Handler, error) {
	if status != HandlerMaintenance && status != HandlerUnavailable {
		return Handler{}, fmt.Errorf("%w: status %q cannot be set manually", errs.ErrValidation, status)
	}
	current, err := r.store.GetHandler(ctx, id)
	if err != nil {
		return Handler{}, err
	}
	health := HandlerHealth{Status: status, Error: ""}
	if current.LastCheckedAt != nil {
		health.CheckedAt = *current.LastCheckedAt
	} else {
		health.CheckedAt = r.now().UTC()
	}
	if _, err := r.store.UpdateHandlerHealth(ctx, id, nil, health); err != nil {
		return Handler{}, err
	}
	r.logger.Info().Int64("handler_id", id).Str("from", string(current.Status)).Str("to", string(status)).Msg("handler status set by operator")
	return r.store.GetHandler(ctx, id)
}

// CheckHealth probes the backend API and then SSH reachability. Handlers
// outside AVAILABLE/UNAVAILABLE are returned untouched.
func (r *Handlers) CheckHealth(ctx context.Context, id int64) (Handler, error) {
	h, err := r.store.GetHandler(ctx, id)
	if err != nil {
		return Handler{}, err
	}
	if h.Status != HandlerAvailable && h.Status != HandlerUnavailable {
		r.logger.Debug().Int64("handler_id", id).Str("status", string(h.Status)).Msg("skipping health check")
		return h, nil
	}

	health := r.probe(ctx, h)
	health.CheckedAt = r.now().UTC()

	written, err := r.store.UpdateHandlerHealth(ctx, id, checkableStatuses, health)
	if err != nil {
		return Handler{}, err
	}
	if !written {
		r.logger.Info().Int64("handler_id", id).Msg("handler status changed during health check, result dropped")
	} else {
		r.metrics.IncHandlerHealthCheck(string(health.Status))
		event := r.logger.Info()
		if health.Status != HandlerAvailable {
			event = r.logger.Warn().Str("error", health.Error)
		}
		event.Int64("handler_id", id).Str("from", string(h.Status)).Str("to", string(health.Status)).Msg("handler health checked")
	}

	return r.store.GetHandler(ctx, id)
}

func (r *Handlers) probe(ctx context.Context, h Handler) HandlerHealth {
	client, err := r.backends.ClientFor(ctx, h)
	if err != nil {
		return HandlerHealth{Status: HandlerFailedAPICheck, Error: err.Error()}
	}
	if _, err := client.ListDrivers(ctx); err != nil {
		return HandlerHealth{Status: HandlerFailedAPICheck, Error: err.Error()}
	}

	key, ok, err := r.secrets.Read(ctx, handlerSSHSecret(h.ID))
	if err != nil {
		return HandlerHealth{Status: HandlerFailedSSHCheck, Error: err.Error()}
	}
	if !ok || key["private_key"] == "" {
		return HandlerHealth{Status: HandlerFailedSSHCheck, Error: "no ssh private key stored"}
	}
	target := sshprobe.Target{
		Host:       h.Ironic.SSHHost,
		Port:       h.Ironic.SSHPort,
		User:       h.Ironic.SSHUser,
		PrivateKey: []byte(key["private_key"]),
	}
	if err := r.prober.Probe(ctx, target); err != nil {
		return HandlerHealth{Status: HandlerFailedSSHCheck, Error: err.Error()}
	}
	return HandlerHealth{Status: HandlerAvailable}
}

// CheckAll runs CheckHealth for every handler with bounded concurrency. One
// handler's failure does not stop the others; store errors are joined.
func (r *Handlers) CheckAll(ctx context.Context) error {
	handlers, err := r.store.ListHandlers(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	errCh := make(chan error, len(handlers))
	for _, h := range handlers {
		id := h.ID
		g.Go(func() error {
			if _, err := r.CheckHealth(ctx, id); err != nil {
				r.logger.Error().Err(err).Int64("handler_id", id).Msg("health check failed")
				errCh <- fmt.Errorf("handler %d: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(errCh)

	var all []error
	for err := range errCh {
		all = append(all, err)
	}
	return errors.Join(all...)
}
