// Package api serves the metalhub HTTP surface: registration and reads for
// handlers, hosts and images, provision lifecycle triggers, and the
// kickstart callbacks installers reach during a deploy.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"metalhub/services/inventory"
	"metalhub/services/provisioning"
	"metalhub/services/tasks"
)

// HandlerRegistry is the handler surface the API drives.
type HandlerRegistry interface {
	Register(ctx context.Context, spec inventory.HandlerSpec) (inventory.Handler, error)
	Get(ctx context.Context, id int64) (inventory.Handler, error)
	SetStatus(ctx context.Context, id int64, status inventory.HandlerStatus) (inventory.Handler, error)
}

// HostRegistry is the host surface the API drives.
type HostRegistry interface {
	Create(ctx context.Context, spec inventory.HostSpec) (inventory.Host, error)
	Get(ctx context.Context, id int64) (inventory.Host, error)
	ValidateEnroll(ctx context.Context, id int64) (inventory.Host, inventory.Handler, error)
	Reset(ctx context.Context, id int64) (inventory.Host, error)
}

// ImageCatalog is the image surface the API drives.
type ImageCatalog interface {
	Create(ctx context.Context, img inventory.Image) (inventory.Image, error)
	Get(ctx context.Context, id int64) (inventory.Image, error)
}

// Provisions is the lifecycle surface the API drives.
type Provisions interface {
	Create(ctx context.Context, req provisioning.Request) (provisioning.Provision, error)
	Get(ctx context.Context, id int64) (provisioning.Provision, error)
	RequestStop(ctx context.Context, id int64) (provisioning.Provision, error)
	ReleaseHost(ctx context.Context, hostID int64) (inventory.Host, error)
	Kickstart(ctx context.Context, id int64) (string, error)
	DebugScript(ctx context.Context, id int64) (string, error)
	UploadLogs(ctx context.Context, id int64, filename string, r io.Reader) (provisioning.Provision, error)
}

// Config wires the API.
type Config struct {
	Handlers   HandlerRegistry
	Hosts      HostRegistry
	Images     ImageCatalog
	Provisions Provisions
	Scheduler  tasks.Scheduler
	// Ready reports whether the process can serve; nil means always.
	Ready func(ctx context.Context) error
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// Middleware wraps the whole router, e.g. tracing and access logs.
	Middleware func(http.Handler) http.Handler
	Logger     zerolog.Logger
}

// API wires the registries and the engine into HTTP handlers.
type API struct {
	handlers   HandlerRegistry
	hosts      HostRegistry
	images     ImageCatalog
	provisions Provisions
	scheduler  tasks.Scheduler
	ready      func(ctx context.Context) error
	metrics    http.Handler
	middleware func(http.Handler) http.Handler
	logger     zerolog.Logger
}

// New validates cfg.
func New(cfg Config) (*API, error) {
	switch {
	case cfg.Handlers == nil:
		return nil, errors.New("handler registry is required")
	case cfg.Hosts == nil:
		return nil, errors.New("host registry is required")
	case cfg.Images == nil:
		return nil, errors.New("image catalog is required")
	case cfg.Provisions == nil:
		return nil, errors.New("provisioning engine is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("scheduler is required")
	}
	return &API{
		handlers:   cfg.Handlers,
		hosts:      cfg.Hosts,
		images:     cfg.Images,
		provisions: cfg.Provisions,
		scheduler:  cfg.Scheduler,
		ready:      cfg.Ready,
		metrics:    cfg.Metrics,
		middleware: cfg.Middleware,
		logger:     cfg.Logger.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/handlers", a.handleRegisterHandler)
		r.Get("/handlers/{id}", a.handleGetHandler)
		r.Post("/handlers/{id}/status", a.handleSetHandlerStatus)

		r.Post("/hosts", a.handleCreateHost)
		r.Get("/hosts/{id}", a.handleGetHost)
		r.Post("/hosts/{id}/enroll", a.handleEnrollHost)
		r.Post("/hosts/{id}/release", a.handleReleaseHost)
		r.Post("/hosts/{id}/reset", a.handleResetHost)

		r.Post("/images", a.handleCreateImage)
		r.Get("/images/{id}", a.handleGetImage)

		r.Post("/provisions", a.handleCreateProvision)
		r.Get("/provisions/{id}", a.handleGetProvision)
		r.Post("/provisions/{id}/stop", a.handleStopProvision)
		r.Get("/provisions/{id}/kickstart", a.handleKickstart)
		r.Get("/provisions/{id}/kickstart/debug_script", a.handleDebugScript)
		r.Post("/provisions/{id}/logs", a.handleUploadLogs)
	})

	if a.middleware != nil {
		return a.middleware(r), nil
	}
	return r, nil
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.ready(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("readiness check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
