// Package app assembles the metalhub components from configuration and runs
// the API server, the task worker and the interval scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metalhub/pkg/automation"
	"metalhub/pkg/bus"
	"metalhub/pkg/db"
	"metalhub/pkg/metrics"
	"metalhub/pkg/render"
	gos3 "metalhub/pkg/s3"
	"metalhub/pkg/secrets"
	"metalhub/pkg/sshprobe"
	"metalhub/pkg/telemetry"
	"metalhub/services/api"
	"metalhub/services/controlplane/internal/config"
	"metalhub/services/inventory"
	"metalhub/services/provisioning"
	"metalhub/services/tasks"
)

// App holds the wired components of one metalhub process.
type App struct {
	cfg       config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry

	pool      *pgxpool.Pool
	bus       *bus.Bus
	metrics   *metrics.Metrics
	scheduler tasks.Scheduler
	inline    *tasks.Inline
	registry  *tasks.Registry

	handlers *inventory.Handlers
	hosts    *inventory.Hosts
	catalog  *inventory.Catalog
	engine   *provisioning.Engine
}

// New connects to Postgres and NATS and wires every component.
func New(ctx context.Context, cfg config.Config, tel *telemetry.Telemetry) (*App, error) {
	a := &App{cfg: cfg, logger: tel.Logger, telemetry: tel, metrics: metrics.New()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	var err error
	if a.pool, err = db.Open(ctx, a.cfg.DBDSN); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	orm, err := db.OpenORM(a.pool)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	a.registry = tasks.NewRegistry()
	if err := a.taskBackend(ctx); err != nil {
		return err
	}

	vault, err := secrets.NewAgeStore(a.cfg.SecretsDir, a.cfg.SecretsIdentity)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	store, err := inventory.NewGormStore(orm)
	if err != nil {
		return err
	}
	backends := &inventory.IronicFactory{
		Secrets:      vault,
		Timeout:      a.cfg.BackendTimeout,
		WaitTimeout:  a.cfg.BackendWaitTimeout,
		PollInterval: a.cfg.BackendPollEvery,
	}

	if a.handlers, err = inventory.NewHandlers(inventory.HandlersConfig{
		Store:    store,
		Secrets:  vault,
		Backends: backends,
		Prober:   sshprobe.Prober{Timeout: a.cfg.SSHProbeTimeout},
		Metrics:  a.metrics,
		Logger:   a.logger,
	}); err != nil {
		return err
	}
	if a.hosts, err = inventory.NewHosts(inventory.HostsConfig{
		Store:    store,
		Secrets:  vault,
		Backends: backends,
		Metrics:  a.metrics,
		Logger:   a.logger,
	}); err != nil {
		return err
	}
	if a.catalog, err = inventory.NewCatalog(store, a.logger); err != nil {
		return err
	}

	logs, err := a.logStore(ctx)
	if err != nil {
		return err
	}
	templates, err := render.New()
	if err != nil {
		return err
	}
	provisions, err := provisioning.NewGormStore(orm, a.pool)
	if err != nil {
		return err
	}
	if a.engine, err = provisioning.New(provisioning.Config{
		Store:    provisions,
		Hosts:    a.hosts,
		Handlers: a.handlers,
		Images:   a.catalog,
		Backends: backends,
		Automation: &automation.Ansible{
			Binary:  a.cfg.AnsiblePlaybookBin,
			WorkDir: a.cfg.AnsibleWorkDir,
		},
		Templates:    templates,
		Scheduler:    a.scheduler,
		Logs:         logs,
		Metrics:      a.metrics,
		Logger:       a.logger,
		APIBaseURL:   a.cfg.APIBaseURL,
		Reservation:  a.cfg.ReservationDuration,
		RootGB:       a.cfg.DefaultRootGB,
		SyncPlaybook: a.cfg.SyncPlaybook,
		KickstartDir: a.cfg.KickstartDir,
	}); err != nil {
		return err
	}

	return errors.Join(
		inventory.RegisterTasks(a.registry, a.handlers, a.hosts),
		a.engine.RegisterTasks(a.registry),
	)
}

func (a *App) taskBackend(ctx context.Context) error {
	if a.cfg.TaskBackend == config.TasksInline {
		inline, err := tasks.NewInline(ctx, a.registry, a.metrics, a.logger)
		if err != nil {
			return err
		}
		a.inline, a.scheduler = inline, inline
		a.logger.Warn().Msg("running tasks inline; nothing is redelivered")
		return nil
	}

	var err error
	if a.bus, err = bus.New(a.cfg.NATSURL, nats.Name("metalhub"), nats.MaxReconnects(-1)); err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	if err := a.bus.EnsureStream(a.cfg.TaskStream, tasks.SubjectPrefix+">"); err != nil {
		return fmt.Errorf("ensure stream %s: %w", a.cfg.TaskStream, err)
	}
	a.scheduler, err = tasks.NewBusScheduler(a.bus, a.logger)
	return err
}

func (a *App) logStore(ctx context.Context) (provisioning.LogStore, error) {
	if a.cfg.LogsBackend != config.LogsS3 {
		return provisioning.DirLogs{Base: a.cfg.LogsDir}, nil
	}
	client, err := gos3.NewClient(ctx, gos3.Config{
		Endpoint:       a.cfg.S3.Endpoint,
		AccessKey:      a.cfg.S3.AccessKey,
		SecretKey:      a.cfg.S3.SecretKey,
		Region:         a.cfg.S3.Region,
		DisableTLS:     a.cfg.S3.DisableTLS,
		ForcePathStyle: a.cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return provisioning.BucketLogs{Client: client, Bucket: a.cfg.S3.Bucket, Prefix: a.cfg.S3.Prefix}, nil
}

// Close releases the bus and database connections.
func (a *App) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// Serve runs the HTTP API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv, err := api.New(api.Config{
		Handlers:   a.handlers,
		Hosts:      a.hosts,
		Images:     a.catalog,
		Provisions: a.engine,
		Scheduler:  a.scheduler,
		Ready:      func(ctx context.Context) error { return db.Ping(ctx, a.pool) },
		Metrics:    a.metrics.Handler(),
		Middleware: a.telemetry.Middleware,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	routes, err := srv.Routes()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.Addr).Msg("starting metalhub api")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// Work consumes tasks until ctx is done. With inline tasks it only waits
// for the running ones once ctx is done.
func (a *App) Work(ctx context.Context) error {
	if a.inline != nil {
		<-ctx.Done()
		a.inline.Wait()
		return nil
	}
	worker, err := tasks.NewWorker(tasks.WorkerConfig{
		Consumer:   a.bus,
		Registry:   a.registry,
		Metrics:    a.metrics,
		Logger:     a.logger,
		AckWait:    a.cfg.TaskAckWait,
		MaxDeliver: a.cfg.TaskMaxDeliver,
		NakDelay:   a.cfg.TaskNakDelay,
	})
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return worker.Close()
}

// Schedule publishes the periodic tasks until ctx is done.
func (a *App) Schedule(ctx context.Context) error {
	return tasks.RunIntervals(ctx, a.scheduler, a.logger,
		tasks.Interval{Name: inventory.TaskHealthCheck, Every: a.cfg.HealthCheckInterval},
		tasks.Interval{Name: provisioning.TaskExpireSweep, Every: a.cfg.ExpireSweepInterval},
	)
}

// RunAll serves, works and schedules in one process.
func (a *App) RunAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Serve(ctx) })
	g.Go(func() error { return a.Work(ctx) })
	g.Go(func() error { return a.Schedule(ctx) })
	return g.Wait()
}
