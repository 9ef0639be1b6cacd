// Package provisioning drives a reserved host and an image through staging,
// deployment and teardown on the host's handler backend.
//
// Every step re-reads the provision, checks that it is in the state the step
// expects and writes its result with a version check, so a step that is
// delivered twice or races another worker resolves to a no-op.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"metalhub/pkg/automation"
	"metalhub/pkg/errs"
	"metalhub/pkg/ironic"
	"metalhub/pkg/metrics"
	"metalhub/pkg/render"
	"metalhub/services/inventory"
	"metalhub/services/tasks"
)

const (
	// DefaultReservation is how long a host stays with an ACTIVE provision.
	DefaultReservation = 14 * 24 * time.Hour
	// DefaultRootGB is the root partition size when a request omits it.
	DefaultRootGB = 10
	// DefaultSyncPlaybook stages images onto the handler's image server.
	DefaultSyncPlaybook = "sync_image.yml"
)

// TeardownFailureHoldsHost keeps a host RESERVED when the backend could not
// confirm its teardown. Reusing it could hand out a node that is still
// running the previous deployment, so it waits for Engine.ReleaseHost.
// Sync and deploy failures release at once.
const TeardownFailureHoldsHost = true

var tracer = otel.Tracer("metalhub/provisioning")

// HostRegistry is the part of the host registry the engine uses.
type HostRegistry interface {
	Get(ctx context.Context, id int64) (inventory.Host, error)
	Release(ctx context.Context, hostID, provisionID int64) (bool, error)
}

// HandlerRegistry looks up handlers.
type HandlerRegistry interface {
	Get(ctx context.Context, id int64) (inventory.Handler, error)
}

// ImageCatalog looks up images.
type ImageCatalog interface {
	Get(ctx context.Context, id int64) (inventory.Image, error)
}

// Config wires an Engine.
type Config struct {
	Store      Store
	Hosts      HostRegistry
	Handlers   HandlerRegistry
	Images     ImageCatalog
	Backends   inventory.BackendFactory
	Automation automation.Runner
	Templates  *render.Engine
	Scheduler  tasks.Scheduler
	Logs       LogStore
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time

	APIBaseURL   string
	Reservation  time.Duration
	RootGB       int
	SyncPlaybook string
	// KickstartDir holds rendered kickstarts while they are staged. Defaults
	// to the system temp directory.
	KickstartDir string
}

// Engine is the provisioning state machine.
type Engine struct {
	store      Store
	hosts      HostRegistry
	handlers   HandlerRegistry
	images     ImageCatalog
	backends   inventory.BackendFactory
	automation automation.Runner
	templates  *render.Engine
	scheduler  tasks.Scheduler
	logs       LogStore
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	apiBaseURL   string
	reservation  time.Duration
	rootGB       int
	playbook     string
	kickstartDir string

	locks keyedMutex
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Engine, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"store":      cfg.Store != nil,
		"hosts":      cfg.Hosts != nil,
		"handlers":   cfg.Handlers != nil,
		"images":     cfg.Images != nil,
		"backends":   cfg.Backends != nil,
		"automation": cfg.Automation != nil,
		"templates":  cfg.Templates != nil,
		"scheduler":  cfg.Scheduler != nil,
		"logs":       cfg.Logs != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("provisioning: missing %s", strings.Join(missing, ", "))
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("provisioning: api base url is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Reservation <= 0 {
		cfg.Reservation = DefaultReservation
	}
	if cfg.RootGB <= 0 {
		cfg.RootGB = DefaultRootGB
	}
	if cfg.SyncPlaybook == "" {
		cfg.SyncPlaybook = DefaultSyncPlaybook
	}
	if cfg.KickstartDir == "" {
		cfg.KickstartDir = os.TempDir()
	}

	return &Engine{
		store:        cfg.Store,
		hosts:        cfg.Hosts,
		handlers:     cfg.Handlers,
		images:       cfg.Images,
		backends:     cfg.Backends,
		automation:   cfg.Automation,
		templates:    cfg.Templates,
		scheduler:    cfg.Scheduler,
		logs:         cfg.Logs,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "provisioning").Logger(),
		now:          cfg.Now,
		apiBaseURL:   strings.TrimRight(cfg.APIBaseURL, "/"),
		reservation:  cfg.Reservation,
		rootGB:       cfg.RootGB,
		playbook:     cfg.SyncPlaybook,
		kickstartDir: cfg.KickstartDir,
	}, nil
}

// Get loads a provision.
func (e *Engine) Get(ctx context.Context, id int64) (Provision, error) {
	return e.store.Get(ctx, id)
}

// Create reserves the host, stores the provision as QUEUED and schedules
// the first step.
func (e *Engine) Create(ctx context.Context, req Request) (Provision, error) {
	if req.HostID == 0 || req.ImageID == 0 {
		return Provision{}, fmt.Errorf("%w: host_id and image_id are required", errs.ErrValidation)
	}
	if req.RootGB < 0 {
		return Provision{}, fmt.Errorf("%w: root_gb must not be negative", errs.ErrValidation)
	}

	host, err := e.hosts.Get(ctx, req.HostID)
	if err != nil {
		return Provision{}, err
	}
	if host.Status != inventory.HostAvailable {
		return Provision{}, fmt.Errorf("host %d is %s: %w", host.ID, host.Status, errs.ErrConflict)
	}
	handler, err := e.handlers.Get(ctx, host.HandlerID)
	if err != nil {
		return Provision{}, err
	}
	if !handler.IsAvailable() {
		return Provision{}, fmt.Errorf("handler %d of host %d is %s: %w", handler.ID, host.ID, handler.Status, errs.ErrConflict)
	}
	img, err := e.images.Get(ctx, req.ImageID)
	if err != nil {
		return Provision{}, err
	}
	if img.Arch != host.Arch {
		return Provision{}, fmt.Errorf("%w: image %d is %s, host %d is %s", errs.ErrValidation, img.ID, img.Arch, host.ID, host.Arch)
	}
	bootType, ok := inventory.ResolveBootType(img, host)
	if !ok {
		return Provision{}, fmt.Errorf("%w: image %d and host %d share no boot mode", errs.ErrValidation, img.ID, host.ID)
	}

	p := Provision{
		Description: strings.TrimSpace(req.Description),
		Type:        img.Type,
		BootType:    bootType,
		Status:      StatusQueued,
		HostID:      host.ID,
		ImageID:     img.ID,
		RootGB:      req.RootGB,
	}
	if p.RootGB == 0 {
		p.RootGB = e.rootGB
	}

	switch img.Type {
	case inventory.ArtifactISO:
		p.Kickstart = req.Kickstart
		if strings.TrimSpace(p.Kickstart) == "" {
			if p.Kickstart, err = e.templates.Source(DefaultKickstart); err != nil {
				return Provision{}, fmt.Errorf("load default kickstart: %v: %w", err, errs.ErrInvariant)
			}
		}
		if _, err := e.renderKickstart(p, host); err != nil {
			return Provision{}, fmt.Errorf("%w: kickstart: %v", errs.ErrValidation, err)
		}
	case inventory.ArtifactQCOW2:
		if req.Kickstart != "" {
			return Provision{}, fmt.Errorf("%w: kickstart is only accepted for ISO images", errs.ErrValidation)
		}
	default:
		return Provision{}, fmt.Errorf("image %d artifact type %q: %w", img.ID, img.Type, errs.ErrInvariant)
	}

	if err := e.store.CreateReserved(ctx, &p); err != nil {
		return Provision{}, err
	}
	e.metrics.IncProvisionTransition("", string(StatusQueued))
	logger := e.provisionLogger(p)
	logger.Info().Str("to", string(StatusQueued)).Str("boot_type", string(bootType)).Msg("provision created, host reserved")

	if _, err := e.scheduler.Schedule(ctx, TaskStart, TaskArgs{ProvisionID: p.ID}); err != nil {
		// Nothing will pick a QUEUED provision up again, so give the host back.
		cause := fmt.Errorf("schedule %s: %w", TaskStart, err)
		if ferr := e.fail(ctx, &p, StatusFailedSyncImage, cause); ferr != nil && !errs.IsHandled(ferr) {
			logger.Error().Err(ferr).Msg("could not fail unscheduled provision")
		}
		return p, cause
	}
	return p, nil
}

// Start runs the image sync step and hands off to Deploy.
func (e *Engine) Start(ctx context.Context, id int64) error {
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusQueued:
		if err := e.transition(ctx, &p, StatusSyncImage, Change{}); err != nil {
			return err
		}
	case StatusSyncImage:
		// Redelivered after the worker died mid-sync; staging is repeatable.
	case StatusDeployHost:
		return e.scheduleNext(ctx, p, TaskDeploy)
	case StatusFailedSyncImage:
		return e.release(ctx, p)
	default:
		return fmt.Errorf("provision %d is %s, cannot start: %w", id, p.Status, errs.ErrInvalidState)
	}

	if err := e.step(ctx, "sync_image", p, func(ctx context.Context) error { return e.syncImage(ctx, p) }); err != nil {
		return e.fail(ctx, &p, StatusFailedSyncImage, err)
	}
	if err := e.transition(ctx, &p, StatusDeployHost, Change{}); err != nil {
		return err
	}
	return e.scheduleNext(ctx, p, TaskDeploy)
}

// Deploy points the backend node at the staged image and waits for it to
// become active. Active only means the backend finished its deploy step; the
// installed OS may still be booting.
func (e *Engine) Deploy(ctx context.Context, id int64) error {
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusDeployHost:
	case StatusActive:
		return nil
	case StatusFailedDeployHost:
		return e.release(ctx, p)
	default:
		return fmt.Errorf("provision %d is %s, cannot deploy: %w", id, p.Status, errs.ErrInvalidState)
	}

	if err := e.step(ctx, "deploy_host", p, func(ctx context.Context) error { return e.deployHost(ctx, p) }); err != nil {
		return e.fail(ctx, &p, StatusFailedDeployHost, err)
	}

	// ACTIVE means the backend finished its deploy step. The OS may still be
	// booting.
	expires := p.CreatedAt.Add(e.reservation)
	cleared := ""
	if err := e.transition(ctx, &p, StatusActive, Change{ExpiresAt: &expires, LastError: &cleared}); err != nil {
		return err
	}
	e.provisionLogger(p).Info().Time("expires_at", expires).Msg("provision active")
	return nil
}

// stoppable lists the states teardown may start from.
var stoppable = map[Status]bool{
	StatusActive:              true,
	StatusEnding:              true,
	StatusReturningHost:       true,
	StatusFailedReturningHost: true,
	StatusFailedSyncImage:     true,
	StatusFailedDeployHost:    true,
}

// RequestStop validates a teardown request, marks an ACTIVE provision as
// ending and schedules Stop. It fails with errs.ErrBareMetal while the
// handler is unavailable; the provision then stays PROVISIONING_ENDING and
// the request has to be repeated once the handler recovers.
func (e *Engine) RequestStop(ctx context.Context, id int64) (Provision, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return Provision{}, err
	}
	if p.Status == StatusFinished {
		return p, nil
	}
	if !stoppable[p.Status] {
		return p, fmt.Errorf("provision %d is %s, cannot stop: %w", id, p.Status, errs.ErrInvalidState)
	}
	if p.Status == StatusActive {
		if err := e.transition(ctx, &p, StatusEnding, Change{}); err != nil {
			return p, err
		}
	}
	if needsBackend(p.Status) {
		if _, _, err := e.teardownTarget(ctx, p); err != nil {
			return p, err
		}
	}
	if err := e.scheduleNext(ctx, p, TaskStop); err != nil {
		return p, err
	}
	return p, nil
}

// Stop tears the provision down: the backend node is deleted and the host
// released. It is safe to repeat at any point.
func (e *Engine) Stop(ctx context.Context, id int64) (Provision, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return Provision{}, err
	}
	switch p.Status {
	case StatusFinished:
		// Finishes a release interrupted after FINISHED was written.
		return p, e.release(ctx, p)
	case StatusFailedSyncImage, StatusFailedDeployHost:
		// The host went back to the pool when the step failed and its node
		// may belong to another reservation by now; leave the backend alone.
		if err := e.release(ctx, p); err != nil {
			return p, err
		}
		err := e.transition(ctx, &p, StatusFinished, Change{})
		return p, err
	case StatusActive:
		if err := e.transition(ctx, &p, StatusEnding, Change{}); err != nil {
			return p, err
		}
	case StatusEnding, StatusReturningHost, StatusFailedReturningHost:
	default:
		return p, fmt.Errorf("provision %d is %s, cannot stop: %w", id, p.Status, errs.ErrInvalidState)
	}

	host, handler, err := e.teardownTarget(ctx, p)
	if err != nil {
		return p, err
	}
	if p.Status != StatusReturningHost {
		if err := e.transition(ctx, &p, StatusReturningHost, Change{}); err != nil {
			return p, err
		}
	}

	if err := e.step(ctx, "return_host", p, func(ctx context.Context) error { return e.returnHost(ctx, host, handler) }); err != nil {
		msg := err.Error()
		if terr := e.transition(ctx, &p, StatusFailedReturningHost, Change{LastError: &msg}); terr != nil {
			return p, terr
		}
		if !TeardownFailureHoldsHost {
			if rerr := e.release(ctx, p); rerr != nil {
				return p, rerr
			}
		}
		e.provisionLogger(p).Warn().Err(err).Msg("teardown failed, host held for operator")
		return p, errs.Handled(fmt.Errorf("stop provision %d: %w", id, err))
	}

	cleared := ""
	if err := e.transition(ctx, &p, StatusFinished, Change{LastError: &cleared}); err != nil {
		return p, err
	}
	return p, e.release(ctx, p)
}

func needsBackend(s Status) bool {
	return s == StatusEnding || s == StatusReturningHost || s == StatusFailedReturningHost
}

// teardownTarget loads the host and its handler and insists the handler is
// usable.
func (e *Engine) teardownTarget(ctx context.Context, p Provision) (inventory.Host, inventory.Handler, error) {
	host, err := e.hosts.Get(ctx, p.HostID)
	if err != nil {
		return inventory.Host{}, inventory.Handler{}, related(err)
	}
	handler, err := e.handlers.Get(ctx, host.HandlerID)
	if err != nil {
		return host, inventory.Handler{}, related(err)
	}
	if !handler.IsAvailable() {
		return host, handler, fmt.Errorf("provision %d: handler %d is %s: %w", p.ID, handler.ID, handler.Status, errs.ErrBareMetal)
	}
	return host, handler, nil
}

// ExpireSweep claims every ACTIVE provision past its reservation by moving
// it to PROVISIONING_ENDING and schedules its teardown. A provision claimed
// by an earlier or concurrent sweep is skipped. It returns how many were
// claimed.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := e.store.ListExpired(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}

	claimed := 0
	var all []error
	for i := range expired {
		p := expired[i]
		unlock := e.locks.lock(p.ID)
		err := e.transition(ctx, &p, StatusEnding, Change{})
		unlock()
		if errors.Is(err, errs.ErrStale) {
			e.provisionLogger(p).Debug().Msg("expired provision already claimed")
			continue
		}
		if err != nil {
			all = append(all, err)
			continue
		}
		claimed++
		if err := e.scheduleNext(ctx, p, TaskStop); err != nil {
			all = append(all, err)
		}
	}
	if claimed > 0 || len(all) > 0 {
		e.logger.Info().Int("expired", len(expired)).Int("claimed", claimed).Int("errors", len(all)).Msg("expire sweep finished")
	}
	return claimed, errors.Join(all...)
}

// ReleaseHost is the operator override for a host held after a failed
// teardown. The provision is closed as FINISHED and the host released.
func (e *Engine) ReleaseHost(ctx context.Context, hostID int64) (inventory.Host, error) {
	host, err := e.hosts.Get(ctx, hostID)
	if err != nil {
		return inventory.Host{}, err
	}
	if host.Status != inventory.HostReserved || host.ProvisionID == nil {
		return host, fmt.Errorf("host %d is %s: %w", hostID, host.Status, errs.ErrInvalidState)
	}

	id := *host.ProvisionID
	unlock := e.locks.lock(id)
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return host, err
	}
	if p.Status != StatusFailedReturningHost {
		return host, fmt.Errorf("host %d is held by provision %d in %s: %w", hostID, id, p.Status, errs.ErrInvalidState)
	}
	if err := e.transition(ctx, &p, StatusFinished, Change{}); err != nil {
		return host, err
	}
	if err := e.release(ctx, p); err != nil {
		return host, err
	}
	e.provisionLogger(p).Warn().Msg("host released by operator after failed teardown")
	return e.hosts.Get(ctx, hostID)
}

// Kickstart renders the stored kickstart of an ISO provision.
func (e *Engine) Kickstart(ctx context.Context, id int64) (string, error) {
	p, host, err := e.isoProvision(ctx, id)
	if err != nil {
		return "", err
	}
	out, err := e.renderKickstart(p, host)
	if err != nil {
		return "", fmt.Errorf("provision %d kickstart: %v: %w", id, err, errs.ErrInvariant)
	}
	return out, nil
}

// DebugScript renders the log collection script an installer fetches when
// the kickstart fails.
func (e *Engine) DebugScript(ctx context.Context, id int64) (string, error) {
	if _, _, err := e.isoProvision(ctx, id); err != nil {
		return "", err
	}
	return e.templates.Render("debug_script.sh.tmpl", map[string]any{
		"provision_id": id,
		"upload_url":   e.logsUploadURL(id),
	})
}

func (e *Engine) isoProvision(ctx context.Context, id int64) (Provision, inventory.Host, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return Provision{}, inventory.Host{}, err
	}
	if p.Type != inventory.ArtifactISO {
		return p, inventory.Host{}, fmt.Errorf("provision %d is %s and has no kickstart: %w", id, p.Type, errs.ErrNotFound)
	}
	host, err := e.hosts.Get(ctx, p.HostID)
	if err != nil {
		return p, inventory.Host{}, related(err)
	}
	return p, host, nil
}

// MaxLogSize caps an uploaded log archive.
const MaxLogSize = 64 << 20

// UploadLogs stores an installer log archive. Only ISO provisions produce
// them and only .tbz archives are accepted.
func (e *Engine) UploadLogs(ctx context.Context, id int64, filename string, r io.Reader) (Provision, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return Provision{}, err
	}
	var problems []string
	if p.Type != inventory.ArtifactISO {
		problems = append(problems, fmt.Sprintf("provision %d is %s, logs are only accepted for ISO provisions", id, p.Type))
	}
	if !strings.HasSuffix(filename, ".tbz") {
		problems = append(problems, fmt.Sprintf("file %q is not a .tbz archive", filename))
	}
	if len(problems) > 0 {
		return p, fmt.Errorf("%w: %s", errs.ErrUnsupportedMedia, strings.Join(problems, "; "))
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxLogSize+1))
	if err != nil {
		return p, fmt.Errorf("read log upload: %w", err)
	}
	if len(data) > MaxLogSize {
		return p, fmt.Errorf("%w: log archive exceeds %d bytes", errs.ErrValidation, MaxLogSize)
	}

	location, err := e.logs.Put(ctx, logKey(id, e.now().Unix()), data)
	if err != nil {
		return p, err
	}
	if err := e.store.SetLogsPath(ctx, id, location); err != nil {
		return p, err
	}
	p.LogsPath = location
	e.provisionLogger(p).Info().Str("logs_path", location).Int("bytes", len(data)).Msg("installer logs stored")
	return p, nil
}

func (e *Engine) syncImage(ctx context.Context, p Provision) error {
	host, handler, img, err := e.loadRelated(ctx, p)
	if err != nil {
		return err
	}

	var ks *inventory.KickstartFile
	if p.Type == inventory.ArtifactISO {
		file, err := e.writeKickstart(p, host)
		if err != nil {
			return err
		}
		defer os.Remove(file.Path)
		ks = &file
	}

	vars, err := inventory.RenderPlaybookVariables(img, p.BootType, ks)
	if err != nil {
		return err
	}
	vars["image_root"] = handler.Ironic.ImageRoot
	vars["kickstart_dir"] = KickstartDir
	vars["provision_id"] = strconv.FormatInt(p.ID, 10)

	if err := e.automation.RunPlaybook(ctx, e.playbook, handler.Ironic.SSHHost, vars); err != nil {
		return fmt.Errorf("%w: sync image: %w", errs.ErrProvisioning, err)
	}
	return nil
}

func (e *Engine) writeKickstart(p Provision, host inventory.Host) (inventory.KickstartFile, error) {
	body, err := e.renderKickstart(p, host)
	if err != nil {
		return inventory.KickstartFile{}, fmt.Errorf("provision %d kickstart: %v: %w", p.ID, err, errs.ErrInvariant)
	}
	if err := os.MkdirAll(e.kickstartDir, 0o750); err != nil {
		return inventory.KickstartFile{}, err
	}
	f, err := os.CreateTemp(e.kickstartDir, "metalhub-"+strconv.FormatInt(p.ID, 10)+"-*.ks")
	if err != nil {
		return inventory.KickstartFile{}, err
	}
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return inventory.KickstartFile{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return inventory.KickstartFile{}, err
	}
	return inventory.KickstartFile{Path: filepath.Clean(f.Name()), Name: KickstartName(p.ID)}, nil
}

func (e *Engine) deployHost(ctx context.Context, p Provision) error {
	host, handler, img, err := e.loadRelated(ctx, p)
	if err != nil {
		return err
	}
	if host.NodeID == "" {
		return fmt.Errorf("host %d has no backend node: %w", host.ID, errs.ErrInvariant)
	}
	ops, err := NodePatch(p, img, *handler.Ironic)
	if err != nil {
		return err
	}
	client, err := e.backends.ClientFor(ctx, handler)
	if err != nil {
		return err
	}
	if _, err := client.UpdateNode(ctx, host.NodeID, ops); err != nil {
		return fmt.Errorf("update node %s: %w", host.NodeID, err)
	}
	if _, err := client.SetAndWaitState(ctx, host.NodeID, ironic.TargetActive); err != nil {
		return fmt.Errorf("activate node %s: %w", host.NodeID, err)
	}
	return nil
}

func (e *Engine) returnHost(ctx context.Context, host inventory.Host, handler inventory.Handler) error {
	if host.NodeID == "" {
		return fmt.Errorf("host %d has no backend node: %w", host.ID, errs.ErrInvariant)
	}
	client, err := e.backends.ClientFor(ctx, handler)
	if err != nil {
		return err
	}
	if _, err := client.SetAndWaitState(ctx, host.NodeID, ironic.TargetDeleted); err != nil {
		return fmt.Errorf("delete node %s: %w", host.NodeID, err)
	}
	return nil
}

func (e *Engine) loadRelated(ctx context.Context, p Provision) (inventory.Host, inventory.Handler, inventory.Image, error) {
	host, err := e.hosts.Get(ctx, p.HostID)
	if err != nil {
		return inventory.Host{}, inventory.Handler{}, inventory.Image{}, related(err)
	}
	handler, err := e.handlers.Get(ctx, host.HandlerID)
	if err != nil {
		return host, inventory.Handler{}, inventory.Image{}, related(err)
	}
	if handler.Ironic == nil {
		return host, handler, inventory.Image{}, fmt.Errorf("handler %d has no ironic endpoint: %w", handler.ID, errs.ErrInvariant)
	}
	img, err := e.images.Get(ctx, p.ImageID)
	if err != nil {
		return host, handler, inventory.Image{}, related(err)
	}
	if img.Type != p.Type {
		return host, handler, img, fmt.Errorf("provision %d is %s but image %d is %s: %w", p.ID, p.Type, img.ID, img.Type, errs.ErrInvariant)
	}
	return host, handler, img, nil
}

// related turns a vanished relationship into an invariant violation.
func related(err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w: %w", errs.ErrInvariant, err)
	}
	return err
}

// fail records a failed sync or deploy and releases the host. The failure is
// returned as handled unless it is an invariant violation, which must stay
// loud.
func (e *Engine) fail(ctx context.Context, p *Provision, to Status, cause error) error {
	msg := cause.Error()
	if err := e.transition(ctx, p, to, Change{LastError: &msg}); err != nil {
		return err
	}
	e.provisionLogger(*p).Warn().Err(cause).Msg("provision step failed")
	if err := e.release(ctx, *p); err != nil {
		return err
	}
	if errors.Is(cause, errs.ErrInvariant) {
		return cause
	}
	return errs.Handled(cause)
}

func (e *Engine) release(ctx context.Context, p Provision) error {
	released, err := e.hosts.Release(ctx, p.HostID, p.ID)
	if err != nil {
		return fmt.Errorf("release host %d from provision %d: %w", p.HostID, p.ID, err)
	}
	if released {
		e.provisionLogger(p).Info().Msg("host released")
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, p *Provision, to Status, change Change) error {
	from := p.Status
	if err := e.store.Transition(ctx, p, to, change); err != nil {
		return err
	}
	e.metrics.IncProvisionTransition(string(from), string(to))
	e.provisionLogger(*p).Info().Str("from", string(from)).Str("to", string(to)).Msg("provision transition")
	return nil
}

func (e *Engine) scheduleNext(ctx context.Context, p Provision, task string) error {
	id, err := e.scheduler.Schedule(ctx, task, TaskArgs{ProvisionID: p.ID})
	if err != nil {
		return fmt.Errorf("schedule %s for provision %d: %w", task, p.ID, err)
	}
	e.provisionLogger(p).Debug().Str("task", task).Str("task_id", id.String()).Msg("next step scheduled")
	return nil
}

// step runs fn in a span and records its duration.
func (e *Engine) step(ctx context.Context, name string, p Provision, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "provision."+name, trace.WithAttributes(
		attribute.Int64("provision.id", p.ID),
		attribute.Int64("host.id", p.HostID),
		attribute.String("provision.type", string(p.Type)),
	))
	defer span.End()

	start := e.now()
	err := fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.ObserveProvisionStep(name, result, e.now().Sub(start))
	return err
}

func (e *Engine) provisionLogger(p Provision) *zerolog.Logger {
	l := e.logger.With().Int64("provision_id", p.ID).Int64("host_id", p.HostID).Logger()
	return &l
}
