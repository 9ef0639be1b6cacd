package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalhub/pkg/automation"
	"metalhub/pkg/errs"
	"metalhub/pkg/ironic"
	"metalhub/pkg/metrics"
	"metalhub/pkg/render"
	"metalhub/pkg/secrets"
	"metalhub/pkg/sshprobe"
	"metalhub/services/inventory"
	"metalhub/services/inventory/inventorytest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type playbookCall struct {
	playbook  string
	target    string
	vars      map[string]string
	kickstart string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []playbookCall
	err   error
}

func (r *fakeRunner) RunPlaybook(_ context.Context, playbook, target string, vars map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := playbookCall{playbook: playbook, target: target, vars: vars}
	if path, ok := vars["kickstart_file"]; ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		call.kickstart = string(raw)
	}
	r.calls = append(r.calls, call)
	return r.err
}

type scheduled struct {
	name string
	args TaskArgs
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (s *recordingScheduler) Schedule(_ context.Context, name string, args any) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return uuid.Nil, s.err
	}
	call := scheduled{name: name}
	if a, ok := args.(TaskArgs); ok {
		call.args = a
	}
	s.calls = append(s.calls, call)
	return uuid.New(), nil
}

func (s *recordingScheduler) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.name)
	}
	return out
}

type nopProber struct{}

func (nopProber) Probe(context.Context, sshprobe.Target) error { return nil }

type fixture struct {
	t       *testing.T
	clock   *clock
	inv     *inventorytest.Store
	backend *inventorytest.Backend
	hosts   *inventory.Hosts
	store   *memStore
	runner  *fakeRunner
	sched   *recordingScheduler
	logsDir string
	engine  *Engine
	handler inventory.Handler
	iso     inventory.Image
	qcow    inventory.Image
}

const (
	hostA = int64(100)
	hostB = int64(101)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		t:       t,
		clock:   &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		inv:     inventorytest.NewStore(),
		backend: inventorytest.NewBackend(),
		runner:  &fakeRunner{},
		sched:   &recordingScheduler{},
		logsDir: t.TempDir(),
	}
	f.store = newMemStore(f.inv, f.clock.Now)

	f.handler = inventory.Handler{
		Name:   "lab",
		Type:   inventory.HandlerTypeIronic,
		Arch:   "x86_64",
		Status: inventory.HandlerAvailable,
		Ironic: &inventory.IronicEndpoint{
			APIURL:         "https://ironic.lab:6385",
			SSHHost:        "ironic.lab",
			SSHPort:        22,
			SSHUser:        "stack",
			ImageServerURL: "http://ironic.lab:8088/",
			ImageRoot:      "/httpboot",
		},
	}
	require.NoError(t, f.inv.CreateHandler(ctx, &f.handler, nil))

	all := inventory.BootModes{Legacy: true, UEFI: true, SecureBoot: true}
	for id, node := range map[int64]string{hostA: "node-abc", hostB: "node-def"} {
		f.inv.PutHost(inventory.Host{
			ID:           id,
			Name:         fmt.Sprintf("Node%d", id),
			MAC:          fmt.Sprintf("52:54:00:00:00:%02x", id),
			Arch:         "x86_64",
			Boot:         all,
			HardwareType: inventory.HardwareGeneric,
			Status:       inventory.HostAvailable,
			HandlerID:    f.handler.ID,
			NodeID:       node,
		})
	}

	catalog, err := inventory.NewCatalog(f.inv, zerolog.Nop())
	require.NoError(t, err)
	f.iso, err = catalog.Create(ctx, inventory.Image{
		Version: "36",
		BaseOS:  "Fedora",
		Arch:    "x86_64",
		Boot:    inventory.BootModes{Legacy: true, UEFI: true},
		Type:    inventory.ArtifactISO,
		ISO: &inventory.ISOArtifact{
			URL:           "https://mirror.lab/Fedora-36.iso",
			Checksum:      "sha256:abc",
			KernelPath:    "images/pxeboot/vmlinuz",
			InitramfsPath: "images/pxeboot/initrd.img",
			Stage2Path:    "LiveOS/squashfs.img",
		},
	})
	require.NoError(t, err)
	f.qcow, err = catalog.Create(ctx, inventory.Image{
		Version: "9.2",
		BaseOS:  "Rocky",
		Arch:    "x86_64",
		Boot:    inventory.BootModes{UEFI: true, SecureBoot: true},
		Type:    inventory.ArtifactQCOW2,
		QCOW2: &inventory.QCOW2Artifact{
			URL:          "https://mirror.lab/Rocky-9.2.qcow2",
			Checksum:     "sha256:def",
			KernelURL:    "https://mirror.lab/vmlinuz",
			InitramfsURL: "https://mirror.lab/initrd.img",
		},
	})
	require.NoError(t, err)

	f.hosts, err = inventory.NewHosts(inventory.HostsConfig{
		Store:    f.inv,
		Secrets:  secrets.NewMemory(),
		Backends: f.backend,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	handlers, err := inventory.NewHandlers(inventory.HandlersConfig{
		Store:    f.inv,
		Secrets:  secrets.NewMemory(),
		Backends: f.backend,
		Prober:   nopProber{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	templates, err := render.New()
	require.NoError(t, err)

	f.engine, err = New(Config{
		Store:        f.store,
		Hosts:        f.hosts,
		Handlers:     handlers,
		Images:       catalog,
		Backends:     f.backend,
		Automation:   f.runner,
		Templates:    templates,
		Scheduler:    f.sched,
		Logs:         DirLogs{Base: f.logsDir},
		Metrics:      metrics.New(),
		Logger:       zerolog.Nop(),
		Now:          f.clock.Now,
		APIBaseURL:   "https://hub.lab/",
		KickstartDir: t.TempDir(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) create(hostID int64, img inventory.Image) Provision {
	f.t.Helper()
	p, err := f.engine.Create(context.Background(), Request{HostID: hostID, ImageID: img.ID})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) activate(hostID int64, img inventory.Image) Provision {
	f.t.Helper()
	ctx := context.Background()
	p := f.create(hostID, img)
	require.NoError(f.t, f.engine.Start(ctx, p.ID))
	require.NoError(f.t, f.engine.Deploy(ctx, p.ID))
	return f.provision(p.ID)
}

func (f *fixture) provision(id int64) Provision {
	f.t.Helper()
	p, err := f.store.Get(context.Background(), id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) host(id int64) inventory.Host {
	f.t.Helper()
	h, err := f.hosts.Get(context.Background(), id)
	require.NoError(f.t, err)
	return h
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "automation, backends, handlers")
}

func TestISOLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.create(hostA, f.iso)
	assert.Equal(t, StatusQueued, p.Status)
	assert.Equal(t, inventory.BootUEFI, p.BootType)
	assert.Equal(t, DefaultRootGB, p.RootGB)
	assert.Contains(t, p.Kickstart, "autopart")

	h := f.host(hostA)
	assert.Equal(t, inventory.HostReserved, h.Status)
	require.NotNil(t, h.ProvisionID)
	assert.Equal(t, p.ID, *h.ProvisionID)
	assert.Equal(t, []string{TaskStart}, f.sched.names())

	require.NoError(t, f.engine.Start(ctx, p.ID))
	require.Len(t, f.runner.calls, 1)
	call := f.runner.calls[0]
	assert.Equal(t, DefaultSyncPlaybook, call.playbook)
	assert.Equal(t, "ironic.lab", call.target)
	assert.Equal(t, "/httpboot", call.vars["image_root"])
	assert.Equal(t, "Fedora-36-x86_64-iso-UEFI", call.vars["image_dir"])
	assert.Equal(t, "00000001.ks", call.vars["kickstart_name"])
	assert.Contains(t, call.kickstart, "--hostname=node100")
	assert.Contains(t, call.kickstart, "https://hub.lab/v1/provisions/1/kickstart/debug_script")
	assert.Contains(t, call.kickstart, "{{ ks_options['liveimg_url'] }}")
	_, err := os.Stat(call.vars["kickstart_file"])
	assert.True(t, os.IsNotExist(err), "rendered kickstart is removed after staging")

	assert.Equal(t, StatusDeployHost, f.provision(p.ID).Status)
	assert.Equal(t, []string{TaskStart, TaskDeploy}, f.sched.names())

	require.NoError(t, f.engine.Deploy(ctx, p.ID))
	active := f.provision(p.ID)
	assert.Equal(t, StatusActive, active.Status)
	require.NotNil(t, active.HostReservationExpiresAt)
	assert.True(t, active.HostReservationExpiresAt.Equal(p.CreatedAt.Add(14*24*time.Hour)))
	assert.Equal(t, inventory.HostReserved, f.host(hostA).Status)

	patches := f.backend.Patches("node-abc")
	assert.Contains(t, patches, ironic.Replace("/deploy_interface", "anaconda"))
	assert.Contains(t, patches, ironic.Add("/instance_info/ks_template", "http://ironic.lab:8088/kickstarts/00000001.ks"))
	assert.Contains(t, patches, ironic.Add("/instance_info/kernel", "http://ironic.lab:8088/Fedora-36-x86_64-iso-UEFI/images/pxeboot/vmlinuz"))

	ending, err := f.engine.RequestStop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnding, ending.Status)
	assert.Equal(t, []string{TaskStart, TaskDeploy, TaskStop}, f.sched.names())

	finished, err := f.engine.Stop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, finished.Status)
	h = f.host(hostA)
	assert.Equal(t, inventory.HostAvailable, h.Status)
	assert.Nil(t, h.ProvisionID)
	assert.Equal(t, []inventorytest.Transition{
		{NodeID: "node-abc", Target: ironic.TargetActive},
		{NodeID: "node-abc", Target: ironic.TargetDeleted},
	}, f.backend.Transitions())

	again, err := f.engine.Stop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, again.Status)
	assert.Len(t, f.backend.Transitions(), 2)
}

func TestQCOW2Lifecycle(t *testing.T) {
	f := newFixture(t)

	p := f.activate(hostA, f.qcow)
	assert.Equal(t, inventory.BootUEFISecureBoot, p.BootType)
	assert.Empty(t, p.Kickstart)
	assert.Equal(t, StatusActive, p.Status)

	require.Len(t, f.runner.calls, 1)
	assert.NotContains(t, f.runner.calls[0].vars, "kickstart_file")
	assert.Equal(t, "https://mirror.lab/vmlinuz", f.runner.calls[0].vars["kernel_url"])

	patches := f.backend.Patches("node-abc")
	assert.Contains(t, patches, ironic.Replace("/deploy_interface", "direct"))
	assert.Contains(t, patches, ironic.Add("/instance_info/image_source", "http://ironic.lab:8088/Rocky-9.2-x86_64-qcow2-UEFI_SECURE_BOOT/Rocky-9.2.qcow2"))
	assert.Contains(t, patches, ironic.Add("/instance_info/capabilities", map[string]string{"secure_boot": "true"}))
}

func TestNodePatch(t *testing.T) {
	endpoint := inventory.IronicEndpoint{ImageServerURL: "http://img.lab"}
	img := inventory.Image{
		BaseOS: "Rocky", Version: "9", Arch: "aarch64", Type: inventory.ArtifactQCOW2,
		QCOW2: &inventory.QCOW2Artifact{URL: "https://m/r.qcow2", Checksum: "md5:1", KernelURL: "https://m/k", InitramfsURL: "https://m/i"},
	}
	p := Provision{ID: 5, Type: inventory.ArtifactQCOW2, BootType: inventory.BootLegacy, RootGB: 40}

	ops, err := NodePatch(p, img, endpoint)
	require.NoError(t, err)
	assert.Equal(t, []ironic.PatchOp{
		ironic.Replace("/deploy_interface", "direct"),
		ironic.Add("/instance_info/image_source", "http://img.lab/Rocky-9-aarch64-qcow2-LEGACY/r.qcow2"),
		ironic.Add("/instance_info/image_checksum", "md5:1"),
		ironic.Add("/instance_info/kernel", "http://img.lab/Rocky-9-aarch64-qcow2-LEGACY/k"),
		ironic.Add("/instance_info/ramdisk", "http://img.lab/Rocky-9-aarch64-qcow2-LEGACY/i"),
		ironic.Add("/instance_info/root_gb", 40),
	}, ops)

	p.Type = "VHD"
	_, err = NodePatch(p, img, endpoint)
	assert.ErrorIs(t, err, errs.ErrInvariant)
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(hostB, f.iso)

	legacyOnly := f.host(hostA)
	legacyOnly.Boot = inventory.BootModes{Legacy: true}

	tests := []struct {
		name    string
		arrange func()
		req     Request
		wantErr error
	}{
		{name: "missing ids", req: Request{}, wantErr: errs.ErrValidation},
		{name: "unknown host", req: Request{HostID: 7, ImageID: f.iso.ID}, wantErr: errs.ErrNotFound},
		{name: "reserved host", req: Request{HostID: hostB, ImageID: f.iso.ID}, wantErr: errs.ErrConflict},
		{name: "unknown image", req: Request{HostID: hostA, ImageID: 999}, wantErr: errs.ErrNotFound},
		{name: "kickstart for qcow2", req: Request{HostID: hostA, ImageID: f.qcow.ID, Kickstart: "text"}, wantErr: errs.ErrValidation},
		{name: "kickstart does not parse", req: Request{HostID: hostA, ImageID: f.iso.ID, Kickstart: "{{ .hostname"}, wantErr: errs.ErrValidation},
		{name: "kickstart uses unknown key", req: Request{HostID: hostA, ImageID: f.iso.ID, Kickstart: "{{ .nope }}"}, wantErr: errs.ErrValidation},
		{
			name:    "no shared boot mode",
			arrange: func() { f.inv.PutHost(legacyOnly) },
			req:     Request{HostID: hostA, ImageID: f.qcow.ID},
			wantErr: errs.ErrValidation,
		},
		{
			name:    "handler unavailable",
			arrange: func() { f.inv.SetHandlerStatus(f.handler.ID, inventory.HandlerMaintenance) },
			req:     Request{HostID: hostA, ImageID: f.iso.ID},
			wantErr: errs.ErrConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.arrange != nil {
				tt.arrange()
			}
			_, err := f.engine.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
		})
	}
}

func TestCreateReservesHostOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Create(context.Background(), Request{HostID: hostA, ImageID: f.iso.ID})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrConflict)
	}
	assert.Equal(t, 1, ok)
}

func TestCreateReleasesHostWhenStartCannotBeScheduled(t *testing.T) {
	f := newFixture(t)
	f.sched.err = errors.New("nats: no responders")

	p, err := f.engine.Create(context.Background(), Request{HostID: hostA, ImageID: f.iso.ID})
	require.Error(t, err)
	assert.Equal(t, StatusFailedSyncImage, f.provision(p.ID).Status)
	assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
}

func TestCustomKickstart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.engine.Create(ctx, Request{
		HostID:    hostA,
		ImageID:   f.iso.ID,
		Kickstart: "network --hostname={{ .hostname }}\n{{ .resource_hub.post }}\n",
	})
	require.NoError(t, err)

	ks, err := f.engine.Kickstart(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, ks, "network --hostname=Node100\n%post")
	assert.Contains(t, ks, `"agent_status": "end"`)
}

func TestSyncFailureReleasesHost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(hostA, f.iso)
	f.runner.err = &automation.RunError{Playbook: DefaultSyncPlaybook, Output: "fatal: unreachable", Err: errors.New("exit status 2")}

	err := f.engine.Start(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, errs.IsHandled(err))
	assert.ErrorIs(t, err, errs.ErrProvisioning)

	got := f.provision(p.ID)
	assert.Equal(t, StatusFailedSyncImage, got.Status)
	assert.Contains(t, got.LastError, "fatal: unreachable")
	assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
	assert.Equal(t, []string{TaskStart}, f.sched.names())

	require.NoError(t, f.engine.Start(ctx, p.ID), "redelivery of a failed start is a no-op")

	stopped, err := f.engine.Stop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, stopped.Status)
	assert.Empty(t, f.backend.Transitions())
}

func TestDeployFailureReleasesHost(t *testing.T) {
	for _, key := range []string{inventorytest.FailUpdateNode, inventorytest.FailState(ironic.TargetActive)} {
		t.Run(key, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.create(hostA, f.iso)
			require.NoError(t, f.engine.Start(ctx, p.ID))
			f.backend.Fail(key, errors.New("deploy timed out"))

			err := f.engine.Deploy(ctx, p.ID)
			require.Error(t, err)
			assert.True(t, errs.IsHandled(err))

			got := f.provision(p.ID)
			assert.Equal(t, StatusFailedDeployHost, got.Status)
			assert.Contains(t, got.LastError, "deploy timed out")
			assert.Nil(t, got.HostReservationExpiresAt)
			assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
		})
	}
}

func TestInvariantViolationStillReleasesHost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(hostA, f.iso)
	require.NoError(t, f.engine.Start(ctx, p.ID))

	h := f.host(hostA)
	h.NodeID = ""
	f.inv.PutHost(h)

	err := f.engine.Deploy(ctx, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvariant)
	assert.False(t, errs.IsHandled(err))
	assert.Equal(t, StatusFailedDeployHost, f.provision(p.ID).Status)
	assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
}

func TestStepsSkipUnexpectedStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(hostA, f.iso)

	assert.ErrorIs(t, f.engine.Deploy(ctx, p.ID), errs.ErrInvalidState)
	_, err := f.engine.RequestStop(ctx, p.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = f.engine.Stop(ctx, p.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	require.NoError(t, f.engine.Start(ctx, p.ID))
	require.NoError(t, f.engine.Start(ctx, p.ID), "a repeated start reschedules deploy")
	assert.Equal(t, []string{TaskStart, TaskDeploy, TaskDeploy}, f.sched.names())
	assert.Len(t, f.runner.calls, 1)
}

func TestStopWaitsForHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activate(hostA, f.iso)
	f.inv.SetHandlerStatus(f.handler.ID, inventory.HandlerFailedSSHCheck)

	got, err := f.engine.RequestStop(ctx, p.ID)
	assert.ErrorIs(t, err, errs.ErrBareMetal)
	assert.Equal(t, StatusEnding, got.Status)
	assert.NotContains(t, f.sched.names(), TaskStop)

	got, err = f.engine.Stop(ctx, p.ID)
	assert.ErrorIs(t, err, errs.ErrBareMetal)
	assert.Equal(t, StatusEnding, got.Status)
	assert.Equal(t, inventory.HostReserved, f.host(hostA).Status)

	f.inv.SetHandlerStatus(f.handler.ID, inventory.HandlerAvailable)
	got, err = f.engine.Stop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
}

func TestTeardownFailureHoldsHost(t *testing.T) {
	require.True(t, TeardownFailureHoldsHost)

	f := newFixture(t)
	ctx := context.Background()
	p := f.activate(hostA, f.iso)

	_, err := f.engine.ReleaseHost(ctx, hostA)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "an active provision cannot be released by hand")

	f.backend.Fail(inventorytest.FailState(ironic.TargetDeleted), errors.New("cleaning failed"))
	got, err := f.engine.Stop(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, errs.IsHandled(err))
	assert.Equal(t, StatusFailedReturningHost, got.Status)
	assert.Contains(t, got.LastError, "cleaning failed")
	assert.Equal(t, inventory.HostReserved, f.host(hostA).Status)

	h, err := f.engine.ReleaseHost(ctx, hostA)
	require.NoError(t, err)
	assert.Equal(t, inventory.HostAvailable, h.Status)
	assert.Equal(t, StatusFinished, f.provision(p.ID).Status)

	_, err = f.engine.ReleaseHost(ctx, hostA)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestStopRetriesFailedTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activate(hostA, f.iso)

	f.backend.Fail(inventorytest.FailState(ironic.TargetDeleted), errors.New("cleaning failed"))
	_, err := f.engine.Stop(ctx, p.ID)
	require.Error(t, err)

	f.backend.Fail(inventorytest.FailState(ironic.TargetDeleted), nil)
	got, err := f.engine.Stop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Empty(t, got.LastError)
	assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.activate(hostA, f.iso)
	f.clock.Advance(48 * time.Hour)
	second := f.activate(hostB, f.qcow)

	f.clock.Advance(13 * 24 * time.Hour)
	n, err := f.engine.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusEnding, f.provision(first.ID).Status)
	assert.Equal(t, StatusActive, f.provision(second.ID).Status)

	stops := 0
	for _, c := range f.sched.calls {
		if c.name == TaskStop {
			stops++
			assert.Equal(t, first.ID, c.args.ProvisionID)
		}
	}
	assert.Equal(t, 1, stops)

	n, err = f.engine.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep must not claim the provision again")

	got, err := f.engine.Stop(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, inventory.HostAvailable, f.host(hostA).Status)
}

func TestStaleTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(hostA, f.iso)

	stale := p
	require.NoError(t, f.store.Transition(ctx, &p, StatusSyncImage, Change{}))
	assert.Equal(t, int64(2), p.Version)

	err := f.store.Transition(ctx, &stale, StatusFailedSyncImage, Change{})
	assert.ErrorIs(t, err, errs.ErrStale)
	assert.Equal(t, StatusSyncImage, f.provision(p.ID).Status)
}

func TestKickstartEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	iso := f.create(hostA, f.iso)
	qcow := f.create(hostB, f.qcow)

	ks, err := f.engine.Kickstart(ctx, iso.ID)
	require.NoError(t, err)
	assert.Contains(t, ks, "--hostname=node100")
	assert.Contains(t, ks, "%onerror")

	script, err := f.engine.DebugScript(ctx, iso.ID)
	require.NoError(t, err)
	assert.Contains(t, script, "/tmp/metalhub-logs-00000001.tbz")
	assert.Contains(t, script, "'https://hub.lab/v1/provisions/1/logs'")

	_, err = f.engine.Kickstart(ctx, qcow.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.engine.DebugScript(ctx, qcow.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUploadLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	iso := f.create(hostA, f.iso)
	qcow := f.create(hostB, f.qcow)

	got, err := f.engine.UploadLogs(ctx, iso.ID, "metalhub-logs-00000001.tbz", strings.NewReader("bzip2 bytes"))
	require.NoError(t, err)
	want := filepath.Join(f.logsDir, "00000001", fmt.Sprintf("logs-%d.tbz", f.clock.Now().Unix()))
	assert.Equal(t, want, got.LogsPath)
	assert.Equal(t, want, f.provision(iso.ID).LogsPath)
	raw, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "bzip2 bytes", string(raw))

	for _, tt := range []struct {
		name     string
		id       int64
		filename string
	}{
		{name: "qcow2 provision", id: qcow.ID, filename: "logs.tbz"},
		{name: "wrong extension", id: iso.ID, filename: "logs.tar.gz"},
		{name: "both", id: qcow.ID, filename: "logs.zip"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.UploadLogs(ctx, tt.id, tt.filename, strings.NewReader("x"))
			assert.ErrorIs(t, err, errs.ErrUnsupportedMedia)
		})
	}
}
