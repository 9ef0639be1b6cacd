package inventory_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalhub/pkg/errs"
	"metalhub/services/inventory"
	"metalhub/services/tasks"
)

func newTaskRegistry(t *testing.T, f *hostFixture) *tasks.Registry {
	t.Helper()
	handlers, err := inventory.NewHandlers(inventory.HandlersConfig{
		Store:    f.store,
		Secrets:  f.secrets,
		Backends: f.backend,
		Prober:   &fakeProber{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	r := tasks.NewRegistry()
	require.NoError(t, inventory.RegisterTasks(r, handlers, f.hosts))
	return r
}

func TestRegisterTasks(t *testing.T) {
	r := newTaskRegistry(t, newHostFixture(t))
	assert.ElementsMatch(t, []string{inventory.TaskHealthCheck, inventory.TaskEnrollHost}, r.Names())

	assert.Error(t, inventory.RegisterTasks(tasks.NewRegistry(), nil, nil))
}

func TestEnrollTask(t *testing.T) {
	f := newHostFixture(t)
	r := newTaskRegistry(t, f)
	ctx := context.Background()

	h, err := f.hosts.Create(ctx, f.spec(inventory.HardwareGeneric))
	require.NoError(t, err)

	args, err := json.Marshal(inventory.EnrollArgs{HostID: h.ID})
	require.NoError(t, err)
	require.NoError(t, r.Dispatch(ctx, tasks.Envelope{ID: uuid.New(), Name: inventory.TaskEnrollHost, Args: args}))

	got, err := f.hosts.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.HostAvailable, got.Status)
}

func TestEnrollTaskRejectsMissingHost(t *testing.T) {
	r := newTaskRegistry(t, newHostFixture(t))

	err := r.Dispatch(context.Background(), tasks.Envelope{
		ID:   uuid.New(),
		Name: inventory.TaskEnrollHost,
		Args: json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, errs.ErrInvariant)
	assert.Equal(t, tasks.OutcomeTerminal, tasks.Classify(err))
}

func TestHealthCheckTask(t *testing.T) {
	f := newHostFixture(t)
	r := newTaskRegistry(t, f)

	require.NoError(t, r.Dispatch(context.Background(), tasks.Envelope{ID: uuid.New(), Name: inventory.TaskHealthCheck}))

	got, err := f.store.GetHandler(context.Background(), f.handler.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.HandlerFailedSSHCheck, got.Status, "fixture stores no ssh key")
}
