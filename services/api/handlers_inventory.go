package api

import (
	"fmt"
	"net/http"

	"metalhub/pkg/errs"
	"metalhub/services/inventory"
)

func (a *API) handleRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var spec inventory.HandlerSpec
	if err := decodeJSON(r, &spec); err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	handler, err := a.handlers.Register(ctx, spec)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"handler": handler})
}

func (a *API) handleGetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	handler, err := a.handlers.Get(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"handler": handler})
}

func (a *API) handleSetHandlerStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req struct {
		Status inventory.HandlerStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	handler, err := a.handlers.SetStatus(ctx, id, req.Status)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"handler": handler})
}

func (a *API) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var spec inventory.HostSpec
	if err := decodeJSON(r, &spec); err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	host, err := a.hosts.Create(ctx, spec)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"host": host})
}

func (a *API) handleGetHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	host, err := a.hosts.Get(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"host": host})
}

// handleEnrollHost checks the preconditions now and leaves the backend work
// to the enrollment task.
func (a *API) handleEnrollHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	host, _, err := a.hosts.ValidateEnroll(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	taskID, err := a.scheduler.Schedule(ctx, inventory.TaskEnrollHost, inventory.EnrollArgs{HostID: id})
	if err != nil {
		a.respondError(w, r, fmt.Errorf("schedule enrollment of host %d: %w", id, err))
		return
	}
	a.logger.Info().Int64("host_id", id).Str("task_id", taskID.String()).Msg("host enrollment scheduled")
	respondJSON(w, http.StatusAccepted, map[string]any{"host": host, "task_id": taskID})
}

func (a *API) handleReleaseHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	host, err := a.provisions.ReleaseHost(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"host": host})
}

func (a *API) handleResetHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	host, err := a.hosts.Reset(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"host": host})
}

func (a *API) handleCreateImage(w http.ResponseWriter, r *http.Request) {
	var img inventory.Image
	if err := decodeJSON(r, &img); err != nil {
		a.respondError(w, r, err)
		return
	}
	if img.ID != 0 {
		a.respondError(w, r, fmt.Errorf("%w: id is assigned by the server", errs.ErrValidation))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	created, err := a.images.Create(ctx, img)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"image": created})
}

func (a *API) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	img, err := a.images.Get(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"image": img})
}
