package api

import (
	"errors"
	"fmt"
	"net/http"

	"metalhub/pkg/errs"
	"metalhub/services/provisioning"
)

// maxUploadBody leaves room for multipart framing around the archive.
const maxUploadBody = provisioning.MaxLogSize + 1<<20

func (a *API) handleCreateProvision(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if err := decodeJSON(r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	p, err := a.provisions.Create(ctx, req)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"provision": p})
}

func (a *API) handleGetProvision(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	p, err := a.provisions.Get(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"provision": p})
}

func (a *API) handleStopProvision(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	p, err := a.provisions.RequestStop(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if p.Status == provisioning.StatusFinished {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{"provision": p})
}

func (a *API) handleKickstart(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	ks, err := a.provisions.Kickstart(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondText(w, "text/plain; charset=utf-8", ks)
}

func (a *API) handleDebugScript(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	script, err := a.provisions.DebugScript(ctx, id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondText(w, "text/x-shellscript; charset=utf-8", script)
}

// handleUploadLogs takes the multipart "file" field posted by the debug
// script.
func (a *API) handleUploadLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.respondError(w, r, fmt.Errorf("%w: upload exceeds %d bytes", errs.ErrValidation, tooLarge.Limit))
			return
		}
		a.respondError(w, r, fmt.Errorf("%w: multipart field \"file\": %v", errs.ErrValidation, err))
		return
	}
	defer file.Close()

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	p, err := a.provisions.UploadLogs(ctx, id, header.Filename, file)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"provision": p})
}
