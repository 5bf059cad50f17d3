package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chap-sh/chap/internal/api/request"
	"github.com/chap-sh/chap/internal/api/response"
	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/model"
	"github.com/chap-sh/chap/internal/platform"
)

type Application struct {
	svc      *core.ApplicationService
	services *core.Services
}

func NewApplication(services *core.Services) *Application {
	return &Application{svc: services.Applications, services: services}
}

// Create registers an application on a node. Nothing is started yet; a
// deployment does that.
func (h *Application) Create(w http.ResponseWriter, r *http.Request) {
	nodeUUID, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.services.Nodes.GetByUUID(r.Context(), nodeUUID)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "node not found")
		return
	}

	var req request.CreateApplication
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var env json.RawMessage
	if len(req.Env) > 0 {
		env, err = json.Marshal(req.Env)
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, "invalid env")
			return
		}
	}

	app := &model.Application{
		UUID:      platform.NewID(),
		NodeID:    node.ID,
		Name:      req.Name,
		Image:     req.Image,
		Env:       env,
		CPUMillis: req.CPUMillis,
		MemoryMB:  req.MemoryMB,
		PortCount: req.PortCount,
	}
	if err := h.svc.Create(r.Context(), app); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, app)
}

func (h *Application) Get(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "appUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	app, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "application not found")
		return
	}
	response.WriteJSON(w, http.StatusOK, app)
}

func (h *Application) ListByNode(w http.ResponseWriter, r *http.Request) {
	nodeUUID, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.services.Nodes.GetByUUID(r.Context(), nodeUUID)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "node not found")
		return
	}
	apps, err := h.svc.ListByNode(r.Context(), node.ID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, apps)
}

// Delete queues the application's teardown on its node, then removes the
// record. The task is durable, so a node that is offline right now still
// tears the container down when it reconnects.
func (h *Application) Delete(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "appUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	app, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "application not found")
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"application_uuid": app.UUID,
		"name":             app.Name,
		"container_id":     app.ContainerID,
	})
	if err := h.services.Dispatcher.Enqueue(r.Context(), app.NodeID, model.TaskTypeApplicationDelete, payload); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), app.ID); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
