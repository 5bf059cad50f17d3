package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chap-sh/chap/internal/api/request"
	"github.com/chap-sh/chap/internal/api/response"
	"github.com/chap-sh/chap/internal/core"
)

type Deployment struct {
	svc      *core.DeploymentService
	services *core.Services
}

func NewDeployment(services *core.Services) *Deployment {
	return &Deployment{svc: services.Deployments, services: services}
}

// Create starts a new deployment for an application. One active
// deployment per application; a second request while one is in flight is
// answered with 422.
func (h *Deployment) Create(w http.ResponseWriter, r *http.Request) {
	appUUID, err := request.RequireID(chi.URLParam(r, "appUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req request.CreateDeployment
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.svc.Create(r.Context(), appUUID, core.CreateParams{
		CommitSHA:     req.CommitSHA,
		CommitMessage: req.CommitMessage,
	})
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, d)
}

func (h *Deployment) Get(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "deploymentUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "deployment not found")
		return
	}
	response.WriteJSON(w, http.StatusOK, d)
}

func (h *Deployment) ListByApplication(w http.ResponseWriter, r *http.Request) {
	appUUID, err := request.RequireID(chi.URLParam(r, "appUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	app, err := h.services.Applications.GetByUUID(r.Context(), appUUID)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "application not found")
		return
	}

	pg := request.ParsePagination(r)
	deployments, err := h.svc.ListByApplication(r.Context(), app.ID, pg.Limit)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, deployments)
}

// Cancel is optimistic: the stored record flips to cancelled immediately
// and the node is told to stop; work already done on the node may stand.
func (h *Deployment) Cancel(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "deploymentUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.Cancel(r.Context(), uuid)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, d)
}

// Rollback re-deploys the commit of the most recent prior successful
// deployment as a brand-new deployment record.
func (h *Deployment) Rollback(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "deploymentUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.Rollback(r.Context(), uuid)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, d)
}

func (h *Deployment) Logs(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "deploymentUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "deployment not found")
		return
	}

	pg := request.ParsePagination(r)
	lines, err := h.svc.Logs(r.Context(), d.ID, pg.Limit)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, lines)
}
