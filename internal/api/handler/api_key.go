package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chap-sh/chap/internal/api/request"
	"github.com/chap-sh/chap/internal/api/response"
	"github.com/chap-sh/chap/internal/core"
)

type APIKey struct {
	svc *core.APIKeyService
}

func NewAPIKey(services *core.Services) *APIKey {
	return &APIKey{svc: services.APIKeys}
}

// Create mints a new API key. The plaintext is in this response only.
func (h *APIKey) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateAPIKey
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, plaintext, err := h.svc.Create(r.Context(), req.Name)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"key":     plaintext,
	})
}

func (h *APIKey) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "keyID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Revoke(r.Context(), id); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
