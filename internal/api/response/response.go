package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/chap-sh/chap/internal/core"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteServiceError maps core error kinds onto HTTP statuses.
func WriteServiceError(w http.ResponseWriter, err error) {
	var waiting *core.WaitingError
	switch {
	case errors.As(err, &waiting):
		WriteJSON(w, http.StatusConflict, map[string]string{"error": "waiting for operator input", "prompt": waiting.Prompt})
	case core.IsValidation(err):
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		WriteError(w, http.StatusNotFound, "not found")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// PaginatedResponse wraps a list with pagination metadata.
type PaginatedResponse struct {
	Items      any    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// WritePaginated writes a paginated JSON response.
func WritePaginated(w http.ResponseWriter, status int, items any, nextCursor string, hasMore bool) {
	WriteJSON(w, status, PaginatedResponse{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	})
}
