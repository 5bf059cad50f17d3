package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chap-sh/chap/internal/api/request"
	"github.com/chap-sh/chap/internal/api/response"
	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/gateway"
	"github.com/chap-sh/chap/internal/model"
	"github.com/chap-sh/chap/internal/platform"
)

type Node struct {
	svc      *core.NodeService
	services *core.Services
	relay    *gateway.LogRelay
}

// NewNode builds the node handler. relay is nil on instances that hold no
// live sessions; log streaming is answered with 501 there.
func NewNode(services *core.Services, relay *gateway.LogRelay) *Node {
	return &Node{svc: services.Nodes, services: services, relay: relay}
}

// Register creates a node and returns its bearer token. The plaintext
// token appears in this response and nowhere else.
func (h *Node) Register(w http.ResponseWriter, r *http.Request) {
	var req request.RegisterNode
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	token := platform.NewToken()
	node := &model.Node{
		UUID:      platform.NewID(),
		Name:      req.Name,
		TokenHash: platform.HashToken(token),
		Status:    model.NodeStatusPending,
		CPUMillis: req.CPUMillis,
		MemoryMB:  req.MemoryMB,
	}
	if err := h.svc.Register(r.Context(), node); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, map[string]any{
		"node":  node,
		"token": token,
	})
}

func (h *Node) List(w http.ResponseWriter, r *http.Request) {
	pg := request.ParsePagination(r)
	nodes, hasMore, err := h.svc.List(r.Context(), pg.Limit, pg.Cursor)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(nodes) > 0 {
		nextCursor = nodes[len(nodes)-1].UUID
	}
	response.WritePaginated(w, http.StatusOK, nodes, nextCursor, hasMore)
}

func (h *Node) Get(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "node not found")
		return
	}
	response.WriteJSON(w, http.StatusOK, node)
}

// RotateToken replaces the node's bearer token and returns the new
// plaintext once. The node's current session keeps working until it
// reconnects.
func (h *Node) RotateToken(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "node not found")
		return
	}

	token := platform.NewToken()
	if err := h.svc.RotateToken(r.Context(), node.ID, platform.HashToken(token)); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Decommission tears the node down: teardown tasks for each application
// are queued durably, then the node row is removed.
func (h *Node) Decommission(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "node not found")
		return
	}
	if err := h.svc.Decommission(r.Context(), node); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Containers serves the node's last reported container list and asks the
// agent for a fresh one in the background.
func (h *Node) Containers(w http.ResponseWriter, r *http.Request) {
	uuid, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "node not found")
		return
	}

	containers, err := h.services.Containers.ListByNode(r.Context(), node.ID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	// Refresh request; the read model catches up when the agent answers.
	_ = h.services.Dispatcher.Enqueue(r.Context(), node.ID, model.TaskTypeContainerList, nil)

	response.WriteJSON(w, http.StatusOK, containers)
}

// ContainerAction returns a handler that queues one container command.
func (h *Node) ContainerAction(taskType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		containerID, err := request.RequireID(chi.URLParam(r, "containerID"))
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		node, err := h.svc.GetByUUID(r.Context(), uuid)
		if err != nil {
			response.WriteError(w, http.StatusNotFound, "node not found")
			return
		}

		payload, _ := json.Marshal(map[string]string{"container_id": containerID})
		if err := h.services.Dispatcher.Enqueue(r.Context(), node.ID, taskType, payload); err != nil {
			response.WriteServiceError(w, err)
			return
		}
		response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

// ContainerLogs streams container log output relayed from the node's live
// session. Only the process holding sessions can serve it.
func (h *Node) ContainerLogs(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		response.WriteError(w, http.StatusNotImplemented, "log streaming is not available on this instance")
		return
	}

	uuid, err := request.RequireID(chi.URLParam(r, "nodeUUID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	containerID, err := request.RequireID(chi.URLParam(r, "containerID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.svc.GetByUUID(r.Context(), uuid)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, "node not found")
		return
	}

	ch, cancel := h.relay.Subscribe(containerID)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"container_id": containerID})
	if err := h.services.Dispatcher.Enqueue(r.Context(), node.ID, model.TaskTypeContainerLogs, payload); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case chunk := <-ch:
			if _, err := w.Write([]byte(chunk.Data)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if chunk.Done {
				return
			}
		case <-timeout.C:
			return
		case <-r.Context().Done():
			return
		}
	}
}
