package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chap-sh/chap/internal/api/handler"
	mw "github.com/chap-sh/chap/internal/api/middleware"
	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/gateway"
	"github.com/chap-sh/chap/internal/model"
)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	services *core.Services
	pool     *pgxpool.Pool
	gateway  *gateway.Handler
	relay    *gateway.LogRelay
}

// NewServer assembles the operator API. gw and relay are nil on stateless
// instances; the agent endpoint and container log streaming are then not
// served.
func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, services *core.Services, gw *gateway.Handler, relay *gateway.LogRelay) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		services: services,
		pool:     pool,
		gateway:  gw,
		relay:    relay,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	// Agents authenticate inside the websocket handshake, not with an
	// API key, so the endpoint sits outside /api/v1.
	if s.gateway != nil {
		s.router.Get("/agent/ws", s.gateway.Connect)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(s.services.APIKeys))

		node := handler.NewNode(s.services, s.relay)
		r.Get("/nodes", node.List)
		r.Post("/nodes", node.Register)
		r.Get("/nodes/{nodeUUID}", node.Get)
		r.Post("/nodes/{nodeUUID}/token", node.RotateToken)
		r.Delete("/nodes/{nodeUUID}", node.Decommission)

		r.Get("/nodes/{nodeUUID}/containers", node.Containers)
		r.Post("/nodes/{nodeUUID}/containers/{containerID}/stop", node.ContainerAction(model.TaskTypeContainerStop))
		r.Post("/nodes/{nodeUUID}/containers/{containerID}/start", node.ContainerAction(model.TaskTypeContainerStart))
		r.Post("/nodes/{nodeUUID}/containers/{containerID}/restart", node.ContainerAction(model.TaskTypeContainerRestart))
		r.Delete("/nodes/{nodeUUID}/containers/{containerID}", node.ContainerAction(model.TaskTypeContainerRemove))
		r.Get("/nodes/{nodeUUID}/containers/{containerID}/logs", node.ContainerLogs)

		app := handler.NewApplication(s.services)
		r.Get("/nodes/{nodeUUID}/applications", app.ListByNode)
		r.Post("/nodes/{nodeUUID}/applications", app.Create)
		r.Get("/applications/{appUUID}", app.Get)
		r.Delete("/applications/{appUUID}", app.Delete)

		deployment := handler.NewDeployment(s.services)
		r.Get("/applications/{appUUID}/deployments", deployment.ListByApplication)
		r.Post("/applications/{appUUID}/deployments", deployment.Create)
		r.Get("/deployments/{deploymentUUID}", deployment.Get)
		r.Post("/deployments/{deploymentUUID}/cancel", deployment.Cancel)
		r.Post("/deployments/{deploymentUUID}/rollback", deployment.Rollback)
		r.Get("/deployments/{deploymentUUID}/logs", deployment.Logs)

		apiKey := handler.NewAPIKey(s.services)
		r.Post("/api-keys", apiKey.Create)
		r.Delete("/api-keys/{keyID}", apiKey.Revoke)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
