package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/model"
	"github.com/chap-sh/chap/internal/platform"
)

// Handler accepts agent websocket connections, runs the auth handshake,
// and routes every authenticated message to the owning service.
type Handler struct {
	registry   *Registry
	deliverer  *Deliverer
	services   *core.Services
	relay      *LogRelay
	metrics    *Metrics
	authWindow time.Duration
	logger     zerolog.Logger
}

func NewHandler(registry *Registry, deliverer *Deliverer, services *core.Services, relay *LogRelay,
	metrics *Metrics, authWindow time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		deliverer:  deliverer,
		services:   services,
		relay:      relay,
		metrics:    metrics,
		authWindow: authWindow,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}
}

// Connect upgrades to websocket and services the connection until it drops.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // agents connect from arbitrary origins
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{ws: ws}
	defer ws.CloseNow()

	h.Handle(r.Context(), conn)
}

// Handle runs the full session lifecycle over an accepted transport.
func (h *Handler) Handle(ctx context.Context, conn Conn) {
	sess, err := h.authenticate(ctx, conn)
	if err != nil {
		return
	}

	prev := h.registry.Bind(sess)
	if prev != nil {
		h.logger.Info().Str("node", sess.NodeUUID).Str("superseded_session", prev.ID).
			Msg("previous session superseded")
	}
	defer func() {
		// A superseded session must not mark the node offline behind the
		// session that replaced it.
		if h.registry.Detach(sess) {
			if err := h.services.Nodes.MarkOffline(context.WithoutCancel(ctx), sess.NodeID); err != nil {
				h.logger.Error().Err(err).Str("node", sess.NodeUUID).Msg("failed to mark node offline")
			}
		}
	}()

	if err := h.services.Nodes.Touch(ctx, sess.NodeID); err != nil {
		h.logger.Error().Err(err).Str("node", sess.NodeUUID).Msg("failed to mark node online")
	}
	if err := sess.Send(ctx, MsgAuthSuccess, authSuccessPayload{NodeUUID: sess.NodeUUID, Name: sess.NodeName}); err != nil {
		return
	}
	h.flush(ctx, sess)

	h.logger.Info().Str("node", sess.NodeUUID).Str("session", sess.ID).Msg("node connected")

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			h.logger.Info().Err(err).Str("node", sess.NodeUUID).Msg("node disconnected")
			return
		}
		h.dispatch(ctx, sess, data)
	}
}

// authenticate enforces the auth window: the first message must be a valid
// node:auth within the deadline or the connection closes with a code the
// agent can distinguish from a transport failure.
func (h *Handler) authenticate(ctx context.Context, conn Conn) (*Session, error) {
	authCtx, cancel := context.WithTimeout(ctx, h.authWindow)
	defer cancel()

	data, err := conn.Read(authCtx)
	if err != nil {
		h.countAuthFailure()
		_ = conn.Close(StatusAuthTimeout, "authentication timeout")
		return nil, fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != MsgNodeAuth {
		h.rejectAuth(ctx, conn)
		return nil, errors.New("first message was not node:auth")
	}
	var p authPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Token == "" {
		h.rejectAuth(ctx, conn)
		return nil, errors.New("malformed auth payload")
	}

	node, err := h.services.Nodes.AuthenticateToken(ctx, platform.HashToken(p.Token))
	if err != nil {
		// Same rejection for unknown and malformed tokens.
		h.rejectAuth(ctx, conn)
		return nil, fmt.Errorf("token rejected: %w", err)
	}

	return NewSession(conn, node.ID, node.UUID, node.Name), nil
}

func (h *Handler) rejectAuth(ctx context.Context, conn Conn) {
	h.countAuthFailure()
	if data, err := marshalEnvelope(MsgAuthFailed, errorPayload{Message: "authentication failed"}); err == nil {
		_ = conn.Write(ctx, data)
	}
	_ = conn.Close(StatusAuthFailed, "authentication failed")
}

func (h *Handler) dispatch(ctx context.Context, sess *Session, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.protocolError(ctx, sess, "malformed message")
		return
	}
	h.countMessage(env.Type)

	switch env.Type {
	case MsgPing:
		h.heartbeat(ctx, sess, MsgPong)
	case MsgHeartbeat:
		h.heartbeat(ctx, sess, MsgHeartbeatAck)

	case MsgNodeAuth:
		// Already authenticated; answer idempotently.
		_ = sess.Send(ctx, MsgAuthSuccess, authSuccessPayload{NodeUUID: sess.NodeUUID, Name: sess.NodeName})

	case MsgNodeSystemInfo:
		var p systemInfoPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.protocolError(ctx, sess, "malformed node:system_info payload")
			return
		}
		if err := h.services.Nodes.RecordSystemInfo(ctx, sess.NodeID, p.AgentVersion, p.Info); err != nil {
			h.logger.Error().Err(err).Str("node", sess.NodeUUID).Msg("failed to record system info")
			return
		}
		_ = sess.SendRaw(ctx, MsgServerAck, nil)

	case MsgNodeMetrics:
		if err := h.services.Nodes.RecordMetrics(ctx, sess.NodeID, env.Payload); err != nil {
			h.logger.Error().Err(err).Str("node", sess.NodeUUID).Msg("failed to record metrics")
		}

	case MsgTaskAck:
		var p taskAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.protocolError(ctx, sess, "malformed task:ack payload")
			return
		}
		h.deploymentEvent(sess, env.Type, h.services.Deployments.HandleAck(ctx, p.DeploymentUUID))

	case MsgTaskLog:
		var p taskLogPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.protocolError(ctx, sess, "malformed task:log payload")
			return
		}
		h.deploymentEvent(sess, env.Type, h.services.Deployments.HandleLog(ctx, p.DeploymentUUID, p.Stream, p.Line))

	case MsgTaskComplete:
		var p taskCompletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.protocolError(ctx, sess, "malformed task:complete payload")
			return
		}
		h.deploymentEvent(sess, env.Type, h.services.Deployments.HandleComplete(ctx, p.DeploymentUUID, p.ContainerID))

	case MsgTaskFailed:
		var p taskFailedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.protocolError(ctx, sess, "malformed task:failed payload")
			return
		}
		h.deploymentEvent(sess, env.Type, h.services.Deployments.HandleFailed(ctx, p.DeploymentUUID, p.Error))

	case MsgContainerListResponse:
		var p containerListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.protocolError(ctx, sess, "malformed container:list:response payload")
			return
		}
		containers := make([]model.Container, 0, len(p.Containers))
		for _, c := range p.Containers {
			containers = append(containers, model.Container{
				NodeID:      sess.NodeID,
				ContainerID: c.ContainerID,
				Name:        c.Name,
				Image:       c.Image,
				State:       c.State,
			})
		}
		if err := h.services.Containers.SyncList(ctx, sess.NodeID, containers); err != nil {
			h.logger.Error().Err(err).Str("node", sess.NodeUUID).Msg("failed to sync container list")
		}

	case MsgContainerLogsStream, MsgContainerLogsResponse:
		var p containerLogsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.protocolError(ctx, sess, "malformed container logs payload")
			return
		}
		if h.relay != nil {
			h.relay.Publish(LogChunk{ContainerID: p.ContainerID, Data: p.Chunk, Done: p.Done})
		}

	default:
		h.protocolError(ctx, sess, fmt.Sprintf("unrecognized message type %q", env.Type))
	}
}

// heartbeat services ping and heartbeat messages: refresh liveness, answer,
// and flush any stored tasks so a slow-polling node is not starved behind
// the poller interval.
func (h *Handler) heartbeat(ctx context.Context, sess *Session, replyType string) {
	if err := h.services.Nodes.Touch(ctx, sess.NodeID); err != nil {
		h.logger.Error().Err(err).Str("node", sess.NodeUUID).Msg("failed to record heartbeat")
	}
	_ = sess.SendRaw(ctx, replyType, nil)
	h.flush(ctx, sess)
}

func (h *Handler) flush(ctx context.Context, sess *Session) {
	if err := h.deliverer.FlushNode(ctx, sess.NodeID); err != nil && !errors.Is(err, core.ErrNoSession) {
		h.logger.Warn().Err(err).Str("node", sess.NodeUUID).Msg("task flush incomplete")
	}
}

// deploymentEvent logs the outcome of a node-reported deployment event.
// Late events against closed deployments are dropped by the state machine;
// that is expected traffic, not an error.
func (h *Handler) deploymentEvent(sess *Session, msgType string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, core.ErrDeploymentClosed):
		h.logger.Warn().Str("node", sess.NodeUUID).Str("type", msgType).Err(err).
			Msg("late deployment event dropped")
	default:
		h.logger.Error().Err(err).Str("node", sess.NodeUUID).Str("type", msgType).
			Msg("deployment event failed")
	}
}

func (h *Handler) protocolError(ctx context.Context, sess *Session, message string) {
	_ = sess.Send(ctx, MsgServerError, errorPayload{Message: message})
}

func (h *Handler) countMessage(msgType string) {
	if h.metrics != nil {
		h.metrics.Messages.WithLabelValues(msgType).Inc()
	}
}

func (h *Handler) countAuthFailure() {
	if h.metrics != nil {
		h.metrics.AuthFailures.Inc()
	}
}

// wsConn adapts *websocket.Conn to the session transport.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
