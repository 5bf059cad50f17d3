// Package gateway holds the node-facing websocket side of the control
// plane: session registry, auth handshake, task delivery, and event ingest.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/coder/websocket"
)

// Envelope is the wire format for every node ⇄ control plane message. Task
// commands reuse the task's own type as the envelope type.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// Message types consumed from nodes.
const (
	MsgNodeAuth              = "node:auth"
	MsgNodeSystemInfo        = "node:system_info"
	MsgNodeMetrics           = "node:metrics"
	MsgPing                  = "ping"
	MsgHeartbeat             = "heartbeat"
	MsgTaskAck               = "task:ack"
	MsgTaskLog               = "task:log"
	MsgTaskComplete          = "task:complete"
	MsgTaskFailed            = "task:failed"
	MsgContainerListResponse = "container:list:response"
	MsgContainerLogsStream   = "container:logs:stream"
	MsgContainerLogsResponse = "container:logs:response"
)

// Message types produced to nodes.
const (
	MsgAuthSuccess  = "server:auth:success"
	MsgAuthFailed   = "server:auth:failed"
	MsgServerAck    = "server:ack"
	MsgServerError  = "server:error"
	MsgPong         = "pong"
	MsgHeartbeatAck = "heartbeat:ack"
)

// Close codes in the private-use websocket range.
const (
	StatusAuthTimeout websocket.StatusCode = 4000
	StatusAuthFailed  websocket.StatusCode = 4001
	StatusSuperseded  websocket.StatusCode = 4002
)

type authPayload struct {
	Token        string `json:"token"`
	AgentVersion string `json:"agent_version,omitempty"`
}

type authSuccessPayload struct {
	NodeUUID string `json:"node_uuid"`
	Name     string `json:"name"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type taskAckPayload struct {
	DeploymentUUID string `json:"deployment_uuid"`
	TaskType       string `json:"task_type,omitempty"`
}

type taskLogPayload struct {
	DeploymentUUID string `json:"deployment_uuid"`
	Stream         string `json:"stream"`
	Line           string `json:"line"`
}

type taskCompletePayload struct {
	DeploymentUUID string `json:"deployment_uuid"`
	ContainerID    string `json:"container_id,omitempty"`
}

type taskFailedPayload struct {
	DeploymentUUID string `json:"deployment_uuid"`
	Error          string `json:"error"`
}

type systemInfoPayload struct {
	AgentVersion string          `json:"agent_version"`
	Info         json.RawMessage `json:"info"`
}

type containerEntry struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	State       string `json:"state"`
}

type containerListPayload struct {
	Containers []containerEntry `json:"containers"`
}

type containerLogsPayload struct {
	ContainerID string `json:"container_id"`
	Chunk       string `json:"chunk"`
	Done        bool   `json:"done,omitempty"`
}

// deployTaskRef is the slice of a deploy command payload the gateway needs
// to advance the deployment once the command is on the wire.
type deployTaskRef struct {
	DeploymentUUID string `json:"deployment_uuid"`
}

func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return json.Marshal(Envelope{Type: msgType, Payload: raw, Timestamp: &now})
}
