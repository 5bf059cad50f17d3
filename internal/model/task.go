package model

import (
	"encoding/json"
	"time"
)

// Task types dispatched to node agents. The wire envelope's type field
// carries the task type itself.
const (
	TaskTypeDeploy            = "deploy"
	TaskTypeDeployCancel      = "deploy:cancel"
	TaskTypeApplicationDelete = "application:delete"
	TaskTypeContainerStop     = "container:stop"
	TaskTypeContainerStart    = "container:start"
	TaskTypeContainerRestart  = "container:restart"
	TaskTypeContainerRemove   = "container:remove"
	TaskTypeContainerList     = "container:list"
	TaskTypeContainerLogs     = "container:logs"
)

// Task is a durable, at-least-once command addressed to a node. Rows are
// immutable after creation and deleted only once handed to a live session.
type Task struct {
	ID        int64           `json:"id" db:"id"`
	NodeID    int64           `json:"node_id" db:"node_id"`
	Type      string          `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
