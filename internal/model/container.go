package model

import "time"

// Container is a denormalized read-model row built from agent-reported
// container lists. It never drives the deployment state machine.
type Container struct {
	ID          int64     `json:"-" db:"id"`
	NodeID      int64     `json:"-" db:"node_id"`
	ContainerID string    `json:"container_id" db:"container_id"`
	Name        string    `json:"name" db:"name"`
	Image       string    `json:"image" db:"image"`
	State       string    `json:"state" db:"state"`
	ReportedAt  time.Time `json:"reported_at" db:"reported_at"`
}
