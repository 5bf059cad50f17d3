package model

import (
	"encoding/json"
	"time"
)

type Application struct {
	ID          int64           `json:"-" db:"id"`
	UUID        string          `json:"uuid" db:"uuid"`
	NodeID      int64           `json:"-" db:"node_id"`
	Name        string          `json:"name" db:"name"`
	Image       string          `json:"image" db:"image"`
	Env         json.RawMessage `json:"env,omitempty" db:"env"`
	CPUMillis   int64           `json:"cpu_millis" db:"cpu_millis"`
	MemoryMB    int64           `json:"memory_mb" db:"memory_mb"`
	PortCount   int             `json:"port_count" db:"port_count"`
	ContainerID *string         `json:"container_id,omitempty" db:"container_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
