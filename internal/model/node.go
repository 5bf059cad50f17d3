package model

import (
	"encoding/json"
	"time"
)

// Node statuses. A node is created pending and flips online on its first
// successful authentication or heartbeat.
const (
	NodeStatusPending = "pending"
	NodeStatusOnline  = "online"
	NodeStatusOffline = "offline"
	NodeStatusError   = "error"
)

type Node struct {
	ID           int64           `json:"-" db:"id"`
	UUID         string          `json:"uuid" db:"uuid"`
	Name         string          `json:"name" db:"name"`
	TokenHash    string          `json:"-" db:"token_hash"`
	Status       string          `json:"status" db:"status"`
	LastSeenAt   *time.Time      `json:"last_seen_at,omitempty" db:"last_seen_at"`
	AgentVersion *string         `json:"agent_version,omitempty" db:"agent_version"`
	SystemInfo   json.RawMessage `json:"system_info,omitempty" db:"system_info"`
	Metrics      json.RawMessage `json:"metrics,omitempty" db:"metrics"`
	CPUMillis    int64           `json:"cpu_millis" db:"cpu_millis"`
	MemoryMB     int64           `json:"memory_mb" db:"memory_mb"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
