package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chap-sh/chap/internal/model"
)

type NodeService struct {
	db         DB
	dispatcher *Dispatcher
}

func NewNodeService(db DB, dispatcher *Dispatcher) *NodeService {
	return &NodeService{db: db, dispatcher: dispatcher}
}

func (s *NodeService) Register(ctx context.Context, node *model.Node) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO nodes (uuid, name, token_hash, status, cpu_millis, memory_mb, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 RETURNING id, created_at, updated_at`,
		node.UUID, node.Name, node.TokenHash, node.Status, node.CPUMillis, node.MemoryMB,
	).Scan(&node.ID, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("register node %s: %w", node.Name, err)
	}
	return nil
}

const nodeColumns = `id, uuid, name, token_hash, status, last_seen_at, agent_version, system_info, metrics, cpu_millis, memory_mb, created_at, updated_at`

func (s *NodeService) GetByUUID(ctx context.Context, uuid string) (*model.Node, error) {
	var n model.Node
	err := s.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE uuid = $1`, uuid,
	).Scan(&n.ID, &n.UUID, &n.Name, &n.TokenHash, &n.Status, &n.LastSeenAt, &n.AgentVersion,
		&n.SystemInfo, &n.Metrics, &n.CPUMillis, &n.MemoryMB, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", uuid, err)
	}
	return &n, nil
}

func (s *NodeService) GetByID(ctx context.Context, id int64) (*model.Node, error) {
	var n model.Node
	err := s.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id,
	).Scan(&n.ID, &n.UUID, &n.Name, &n.TokenHash, &n.Status, &n.LastSeenAt, &n.AgentVersion,
		&n.SystemInfo, &n.Metrics, &n.CPUMillis, &n.MemoryMB, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	return &n, nil
}

// AuthenticateToken resolves a bearer token hash to its node. The caller
// must not surface whether the token was malformed or simply unknown.
func (s *NodeService) AuthenticateToken(ctx context.Context, tokenHash string) (*model.Node, error) {
	var n model.Node
	err := s.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE token_hash = $1`, tokenHash,
	).Scan(&n.ID, &n.UUID, &n.Name, &n.TokenHash, &n.Status, &n.LastSeenAt, &n.AgentVersion,
		&n.SystemInfo, &n.Metrics, &n.CPUMillis, &n.MemoryMB, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("authenticate node token: %w", err)
	}
	return &n, nil
}

func (s *NodeService) List(ctx context.Context, limit int, cursor string) ([]model.Node, bool, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	args := []any{}
	if cursor != "" {
		query += ` WHERE uuid > $1`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY uuid LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.UUID, &n.Name, &n.TokenHash, &n.Status, &n.LastSeenAt,
			&n.AgentVersion, &n.SystemInfo, &n.Metrics, &n.CPUMillis, &n.MemoryMB, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate nodes: %w", err)
	}

	hasMore := len(nodes) > limit
	if hasMore {
		nodes = nodes[:limit]
	}
	return nodes, hasMore, nil
}

// RotateToken replaces the node's bearer token hash.
func (s *NodeService) RotateToken(ctx context.Context, id int64, tokenHash string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE nodes SET token_hash = $1, updated_at = now() WHERE id = $2`, tokenHash, id)
	if err != nil {
		return fmt.Errorf("rotate token for node %d: %w", id, err)
	}
	return nil
}

// Touch records node activity: refreshes last_seen_at and flips the node
// online if it is not already.
func (s *NodeService) Touch(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE nodes SET last_seen_at = now(), status = $1, updated_at = now() WHERE id = $2`,
		model.NodeStatusOnline, id)
	if err != nil {
		return fmt.Errorf("touch node %d: %w", id, err)
	}
	return nil
}

func (s *NodeService) MarkOffline(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE nodes SET status = $1, updated_at = now() WHERE id = $2`,
		model.NodeStatusOffline, id)
	if err != nil {
		return fmt.Errorf("mark node %d offline: %w", id, err)
	}
	return nil
}

func (s *NodeService) RecordSystemInfo(ctx context.Context, id int64, agentVersion string, info json.RawMessage) error {
	_, err := s.db.Exec(ctx,
		`UPDATE nodes SET agent_version = $1, system_info = $2, updated_at = now() WHERE id = $3`,
		agentVersion, info, id)
	if err != nil {
		return fmt.Errorf("record system info for node %d: %w", id, err)
	}
	return nil
}

func (s *NodeService) RecordMetrics(ctx context.Context, id int64, metrics json.RawMessage) error {
	_, err := s.db.Exec(ctx,
		`UPDATE nodes SET metrics = $1, updated_at = now() WHERE id = $2`, metrics, id)
	if err != nil {
		return fmt.Errorf("record metrics for node %d: %w", id, err)
	}
	return nil
}

// StaleOnline returns nodes still recorded online whose last activity is
// older than the cutoff. The liveness sweep uses this to catch nodes whose
// disconnect event never reached the server.
func (s *NodeService) StaleOnline(ctx context.Context, cutoff time.Time) ([]model.Node, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE status = $1 AND (last_seen_at IS NULL OR last_seen_at < $2)`,
		model.NodeStatusOnline, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.UUID, &n.Name, &n.TokenHash, &n.Status, &n.LastSeenAt,
			&n.AgentVersion, &n.SystemInfo, &n.Metrics, &n.CPUMillis, &n.MemoryMB, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale nodes: %w", err)
	}
	return nodes, nil
}

// Decommission tears down a node: every application on it gets an
// application:delete task (durable, so a disconnected node still receives
// them on reconnect), then the node row is removed.
func (s *NodeService) Decommission(ctx context.Context, node *model.Node) error {
	rows, err := s.db.Query(ctx,
		`SELECT uuid, container_id FROM applications WHERE node_id = $1`, node.ID)
	if err != nil {
		return fmt.Errorf("list applications for node %d: %w", node.ID, err)
	}
	defer rows.Close()

	type appRef struct {
		uuid        string
		containerID *string
	}
	var apps []appRef
	for rows.Next() {
		var a appRef
		if err := rows.Scan(&a.uuid, &a.containerID); err != nil {
			return fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applications: %w", err)
	}

	for _, a := range apps {
		payload, _ := json.Marshal(map[string]any{
			"application_uuid": a.uuid,
			"container_id":     a.containerID,
		})
		if err := s.dispatcher.Enqueue(ctx, node.ID, model.TaskTypeApplicationDelete, payload); err != nil {
			return fmt.Errorf("enqueue teardown for application %s: %w", a.uuid, err)
		}
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, node.ID); err != nil {
		return fmt.Errorf("delete node %d: %w", node.ID, err)
	}
	return nil
}
