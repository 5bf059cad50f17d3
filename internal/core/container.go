package core

import (
	"context"
	"fmt"

	"github.com/chap-sh/chap/internal/model"
)

// ContainerService maintains the per-node container inventory reported by
// agents. The rows are a read model: each sync replaces the node's snapshot
// wholesale.
type ContainerService struct {
	db DB
}

func NewContainerService(db DB) *ContainerService {
	return &ContainerService{db: db}
}

// SyncList replaces the stored container snapshot for a node with the list
// the agent just reported.
func (s *ContainerService) SyncList(ctx context.Context, nodeID int64, containers []model.Container) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM containers WHERE node_id = $1`, nodeID); err != nil {
		return fmt.Errorf("clear containers for node %d: %w", nodeID, err)
	}
	for _, c := range containers {
		_, err := s.db.Exec(ctx,
			`INSERT INTO containers (node_id, container_id, name, image, state, reported_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			nodeID, c.ContainerID, c.Name, c.Image, c.State)
		if err != nil {
			return fmt.Errorf("record container %s on node %d: %w", c.ContainerID, nodeID, err)
		}
	}
	return nil
}

func (s *ContainerService) ListByNode(ctx context.Context, nodeID int64) ([]model.Container, error) {
	rows, err := s.db.Query(ctx,
		`SELECT node_id, container_id, name, image, state, reported_at FROM containers
		 WHERE node_id = $1 ORDER BY name`, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list containers for node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var containers []model.Container
	for rows.Next() {
		var c model.Container
		if err := rows.Scan(&c.NodeID, &c.ContainerID, &c.Name, &c.Image, &c.State, &c.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		containers = append(containers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containers: %w", err)
	}
	return containers, nil
}

// Orphans returns containers whose name matches no application on their
// node. These are leftovers from deleted applications or crashed deploys.
func (s *ContainerService) Orphans(ctx context.Context) ([]model.Container, error) {
	rows, err := s.db.Query(ctx,
		`SELECT c.node_id, c.container_id, c.name, c.image, c.state, c.reported_at
		 FROM containers c
		 LEFT JOIN applications a ON a.node_id = c.node_id AND a.name = c.name
		 WHERE a.id IS NULL ORDER BY c.node_id, c.name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned containers: %w", err)
	}
	defer rows.Close()

	var containers []model.Container
	for rows.Next() {
		var c model.Container
		if err := rows.Scan(&c.NodeID, &c.ContainerID, &c.Name, &c.Image, &c.State, &c.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		containers = append(containers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containers: %w", err)
	}
	return containers, nil
}
