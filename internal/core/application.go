package core

import (
	"context"
	"fmt"

	"github.com/chap-sh/chap/internal/model"
)

type ApplicationService struct {
	db DB
}

func NewApplicationService(db DB) *ApplicationService {
	return &ApplicationService{db: db}
}

const applicationColumns = `id, uuid, node_id, name, image, env, cpu_millis, memory_mb, port_count, container_id, created_at, updated_at`

func (s *ApplicationService) Create(ctx context.Context, app *model.Application) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO applications (uuid, node_id, name, image, env, cpu_millis, memory_mb, port_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 RETURNING id, created_at, updated_at`,
		app.UUID, app.NodeID, app.Name, app.Image, app.Env, app.CPUMillis, app.MemoryMB, app.PortCount,
	).Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create application %s: %w", app.Name, err)
	}
	return nil
}

func (s *ApplicationService) GetByUUID(ctx context.Context, uuid string) (*model.Application, error) {
	var a model.Application
	err := s.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE uuid = $1`, uuid,
	).Scan(&a.ID, &a.UUID, &a.NodeID, &a.Name, &a.Image, &a.Env, &a.CPUMillis, &a.MemoryMB,
		&a.PortCount, &a.ContainerID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", uuid, err)
	}
	return &a, nil
}

func (s *ApplicationService) GetByID(ctx context.Context, id int64) (*model.Application, error) {
	var a model.Application
	err := s.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id,
	).Scan(&a.ID, &a.UUID, &a.NodeID, &a.Name, &a.Image, &a.Env, &a.CPUMillis, &a.MemoryMB,
		&a.PortCount, &a.ContainerID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get application %d: %w", id, err)
	}
	return &a, nil
}

func (s *ApplicationService) ListByNode(ctx context.Context, nodeID int64) ([]model.Application, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE node_id = $1 ORDER BY created_at`, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list applications for node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		var a model.Application
		if err := rows.Scan(&a.ID, &a.UUID, &a.NodeID, &a.Name, &a.Image, &a.Env, &a.CPUMillis,
			&a.MemoryMB, &a.PortCount, &a.ContainerID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return apps, nil
}

// SetContainer records the container identity a completed deployment
// produced for the application.
func (s *ApplicationService) SetContainer(ctx context.Context, id int64, containerID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE applications SET container_id = $1, updated_at = now() WHERE id = $2`, containerID, id)
	if err != nil {
		return fmt.Errorf("set container for application %d: %w", id, err)
	}
	return nil
}

func (s *ApplicationService) Delete(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete application %d: %w", id, err)
	}
	return nil
}
