package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chap-sh/chap/internal/model"
)

// TaskService is the durable task queue backing cross-process delivery.
// Rows are immutable after Enqueue and removed only by Delete, which the
// dispatcher calls after a successful socket hand-off.
type TaskService struct {
	db DB
}

func NewTaskService(db DB) *TaskService {
	return &TaskService{db: db}
}

func (s *TaskService) Enqueue(ctx context.Context, nodeID int64, taskType string, payload json.RawMessage) (*model.Task, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	t := &model.Task{NodeID: nodeID, Type: taskType, Payload: payload}
	err := s.db.QueryRow(ctx,
		`INSERT INTO tasks (node_id, type, payload, created_at)
		 VALUES ($1, $2, $3, now())
		 RETURNING id, created_at`,
		nodeID, taskType, payload,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue task %q for node %d: %w", taskType, nodeID, err)
	}
	return t, nil
}

// PendingForNode returns a node's queued tasks in creation order.
func (s *TaskService) PendingForNode(ctx context.Context, nodeID int64) ([]model.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, node_id, type, payload, created_at
		 FROM tasks WHERE node_id = $1
		 ORDER BY created_at, id`, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks for node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.NodeID, &t.Type, &t.Payload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// PendingForNodes returns queued tasks for any of the given nodes, in
// creation order. The poller calls this with the ids of currently connected
// sessions.
func (s *TaskService) PendingForNodes(ctx context.Context, nodeIDs []int64) ([]model.Task, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, node_id, type, payload, created_at
		 FROM tasks WHERE node_id = ANY($1)
		 ORDER BY created_at, id`, nodeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliverable tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.NodeID, &t.Type, &t.Payload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskService) Delete(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

// HasPendingContainerTask reports whether a queued task of the given type
// already targets the container. The maintenance orphan sweep uses this to
// avoid queueing duplicates.
func (s *TaskService) HasPendingContainerTask(ctx context.Context, nodeID int64, taskType, containerID string) (bool, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks
		 WHERE node_id = $1 AND type = $2 AND payload->>'container_id' = $3`,
		nodeID, taskType, containerID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pending %s task for container %s: %w", taskType, containerID, err)
	}
	return count > 0, nil
}

// CountPending returns the number of queued tasks across all nodes.
func (s *TaskService) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", err)
	}
	return count, nil
}
