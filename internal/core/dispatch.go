package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Dispatcher delivers a command to a node by whichever path is available:
// directly over a live session held by this process, or durably through the
// task store for a later poll or reconnect flush. Enqueue never fails
// because the target node is offline.
type Dispatcher struct {
	tasks  *TaskService
	live   LivePusher
	logger zerolog.Logger
}

func NewDispatcher(tasks *TaskService, live LivePusher, logger zerolog.Logger) *Dispatcher {
	if live == nil {
		live = NoLive{}
	}
	return &Dispatcher{
		tasks:  tasks,
		live:   live,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Enqueue hands the task to a live session if this process holds one for the
// node; otherwise it writes a task row. A live push that fails mid-write
// falls back to the store so the command is never lost.
func (d *Dispatcher) Enqueue(ctx context.Context, nodeID int64, taskType string, payload json.RawMessage) error {
	err := d.live.Push(ctx, nodeID, taskType, payload)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoSession) {
		d.logger.Warn().Err(err).Int64("node_id", nodeID).Str("task_type", taskType).
			Msg("live push failed, falling back to task store")
	}

	if _, err := d.tasks.Enqueue(ctx, nodeID, taskType, payload); err != nil {
		return fmt.Errorf("dispatch %q to node %d: %w", taskType, nodeID, err)
	}
	return nil
}
