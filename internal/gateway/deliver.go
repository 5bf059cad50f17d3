package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/model"
)

// Deliverer moves tasks onto live sessions. It is this process's
// core.LivePusher and also runs the periodic poller that bridges tasks
// written by stateless workers to the sessions held here.
type Deliverer struct {
	registry    *Registry
	tasks       *core.TaskService
	deployments *core.DeploymentService
	metrics     *Metrics
	interval    time.Duration
	logger      zerolog.Logger
}

func NewDeliverer(registry *Registry, tasks *core.TaskService, deployments *core.DeploymentService,
	metrics *Metrics, interval time.Duration, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		registry:    registry,
		tasks:       tasks,
		deployments: deployments,
		metrics:     metrics,
		interval:    interval,
		logger:      logger.With().Str("component", "deliverer").Logger(),
	}
}

// Push implements core.LivePusher: hand one task straight to the node's
// session, bypassing the store, or report that no session exists here.
func (d *Deliverer) Push(ctx context.Context, nodeID int64, taskType string, payload json.RawMessage) error {
	sess, ok := d.registry.Get(nodeID)
	if !ok {
		return core.ErrNoSession
	}
	if err := sess.SendRaw(ctx, taskType, payload); err != nil {
		d.countPushFailure()
		return fmt.Errorf("push %q to node %d: %w", taskType, nodeID, err)
	}
	d.countDelivered("push")
	d.afterHandoff(ctx, taskType, payload)
	return nil
}

// FlushNode drains the node's stored tasks onto its live session in
// creation order. A failed write stops the flush and keeps the remaining
// rows; the next flush or poll retries them.
func (d *Deliverer) FlushNode(ctx context.Context, nodeID int64) error {
	sess, ok := d.registry.Get(nodeID)
	if !ok {
		return core.ErrNoSession
	}
	pending, err := d.tasks.PendingForNode(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, task := range pending {
		if err := d.deliver(ctx, sess, task, "flush"); err != nil {
			return err
		}
	}
	return nil
}

// RunPoller wakes every interval and delivers stored tasks addressed to any
// node connected to this process. It returns only when the context ends.
func (d *Deliverer) RunPoller(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Deliverer) pollOnce(ctx context.Context) {
	ids := d.registry.NodeIDs()
	if len(ids) == 0 {
		return
	}
	pending, err := d.tasks.PendingForNodes(ctx, ids)
	if err != nil {
		d.logger.Error().Err(err).Msg("poll for pending tasks failed")
		return
	}
	for _, task := range pending {
		sess, ok := d.registry.Get(task.NodeID)
		if !ok {
			continue
		}
		if err := d.deliver(ctx, sess, task, "poll"); err != nil {
			d.logger.Warn().Err(err).Int64("task_id", task.ID).Int64("node_id", task.NodeID).
				Msg("task delivery failed, row kept for retry")
		}
	}
}

// deliver writes one stored task to the session and deletes the row only
// after the write succeeded. Hand-off means written to the socket, nothing
// stronger; node-side handlers are idempotent.
func (d *Deliverer) deliver(ctx context.Context, sess *Session, task model.Task, path string) error {
	if err := sess.SendRaw(ctx, task.Type, task.Payload); err != nil {
		d.countPushFailure()
		return fmt.Errorf("write task %d to node %d: %w", task.ID, task.NodeID, err)
	}
	if err := d.tasks.Delete(ctx, task.ID); err != nil {
		// The node may see this task again after the next poll. Harmless,
		// delivery is at-least-once.
		d.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("delivered task row not deleted")
	}
	d.countDelivered(path)
	d.afterHandoff(ctx, task.Type, task.Payload)
	return nil
}

// afterHandoff reacts to a command reaching the wire. A deploy command on
// the socket is what moves its deployment from queued to deploying.
func (d *Deliverer) afterHandoff(ctx context.Context, taskType string, payload json.RawMessage) {
	if taskType != model.TaskTypeDeploy || d.deployments == nil {
		return
	}
	var ref deployTaskRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.DeploymentUUID == "" {
		return
	}
	if err := d.deployments.MarkDeploying(ctx, ref.DeploymentUUID); err != nil {
		d.logger.Warn().Err(err).Str("deployment", ref.DeploymentUUID).Msg("failed to mark deployment deploying")
	}
}

func (d *Deliverer) countDelivered(path string) {
	if d.metrics != nil {
		d.metrics.TasksDelivered.WithLabelValues(path).Inc()
	}
}

func (d *Deliverer) countPushFailure() {
	if d.metrics != nil {
		d.metrics.PushFailures.Inc()
	}
}
