package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Sender writes one envelope back to the control plane.
type Sender interface {
	Send(ctx context.Context, msgType string, payload any) error
}

// Task types as they arrive on the wire.
const (
	taskDeploy            = "deploy"
	taskDeployCancel      = "deploy:cancel"
	taskApplicationDelete = "application:delete"
	taskContainerStop     = "container:stop"
	taskContainerStart    = "container:start"
	taskContainerRestart  = "container:restart"
	taskContainerRemove   = "container:remove"
	taskContainerList     = "container:list"
	taskContainerLogs     = "container:logs"
)

type deployPayload struct {
	DeploymentUUID  string            `json:"deployment_uuid"`
	ApplicationUUID string            `json:"application_uuid"`
	Name            string            `json:"name"`
	Image           string            `json:"image"`
	Env             map[string]string `json:"env"`
	Ports           []int             `json:"ports"`
	CommitSHA       *string           `json:"commit_sha"`
}

type deploymentRef struct {
	DeploymentUUID string `json:"deployment_uuid"`
}

type applicationDeletePayload struct {
	ApplicationUUID string  `json:"application_uuid"`
	Name            string  `json:"name"`
	ContainerID     *string `json:"container_id"`
}

type containerRef struct {
	ContainerID string `json:"container_id"`
}

// Runner executes control-plane commands against the local container
// runtime. Commands arrive at least once; every handler converges rather
// than assuming first delivery.
type Runner struct {
	runtime Runtime
	logger  zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // in-flight deploys by deployment uuid
}

func NewRunner(runtime Runtime, logger zerolog.Logger) *Runner {
	return &Runner{
		runtime: runtime,
		logger:  logger.With().Str("component", "runner").Logger(),
		active:  map[string]context.CancelFunc{},
	}
}

// Handle executes one command. Errors are reported to the control plane,
// not returned; a bad task must never tear the session down.
func (r *Runner) Handle(ctx context.Context, sender Sender, taskType string, payload json.RawMessage) {
	switch taskType {
	case taskDeploy:
		r.handleDeploy(ctx, sender, payload)
	case taskDeployCancel:
		r.handleDeployCancel(payload)
	case taskApplicationDelete:
		r.handleApplicationDelete(ctx, payload)
	case taskContainerStop:
		r.containerOp(ctx, payload, r.runtime.Stop)
	case taskContainerStart:
		r.containerOp(ctx, payload, r.runtime.Start)
	case taskContainerRestart:
		r.containerOp(ctx, payload, r.runtime.Restart)
	case taskContainerRemove:
		r.containerOp(ctx, payload, r.runtime.Remove)
	case taskContainerList:
		r.handleContainerList(ctx, sender)
	case taskContainerLogs:
		r.handleContainerLogs(ctx, sender, payload)
	default:
		r.logger.Warn().Str("task_type", taskType).Msg("unknown task type ignored")
	}
}

func (r *Runner) handleDeploy(ctx context.Context, sender Sender, payload json.RawMessage) {
	var p deployPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.DeploymentUUID == "" {
		r.logger.Error().Err(err).Msg("malformed deploy payload")
		return
	}

	_ = sender.Send(ctx, "task:ack", map[string]string{
		"deployment_uuid": p.DeploymentUUID,
		"task_type":       taskDeploy,
	})

	deployCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.active[p.DeploymentUUID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, p.DeploymentUUID)
		r.mu.Unlock()
	}()

	log := func(line string) {
		_ = sender.Send(ctx, "task:log", map[string]string{
			"deployment_uuid": p.DeploymentUUID,
			"stream":          "stdout",
			"line":            line,
		})
	}

	log("pulling image " + p.Image)
	log("starting container " + p.Name)
	containerID, err := r.runtime.Deploy(deployCtx, DeploySpec{
		Name:  p.Name,
		Image: p.Image,
		Env:   p.Env,
		Ports: p.Ports,
	})
	if err != nil {
		_ = sender.Send(ctx, "task:failed", map[string]string{
			"deployment_uuid": p.DeploymentUUID,
			"error":           err.Error(),
		})
		return
	}

	_ = sender.Send(ctx, "task:complete", map[string]string{
		"deployment_uuid": p.DeploymentUUID,
		"container_id":    containerID,
	})
}

// handleDeployCancel aborts the matching in-flight deploy, if this agent
// still has one. A cancel arriving after completion is a no-op.
func (r *Runner) handleDeployCancel(payload json.RawMessage) {
	var ref deploymentRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.DeploymentUUID == "" {
		return
	}
	r.mu.Lock()
	cancel, ok := r.active[ref.DeploymentUUID]
	r.mu.Unlock()
	if ok {
		r.logger.Info().Str("deployment", ref.DeploymentUUID).Msg("cancelling in-flight deploy")
		cancel()
	}
}

func (r *Runner) handleApplicationDelete(ctx context.Context, payload json.RawMessage) {
	var p applicationDeletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.logger.Error().Err(err).Msg("malformed application:delete payload")
		return
	}
	var err error
	switch {
	case p.ContainerID != nil && *p.ContainerID != "":
		err = r.runtime.Remove(ctx, *p.ContainerID)
	case p.Name != "":
		err = r.runtime.RemoveByName(ctx, p.Name)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("application", p.ApplicationUUID).Msg("application teardown failed")
	}
}

func (r *Runner) containerOp(ctx context.Context, payload json.RawMessage, op func(context.Context, string) error) {
	var ref containerRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ContainerID == "" {
		r.logger.Error().Err(err).Msg("malformed container payload")
		return
	}
	if err := op(ctx, ref.ContainerID); err != nil {
		r.logger.Error().Err(err).Str("container", ref.ContainerID).Msg("container operation failed")
	}
}

func (r *Runner) handleContainerList(ctx context.Context, sender Sender) {
	containers, err := r.runtime.List(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("container list failed")
		return
	}
	entries := make([]map[string]string, 0, len(containers))
	for _, c := range containers {
		entries = append(entries, map[string]string{
			"container_id": c.ContainerID,
			"name":         c.Name,
			"image":        c.Image,
			"state":        c.State,
		})
	}
	_ = sender.Send(ctx, "container:list:response", map[string]any{"containers": entries})
}

func (r *Runner) handleContainerLogs(ctx context.Context, sender Sender, payload json.RawMessage) {
	var ref containerRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ContainerID == "" {
		r.logger.Error().Err(err).Msg("malformed container:logs payload")
		return
	}

	err := r.runtime.Logs(ctx, ref.ContainerID, func(line string) {
		_ = sender.Send(ctx, "container:logs:stream", map[string]any{
			"container_id": ref.ContainerID,
			"chunk":        line + "\n",
		})
	})
	if err != nil {
		r.logger.Error().Err(err).Str("container", ref.ContainerID).Msg("container logs failed")
	}
	_ = sender.Send(ctx, "container:logs:response", map[string]any{
		"container_id": ref.ContainerID,
		"chunk":        "",
		"done":         true,
	})
}
