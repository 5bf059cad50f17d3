package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/chap-sh/chap/internal/model"
	"github.com/chap-sh/chap/internal/platform"
)

// DeploymentService owns the deployment lifecycle: the operator-triggered
// transitions (create, cancel, rollback) and the node-reported ones (ack,
// log, complete, failed). Deployment rows are mutated nowhere else.
type DeploymentService struct {
	db         DB
	dispatcher *Dispatcher
	apps       *ApplicationService
	nodes      *NodeService
	resources  ResourceValidator
	ports      PortAllocator
	hook       PredeployHook
	logger     zerolog.Logger
}

func NewDeploymentService(db DB, dispatcher *Dispatcher, apps *ApplicationService, nodes *NodeService,
	resources ResourceValidator, ports PortAllocator, hook PredeployHook, logger zerolog.Logger) *DeploymentService {
	if resources == nil {
		resources = OpenResources{}
	}
	if ports == nil {
		ports = NoPorts{}
	}
	if hook == nil {
		hook = NopHook{}
	}
	return &DeploymentService{
		db:         db,
		dispatcher: dispatcher,
		apps:       apps,
		nodes:      nodes,
		resources:  resources,
		ports:      ports,
		hook:       hook,
		logger:     logger.With().Str("component", "deployments").Logger(),
	}
}

// CreateParams are the operator-supplied fields of a new deployment.
type CreateParams struct {
	CommitSHA     *string
	CommitMessage *string
}

const deploymentColumns = `id, uuid, application_id, status, commit_sha, commit_message, error_message, started_at, finished_at, created_at, updated_at`

// Create validates preconditions, persists a new deployment at queued, and
// dispatches the start command to the application's node. Any precondition
// failure returns a ValidationError and leaves no deployment row behind.
func (s *DeploymentService) Create(ctx context.Context, appUUID string, params CreateParams) (*model.Deployment, error) {
	app, err := s.apps.GetByUUID(ctx, appUUID)
	if err != nil {
		return nil, err
	}

	latest, err := s.LatestForApplication(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Active() {
		return nil, validationf("application %s already has a deployment in progress", app.UUID)
	}

	node, err := s.nodes.GetByID(ctx, app.NodeID)
	if err != nil {
		return nil, err
	}

	siblings, err := s.apps.ListByNode(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	siblingAllocs := make(map[string]ResourceRequest, len(siblings))
	for _, sib := range siblings {
		if sib.ID == app.ID {
			continue
		}
		siblingAllocs[sib.UUID] = ResourceRequest{CPUMillis: sib.CPUMillis, MemoryMB: sib.MemoryMB}
	}
	caps := ResourceRequest{CPUMillis: node.CPUMillis, MemoryMB: node.MemoryMB}
	req := ResourceRequest{CPUMillis: app.CPUMillis, MemoryMB: app.MemoryMB}
	if err := s.resources.Fits(caps, siblingAllocs, req); err != nil {
		return nil, validationf("resource allocation: %v", err)
	}

	hookPayload, _ := json.Marshal(params)
	decision, prompt, err := s.hook.Run(ctx, app, hookPayload)
	if err != nil {
		return nil, fmt.Errorf("run pre-deploy hook for %s: %w", app.UUID, err)
	}
	switch decision {
	case HookWaiting:
		return nil, &WaitingError{Prompt: prompt}
	case HookStopped:
		return nil, validationf("pre-deploy hook stopped deployment: %s", prompt)
	}

	deploymentUUID := platform.NewID()
	allocatedPorts, err := s.ports.Allocate(ctx, deploymentUUID, node.ID, app.PortCount)
	if err != nil {
		return nil, validationf("port allocation: %v", err)
	}

	d := &model.Deployment{
		UUID:          deploymentUUID,
		ApplicationID: app.ID,
		Status:        model.DeploymentStatusQueued,
		CommitSHA:     params.CommitSHA,
		CommitMessage: params.CommitMessage,
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO deployments (uuid, application_id, status, commit_sha, commit_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 RETURNING id, created_at, updated_at`,
		d.UUID, d.ApplicationID, d.Status, d.CommitSHA, d.CommitMessage,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if relErr := s.ports.Release(ctx, deploymentUUID); relErr != nil {
			s.logger.Warn().Err(relErr).Str("deployment", deploymentUUID).Msg("failed to release port reservation")
		}
		return nil, fmt.Errorf("create deployment for %s: %w", app.UUID, err)
	}

	payload, _ := json.Marshal(map[string]any{
		"deployment_uuid":  d.UUID,
		"application_uuid": app.UUID,
		"name":             app.Name,
		"image":            app.Image,
		"env":              app.Env,
		"ports":            allocatedPorts,
		"commit_sha":       params.CommitSHA,
	})
	if err := s.dispatcher.Enqueue(ctx, node.ID, model.TaskTypeDeploy, payload); err != nil {
		// The deployment exists but its start command could not be stored;
		// close it out rather than strand a queued record nothing will move.
		msg := err.Error()
		s.failDeployment(ctx, d, msg)
		return nil, fmt.Errorf("dispatch deployment %s: %w", d.UUID, err)
	}

	s.logger.Info().Str("deployment", d.UUID).Str("application", app.UUID).Msg("deployment created")
	return d, nil
}

func (s *DeploymentService) GetByUUID(ctx context.Context, uuid string) (*model.Deployment, error) {
	var d model.Deployment
	err := s.db.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE uuid = $1`, uuid,
	).Scan(&d.ID, &d.UUID, &d.ApplicationID, &d.Status, &d.CommitSHA, &d.CommitMessage,
		&d.ErrorMessage, &d.StartedAt, &d.FinishedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", uuid, err)
	}
	return &d, nil
}

// LatestForApplication returns the application's most recent deployment, or
// nil when it has never been deployed.
func (s *DeploymentService) LatestForApplication(ctx context.Context, appID int64) (*model.Deployment, error) {
	var d model.Deployment
	err := s.db.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE application_id = $1 ORDER BY id DESC LIMIT 1`, appID,
	).Scan(&d.ID, &d.UUID, &d.ApplicationID, &d.Status, &d.CommitSHA, &d.CommitMessage,
		&d.ErrorMessage, &d.StartedAt, &d.FinishedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest deployment for application %d: %w", appID, err)
	}
	return &d, nil
}

func (s *DeploymentService) ListByApplication(ctx context.Context, appID int64, limit int) ([]model.Deployment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE application_id = $1 ORDER BY id DESC LIMIT $2`, appID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments for application %d: %w", appID, err)
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.ID, &d.UUID, &d.ApplicationID, &d.Status, &d.CommitSHA, &d.CommitMessage,
			&d.ErrorMessage, &d.StartedAt, &d.FinishedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return deployments, nil
}

// Cancel is legal only while the deployment is queued or deploying. The
// server-side record flips to cancelled immediately; the node's teardown is
// asynchronous and best-effort.
func (s *DeploymentService) Cancel(ctx context.Context, uuid string) (*model.Deployment, error) {
	d, err := s.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if !d.Active() {
		return nil, fmt.Errorf("cancel deployment %s in state %s: %w", d.UUID, d.Status, ErrInvalidTransition)
	}

	now := time.Now()
	_, err = s.db.Exec(ctx,
		`UPDATE deployments SET status = $1, finished_at = $2, updated_at = now() WHERE id = $3`,
		model.DeploymentStatusCancelled, now, d.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel deployment %s: %w", d.UUID, err)
	}
	d.Status = model.DeploymentStatusCancelled
	d.FinishedAt = &now

	if err := s.ports.Release(ctx, d.UUID); err != nil {
		s.logger.Warn().Err(err).Str("deployment", d.UUID).Msg("failed to release port reservation")
	}

	app, err := s.apps.GetByID(ctx, d.ApplicationID)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{"deployment_uuid": d.UUID})
	if err := s.dispatcher.Enqueue(ctx, app.NodeID, model.TaskTypeDeployCancel, payload); err != nil {
		// The record is already cancelled; the cancel command is best-effort.
		s.logger.Warn().Err(err).Str("deployment", d.UUID).Msg("failed to dispatch cancel command")
	}

	s.logger.Info().Str("deployment", d.UUID).Msg("deployment cancelled")
	return d, nil
}

// Rollback creates a new deployment targeting the most recent previously
// successful commit. The rolled-back deployment itself is never mutated.
func (s *DeploymentService) Rollback(ctx context.Context, uuid string) (*model.Deployment, error) {
	d, err := s.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DeploymentStatusRunning && d.Status != model.DeploymentStatusFailed {
		return nil, fmt.Errorf("rollback deployment %s in state %s: %w", d.UUID, d.Status, ErrInvalidTransition)
	}

	var prev model.Deployment
	err = s.db.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE application_id = $1 AND status = $2 AND id < $3
		 ORDER BY id DESC LIMIT 1`,
		d.ApplicationID, model.DeploymentStatusRunning, d.ID,
	).Scan(&prev.ID, &prev.UUID, &prev.ApplicationID, &prev.Status, &prev.CommitSHA, &prev.CommitMessage,
		&prev.ErrorMessage, &prev.StartedAt, &prev.FinishedAt, &prev.CreatedAt, &prev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, validationf("no previous successful deployment to roll back to")
	}
	if err != nil {
		return nil, fmt.Errorf("find rollback target for %s: %w", d.UUID, err)
	}

	app, err := s.apps.GetByID(ctx, d.ApplicationID)
	if err != nil {
		return nil, err
	}

	msg := "rollback of " + d.UUID
	return s.Create(ctx, app.UUID, CreateParams{CommitSHA: prev.CommitSHA, CommitMessage: &msg})
}

// HandleAck records the node's acknowledgment of a command. Acks are
// informational only; stored status never changes here.
func (s *DeploymentService) HandleAck(ctx context.Context, uuid string) error {
	d, err := s.GetByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	s.logger.Info().Str("deployment", d.UUID).Str("status", d.Status).Msg("task acknowledged by node")
	return nil
}

// MarkDeploying promotes a queued deployment once its start command has
// been written to a live session. Any other state is left alone: the write
// raced a cancel or a retry of an already-moving deployment.
func (s *DeploymentService) MarkDeploying(ctx context.Context, uuid string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE deployments SET status = $1, started_at = now(), updated_at = now() WHERE uuid = $2 AND status = $3`,
		model.DeploymentStatusDeploying, uuid, model.DeploymentStatusQueued)
	if err != nil {
		return fmt.Errorf("mark deployment %s deploying: %w", uuid, err)
	}
	return nil
}

// HandleLog appends a line to the deployment's log stream. Accepted only
// while the deployment is queued or deploying.
func (s *DeploymentService) HandleLog(ctx context.Context, uuid, stream, line string) error {
	d, err := s.GetByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	if !d.Active() {
		return fmt.Errorf("log for deployment %s in state %s: %w", d.UUID, d.Status, ErrDeploymentClosed)
	}
	if stream != model.LogStreamStderr {
		stream = model.LogStreamStdout
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO deployment_logs (deployment_id, stream, line, logged_at) VALUES ($1, $2, $3, now())`,
		d.ID, stream, line)
	if err != nil {
		return fmt.Errorf("append log to deployment %s: %w", d.UUID, err)
	}
	return nil
}

// HandleComplete marks a live deployment running and records the resulting
// container on the application. A duplicate complete for an already-running
// deployment is a no-op.
func (s *DeploymentService) HandleComplete(ctx context.Context, uuid, containerID string) error {
	d, err := s.GetByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	if d.Status == model.DeploymentStatusRunning {
		return nil
	}
	if !d.Active() {
		return fmt.Errorf("complete for deployment %s in state %s: %w", d.UUID, d.Status, ErrDeploymentClosed)
	}

	_, err = s.db.Exec(ctx,
		`UPDATE deployments SET status = $1, started_at = COALESCE(started_at, now()), finished_at = now(), updated_at = now() WHERE id = $2`,
		model.DeploymentStatusRunning, d.ID)
	if err != nil {
		return fmt.Errorf("mark deployment %s running: %w", d.UUID, err)
	}

	if containerID != "" {
		if err := s.apps.SetContainer(ctx, d.ApplicationID, containerID); err != nil {
			return err
		}
	}

	s.logger.Info().Str("deployment", d.UUID).Str("container", containerID).Msg("deployment running")
	return nil
}

// HandleFailed marks a live deployment failed. Duplicate failure reports
// are no-ops; the operator must explicitly redeploy or roll back.
func (s *DeploymentService) HandleFailed(ctx context.Context, uuid, errorMessage string) error {
	d, err := s.GetByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	if d.Status == model.DeploymentStatusFailed {
		return nil
	}
	if !d.Active() {
		return fmt.Errorf("failure for deployment %s in state %s: %w", d.UUID, d.Status, ErrDeploymentClosed)
	}

	s.failDeployment(ctx, d, errorMessage)

	if err := s.ports.Release(ctx, d.UUID); err != nil {
		s.logger.Warn().Err(err).Str("deployment", d.UUID).Msg("failed to release port reservation")
	}

	s.logger.Info().Str("deployment", d.UUID).Str("error", errorMessage).Msg("deployment failed")
	return nil
}

// Logs returns the deployment's log stream in append order.
func (s *DeploymentService) Logs(ctx context.Context, deploymentID int64, limit int) ([]model.DeploymentLogLine, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, deployment_id, stream, line, logged_at FROM deployment_logs
		 WHERE deployment_id = $1 ORDER BY id LIMIT $2`, deploymentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs for deployment %d: %w", deploymentID, err)
	}
	defer rows.Close()

	var lines []model.DeploymentLogLine
	for rows.Next() {
		var l model.DeploymentLogLine
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Stream, &l.Line, &l.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

func (s *DeploymentService) failDeployment(ctx context.Context, d *model.Deployment, message string) {
	_, err := s.db.Exec(ctx,
		`UPDATE deployments SET status = $1, error_message = $2, finished_at = now(), updated_at = now() WHERE id = $3`,
		model.DeploymentStatusFailed, message, d.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("deployment", d.UUID).Msg("failed to record deployment failure")
	}
}
