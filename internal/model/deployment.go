package model

import "time"

// Deployment statuses. Failed and cancelled are terminal; running marks a
// successful attempt but the record itself is still closed to node events
// other than an idempotent duplicate complete.
const (
	DeploymentStatusQueued    = "queued"
	DeploymentStatusDeploying = "deploying"
	DeploymentStatusRunning   = "running"
	DeploymentStatusFailed    = "failed"
	DeploymentStatusCancelled = "cancelled"
)

type Deployment struct {
	ID            int64      `json:"-" db:"id"`
	UUID          string     `json:"uuid" db:"uuid"`
	ApplicationID int64      `json:"-" db:"application_id"`
	Status        string     `json:"status" db:"status"`
	CommitSHA     *string    `json:"commit_sha,omitempty" db:"commit_sha"`
	CommitMessage *string    `json:"commit_message,omitempty" db:"commit_message"`
	ErrorMessage  *string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether no further node event may change this record.
// Running is included: a running deployment only accepts a duplicate
// complete, which is a no-op.
func (d *Deployment) Terminal() bool {
	switch d.Status {
	case DeploymentStatusRunning, DeploymentStatusFailed, DeploymentStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the deployment still accepts node events.
func (d *Deployment) Active() bool {
	return d.Status == DeploymentStatusQueued || d.Status == DeploymentStatusDeploying
}

// Log streams reported by the agent.
const (
	LogStreamStdout = "stdout"
	LogStreamStderr = "stderr"
)

// DeploymentLogLine is one line of a deployment's append-only log stream.
type DeploymentLogLine struct {
	ID           int64     `json:"id" db:"id"`
	DeploymentID int64     `json:"-" db:"deployment_id"`
	Stream       string    `json:"stream" db:"stream"`
	Line         string    `json:"line" db:"line"`
	LoggedAt     time.Time `json:"logged_at" db:"logged_at"`
}
