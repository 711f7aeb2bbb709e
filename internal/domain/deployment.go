package domain

import "time"

// Deployment statuses. A deployment reaches exactly one terminal status.
const (
	StatusQueued     = "queued"
	StatusCloning    = "cloning"
	StatusCheckout   = "checkout"
	StatusInstalling = "installing"
	StatusBuilding   = "building"
	StatusCopying    = "copying"
	StatusDeploying  = "deploying"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Creator types for a deployment request.
const (
	CreatorManual    = "manual"
	CreatorWebhook   = "webhook"
	CreatorScheduled = "scheduled"
)

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Deployment captures one build-and-run attempt of a project at a commit.
type Deployment struct {
	ID                   string
	ProjectID            string
	OwnerID              string
	Status               string
	Branch               string
	Runtime              string
	CommitHash           string
	CommitMessage        string
	CommitAuthor         string
	CreatorType          string
	IsProduction         bool
	EnvVars              string
	BuildDurationSeconds int
	FailedReason         string
	DeployedURL          string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	IsDeleted            bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsTerminal reports whether the deployment reached a terminal status.
func (d *Deployment) IsTerminal() bool {
	return IsTerminal(d.Status)
}

// DeploymentContainer records the live container backing a docker-strategy
// deployment. Port is unique among starting/running containers.
type DeploymentContainer struct {
	ID           int64
	DeploymentID string
	ContainerID  string
	Image        string
	Host         string
	Port         int
	Status       string
	CreatedAt    time.Time
	StoppedAt    *time.Time
}

// Container statuses.
const (
	ContainerStarting = "starting"
	ContainerRunning  = "running"
	ContainerStopped  = "stopped"
	ContainerFailed   = "failed"
)

// DeploymentLog is one append-only build-time log line.
type DeploymentLog struct {
	ID           int64
	DeploymentID string
	Level        string
	Message      string
	Source       string
	Timestamp    time.Time
}

// DeploymentRuntimeLog is one append-only container log line recorded by the
// log tailer after a deployment goes live.
type DeploymentRuntimeLog struct {
	ID           int64
	DeploymentID string
	Source       string
	Level        string
	Message      string
	Timestamp    time.Time
}

// DeploymentHealthCheck records a single HTTP probe against a container.
type DeploymentHealthCheck struct {
	ID           int64
	DeploymentID string
	URL          string
	HTTPStatus   *int
	LatencyMS    *int
	IsLive       bool
	CheckedAt    time.Time
}
