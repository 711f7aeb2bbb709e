package repository

import (
	"context"

	"github.com/autostack/autostack/internal/domain"
)

// DeploymentRepository stores deployment rows. The orchestrator is the sole
// writer; deployments are soft-deleted, never removed.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	SoftDeleteDeployment(ctx context.Context, deploymentID string) error
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
}

// StageRepository stores per-stage execution records. Rows are created lazily
// as the orchestrator enters each stage and updated in place.
type StageRepository interface {
	SetStageStatus(ctx context.Context, deploymentID, stageName, status, errorMessage string) error
	ListStagesByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentStage, error)
}

// ContainerRepository stores container lifecycle records.
type ContainerRepository interface {
	CreateContainer(ctx context.Context, container *domain.DeploymentContainer) error
	UpdateContainerStatus(ctx context.Context, containerID, status string) error
	LatestContainerByDeployment(ctx context.Context, deploymentID string) (*domain.DeploymentContainer, error)
	// ListRunningContainersForStatus returns running containers whose owning
	// deployment has the given status and is not soft-deleted.
	ListRunningContainersForStatus(ctx context.Context, deploymentStatus string) ([]domain.DeploymentContainer, error)
}

// LogRepository handles append-only log persistence and retrieval. Ordering by
// timestamp with insertion order as tiebreak is the replay contract.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.DeploymentLog) error
	ListLogsByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentLog, error)
	AppendRuntimeLog(ctx context.Context, log domain.DeploymentRuntimeLog) error
	ListRuntimeLogsByDeployment(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentRuntimeLog, error)
}

// HealthCheckRepository stores HTTP probe results.
type HealthCheckRepository interface {
	InsertHealthCheck(ctx context.Context, check *domain.DeploymentHealthCheck) error
	LatestHealthCheck(ctx context.Context, deploymentID string) (*domain.DeploymentHealthCheck, error)
}
