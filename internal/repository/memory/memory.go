// Package memory provides an in-process implementation of the repository
// interfaces, used by tests and single-binary development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autostack/autostack/internal/domain"
	"github.com/autostack/autostack/internal/repository"
)

// Repository keeps all rows in maps guarded by one mutex.
type Repository struct {
	mu           sync.Mutex
	deployments  map[string]domain.Deployment
	stages       map[string][]domain.DeploymentStage
	containers   []domain.DeploymentContainer
	logs         map[string][]domain.DeploymentLog
	runtimeLogs  map[string][]domain.DeploymentRuntimeLog
	healthChecks map[string][]domain.DeploymentHealthCheck
	nextID       int64
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		deployments:  make(map[string]domain.Deployment),
		stages:       make(map[string][]domain.DeploymentStage),
		logs:         make(map[string][]domain.DeploymentLog),
		runtimeLogs:  make(map[string][]domain.DeploymentRuntimeLog),
		healthChecks: make(map[string][]domain.DeploymentHealthCheck),
	}
}

var (
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.StageRepository       = (*Repository)(nil)
	_ repository.ContainerRepository   = (*Repository)(nil)
	_ repository.LogRepository         = (*Repository)(nil)
	_ repository.HealthCheckRepository = (*Repository)(nil)
)

func (r *Repository) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *Repository) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[d.ID] = *d
	return nil
}

func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := d
	return &out, nil
}

func (r *Repository) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deployments[d.ID]; !ok {
		return repository.ErrNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	r.deployments[d.ID] = *d
	return nil
}

func (r *Repository) SoftDeleteDeployment(_ context.Context, deploymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.IsDeleted = true
	r.deployments[deploymentID] = d
	return nil
}

func (r *Repository) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, d := range r.deployments {
		if d.ProjectID == projectID && !d.IsDeleted {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) SetStageStatus(_ context.Context, deploymentID, stageName, status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	stages := r.stages[deploymentID]
	for i := range stages {
		if stages[i].StageName == stageName {
			stages[i].Status = status
			stages[i].ErrorMessage = errorMessage
			if status == domain.StageCompleted || status == domain.StageStatusFail || status == domain.StageStatusStop {
				stages[i].CompletedAt = &now
			}
			return nil
		}
	}
	stage := domain.DeploymentStage{
		ID:           r.id(),
		DeploymentID: deploymentID,
		StageName:    stageName,
		Status:       status,
		ErrorMessage: errorMessage,
		CreatedAt:    now,
	}
	if status != domain.StagePending {
		stage.StartedAt = &now
	}
	if status == domain.StageCompleted || status == domain.StageStatusFail || status == domain.StageStatusStop {
		stage.CompletedAt = &now
	}
	r.stages[deploymentID] = append(stages, stage)
	return nil
}

func (r *Repository) ListStagesByDeployment(_ context.Context, deploymentID string) ([]domain.DeploymentStage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.OrderStages(r.stages[deploymentID]), nil
}

func (r *Repository) CreateContainer(_ context.Context, c *domain.DeploymentContainer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = r.id()
	r.containers = append(r.containers, *c)
	return nil
}

func (r *Repository) UpdateContainerStatus(_ context.Context, containerID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.containers {
		if r.containers[i].ContainerID == containerID {
			r.containers[i].Status = status
			if status == domain.ContainerStopped || status == domain.ContainerFailed {
				now := time.Now().UTC()
				r.containers[i].StoppedAt = &now
			}
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *Repository) LatestContainerByDeployment(_ context.Context, deploymentID string) (*domain.DeploymentContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.containers) - 1; i >= 0; i-- {
		if r.containers[i].DeploymentID == deploymentID {
			out := r.containers[i]
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) ListRunningContainersForStatus(_ context.Context, deploymentStatus string) ([]domain.DeploymentContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeploymentContainer, 0)
	for _, c := range r.containers {
		if c.Status != domain.ContainerRunning {
			continue
		}
		d, ok := r.deployments[c.DeploymentID]
		if !ok || d.IsDeleted || d.Status != deploymentStatus {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Repository) AppendLog(_ context.Context, log domain.DeploymentLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.ID = r.id()
	r.logs[log.DeploymentID] = append(r.logs[log.DeploymentID], log)
	return nil
}

func (r *Repository) ListLogsByDeployment(_ context.Context, deploymentID string) ([]domain.DeploymentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeploymentLog(nil), r.logs[deploymentID]...), nil
}

func (r *Repository) AppendRuntimeLog(_ context.Context, log domain.DeploymentRuntimeLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.ID = r.id()
	r.runtimeLogs[log.DeploymentID] = append(r.runtimeLogs[log.DeploymentID], log)
	return nil
}

func (r *Repository) ListRuntimeLogsByDeployment(_ context.Context, deploymentID string, limit int) ([]domain.DeploymentRuntimeLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logs := r.runtimeLogs[deploymentID]
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return append([]domain.DeploymentRuntimeLog(nil), logs...), nil
}

func (r *Repository) InsertHealthCheck(_ context.Context, check *domain.DeploymentHealthCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	check.ID = r.id()
	r.healthChecks[check.DeploymentID] = append(r.healthChecks[check.DeploymentID], *check)
	return nil
}

func (r *Repository) LatestHealthCheck(_ context.Context, deploymentID string) (*domain.DeploymentHealthCheck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	checks := r.healthChecks[deploymentID]
	if len(checks) == 0 {
		return nil, repository.ErrNotFound
	}
	out := checks[len(checks)-1]
	return &out, nil
}
