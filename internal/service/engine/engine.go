// Package engine drives deployments through their pipeline: clone, classify,
// build, publish or run, and report every transition to stores and observers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autostack/autostack/internal/config"
	"github.com/autostack/autostack/internal/docker"
	"github.com/autostack/autostack/internal/domain"
	"github.com/autostack/autostack/internal/git"
	"github.com/autostack/autostack/internal/repository"
	"github.com/autostack/autostack/internal/service/classify"
	"github.com/autostack/autostack/internal/service/logs"
	"github.com/autostack/autostack/internal/service/ports"
	"github.com/autostack/autostack/internal/workspace"
)

// ContainerEngine is the container runtime surface the orchestrator needs.
type ContainerEngine interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputFunc) error
	StartContainer(ctx context.Context, spec docker.RunSpec) (string, error)
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, tag string) error
	ContainerRunning(ctx context.Context, containerID string) (bool, error)
	WaitForStop(ctx context.Context, containerID string) (int64, error)
}

// Prober checks whether a freshly started container answers HTTP.
type Prober interface {
	Probe(ctx context.Context, url string) docker.ProbeResult
}

// Stores bundles the persistence interfaces the engine writes to.
type Stores struct {
	Deployments repository.DeploymentRepository
	Stages      repository.StageRepository
	Containers  repository.ContainerRepository
	Health      repository.HealthCheckRepository
}

// Service coordinates deployment pipelines. One goroutine per in-flight
// deployment; each is cancellable through the registry.
type Service struct {
	stores    Stores
	logs      logs.Service
	runtime   ContainerEngine
	prober    Prober
	ports     *ports.Allocator
	workspace *workspace.Manager
	publisher *workspace.Publisher
	cfg       config.Config
	logger    *slog.Logger

	cancels        sync.Map // deployment ID -> context.CancelFunc
	containerPorts sync.Map // container ID -> allocated host port
}

// New constructs the deployment engine.
func New(stores Stores, logSvc logs.Service, runtime ContainerEngine, prober Prober, allocator *ports.Allocator, ws *workspace.Manager, publisher *workspace.Publisher, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{
		stores:    stores,
		logs:      logSvc,
		runtime:   runtime,
		prober:    prober,
		ports:     allocator,
		workspace: ws,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateRequest contains the parameters for a new deployment.
type CreateRequest struct {
	ProjectID    string            `json:"project_id"`
	OwnerID      string            `json:"owner_id"`
	RepoURL      string            `json:"repo_url"`
	Branch       string            `json:"branch"`
	EnvVars      map[string]string `json:"env_vars"`
	CreatorType  string            `json:"creator_type"`
	IsProduction bool              `json:"is_production"`
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return fmt.Errorf("project id required")
	}
	if strings.TrimSpace(r.RepoURL) == "" {
		return fmt.Errorf("repository url required")
	}
	return nil
}

// Create persists a queued deployment and starts its pipeline in the
// background. It returns as soon as the row exists.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Deployment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	envVars := "{}"
	if len(req.EnvVars) > 0 {
		raw, err := json.Marshal(req.EnvVars)
		if err != nil {
			return nil, fmt.Errorf("serialize env vars: %w", err)
		}
		envVars = string(raw)
	}

	now := time.Now().UTC()
	dep := &domain.Deployment{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		OwnerID:      req.OwnerID,
		Status:       domain.StatusQueued,
		Branch:       req.Branch,
		CreatorType:  req.CreatorType,
		IsProduction: req.IsProduction,
		EnvVars:      envVars,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if dep.Branch == "" {
		dep.Branch = "main"
	}
	if dep.CreatorType == "" {
		dep.CreatorType = domain.CreatorManual
	}
	if err := s.stores.Deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Info("deployment queued", "deployment_id", dep.ID, "project_id", dep.ProjectID, "repo_url", req.RepoURL)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancels.Store(dep.ID, cancel)
	go s.run(runCtx, *dep, req.RepoURL)

	return dep, nil
}

// ClassifyRepo clones the repository into a throwaway workspace and reports
// the strategy a deployment of it would use. This backs the dashboard's
// detected-runtime indicator before anything is deployed.
func (s *Service) ClassifyRepo(ctx context.Context, repoURL, branch string) (domain.Strategy, error) {
	if strings.TrimSpace(repoURL) == "" {
		return domain.Strategy{}, fmt.Errorf("repository url required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GitTimeout)
	defer cancel()

	workdir, err := s.workspace.Prepare("classify-" + uuid.NewString())
	if err != nil {
		return domain.Strategy{}, err
	}
	defer func() {
		if err := s.workspace.Cleanup(workdir); err != nil {
			s.logger.Warn("classify workspace cleanup failed", "error", err)
		}
	}()

	if err := git.Clone(ctx, repoURL, workdir); err != nil {
		return domain.Strategy{}, err
	}
	if err := git.Checkout(ctx, workdir, branch); err != nil {
		return domain.Strategy{}, err
	}
	return classify.Detect(workdir)
}

// Cancel requests cancellation of an in-flight deployment. Deployments that
// already reached a terminal state are left untouched.
func (s *Service) Cancel(ctx context.Context, deploymentID string) error {
	dep, err := s.stores.Deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.IsTerminal() {
		return fmt.Errorf("deployment %s already %s", deploymentID, dep.Status)
	}
	if value, ok := s.cancels.Load(deploymentID); ok {
		value.(context.CancelFunc)()
		return nil
	}
	// No live pipeline goroutine owns this deployment (for example after a
	// restart); finalize the row directly.
	return s.finalizeCancelled(ctx, dep)
}

// Delete stops any running container, removes published artifacts and soft
// deletes the deployment. Logs and stage history stay behind.
func (s *Service) Delete(ctx context.Context, deploymentID string) error {
	dep, err := s.stores.Deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if !dep.IsTerminal() {
		if err := s.Cancel(ctx, deploymentID); err != nil {
			s.logger.Warn("cancel before delete failed", "deployment_id", deploymentID, "error", err)
		}
	}

	if container, err := s.stores.Containers.LatestContainerByDeployment(ctx, deploymentID); err == nil {
		if err := s.runtime.StopContainer(ctx, container.ContainerID, 10*time.Second); err != nil {
			s.logger.Warn("stop container failed", "deployment_id", deploymentID, "error", err)
		}
		if err := s.runtime.RemoveContainer(ctx, container.ContainerID); err != nil {
			s.logger.Warn("remove container failed", "deployment_id", deploymentID, "error", err)
		}
		s.releasePort(container.ContainerID)
		if err := s.stores.Containers.UpdateContainerStatus(ctx, container.ContainerID, domain.ContainerStopped); err != nil {
			s.logger.Warn("mark container stopped failed", "deployment_id", deploymentID, "error", err)
		}
		if err := s.runtime.RemoveImage(ctx, container.Image); err != nil {
			s.logger.Warn("remove image failed", "deployment_id", deploymentID, "error", err)
		}
	} else if err != repository.ErrNotFound {
		return err
	}

	if s.publisher != nil {
		if err := s.publisher.Remove(deploymentID); err != nil {
			s.logger.Warn("remove artifacts failed", "deployment_id", deploymentID, "error", err)
		}
	}
	if err := s.workspace.CleanupByID(deploymentID); err != nil {
		s.logger.Warn("workspace cleanup failed", "deployment_id", deploymentID, "error", err)
	}

	return s.stores.Deployments.SoftDeleteDeployment(ctx, deploymentID)
}

// Detail is the read model for one deployment.
type Detail struct {
	Deployment domain.Deployment            `json:"deployment"`
	Stages     []domain.DeploymentStage     `json:"stages"`
	Logs       []domain.DeploymentLog       `json:"logs"`
	Container  *domain.DeploymentContainer  `json:"container,omitempty"`
	Health     *domain.DeploymentHealthCheck `json:"health,omitempty"`
}

// Get assembles the deployment detail view.
func (s *Service) Get(ctx context.Context, deploymentID string) (*Detail, error) {
	dep, err := s.stores.Deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	stages, err := s.stores.Stages.ListStagesByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	entries, err := s.logs.List(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	detail := &Detail{Deployment: *dep, Stages: stages, Logs: entries}

	if container, err := s.stores.Containers.LatestContainerByDeployment(ctx, deploymentID); err == nil {
		detail.Container = container
	} else if err != repository.ErrNotFound {
		return nil, err
	}
	if health, err := s.stores.Health.LatestHealthCheck(ctx, deploymentID); err == nil {
		detail.Health = health
	} else if err != repository.ErrNotFound {
		return nil, err
	}
	return detail, nil
}

// List returns recent deployments for a project.
func (s *Service) List(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.stores.Deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Health verifies the container runtime is reachable.
func (s *Service) Health(ctx context.Context) error {
	if !s.cfg.DockerEnable {
		return nil
	}
	return s.runtime.Ping(ctx)
}
