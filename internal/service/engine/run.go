package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/autostack/autostack/internal/docker"
	"github.com/autostack/autostack/internal/domain"
	"github.com/autostack/autostack/internal/git"
	"github.com/autostack/autostack/internal/service/classify"
	"github.com/autostack/autostack/internal/service/ports"
	"github.com/autostack/autostack/internal/workspace"
)

const (
	containerInternalPort = 80
	lambdaInternalPort    = 8080
	containerStopGrace    = 10 * time.Second
)

// run executes the whole pipeline for one deployment. It owns every status
// and stage transition from queued to a terminal state.
func (s *Service) run(ctx context.Context, dep domain.Deployment, repoURL string) {
	defer s.cancels.Delete(dep.ID)

	start := time.Now().UTC()
	dep.StartedAt = &start

	s.enterStage(ctx, &dep, domain.StageQueued)
	if err := preflight("git"); err != nil {
		s.fail(ctx, &dep, domain.StageQueued, err)
		return
	}
	workdir, err := s.workspace.Prepare(dep.ID)
	if err != nil {
		s.fail(ctx, &dep, domain.StageQueued, err)
		return
	}
	defer func() {
		if err := s.workspace.Cleanup(workdir); err != nil {
			s.logger.Error("workspace cleanup failed", "deployment_id", dep.ID, "error", err)
		}
	}()
	s.completeStage(ctx, dep.ID, domain.StageQueued)

	s.enterStage(ctx, &dep, domain.StageCloning)
	gitCtx, cancelGit := context.WithTimeout(ctx, s.cfg.GitTimeout)
	err = git.Clone(gitCtx, repoURL, workdir)
	cancelGit()
	if err != nil {
		s.fail(ctx, &dep, domain.StageCloning, err)
		return
	}
	s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Cloned %s", repoURL))
	s.completeStage(ctx, dep.ID, domain.StageCloning)

	s.enterStage(ctx, &dep, domain.StageCheckout)
	checkoutCtx, cancelCheckout := context.WithTimeout(ctx, s.cfg.GitTimeout)
	err = git.Checkout(checkoutCtx, workdir, dep.Branch)
	cancelCheckout()
	if err != nil {
		s.fail(ctx, &dep, domain.StageCheckout, err)
		return
	}
	if head, err := git.Head(ctx, workdir); err == nil {
		dep.CommitHash = head.Hash
		dep.CommitMessage = head.Message
		dep.CommitAuthor = head.Author
		if err := s.stores.Deployments.UpdateDeployment(ctx, &dep); err != nil {
			s.logger.Warn("persist commit metadata failed", "deployment_id", dep.ID, "error", err)
		}
		s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Checked out %s at %.8s", dep.Branch, head.Hash))
	} else {
		s.logger.Warn("read commit metadata failed", "deployment_id", dep.ID, "error", err)
	}

	strategy, err := classify.Detect(workdir)
	if err != nil {
		s.fail(ctx, &dep, domain.StageCheckout, err)
		return
	}
	dep.Runtime = strategy.Kind.String()
	s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Detected %s project", strategy.Kind))
	s.completeStage(ctx, dep.ID, domain.StageCheckout)

	switch strategy.Kind {
	case domain.StrategyDocker:
		s.deployDocker(ctx, &dep, workdir, strategy.Lambda)
	case domain.StrategyNodeJS:
		s.deployNode(ctx, &dep, workdir)
	default:
		s.deployStatic(ctx, &dep, workdir)
	}
}

// deployStatic publishes the repository (or its prebuilt output) directly.
func (s *Service) deployStatic(ctx context.Context, dep *domain.Deployment, workdir string) {
	s.enterStage(ctx, dep, domain.StageCopying)
	if !s.publishArtifacts(ctx, dep, workdir) {
		return
	}
	s.completeStage(ctx, dep.ID, domain.StageCopying)
	s.succeed(ctx, dep)
}

// deployNode installs dependencies, runs the build script and publishes the
// output directory.
func (s *Service) deployNode(ctx context.Context, dep *domain.Deployment, workdir string) {
	s.enterStage(ctx, dep, domain.StageInstalling)
	project, err := classify.InspectNode(workdir)
	if err != nil {
		s.fail(ctx, dep, domain.StageInstalling, err)
		return
	}
	if err := preflight("node", project.PackageManager); err != nil {
		s.fail(ctx, dep, domain.StageInstalling, err)
		return
	}
	s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Installing dependencies with %s", project.PackageManager))
	if err := s.execStream(ctx, dep, workdir, project.InstallCommand); err != nil {
		s.fail(ctx, dep, domain.StageInstalling, err)
		return
	}
	s.completeStage(ctx, dep.ID, domain.StageInstalling)

	s.enterStage(ctx, dep, domain.StageBuilding)
	if project.HasBuildScript {
		if err := s.execStream(ctx, dep, workdir, project.BuildCommand()); err != nil {
			s.fail(ctx, dep, domain.StageBuilding, err)
			return
		}
	} else {
		s.appendLog(ctx, dep.ID, "info", "No build script found, skipping build step")
	}
	s.completeStage(ctx, dep.ID, domain.StageBuilding)

	s.enterStage(ctx, dep, domain.StageCopying)
	if !s.publishArtifacts(ctx, dep, workdir) {
		return
	}
	s.completeStage(ctx, dep.ID, domain.StageCopying)
	s.succeed(ctx, dep)
}

// publishArtifacts locates build output and publishes it atomically. It
// finalizes the deployment as failed on error and reports whether to
// continue.
func (s *Service) publishArtifacts(ctx context.Context, dep *domain.Deployment, workdir string) bool {
	outputDir, err := workspace.FindOutputDir(workdir)
	if err != nil {
		s.fail(ctx, dep, domain.StageCopying, err)
		return false
	}
	published, err := s.publisher.Publish(dep.ID, outputDir)
	if err != nil {
		s.fail(ctx, dep, domain.StageCopying, err)
		return false
	}
	dep.DeployedURL = s.artifactURL(dep.ID)
	s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Published artifacts from %s", outputDir))
	s.logger.Info("artifacts published", "deployment_id", dep.ID, "dir", published)
	return true
}

// deployDocker builds the repository image and runs it on an allocated host
// port, then health checks it before declaring success.
func (s *Service) deployDocker(ctx context.Context, dep *domain.Deployment, workdir string, lambda bool) {
	s.enterStage(ctx, dep, domain.StageBuilding)
	if err := s.runtime.Ping(ctx); err != nil {
		s.fail(ctx, dep, domain.StageBuilding, err)
		return
	}

	imageTag := fmt.Sprintf("autostack/%s:%s", strings.ToLower(dep.ProjectID), dep.ID)
	aggregator := newLogAggregator(func(line string) {
		s.appendLog(ctx, dep.ID, "info", line)
	})
	buildCtx, cancelBuild := context.WithTimeout(ctx, s.cfg.DockerBuildTimeout)
	err := s.runtime.BuildImage(buildCtx, workdir, imageTag, nil, func(line string) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			aggregator.Add(trimmed)
		}
	})
	cancelBuild()
	aggregator.Flush()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("image build timed out after %s: %w", s.cfg.DockerBuildTimeout, err)
		}
		s.fail(ctx, dep, domain.StageBuilding, err)
		return
	}
	s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Built image %s", imageTag))
	s.completeStage(ctx, dep.ID, domain.StageBuilding)

	s.enterStage(ctx, dep, domain.StageDeploying)
	internalPort := containerInternalPort
	if lambda {
		internalPort = lambdaInternalPort
	}

	containerID, hostPort, err := s.startWithRetry(ctx, dep, imageTag, internalPort)
	if err != nil {
		s.fail(ctx, dep, domain.StageDeploying, err)
		return
	}
	s.containerPorts.Store(containerID, hostPort)

	record := &domain.DeploymentContainer{
		DeploymentID: dep.ID,
		ContainerID:  containerID,
		Image:        imageTag,
		Host:         "127.0.0.1",
		Port:         hostPort,
		Status:       domain.ContainerStarting,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.stores.Containers.CreateContainer(ctx, record); err != nil {
		s.logger.Error("persist container failed", "deployment_id", dep.ID, "error", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	if lambda {
		s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Lambda runtime image detected; invoke it via POST %s/2015-03-31/functions/function/invocations", url))
	} else if err := s.awaitHealthy(ctx, dep.ID, url); err != nil {
		s.teardownContainer(ctx, containerID)
		s.fail(ctx, dep, domain.StageDeploying, err)
		return
	}

	if err := s.stores.Containers.UpdateContainerStatus(ctx, containerID, domain.ContainerRunning); err != nil {
		s.logger.Warn("mark container running failed", "deployment_id", dep.ID, "error", err)
	}
	dep.DeployedURL = url
	s.appendLog(ctx, dep.ID, "info", fmt.Sprintf("Container listening on %s", url))
	s.completeStage(ctx, dep.ID, domain.StageDeploying)
	s.succeed(ctx, dep)

	go s.watchContainer(dep.ID, containerID)
}

// startWithRetry allocates a host port and starts the container, retrying
// with a fresh port when the daemon reports a binding collision. The bind
// test in the allocator is advisory; the daemon is the authority.
func (s *Service) startWithRetry(ctx context.Context, dep *domain.Deployment, image string, internalPort int) (string, int, error) {
	env, err := decodeEnvVars(dep.EnvVars)
	if err != nil {
		return "", 0, err
	}

	var containerID string
	var hostPort int
	backoff := retry.WithMaxRetries(uint64(s.cfg.ContainerStartRetries), retry.NewConstant(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		port, err := s.ports.Allocate()
		if err != nil {
			if errors.Is(err, ports.ErrNoFreePort) {
				return err
			}
			return retry.RetryableError(err)
		}
		id, err := s.runtime.StartContainer(ctx, docker.RunSpec{
			Name:         "autostack-" + dep.ID,
			Image:        image,
			Env:          env,
			InternalPort: internalPort,
			HostIP:       "127.0.0.1",
			HostPort:     port,
		})
		if err != nil {
			s.ports.Release(port)
			s.logger.Warn("container start failed, retrying", "deployment_id", dep.ID, "port", port, "error", err)
			return retry.RetryableError(err)
		}
		containerID = id
		hostPort = port
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("start container: %w", err)
	}
	return containerID, hostPort, nil
}

// awaitHealthy polls the container URL until a probe reports live or the
// attempt budget runs out. Every probe is persisted.
func (s *Service) awaitHealthy(ctx context.Context, deploymentID, url string) error {
	attempts := s.cfg.HealthCheckAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(s.cfg.HealthCheckInterval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckAttemptTimeout)
		result := s.prober.Probe(probeCtx, url)
		cancel()

		check := &domain.DeploymentHealthCheck{
			DeploymentID: deploymentID,
			URL:          url,
			IsLive:       result.Live,
			CheckedAt:    time.Now().UTC(),
		}
		if result.HTTPStatus != 0 {
			status := result.HTTPStatus
			check.HTTPStatus = &status
		}
		if result.Latency > 0 {
			latency := int(result.Latency.Milliseconds())
			check.LatencyMS = &latency
		}
		if err := s.stores.Health.InsertHealthCheck(context.WithoutCancel(ctx), check); err != nil {
			s.logger.Warn("persist health check failed", "deployment_id", deploymentID, "error", err)
		}

		if result.Live {
			return nil
		}
		if result.Err != nil {
			return retry.RetryableError(fmt.Errorf("health check failed: %w", result.Err))
		}
		return retry.RetryableError(fmt.Errorf("health check failed: HTTP %d", result.HTTPStatus))
	})
}

// watchContainer records the container's eventual exit and returns its host
// port to the pool.
func (s *Service) watchContainer(deploymentID, containerID string) {
	ctx := context.Background()
	exitCode, err := s.runtime.WaitForStop(ctx, containerID)
	if err != nil {
		s.logger.Warn("container wait failed", "deployment_id", deploymentID, "container_id", containerID, "error", err)
		return
	}
	s.releasePort(containerID)
	status := domain.ContainerStopped
	if exitCode != 0 {
		status = domain.ContainerFailed
	}
	if err := s.stores.Containers.UpdateContainerStatus(ctx, containerID, status); err != nil {
		s.logger.Warn("mark container exit failed", "deployment_id", deploymentID, "error", err)
	}
	s.appendLog(ctx, deploymentID, "info", fmt.Sprintf("Container exited with status %d", exitCode))
}

func (s *Service) teardownContainer(ctx context.Context, containerID string) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.runtime.StopContainer(cleanupCtx, containerID, containerStopGrace); err != nil {
		s.logger.Warn("stop container failed", "container_id", containerID, "error", err)
	}
	if err := s.runtime.RemoveContainer(cleanupCtx, containerID); err != nil {
		s.logger.Warn("remove container failed", "container_id", containerID, "error", err)
	}
	s.releasePort(containerID)
	if err := s.stores.Containers.UpdateContainerStatus(cleanupCtx, containerID, domain.ContainerFailed); err != nil {
		s.logger.Warn("mark container failed", "container_id", containerID, "error", err)
	}
}

// releasePort frees the host port reserved for a container. LoadAndDelete
// keeps the release single-shot when teardown paths overlap, so a port
// re-allocated to another container is never freed under it.
func (s *Service) releasePort(containerID string) {
	if port, ok := s.containerPorts.LoadAndDelete(containerID); ok {
		s.ports.Release(port.(int))
	}
}

// enterStage moves the deployment status to the stage name and marks the
// stage row in progress.
func (s *Service) enterStage(ctx context.Context, dep *domain.Deployment, stage string) {
	dep.Status = stage
	if err := s.stores.Deployments.UpdateDeployment(ctx, dep); err != nil {
		s.logger.Warn("persist status failed", "deployment_id", dep.ID, "status", stage, "error", err)
	}
	if err := s.stores.Stages.SetStageStatus(ctx, dep.ID, stage, domain.StageInProgress, ""); err != nil {
		s.logger.Warn("persist stage failed", "deployment_id", dep.ID, "stage", stage, "error", err)
	}
	s.logs.StageUpdate(dep.ID, stage, domain.StageInProgress)
}

func (s *Service) completeStage(ctx context.Context, deploymentID, stage string) {
	if err := s.stores.Stages.SetStageStatus(ctx, deploymentID, stage, domain.StageCompleted, ""); err != nil {
		s.logger.Warn("persist stage failed", "deployment_id", deploymentID, "stage", stage, "error", err)
	}
	s.logs.StageUpdate(deploymentID, stage, domain.StageCompleted)
}

// succeed finalizes the deployment as successful.
func (s *Service) succeed(ctx context.Context, dep *domain.Deployment) {
	finCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	dep.Status = domain.StatusSuccess
	dep.CompletedAt = &now
	if dep.StartedAt != nil {
		dep.BuildDurationSeconds = int(now.Sub(*dep.StartedAt).Seconds())
	}
	if err := s.stores.Deployments.UpdateDeployment(finCtx, dep); err != nil {
		s.logger.Error("persist success failed", "deployment_id", dep.ID, "error", err)
	}
	s.appendLog(finCtx, dep.ID, "info", fmt.Sprintf("Deployment succeeded in %ds", dep.BuildDurationSeconds))
	s.logs.Complete(dep.ID, domain.StatusSuccess, time.Duration(dep.BuildDurationSeconds)*time.Second, dep.DeployedURL)
	s.logger.Info("deployment succeeded", "deployment_id", dep.ID, "duration_seconds", dep.BuildDurationSeconds, "url", dep.DeployedURL)
}

// fail finalizes the deployment as failed, or cancelled when the pipeline
// context was cancelled by a cancel request.
func (s *Service) fail(ctx context.Context, dep *domain.Deployment, stage string, cause error) {
	finCtx := context.WithoutCancel(ctx)

	status := domain.StatusFailed
	stageStatus := domain.StageStatusFail
	reason := cause.Error()
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(cause, context.Canceled) {
		status = domain.StatusCancelled
		stageStatus = domain.StageStatusStop
		reason = "deployment cancelled"
	}

	if err := s.stores.Stages.SetStageStatus(finCtx, dep.ID, stage, stageStatus, reason); err != nil {
		s.logger.Warn("persist stage failure failed", "deployment_id", dep.ID, "stage", stage, "error", err)
	}
	s.logs.StageUpdate(dep.ID, stage, stageStatus)

	now := time.Now().UTC()
	dep.Status = status
	dep.FailedReason = reason
	dep.CompletedAt = &now
	if dep.StartedAt != nil {
		dep.BuildDurationSeconds = int(now.Sub(*dep.StartedAt).Seconds())
	}
	if err := s.stores.Deployments.UpdateDeployment(finCtx, dep); err != nil {
		s.logger.Error("persist failure failed", "deployment_id", dep.ID, "error", err)
	}

	s.appendLog(finCtx, dep.ID, "error", fmt.Sprintf("Stage %s %s: %s", stage, stageStatus, reason))
	s.logs.Complete(dep.ID, status, time.Duration(dep.BuildDurationSeconds)*time.Second, "")
	s.logger.Error("deployment finished", "deployment_id", dep.ID, "status", status, "stage", stage, "reason", reason)
}

// finalizeCancelled marks an orphaned in-flight deployment as cancelled.
func (s *Service) finalizeCancelled(ctx context.Context, dep *domain.Deployment) error {
	now := time.Now().UTC()
	dep.Status = domain.StatusCancelled
	dep.FailedReason = "deployment cancelled"
	dep.CompletedAt = &now
	if err := s.stores.Deployments.UpdateDeployment(ctx, dep); err != nil {
		return err
	}
	s.logs.Complete(dep.ID, domain.StatusCancelled, 0, "")
	return nil
}

func (s *Service) artifactURL(deploymentID string) string {
	base := strings.TrimRight(s.cfg.BackendURL, "/")
	return fmt.Sprintf("%s/artifacts/%s/", base, deploymentID)
}

func (s *Service) appendLog(ctx context.Context, deploymentID, level, message string) {
	if err := s.logs.Append(context.WithoutCancel(ctx), deploymentID, level, "system", message); err != nil {
		s.logger.Warn("append log failed", "deployment_id", deploymentID, "error", err)
	}
}

func decodeEnvVars(serialized string) ([]string, error) {
	serialized = strings.TrimSpace(serialized)
	if serialized == "" || serialized == "{}" {
		return nil, nil
	}
	vars := map[string]string{}
	if err := json.Unmarshal([]byte(serialized), &vars); err != nil {
		return nil, fmt.Errorf("decode env vars: %w", err)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(vars))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}
