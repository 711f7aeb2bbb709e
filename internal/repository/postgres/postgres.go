package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autostack/autostack/internal/domain"
	"github.com/autostack/autostack/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.StageRepository       = (*Repository)(nil)
	_ repository.ContainerRepository   = (*Repository)(nil)
	_ repository.LogRepository         = (*Repository)(nil)
	_ repository.HealthCheckRepository = (*Repository)(nil)
)

// CreateDeployment inserts a deployment row in its initial state.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments
		(id, project_id, owner_id, status, branch, runtime, commit_hash, commit_message, commit_author,
		 creator_type, is_production, env_vars, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.ProjectID, d.OwnerID, d.Status, d.Branch, d.Runtime, d.CommitHash, d.CommitMessage, d.CommitAuthor,
		d.CreatorType, d.IsProduction, d.EnvVars, d.IsDeleted, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDeploymentByID fetches a deployment, including soft-deleted rows.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, owner_id, status, branch, runtime, commit_hash, commit_message, commit_author,
		creator_type, is_production, env_vars, build_duration_seconds, failed_reason, deployed_url,
		started_at, completed_at, is_deleted, created_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.OwnerID, &d.Status, &d.Branch, &d.Runtime, &d.CommitHash, &d.CommitMessage,
		&d.CommitAuthor, &d.CreatorType, &d.IsProduction, &d.EnvVars, &d.BuildDurationSeconds, &d.FailedReason,
		&d.DeployedURL, &d.StartedAt, &d.CompletedAt, &d.IsDeleted, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpdateDeployment persists the mutable fields of a deployment row.
func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `UPDATE deployments SET
		status = $2, runtime = $3, commit_hash = $4, commit_message = $5, commit_author = $6,
		build_duration_seconds = $7, failed_reason = $8, deployed_url = $9,
		started_at = $10, completed_at = $11, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, d.ID, d.Status, d.Runtime, d.CommitHash, d.CommitMessage, d.CommitAuthor,
		d.BuildDurationSeconds, d.FailedReason, d.DeployedURL, d.StartedAt, d.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SoftDeleteDeployment flags a deployment as deleted without removing history.
func (r *Repository) SoftDeleteDeployment(ctx context.Context, deploymentID string) error {
	const query = `UPDATE deployments SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByProject returns recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	const query = `SELECT id, project_id, owner_id, status, branch, runtime, commit_hash, commit_message, commit_author,
		creator_type, is_production, env_vars, build_duration_seconds, failed_reason, deployed_url,
		started_at, completed_at, is_deleted, created_at, updated_at
		FROM deployments WHERE project_id = $1 AND is_deleted = FALSE
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.OwnerID, &d.Status, &d.Branch, &d.Runtime, &d.CommitHash, &d.CommitMessage,
			&d.CommitAuthor, &d.CreatorType, &d.IsProduction, &d.EnvVars, &d.BuildDurationSeconds, &d.FailedReason,
			&d.DeployedURL, &d.StartedAt, &d.CompletedAt, &d.IsDeleted, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// SetStageStatus lazily creates or updates a stage row. Terminal statuses
// stamp completed_at; in_progress stamps started_at once.
func (r *Repository) SetStageStatus(ctx context.Context, deploymentID, stageName, status, errorMessage string) error {
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	if status != domain.StagePending {
		startedAt = &now
	}
	switch status {
	case domain.StageCompleted, domain.StageStatusFail, domain.StageStatusStop:
		completedAt = &now
	}
	const query = `INSERT INTO deployment_stages (deployment_id, stage_name, status, started_at, completed_at, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (deployment_id, stage_name) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = COALESCE(deployment_stages.started_at, EXCLUDED.started_at),
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message`
	_, err := r.pool.Exec(ctx, query, deploymentID, stageName, status, startedAt, completedAt, errorMessage, now)
	return err
}

// ListStagesByDeployment returns stage rows in pipeline order.
func (r *Repository) ListStagesByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentStage, error) {
	const query = `SELECT id, deployment_id, stage_name, status, started_at, completed_at, error_message, created_at
		FROM deployment_stages WHERE deployment_id = $1`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stages := make([]domain.DeploymentStage, 0)
	for rows.Next() {
		var s domain.DeploymentStage
		if err := rows.Scan(&s.ID, &s.DeploymentID, &s.StageName, &s.Status, &s.StartedAt, &s.CompletedAt, &s.ErrorMessage, &s.CreatedAt); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.OrderStages(stages), nil
}

// CreateContainer records a started container.
func (r *Repository) CreateContainer(ctx context.Context, c *domain.DeploymentContainer) error {
	const query = `INSERT INTO deployment_containers (deployment_id, container_id, image, host, port, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, c.DeploymentID, c.ContainerID, c.Image, c.Host, c.Port, c.Status, c.CreatedAt)
	return row.Scan(&c.ID)
}

// UpdateContainerStatus transitions a container row. Stopped containers get a
// stopped_at stamp.
func (r *Repository) UpdateContainerStatus(ctx context.Context, containerID, status string) error {
	const query = `UPDATE deployment_containers SET status = $2,
		stopped_at = CASE WHEN $2 IN ('stopped', 'failed') THEN NOW() ELSE stopped_at END
		WHERE container_id = $1`
	tag, err := r.pool.Exec(ctx, query, containerID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// LatestContainerByDeployment returns the most recent container row.
func (r *Repository) LatestContainerByDeployment(ctx context.Context, deploymentID string) (*domain.DeploymentContainer, error) {
	const query = `SELECT id, deployment_id, container_id, image, host, port, status, created_at, stopped_at
		FROM deployment_containers WHERE deployment_id = $1
		ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var c domain.DeploymentContainer
	if err := row.Scan(&c.ID, &c.DeploymentID, &c.ContainerID, &c.Image, &c.Host, &c.Port, &c.Status, &c.CreatedAt, &c.StoppedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListRunningContainersForStatus returns running containers joined against
// live deployments with the given status.
func (r *Repository) ListRunningContainersForStatus(ctx context.Context, deploymentStatus string) ([]domain.DeploymentContainer, error) {
	const query = `SELECT c.id, c.deployment_id, c.container_id, c.image, c.host, c.port, c.status, c.created_at, c.stopped_at
		FROM deployment_containers c
		INNER JOIN deployments d ON d.id = c.deployment_id
		WHERE c.status = 'running' AND d.status = $1 AND d.is_deleted = FALSE
		ORDER BY c.created_at ASC`
	rows, err := r.pool.Query(ctx, query, deploymentStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	containers := make([]domain.DeploymentContainer, 0)
	for rows.Next() {
		var c domain.DeploymentContainer
		if err := rows.Scan(&c.ID, &c.DeploymentID, &c.ContainerID, &c.Image, &c.Host, &c.Port, &c.Status, &c.CreatedAt, &c.StoppedAt); err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}
	return containers, rows.Err()
}

// AppendLog inserts one build-time log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (deployment_id, level, message, source, timestamp)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, log.DeploymentID, log.Level, log.Message, log.Source, log.Timestamp)
	return err
}

// ListLogsByDeployment returns logs in replay order: timestamp ascending with
// insertion id as tiebreak.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentLog, error) {
	const query = `SELECT id, deployment_id, level, message, source, timestamp
		FROM deployment_logs WHERE deployment_id = $1
		ORDER BY timestamp ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var l domain.DeploymentLog
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Level, &l.Message, &l.Source, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AppendRuntimeLog inserts one container log line.
func (r *Repository) AppendRuntimeLog(ctx context.Context, log domain.DeploymentRuntimeLog) error {
	const query = `INSERT INTO deployment_runtime_logs (deployment_id, source, level, message, timestamp)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, log.DeploymentID, log.Source, log.Level, log.Message, log.Timestamp)
	return err
}

// ListRuntimeLogsByDeployment returns the most recent runtime log lines in
// chronological order.
func (r *Repository) ListRuntimeLogsByDeployment(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentRuntimeLog, error) {
	const query = `SELECT id, deployment_id, source, level, message, timestamp FROM (
			SELECT id, deployment_id, source, level, message, timestamp
			FROM deployment_runtime_logs WHERE deployment_id = $1
			ORDER BY timestamp DESC, id DESC LIMIT $2
		) recent ORDER BY timestamp ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.DeploymentRuntimeLog, 0)
	for rows.Next() {
		var l domain.DeploymentRuntimeLog
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Source, &l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// InsertHealthCheck records one probe result.
func (r *Repository) InsertHealthCheck(ctx context.Context, check *domain.DeploymentHealthCheck) error {
	const query = `INSERT INTO deployment_health_checks (deployment_id, url, http_status, latency_ms, is_live, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, check.DeploymentID, check.URL, check.HTTPStatus, check.LatencyMS, check.IsLive, check.CheckedAt)
	return row.Scan(&check.ID)
}

// LatestHealthCheck returns the most recent probe for a deployment.
func (r *Repository) LatestHealthCheck(ctx context.Context, deploymentID string) (*domain.DeploymentHealthCheck, error) {
	const query = `SELECT id, deployment_id, url, http_status, latency_ms, is_live, checked_at
		FROM deployment_health_checks WHERE deployment_id = $1
		ORDER BY checked_at DESC, id DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var hc domain.DeploymentHealthCheck
	if err := row.Scan(&hc.ID, &hc.DeploymentID, &hc.URL, &hc.HTTPStatus, &hc.LatencyMS, &hc.IsLive, &hc.CheckedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &hc, nil
}
