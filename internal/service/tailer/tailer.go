// Package tailer follows the container logs of live deployments and feeds
// new lines into the log store and the event stream.
package tailer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/autostack/autostack/internal/docker"
	"github.com/autostack/autostack/internal/domain"
	"github.com/autostack/autostack/internal/repository"
	"github.com/autostack/autostack/internal/service/logs"
)

// LogSource reads incremental container logs.
type LogSource interface {
	ContainerLogs(ctx context.Context, containerID string, since time.Time) ([]docker.LogLine, time.Time, error)
}

// Tailer periodically sweeps successful deployments with running containers
// and appends any log lines produced since the previous sweep. Cursors are
// per container, so a tick that finds nothing new appends nothing.
type Tailer struct {
	containers repository.ContainerRepository
	source     LogSource
	logs       logs.Service
	interval   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	cursors map[string]time.Time // container ID -> last seen log timestamp
}

// New constructs a Tailer.
func New(containers repository.ContainerRepository, source LogSource, logSvc logs.Service, interval time.Duration, logger *slog.Logger) *Tailer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Tailer{
		containers: containers,
		source:     source,
		logs:       logSvc,
		interval:   interval,
		logger:     logger,
		cursors:    make(map[string]time.Time),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (t *Tailer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("log tailer started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("log tailer stopped")
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over all live containers. A failure on one
// container is logged and does not interrupt the others.
func (t *Tailer) Sweep(ctx context.Context) {
	containers, err := t.containers.ListRunningContainersForStatus(ctx, domain.StatusSuccess)
	if err != nil {
		t.logger.Warn("list running containers failed", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		seen[c.ContainerID] = struct{}{}
		if err := t.tailOne(ctx, c); err != nil {
			t.logger.Warn("tail container failed", "deployment_id", c.DeploymentID, "container_id", c.ContainerID, "error", err)
		}
	}
	t.pruneCursors(seen)
}

func (t *Tailer) tailOne(ctx context.Context, c domain.DeploymentContainer) error {
	t.mu.Lock()
	since, ok := t.cursors[c.ContainerID]
	t.mu.Unlock()
	if !ok {
		// First sight of this container: start from its creation so lines
		// produced before the tailer noticed it are not lost.
		since = c.CreatedAt.Add(-time.Second)
	}

	lines, cursor, err := t.source.ContainerLogs(ctx, c.ContainerID, since)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := t.logs.AppendRuntime(ctx, c.DeploymentID, line.Source, line.Message, line.Timestamp); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.cursors[c.ContainerID] = cursor
	t.mu.Unlock()
	return nil
}

// pruneCursors drops cursors for containers that are no longer live.
func (t *Tailer) pruneCursors(live map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.cursors {
		if _, ok := live[id]; !ok {
			delete(t.cursors, id)
		}
	}
}
