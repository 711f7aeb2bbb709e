// Package logs persists deployment log lines and streams events to
// observers.
package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autostack/autostack/internal/domain"
	"github.com/autostack/autostack/internal/repository"
	"github.com/autostack/autostack/internal/ws"
)

// Event type discriminators on the stream wire format. These values are a
// stable contract with stream consumers.
const (
	EventHistory  = "history"
	EventLog      = "log"
	EventStage    = "pipeline_stage"
	EventComplete = "deployment_complete"
)

// Service handles log persistence and event fan-out. All events for one
// deployment flow through it, which gives observers a single publish order.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger

	// mu serializes persist+broadcast against the subscription snapshot. A
	// line appended while an observer subscribes must land in exactly one of
	// the history replay or the live stream.
	mu *sync.Mutex
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger, mu: &sync.Mutex{}}
}

// Append stores a log line and broadcasts it to the deployment's observers.
// Persistence failures are returned; broadcast is best effort.
func (s Service) Append(ctx context.Context, deploymentID, level, source, message string) error {
	entry := domain.DeploymentLog{
		DeploymentID: deploymentID,
		Level:        level,
		Source:       source,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	s.broadcast(deploymentID, logEvent{Type: EventLog, Line: message})
	return nil
}

// AppendRuntime stores a container log line and broadcasts it.
func (s Service) AppendRuntime(ctx context.Context, deploymentID, source, message string, ts time.Time) error {
	entry := domain.DeploymentRuntimeLog{
		DeploymentID: deploymentID,
		Source:       source,
		Level:        "info",
		Message:      message,
		Timestamp:    ts.UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.AppendRuntimeLog(ctx, entry); err != nil {
		return fmt.Errorf("append runtime log: %w", err)
	}
	s.broadcast(deploymentID, logEvent{Type: EventLog, Line: message})
	return nil
}

// StageUpdate broadcasts a pipeline stage transition.
func (s Service) StageUpdate(deploymentID, stage, status string) {
	label, ok := domain.StageLabels[stage]
	if !ok {
		label = stage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast(deploymentID, stageEvent{
		Type:    EventStage,
		Stage:   stage,
		Status:  status,
		Message: fmt.Sprintf("%s: %s", label, status),
	})
}

// Complete broadcasts the terminal event for a deployment.
func (s Service) Complete(deploymentID, status string, duration time.Duration, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast(deploymentID, completeEvent{
		Type:     EventComplete,
		Status:   status,
		Duration: int(duration.Seconds()),
		URL:      url,
	})
}

// Subscribe attaches an observer to a deployment's stream. The observer
// first receives a history event replaying every persisted log line, then
// live events in publish order with no gap between the two. Holding mu from
// snapshot through registration keeps concurrent appends out of the window.
func (s Service) Subscribe(ctx context.Context, deploymentID string, client ws.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.repo.ListLogsByDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("load log history: %w", err)
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.Message)
	}
	payload, err := json.Marshal(historyEvent{Type: EventHistory, Logs: lines})
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	s.hub.Register(deploymentID, client, payload)
	return nil
}

// Unsubscribe detaches an observer.
func (s Service) Unsubscribe(deploymentID string, client ws.Subscriber) {
	s.hub.Unregister(deploymentID, client)
}

// List returns persisted build logs for a deployment.
func (s Service) List(ctx context.Context, deploymentID string) ([]domain.DeploymentLog, error) {
	return s.repo.ListLogsByDeployment(ctx, deploymentID)
}

// ListRuntime returns recent runtime logs for a deployment.
func (s Service) ListRuntime(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentRuntimeLog, error) {
	return s.repo.ListRuntimeLogsByDeployment(ctx, deploymentID, limit)
}

func (s Service) broadcast(deploymentID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal stream event", "error", err)
		return
	}
	s.hub.Broadcast(deploymentID, payload)
}

type historyEvent struct {
	Type string   `json:"type"`
	Logs []string `json:"logs"`
}

type logEvent struct {
	Type string `json:"type"`
	Line string `json:"line"`
}

type stageEvent struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type completeEvent struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Duration int    `json:"duration"`
	URL      string `json:"url"`
}
