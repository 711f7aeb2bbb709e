package domain

import (
	"sort"
	"time"
)

// Stage keys the orchestrator advances through. Docker-strategy deployments
// route through StageDeploying; static/node deployments through StageCopying.
const (
	StageQueued     = "queued"
	StageCloning    = "cloning"
	StageCheckout   = "checkout"
	StageInstalling = "installing"
	StageBuilding   = "building"
	StageCopying    = "copying"
	StageDeploying  = "deploying"
	StageSuccess    = "success"
	StageFailed     = "failed"
	StageCancelled  = "cancelled"
)

// Stage statuses.
const (
	StagePending    = "pending"
	StageInProgress = "in_progress"
	StageCompleted  = "completed"
	StageStatusFail = "failed"
	StageStatusStop = "cancelled"
)

// StageLabels maps stage keys to their display names.
var StageLabels = map[string]string{
	StageQueued:     "Queued",
	StageCloning:    "Cloning",
	StageCheckout:   "Checkout",
	StageInstalling: "Installing",
	StageBuilding:   "Building",
	StageCopying:    "Copying",
	StageDeploying:  "Deploying",
	StageSuccess:    "Success",
	StageFailed:     "Failed",
	StageCancelled:  "Cancelled",
}

var stageOrder = []string{
	StageQueued,
	StageCloning,
	StageCheckout,
	StageInstalling,
	StageBuilding,
	StageCopying,
	StageDeploying,
	StageSuccess,
	StageFailed,
	StageCancelled,
}

var stageOrderIndex = func() map[string]int {
	idx := make(map[string]int, len(stageOrder))
	for i, name := range stageOrder {
		idx[name] = i
	}
	return idx
}()

// StageIndex returns the position of a stage in the pipeline ordering.
// Unknown stages sort last.
func StageIndex(key string) int {
	if i, ok := stageOrderIndex[key]; ok {
		return i
	}
	return len(stageOrder)
}

// DeploymentStage is one pipeline step's execution record.
type DeploymentStage struct {
	ID           int64
	DeploymentID string
	StageName    string
	Status       string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	CreatedAt    time.Time
}

// OrderStages sorts stage rows into pipeline order.
func OrderStages(stages []DeploymentStage) []DeploymentStage {
	out := append([]DeploymentStage(nil), stages...)
	sort.SliceStable(out, func(i, j int) bool {
		return StageIndex(out[i].StageName) < StageIndex(out[j].StageName)
	})
	return out
}
