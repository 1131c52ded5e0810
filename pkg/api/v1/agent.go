package v1

import "time"

// AgentStatus represents the state of an agent execution
type AgentStatus string

const (
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
)

// ModelTier is a coarse model class used for routing feedback
const (
	ModelTierLight   = "light"
	ModelTierMedium  = "medium"
	ModelTierHeavy   = "heavy"
	ModelTierUnknown = "unknown"
)

// AgentResult holds the outcome of a finished agent
type AgentResult struct {
	Success       bool   `json:"success"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	ErrorDetails  string `json:"error_details,omitempty"`
}

// Agent represents a worker sub-agent owning exactly one task
type Agent struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Status      AgentStatus  `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	PID         int          `json:"pid,omitempty"`
	Result      *AgentResult `json:"result,omitempty"`
	Metadata    TaskMetadata `json:"metadata"`
}

// ModelTier returns the tier label the agent ran on, or "unknown"
func (a *Agent) ModelTier() string {
	if a.Metadata.ModelTier == "" {
		return ModelTierUnknown
	}
	return a.Metadata.ModelTier
}

// Project returns the per-project concurrency key for the agent
func (a *Agent) Project() string {
	return a.Metadata.Project()
}

// Running reports whether the agent is still executing
func (a *Agent) Running() bool {
	return a.Status == AgentStatusRunning
}
