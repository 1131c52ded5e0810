package v1

import (
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskOrigin identifies where a task came from
type TaskOrigin string

const (
	TaskOriginUser     TaskOrigin = "user"
	TaskOriginInternal TaskOrigin = "internal"
)

// TaskPriority is the priority label attached to a task
type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "CRITICAL"
	TaskPriorityHigh     TaskPriority = "HIGH"
	TaskPriorityMedium   TaskPriority = "MEDIUM"
	TaskPriorityLow      TaskPriority = "LOW"
)

// Value returns the numeric weight of the priority (higher = more urgent)
func (p TaskPriority) Value() int {
	switch p {
	case TaskPriorityCritical:
		return 4
	case TaskPriorityHigh:
		return 3
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 1
	default:
		return 0
	}
}

// ParseTaskPriority parses a priority label, defaulting to MEDIUM
func ParseTaskPriority(s string) TaskPriority {
	switch TaskPriority(strings.ToUpper(s)) {
	case TaskPriorityCritical, TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
		return TaskPriority(strings.ToUpper(s))
	default:
		return TaskPriorityMedium
	}
}

// SelfProject is the project key used for tasks that are not scoped to an app
const SelfProject = "_self"

// TaskMetadata carries the fields the orchestrator inspects plus free-form
// pass-through attributes for the spawner.
type TaskMetadata struct {
	App          string `json:"app,omitempty"`
	AnalysisType string `json:"analysisType,omitempty"`
	TaskType     string `json:"taskType,omitempty"`
	ReviewType   string `json:"reviewType,omitempty"`
	Mission      string `json:"mission,omitempty"`
	MissionID    string `json:"missionId,omitempty"`
	JobID        string `json:"jobId,omitempty"`
	Model        string `json:"model,omitempty"`
	ModelTier    string `json:"modelTier,omitempty"`
	ProviderID   string `json:"providerId,omitempty"`
	RepoPath     string `json:"repoPath,omitempty"`
	Prompt       string `json:"prompt,omitempty"`

	// Extra holds pass-through attributes the orchestrator does not inspect.
	Extra map[string]string `json:"extra,omitempty"`
}

// Project returns the per-project concurrency key for the task
func (m TaskMetadata) Project() string {
	if m.App == "" {
		return SelfProject
	}
	return m.App
}

// Task represents a unit of work executed by exactly one agent at a time
type Task struct {
	ID               string       `json:"id"`
	Description      string       `json:"description"`
	Priority         TaskPriority `json:"priority"`
	Status           TaskStatus   `json:"status"`
	Origin           TaskOrigin   `json:"origin"`
	ApprovalRequired bool         `json:"approval_required,omitempty"`
	AutoApproved     bool         `json:"auto_approved,omitempty"`
	Metadata         TaskMetadata `json:"metadata"`
	CreatedAt        time.Time    `json:"created_at,omitempty"`
}

// Dispatchable reports whether the task may be handed to the spawner:
// pending, and either approval-free or already approved.
func (t *Task) Dispatchable() bool {
	if t.Status != TaskStatusPending {
		return false
	}
	if t.ApprovalRequired && !t.AutoApproved {
		return false
	}
	return true
}
