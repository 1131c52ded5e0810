// Package schedule decides when each task type is eligible to run: interval
// policies per task type, per-app overrides, execution history, and the
// on-demand request queue.
package schedule

import "time"

// DocumentVersion is the current schema version of the schedule file.
// Version 1 kept separate selfImprovement/appImprovement maps; version 2
// unifies them into a single tasks map.
const DocumentVersion = 2

// IntervalType determines how a task type's eligibility is computed.
type IntervalType string

const (
	IntervalRotation IntervalType = "rotation"  // eligible whenever rotation reaches it
	IntervalDaily    IntervalType = "daily"     // wall-clock 24h since last run
	IntervalWeekly   IntervalType = "weekly"    // wall-clock 7d since last run
	IntervalOnce     IntervalType = "once"      // at most one execution per scope
	IntervalOnDemand IntervalType = "on-demand" // only via the on-demand queue
	IntervalCustom   IntervalType = "custom"    // entry-provided intervalMs
)

// Override is a per-app adjustment of an entry. Nil fields inherit the
// entry's values.
type Override struct {
	Enabled *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Type    *IntervalType `json:"type,omitempty" yaml:"type,omitempty"`
}

// Entry is the policy for one task type.
type Entry struct {
	Type       IntervalType         `json:"type" yaml:"type"`
	Enabled    bool                 `json:"enabled" yaml:"enabled"`
	IntervalMs int64                `json:"intervalMs,omitempty" yaml:"intervalMs,omitempty"` // custom type only
	ProviderID string               `json:"providerId,omitempty" yaml:"providerId,omitempty"`
	Model      string               `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt     string               `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	PerApp     map[string]*Override `json:"perApp,omitempty" yaml:"perApp,omitempty"`
}

// overrideFor returns the app-scoped override, or nil.
func (e *Entry) overrideFor(appID string) *Override {
	if appID == "" || e.PerApp == nil {
		return nil
	}
	return e.PerApp[appID]
}

// Execution is the run history for one task type, with optional per-app
// sub-records.
type Execution struct {
	LastRun time.Time             `json:"lastRun,omitempty"`
	Count   int                   `json:"count"`
	PerApp  map[string]*Execution `json:"perApp,omitempty"`
}

// OnDemandRequest asks for one task of a given type on the next evaluation,
// bypassing rotation and cooldowns. Requests never expire on their own.
type OnDemandRequest struct {
	ID          string    `json:"id"`
	TaskType    string    `json:"taskType"`
	AppID       string    `json:"appId,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Document is the persisted schedule store.
type Document struct {
	Version     int                   `json:"version"`
	Tasks       map[string]*Entry     `json:"tasks"`
	Executions  map[string]*Execution `json:"executions"`
	OnDemand    []*OnDemandRequest    `json:"onDemand,omitempty"`
	LastUpdated time.Time             `json:"lastUpdated,omitempty"`
}

func (d *Document) normalize() {
	if d.Tasks == nil {
		d.Tasks = make(map[string]*Entry)
	}
	if d.Executions == nil {
		d.Executions = make(map[string]*Execution)
	}
}

// Decision is the outcome of an eligibility check.
type Decision struct {
	ShouldRun bool       `json:"shouldRun"`
	Reason    string     `json:"reason"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	Policy    string     `json:"policy,omitempty"` // learning policy tag when consulted
}

// Decision reasons.
const (
	ReasonRotation      = "rotation"
	ReasonDue           = "due"
	ReasonCooldown      = "cooldown"
	ReasonFirstRun      = "first-run"
	ReasonOnceCompleted = "once-completed"
	ReasonOnDemandOnly  = "on-demand-only"
	ReasonDisabled      = "disabled"
	ReasonDisabledApp   = "disabled-for-app"
	ReasonSkipFailing   = "skip-failing"
	ReasonUnknownType   = "unknown-task-type"
	ReasonDailyDue      = "daily-due"
	ReasonWeeklyDue     = "weekly-due"
	ReasonOnceDue       = "once-due"
	ReasonNone          = "none"
)

// executionKey is the history key for a task type.
func executionKey(taskType string) string { return "task:" + taskType }

// LearningKey is the learning-store bucket key for a schedule task type.
func LearningKey(taskType string) string { return "task:" + taskType }
