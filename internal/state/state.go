// Package state owns the monolithic persisted state document and the
// single-writer store that serializes every mutation of it.
package state

import (
	"time"

	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// Config is the runtime-mutable portion of the supervisor configuration.
// It lives inside the state document so changes survive restarts and are
// merged with defaults on load.
type Config struct {
	MaxConcurrentAgents           int   `json:"maxConcurrentAgents"`
	MaxConcurrentAgentsPerProject int   `json:"maxConcurrentAgentsPerProject"`
	AppReviewCooldownMs           int64 `json:"appReviewCooldownMs"`
	ProactiveMode                 bool  `json:"proactiveMode"`
	EvaluationIntervalMs          int64 `json:"evaluationIntervalMs"`
	HealthCheckIntervalMs         int64 `json:"healthCheckIntervalMs"`
}

// Stats holds the supervisor counters and timestamps.
type Stats struct {
	TasksCompleted          int                  `json:"tasksCompleted"`
	AgentsSpawned           int                  `json:"agentsSpawned"`
	Errors                  int                  `json:"errors"`
	EvaluationCount         int                  `json:"evaluationCount"`
	LastEvaluation          time.Time            `json:"lastEvaluation,omitempty"`
	LastHealthCheck         time.Time            `json:"lastHealthCheck,omitempty"`
	LastSelfImprovement     time.Time            `json:"lastSelfImprovement,omitempty"`
	LastIdleReview          time.Time            `json:"lastIdleReview,omitempty"`
	LastSelfImprovementType string               `json:"lastSelfImprovementType,omitempty"`
	LastAppCompletion       map[string]time.Time `json:"lastAppCompletion,omitempty"`
	Health                  *HealthReport        `json:"health,omitempty"`
}

// HealthReport is the stashed result of the latest process-manager sweep.
type HealthReport struct {
	CheckedAt time.Time `json:"checkedAt"`
	Online    int       `json:"online"`
	Errored   int       `json:"errored"`
	Stopped   int       `json:"stopped"`
	Issues    []string  `json:"issues,omitempty"`
	Restarted []string  `json:"restarted,omitempty"`
}

// Mission is a proactive-mode task generator.
type Mission struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Prompt     string    `json:"prompt"`
	App        string    `json:"app,omitempty"`
	Active     bool      `json:"active"`
	IntervalMs int64     `json:"intervalMs"`
	NextDue    time.Time `json:"nextDue,omitempty"`
}

// Job is an autonomous recurring job definition.
type Job struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Prompt      string    `json:"prompt,omitempty"`
	App         string    `json:"app,omitempty"`
	Enabled     bool      `json:"enabled"`
	IntervalMs  int64     `json:"intervalMs"`
	NextDue     time.Time `json:"nextDue,omitempty"`
}

// State is the authoritative persisted envelope.
type State struct {
	Running     bool                 `json:"running"`
	Paused      bool                 `json:"paused"`
	PausedAt    *time.Time           `json:"pausedAt,omitempty"`
	PauseReason string               `json:"pauseReason,omitempty"`
	Config      Config               `json:"config"`
	Stats       Stats                `json:"stats"`
	Agents      map[string]*v1.Agent `json:"agents"`
	Missions    []*Mission           `json:"missions,omitempty"`
	Jobs        []*Job               `json:"jobs,omitempty"`
	LastUpdated time.Time            `json:"lastUpdated,omitempty"`
}

// Default returns a fresh state document with default configuration.
// Loading unmarshals over this value, so keys missing from an older file
// pick up the defaults without migration.
func Default() *State {
	return &State{
		Config: Config{
			MaxConcurrentAgents:           3,
			MaxConcurrentAgentsPerProject: 2,
			AppReviewCooldownMs:           30 * 60 * 1000,
			ProactiveMode:                 true,
			EvaluationIntervalMs:          60 * 1000,
			HealthCheckIntervalMs:         15 * 60 * 1000,
		},
		Stats: Stats{
			LastAppCompletion: make(map[string]time.Time),
		},
		Agents: make(map[string]*v1.Agent),
	}
}

// RunningAgents returns the agents currently marked running.
func (s *State) RunningAgents() []*v1.Agent {
	var out []*v1.Agent
	for _, a := range s.Agents {
		if a.Running() {
			out = append(out, a)
		}
	}
	return out
}

// RunningAgentsByProject counts running agents per project key.
func (s *State) RunningAgentsByProject() map[string]int {
	counts := make(map[string]int)
	for _, a := range s.Agents {
		if a.Running() {
			counts[a.Project()]++
		}
	}
	return counts
}

// RunningAgentForTask returns the running agent owning the given task, if any.
func (s *State) RunningAgentForTask(taskID string) *v1.Agent {
	for _, a := range s.Agents {
		if a.Running() && a.TaskID == taskID {
			return a
		}
	}
	return nil
}
