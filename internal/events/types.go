// Package events provides event subjects and payload types for the CoS event system.
package events

import "encoding/json"

// Event subjects for tasks
const (
	TaskReady             = "task.ready"               // orchestrator -> spawner: spawn this task
	TaskOnDemandRequested = "task.on-demand-requested" // trigger API -> orchestrator
	TasksChanged          = "tasks.changed"            // task file edited or rewritten
)

// Event subjects for agents
const (
	AgentSpawned   = "agent.spawned"   // spawner acknowledged a task.ready
	AgentUpdated   = "agent.updated"   // live agent metadata changed
	AgentCompleted = "agent.completed" // agent finished (success or failure)
	AgentOutput    = "agent.output"    // one scrollback line
	AgentTerminate = "agent.terminate" // orchestrator -> spawner: stop an agent
	AgentKill      = "agent.kill"      // orchestrator -> spawner: force-kill an agent
	AgentsChanged  = "agents.changed"  // agent registry mutated
)

// Event subjects for supervisor status
const (
	ConfigChanged = "config.changed"
	Status        = "status"
	StatusPaused  = "status.paused"
	StatusResumed = "status.resumed"
)

// Event subjects for health checks
const (
	HealthCheck    = "health.check"
	HealthCritical = "health.critical"
)

// Event subjects for scheduling and learning
const (
	ScheduleChanged         = "schedule.changed"
	Log                     = "log"
	LearningRecommendations = "learning.recommendations"
	JobSpawned              = "job.spawned"
)

// Memory extraction boundary. The core never publishes these; the wildcard
// exists so the façade can forward the whole family.
const (
	MemoryWildcard = "memory.>"
)

// TaskReadyData is the payload of a task.ready event. It carries the full
// task record the spawner needs to invoke the external tool.
type TaskReadyData struct {
	TaskID   string `json:"task_id"`
	Reason   string `json:"reason"`
	Priority string `json:"priority,omitempty"`
	Task     any    `json:"task"`
}

// TasksChangedData is the payload of a tasks.changed event.
type TasksChangedData struct {
	File   string `json:"file"`   // "user" or "system"
	Action string `json:"action"` // "external-edit", "append", "status-update"
}

// AgentEventData is the payload of agent.spawned / agent.completed events.
type AgentEventData struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Agent   any    `json:"agent,omitempty"`
}

// AgentsChangedData is the payload of an agents.changed event.
type AgentsChangedData struct {
	Action  string `json:"action"` // "register", "complete", "delete", "zombie-cleanup", "clear-completed"
	AgentID string `json:"agent_id,omitempty"`
}

// AgentOutputData is one line of agent scrollback.
type AgentOutputData struct {
	AgentID string `json:"agent_id"`
	Line    string `json:"line"`
}

// OnDemandRequestedData is the payload of a task.on-demand-requested event.
type OnDemandRequestedData struct {
	RequestID string `json:"request_id"`
	TaskType  string `json:"task_type"`
	AppID     string `json:"app_id,omitempty"`
}

// HealthCheckData is the payload of health.check / health.critical events.
type HealthCheckData struct {
	Online    int      `json:"online"`
	Errored   int      `json:"errored"`
	Stopped   int      `json:"stopped"`
	Issues    []string `json:"issues,omitempty"`
	Restarted []string `json:"restarted,omitempty"`
}

// StatusData is the payload of status.paused / status.resumed events.
type StatusData struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// RecommendationsData is the payload of a learning.recommendations event.
type RecommendationsData struct {
	Recommendations []string `json:"recommendations"`
}

// Payload converts a typed payload struct into the map form carried by
// bus.Event.Data.
func Payload(v any) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// Decode unmarshals an event data map into a typed payload struct.
func Decode(data map[string]interface{}, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
