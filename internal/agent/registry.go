// Package agent owns the lifecycle of worker agents: registration on spawn,
// bounded output scrollback, idempotent completion with an on-disk archive,
// and the completed-agent cache.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/logger"
	"github.com/cosdev/cos/internal/events"
	"github.com/cosdev/cos/internal/events/bus"
	"github.com/cosdev/cos/internal/state"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// scrollbackLimit bounds the in-memory output kept per live agent. Older
// lines are dropped FIFO.
const scrollbackLimit = 1000

// ErrAlreadyCompleted is wrapped in the abort error when a completion is
// delivered twice for the same agent.
var ErrAlreadyCompleted = errors.New("agent already completed")

// archive is the persisted per-agent record written on completion.
type archive struct {
	Agent  *v1.Agent `json:"agent"`
	Output []string  `json:"output,omitempty"`
}

// Registry tracks live agents in the state document and completed agents in
// per-agent archive files under agentsDir.
type Registry struct {
	store     *state.Store
	bus       bus.EventBus
	agentsDir string
	logger    *logger.Logger

	mu              sync.Mutex
	scrollback      map[string][]string
	completed       map[string]*v1.Agent
	completedLoaded bool
}

// NewRegistry creates the agent registry.
func NewRegistry(store *state.Store, b bus.EventBus, agentsDir string, log *logger.Logger) *Registry {
	return &Registry{
		store:      store,
		bus:        b,
		agentsDir:  agentsDir,
		logger:     log.WithFields(zap.String("component", "agent-registry")),
		scrollback: make(map[string][]string),
		completed:  make(map[string]*v1.Agent),
	}
}

// Register creates a running agent for a task. At most one running agent may
// own a task id; a second registration is rejected with BAD_REQUEST.
func (r *Registry) Register(ctx context.Context, task *v1.Task, pid int) (*v1.Agent, error) {
	if task == nil || task.ID == "" {
		return nil, v1.NewValidationError("task with id required to register an agent")
	}

	agent := &v1.Agent{
		ID:        "agent-" + uuid.New().String()[:8],
		TaskID:    task.ID,
		Status:    v1.AgentStatusRunning,
		StartedAt: time.Now().UTC(),
		PID:       pid,
		Metadata:  task.Metadata,
	}

	err := r.store.Update(func(st *state.State) error {
		if existing := st.RunningAgentForTask(task.ID); existing != nil {
			return v1.NewBadRequestError(fmt.Sprintf("task %s already has running agent %s", task.ID, existing.ID))
		}
		st.Agents[agent.ID] = agent
		st.Stats.AgentsSpawned++
		return nil
	})
	if err != nil {
		var apiErr *v1.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, err
	}

	r.logger.Info("Registered agent",
		zap.String("agent_id", agent.ID),
		zap.String("task_id", task.ID),
		zap.Int("pid", pid))

	r.publish(ctx, events.AgentSpawned, events.Payload(events.AgentEventData{
		AgentID: agent.ID, TaskID: task.ID, Agent: agent,
	}))
	r.publish(ctx, events.AgentsChanged, events.Payload(events.AgentsChangedData{
		Action: "register", AgentID: agent.ID,
	}))
	return agent, nil
}

// AppendOutput appends one scrollback line for a live agent and republishes
// it on the bus.
func (r *Registry) AppendOutput(ctx context.Context, agentID, line string) {
	r.mu.Lock()
	lines := append(r.scrollback[agentID], line)
	if len(lines) > scrollbackLimit {
		lines = lines[len(lines)-scrollbackLimit:]
	}
	r.scrollback[agentID] = lines
	r.mu.Unlock()

	r.publish(ctx, events.AgentOutput, events.Payload(events.AgentOutputData{
		AgentID: agentID, Line: line,
	}))
}

// Output returns a copy of an agent's scrollback.
func (r *Registry) Output(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.scrollback[agentID]
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// UpdatePID records the pid the spawner reported after process start.
func (r *Registry) UpdatePID(ctx context.Context, agentID string, pid int) error {
	err := r.store.Update(func(st *state.State) error {
		a := st.Agents[agentID]
		if a == nil {
			return v1.NewNotFoundError("agent " + agentID)
		}
		a.PID = pid
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(ctx, events.AgentUpdated, events.Payload(events.AgentEventData{AgentID: agentID}))
	return nil
}

// Complete finishes an agent with a result. Returns alreadyCompleted=true
// (and no error) when the completion was delivered before, so duplicate
// agent.completed events are recorded at most once downstream.
func (r *Registry) Complete(ctx context.Context, agentID string, result *v1.AgentResult) (bool, error) {
	return r.complete(ctx, agentID, result, "complete")
}

// Reap marks a running agent failed on behalf of the zombie sweep.
func (r *Registry) Reap(ctx context.Context, agentID, reason string) (bool, error) {
	return r.complete(ctx, agentID, &v1.AgentResult{
		Success:       false,
		Error:         reason,
		ErrorCategory: "zombie",
	}, "zombie-cleanup")
}

func (r *Registry) complete(ctx context.Context, agentID string, result *v1.AgentResult, action string) (bool, error) {
	if result == nil {
		return false, v1.NewValidationError("completion requires a result")
	}

	var completed *v1.Agent
	err := r.store.Update(func(st *state.State) error {
		a := st.Agents[agentID]
		if a == nil {
			return v1.NewNotFoundError("agent " + agentID)
		}
		if !a.Running() {
			return ErrAlreadyCompleted
		}

		now := time.Now().UTC()
		a.Status = v1.AgentStatusCompleted
		a.CompletedAt = &now
		if result.DurationMs == 0 {
			result.DurationMs = now.Sub(a.StartedAt).Milliseconds()
		}
		a.Result = result

		if result.Success {
			st.Stats.TasksCompleted++
		} else {
			st.Stats.Errors++
		}
		st.Stats.LastAppCompletion[a.Project()] = now

		completed = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			r.logger.Debug("Duplicate completion ignored", zap.String("agent_id", agentID))
			return true, nil
		}
		return false, err
	}

	r.mu.Lock()
	output := r.scrollback[agentID]
	delete(r.scrollback, agentID)
	r.completed[agentID] = completed
	r.mu.Unlock()

	if err := r.writeArchive(completed, output); err != nil {
		r.logger.Error("Failed to write agent archive",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	r.logger.Info("Agent completed",
		zap.String("agent_id", agentID),
		zap.String("task_id", completed.TaskID),
		zap.Bool("success", result.Success),
		zap.Int64("duration_ms", result.DurationMs))

	r.publish(ctx, events.AgentCompleted, events.Payload(events.AgentEventData{
		AgentID: agentID, TaskID: completed.TaskID, Agent: completed,
	}))
	r.publish(ctx, events.AgentsChanged, events.Payload(events.AgentsChangedData{
		Action: action, AgentID: agentID,
	}))
	return false, nil
}

// Get returns an agent by id, checking live state first and then the
// completed cache.
func (r *Registry) Get(agentID string) (*v1.Agent, bool) {
	if a := r.store.Snapshot().Agents[agentID]; a != nil {
		return a, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadCompletedLocked()
	a, ok := r.completed[agentID]
	return a, ok
}

// Running lists the agents currently marked running.
func (r *Registry) Running() []*v1.Agent {
	agents := r.store.Snapshot().RunningAgents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].StartedAt.Before(agents[j].StartedAt) })
	return agents
}

// Completed lists archived agents, newest first. The archive directory is
// scanned once and kept in sync by completions and deletions afterwards.
func (r *Registry) Completed() []*v1.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadCompletedLocked()

	out := make([]*v1.Agent, 0, len(r.completed))
	for _, a := range r.completed {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartedAt, out[j].StartedAt
		if out[i].CompletedAt != nil {
			ti = *out[i].CompletedAt
		}
		if out[j].CompletedAt != nil {
			tj = *out[j].CompletedAt
		}
		return ti.After(tj)
	})
	return out
}

// Delete removes an agent from state, cache, and disk.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	err := r.store.Update(func(st *state.State) error {
		if a := st.Agents[agentID]; a != nil && a.Running() {
			return v1.NewBadRequestError("cannot delete running agent " + agentID)
		}
		delete(st.Agents, agentID)
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.completed, agentID)
	delete(r.scrollback, agentID)
	r.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(r.agentsDir, agentID)); err != nil {
		r.logger.Warn("Failed to remove agent archive dir",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	r.publish(ctx, events.AgentsChanged, events.Payload(events.AgentsChangedData{
		Action: "delete", AgentID: agentID,
	}))
	return nil
}

// ClearCompleted drops every completed agent from state, cache, and disk.
// Returns the number removed.
func (r *Registry) ClearCompleted(ctx context.Context) (int, error) {
	var removed []string
	err := r.store.Update(func(st *state.State) error {
		for id, a := range st.Agents {
			if !a.Running() {
				removed = append(removed, id)
				delete(st.Agents, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.loadCompletedLocked()
	for id := range r.completed {
		removed = append(removed, id)
	}
	r.completed = make(map[string]*v1.Agent)
	r.mu.Unlock()

	seen := make(map[string]bool, len(removed))
	count := 0
	for _, id := range removed {
		if seen[id] {
			continue
		}
		seen[id] = true
		count++
		if err := os.RemoveAll(filepath.Join(r.agentsDir, id)); err != nil {
			r.logger.Warn("Failed to remove agent archive dir",
				zap.String("agent_id", id), zap.Error(err))
		}
	}

	r.publish(ctx, events.AgentsChanged, events.Payload(events.AgentsChangedData{
		Action: "clear-completed",
	}))
	return count, nil
}

func (r *Registry) writeArchive(a *v1.Agent, output []string) error {
	dir := filepath.Join(r.agentsDir, a.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(&archive{Agent: a, Output: output}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "metadata.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadCompletedLocked lazily scans the archive directory into the cache.
func (r *Registry) loadCompletedLocked() {
	if r.completedLoaded {
		return
	}
	r.completedLoaded = true

	entries, err := os.ReadDir(r.agentsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Failed to scan agent archive dir", zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(r.agentsDir, entry.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var arch archive
		if err := json.Unmarshal(raw, &arch); err != nil || arch.Agent == nil {
			r.logger.Warn("Skipping unreadable agent archive", zap.String("agent_id", entry.Name()))
			continue
		}
		r.completed[arch.Agent.ID] = arch.Agent
	}
}

func (r *Registry) publish(ctx context.Context, subject string, data map[string]interface{}) {
	evt := bus.NewEvent(subject, "agent-registry", data)
	if err := r.bus.Publish(ctx, subject, evt); err != nil {
		r.logger.Error("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
