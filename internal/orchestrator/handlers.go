package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/events"
	"github.com/cosdev/cos/internal/events/bus"
	"github.com/cosdev/cos/internal/task"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// subscribeHandlers wires the orchestrator into the bus. The registry
// persists completions before publishing, so the completed handler always
// sees the final agent record.
func (s *Service) subscribeHandlers() error {
	type sub struct {
		subject string
		handler bus.EventHandler
	}
	for _, entry := range []sub{
		{events.AgentCompleted, s.onAgentCompleted},
		{events.AgentSpawned, s.onAgentSpawned},
		{events.TasksChanged, s.onTasksChanged},
		{events.TaskOnDemandRequested, s.onOnDemandRequested},
	} {
		subscription, err := s.bus.Subscribe(entry.subject, entry.handler)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, subscription)
		s.mu.Unlock()
	}
	return nil
}

// onAgentCompleted routes a completion into learning, reflects it in the
// task file, and dequeues at most one next task.
func (s *Service) onAgentCompleted(ctx context.Context, event *bus.Event) error {
	var data events.AgentEventData
	if err := events.Decode(event.Data, &data); err != nil {
		s.logger.Warn("Malformed agent.completed payload", zap.Error(err))
		return nil
	}

	agent, ok := s.registry.Get(data.AgentID)
	if !ok || agent.Result == nil {
		s.logger.Warn("Completion for unknown agent", zap.String("agent_id", data.AgentID))
		return nil
	}

	s.mu.Lock()
	delete(s.inFlight, agent.TaskID)
	s.mu.Unlock()

	status := v1.TaskStatusCompleted
	if !agent.Result.Success {
		status = v1.TaskStatusFailed
	}
	completedTask := s.updateTaskStatus(ctx, agent.TaskID, status)
	if completedTask == nil {
		// Task no longer in either file; learn from the agent's metadata.
		completedTask = &v1.Task{
			ID:       agent.TaskID,
			Origin:   v1.TaskOriginInternal,
			Metadata: agent.Metadata,
		}
	}

	if err := s.learning.RecordTaskCompletion(agent, completedTask); err != nil {
		s.logger.Error("Failed to record completion in learning store",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}

	s.dequeueNext(ctx)
	return nil
}

// onAgentSpawned clears the in-flight guard and marks the task in progress.
func (s *Service) onAgentSpawned(ctx context.Context, event *bus.Event) error {
	var data events.AgentEventData
	if err := events.Decode(event.Data, &data); err != nil {
		return nil
	}
	s.mu.Lock()
	delete(s.inFlight, data.TaskID)
	s.mu.Unlock()

	s.updateTaskStatus(ctx, data.TaskID, v1.TaskStatusInProgress)
	return nil
}

// onTasksChanged is the fast path for externally added tasks.
func (s *Service) onTasksChanged(_ context.Context, event *bus.Event) error {
	var data events.TasksChangedData
	if err := events.Decode(event.Data, &data); err != nil {
		return nil
	}
	// Our own status rewrites do not warrant a new evaluation.
	if data.Action == "status-update" {
		return nil
	}
	s.TriggerEvaluation()
	return nil
}

func (s *Service) onOnDemandRequested(_ context.Context, _ *bus.Event) error {
	s.TriggerEvaluation()
	return nil
}

// updateTaskStatus updates a task in whichever file owns it and returns the
// task record, or nil when neither file knows the id.
func (s *Service) updateTaskStatus(ctx context.Context, taskID string, status v1.TaskStatus) *v1.Task {
	files := []struct {
		file *task.File
		name string
	}{
		{s.userFile, "user"},
		{s.sysFile, "system"},
	}
	for _, entry := range files {
		err := entry.file.UpdateStatus(taskID, status)
		if err == nil {
			s.publish(ctx, events.TasksChanged, events.Payload(events.TasksChangedData{
				File: entry.name, Action: "status-update",
			}))
			return findTask(entry.file, taskID)
		}
		var apiErr *v1.APIError
		if errors.As(err, &apiErr) && apiErr.Code == v1.ErrCodeNotFound {
			continue
		}
		s.logger.Error("Failed to update task status",
			zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	return nil
}

func findTask(f *task.File, taskID string) *v1.Task {
	tasks, err := f.Load()
	if err != nil {
		return nil
	}
	for _, t := range tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

// dequeueNext dispatches at most one task after a completion: user pending
// first, then auto-approved system tasks, honoring admission and cooldown.
func (s *Service) dequeueNext(ctx context.Context) {
	st := s.store.Snapshot()
	if !st.Running || st.Paused {
		return
	}
	now := time.Now().UTC()

	s.mu.Lock()
	inFlightCount := len(s.inFlight)
	inFlightTasks := make(map[string]bool, inFlightCount)
	for id := range s.inFlight {
		inFlightTasks[id] = true
	}
	s.mu.Unlock()

	adm := newAdmission(
		st.Config.MaxConcurrentAgents,
		st.Config.MaxConcurrentAgentsPerProject,
		len(st.RunningAgents())+inFlightCount,
		st.RunningAgentsByProject(),
	)
	if adm.slotsLeft() == 0 {
		return
	}

	if userTasks, err := s.userFile.Load(); err == nil {
		for _, t := range userTasks {
			if !t.Dispatchable() || inFlightTasks[t.ID] {
				continue
			}
			if ok, _ := adm.admit(t.Metadata.Project()); !ok {
				continue
			}
			s.dispatch(ctx, t, "dequeue-after-completion")
			return
		}
	}

	cooldown := time.Duration(st.Config.AppReviewCooldownMs) * time.Millisecond
	if sysTasks, err := s.sysFile.Load(); err == nil {
		for _, t := range sysTasks {
			if !t.Dispatchable() || inFlightTasks[t.ID] {
				continue
			}
			project := t.Metadata.Project()
			if last, ok := st.Stats.LastAppCompletion[project]; ok && now.Sub(last) < cooldown {
				continue
			}
			if ok, _ := adm.admit(project); !ok {
				continue
			}
			s.dispatch(ctx, t, "dequeue-after-completion")
			return
		}
	}
}
