package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/events"
	"github.com/cosdev/cos/internal/learning"
	"github.com/cosdev/cos/internal/schedule"
	"github.com/cosdev/cos/internal/state"
	"github.com/cosdev/cos/internal/task"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// Periodic actions by evaluation count.
const (
	perfSummaryEvery     = 10
	recommendationsEvery = 20
	rehabilitationEvery  = 100
)

// evaluate runs one tick of the loop: build the candidate list in priority
// order and emit task.ready for every admitted candidate. Each branch is
// guarded so one failure never skips the next priority.
func (s *Service) evaluate(ctx context.Context) {
	st := s.store.Snapshot()
	if !st.Running {
		return
	}
	if st.Paused {
		s.decisions.record(Decision{Action: "skip", Reason: decisionPaused, Detail: st.PauseReason})
		return
	}

	now := time.Now().UTC()
	if err := s.store.Update(func(st *state.State) error {
		st.Stats.LastEvaluation = now
		return nil
	}); err != nil {
		s.logger.Error("Failed to stamp evaluation", zap.Error(err))
	}
	st = s.store.Snapshot()

	userTasks, err := s.userFile.Load()
	if err != nil {
		s.logger.Error("Failed to load user tasks", zap.Error(err))
	}
	sysTasks, err := s.sysFile.Load()
	if err != nil {
		s.logger.Error("Failed to load system tasks", zap.Error(err))
	}

	// In-flight dispatches count against both budgets until the spawner
	// acknowledges them.
	s.expireInFlight(now)
	running := len(st.RunningAgents())
	byProject := st.RunningAgentsByProject()
	s.mu.Lock()
	inFlightCount := len(s.inFlight)
	inFlightTasks := make(map[string]bool, inFlightCount)
	for id := range s.inFlight {
		inFlightTasks[id] = true
	}
	s.mu.Unlock()
	for _, t := range append(append([]*v1.Task{}, userTasks...), sysTasks...) {
		if inFlightTasks[t.ID] {
			byProject[t.Metadata.Project()]++
		}
	}

	adm := newAdmission(
		st.Config.MaxConcurrentAgents,
		st.Config.MaxConcurrentAgentsPerProject,
		running+inFlightCount,
		byProject,
	)

	userPending := pendingTasks(userTasks, inFlightTasks)
	dispatched := 0

	if adm.slotsLeft() == 0 {
		s.decisions.record(Decision{Action: "defer", Reason: decisionCapacityFull,
			Detail: fmt.Sprintf("running=%d, limit=%d", running+inFlightCount, st.Config.MaxConcurrentAgents)})
		s.finishEvaluation(ctx, now, 0)
		return
	}

	dispatched += s.drainOnDemand(ctx, adm, now)
	dispatched += s.dispatchUserTasks(ctx, adm, userPending)
	dispatched += s.dispatchSystemTasks(ctx, adm, st, sysTasks, inFlightTasks, now)

	if len(userPending) == 0 {
		s.enqueueScheduledTasks(ctx, sysTasks, now)
	}

	if st.Config.ProactiveMode && len(userPending) == 0 {
		dispatched += s.dispatchMissions(ctx, adm, now)
	}
	dispatched += s.dispatchJobs(ctx, adm, now)

	if dispatched == 0 && len(userPending) == 0 && !anyDispatchable(sysTasks) {
		dispatched += s.dispatchIdleReview(ctx, adm, st, now)
	}

	if dispatched == 0 {
		s.recordNoActionDecision(userPending, sysTasks)
	}
	s.finishEvaluation(ctx, now, dispatched)
}

func pendingTasks(tasks []*v1.Task, inFlight map[string]bool) []*v1.Task {
	var out []*v1.Task
	for _, t := range tasks {
		if t.Status == v1.TaskStatusPending && !inFlight[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

func anyDispatchable(tasks []*v1.Task) bool {
	for _, t := range tasks {
		if t.Dispatchable() {
			return true
		}
	}
	return false
}

// drainOnDemand is priority 0: consume the on-demand queue, bypassing
// rotation and scheduled cooldowns.
func (s *Service) drainOnDemand(ctx context.Context, adm *admission, now time.Time) int {
	dispatched := 0
	for _, req := range s.schedule.PendingOnDemand() {
		entry, ok := s.schedule.Entry(req.TaskType)
		if !ok {
			s.logger.Warn("Dropping on-demand request for unknown task type",
				zap.String("task_type", req.TaskType))
			_ = s.schedule.Clear(req.ID)
			continue
		}

		project := v1.SelfProject
		if req.AppID != "" {
			project = req.AppID
		}
		if ok, detail := adm.admit(project); !ok {
			s.decisions.record(Decision{Action: "defer", Reason: decisionCapacityFull, Detail: detail})
			continue
		}

		if err := s.schedule.Clear(req.ID); err != nil {
			s.logger.Error("Failed to clear on-demand request", zap.Error(err))
		}
		if err := s.schedule.RecordExecution(req.TaskType, req.AppID, now); err != nil {
			s.logger.Error("Failed to record on-demand execution", zap.Error(err))
		}

		t := s.buildScheduledTask(req.TaskType, req.AppID, entry, now)
		if err := s.sysFile.Append(t); err != nil {
			s.logger.Error("Failed to append on-demand task", zap.Error(err))
		}
		s.dispatch(ctx, t, "on-demand")
		dispatched++
	}
	return dispatched
}

// dispatchUserTasks is priority 1: user pending tasks in file order.
func (s *Service) dispatchUserTasks(ctx context.Context, adm *admission, pending []*v1.Task) int {
	dispatched := 0
	for _, t := range pending {
		if !t.Dispatchable() {
			continue
		}
		if ok, detail := adm.admit(t.Metadata.Project()); !ok {
			s.decisions.record(Decision{Action: "defer", Reason: decisionCapacityFull,
				TaskID: t.ID, Detail: detail})
			continue
		}
		s.dispatch(ctx, t, "user-pending")
		dispatched++
	}
	return dispatched
}

// dispatchSystemTasks is priority 2: auto-approved system tasks whose app
// cooldown is not active.
func (s *Service) dispatchSystemTasks(ctx context.Context, adm *admission, st *state.State, sysTasks []*v1.Task, inFlight map[string]bool, now time.Time) int {
	cooldown := time.Duration(st.Config.AppReviewCooldownMs) * time.Millisecond
	dispatched := 0
	for _, t := range sysTasks {
		if !t.Dispatchable() || inFlight[t.ID] {
			continue
		}
		project := t.Metadata.Project()
		if last, ok := st.Stats.LastAppCompletion[project]; ok && now.Sub(last) < cooldown {
			s.decisions.record(Decision{Action: "defer", Reason: decisionCooldownActive,
				TaskID: t.ID,
				Detail: fmt.Sprintf("app=%s, cooldownMs=%d", project, st.Config.AppReviewCooldownMs)})
			continue
		}
		if ok, detail := adm.admit(project); !ok {
			s.decisions.record(Decision{Action: "defer", Reason: decisionCapacityFull,
				TaskID: t.ID, Detail: detail})
			continue
		}
		s.dispatch(ctx, t, "system-auto-approved")
		dispatched++
	}
	return dispatched
}

// enqueueScheduledTasks appends schedule-due improvement tasks to the system
// file so this tick or a later one picks them up. Runs independently of
// remaining slots, but only when the user has nothing pending.
func (s *Service) enqueueScheduledTasks(ctx context.Context, sysTasks []*v1.Task, now time.Time) {
	appended := false
	for _, app := range s.appScopes() {
		taskType, reason := s.schedule.NextTaskType(app, "", now)
		if taskType == "" || reason == schedule.ReasonRotation {
			continue
		}
		if hasQueuedAnalysis(sysTasks, taskType, app) {
			continue
		}
		entry, ok := s.schedule.Entry(taskType)
		if !ok {
			continue
		}

		t := s.buildScheduledTask(taskType, app, entry, now)
		if err := s.sysFile.Append(t); err != nil {
			s.logger.Error("Failed to enqueue scheduled task", zap.Error(err))
			continue
		}
		if err := s.schedule.RecordExecution(taskType, app, now); err != nil {
			s.logger.Error("Failed to record scheduled execution", zap.Error(err))
		}
		sysTasks = append(sysTasks, t)
		appended = true
		s.logger.Info("Enqueued scheduled task",
			zap.String("task_type", taskType),
			zap.String("app", app),
			zap.String("reason", reason))
	}
	if appended {
		s.publish(ctx, events.TasksChanged, events.Payload(events.TasksChangedData{
			File: "system", Action: "append",
		}))
	}
}

// appScopes lists the review scopes: every configured app plus the
// supervisor itself.
func (s *Service) appScopes() []string {
	scopes := make([]string, 0, len(s.apps)+1)
	for _, app := range s.apps {
		scopes = append(scopes, app.ID)
	}
	scopes = append(scopes, "")
	return scopes
}

func hasQueuedAnalysis(tasks []*v1.Task, analysisType, app string) bool {
	for _, t := range tasks {
		if t.Status != v1.TaskStatusPending && t.Status != v1.TaskStatusInProgress {
			continue
		}
		if t.Metadata.AnalysisType == analysisType && t.Metadata.App == app {
			return true
		}
	}
	return false
}

// dispatchMissions is priority 3: proactive mission-driven tasks.
func (s *Service) dispatchMissions(ctx context.Context, adm *admission, now time.Time) int {
	dispatched := 0
	st := s.store.Snapshot()
	for _, m := range st.Missions {
		if !m.Active || now.Before(m.NextDue) {
			continue
		}
		if adm.slotsLeft() == 0 {
			break
		}
		project := v1.SelfProject
		if m.App != "" {
			project = m.App
		}
		if ok, detail := adm.admit(project); !ok {
			s.decisions.record(Decision{Action: "defer", Reason: decisionCapacityFull, Detail: detail})
			continue
		}

		t := &v1.Task{
			ID:           task.NewTaskID(v1.TaskOriginInternal),
			Description:  fmt.Sprintf("Mission %s", m.Name),
			Priority:     v1.TaskPriorityMedium,
			Status:       v1.TaskStatusPending,
			Origin:       v1.TaskOriginInternal,
			AutoApproved: true,
			CreatedAt:    now,
			Metadata: v1.TaskMetadata{
				App:       m.App,
				Mission:   m.Name,
				MissionID: m.ID,
				Prompt:    m.Prompt,
			},
		}
		if err := s.sysFile.Append(t); err != nil {
			s.logger.Error("Failed to append mission task", zap.Error(err))
			continue
		}

		missionID := m.ID
		if err := s.store.Update(func(st *state.State) error {
			for _, sm := range st.Missions {
				if sm.ID == missionID {
					sm.NextDue = now.Add(time.Duration(sm.IntervalMs) * time.Millisecond)
				}
			}
			return nil
		}); err != nil {
			s.logger.Error("Failed to advance mission", zap.Error(err))
		}

		s.dispatch(ctx, t, "mission")
		dispatched++
	}
	return dispatched
}

// dispatchJobs is priority 3.5: autonomous recurring jobs past their due time.
func (s *Service) dispatchJobs(ctx context.Context, adm *admission, now time.Time) int {
	dispatched := 0
	st := s.store.Snapshot()
	for _, j := range st.Jobs {
		if !j.Enabled || now.Before(j.NextDue) {
			continue
		}
		project := v1.SelfProject
		if j.App != "" {
			project = j.App
		}
		if ok, detail := adm.admit(project); !ok {
			s.decisions.record(Decision{Action: "defer", Reason: decisionCapacityFull, Detail: detail})
			continue
		}

		t := &v1.Task{
			ID:           task.NewTaskID(v1.TaskOriginInternal),
			Description:  j.Description,
			Priority:     v1.TaskPriorityLow,
			Status:       v1.TaskStatusPending,
			Origin:       v1.TaskOriginInternal,
			AutoApproved: true,
			CreatedAt:    now,
			Metadata: v1.TaskMetadata{
				App:    j.App,
				JobID:  j.ID,
				Prompt: j.Prompt,
			},
		}
		if err := s.sysFile.Append(t); err != nil {
			s.logger.Error("Failed to append job task", zap.Error(err))
			continue
		}

		jobID := j.ID
		if err := s.store.Update(func(st *state.State) error {
			for _, sj := range st.Jobs {
				if sj.ID == jobID {
					sj.NextDue = now.Add(time.Duration(sj.IntervalMs) * time.Millisecond)
				}
			}
			return nil
		}); err != nil {
			s.logger.Error("Failed to advance job", zap.Error(err))
		}

		s.dispatch(ctx, t, "job")
		s.publish(ctx, events.JobSpawned, events.Payload(map[string]string{
			"job_id": jobID, "task_id": t.ID,
		}))
		dispatched++
	}
	return dispatched
}

// buildScheduledTask constructs the task for a schedule entry, self-scoped
// or app-scoped.
func (s *Service) buildScheduledTask(taskType, appID string, entry schedule.Entry, now time.Time) *v1.Task {
	scope := "the supervisor itself"
	repoPath := ""
	if appID != "" {
		scope = appID
		for _, app := range s.apps {
			if app.ID == appID {
				repoPath = app.RepoPath
			}
		}
	}
	prompt := strings.ReplaceAll(entry.Prompt, "{{app}}", scope)

	return &v1.Task{
		ID:           task.NewTaskID(v1.TaskOriginInternal),
		Description:  fmt.Sprintf("%s review for %s", taskType, scope),
		Priority:     v1.TaskPriorityMedium,
		Status:       v1.TaskStatusPending,
		Origin:       v1.TaskOriginInternal,
		AutoApproved: true,
		CreatedAt:    now,
		Metadata: v1.TaskMetadata{
			App:          appID,
			AnalysisType: taskType,
			RepoPath:     repoPath,
			Model:        entry.Model,
			ProviderID:   entry.ProviderID,
			Prompt:       prompt,
		},
	}
}

// dispatch marks the task in flight and emits task.ready for the spawner.
func (s *Service) dispatch(ctx context.Context, t *v1.Task, reason string) {
	s.mu.Lock()
	s.inFlight[t.ID] = time.Now().UTC()
	s.mu.Unlock()

	suggestion := s.learning.SuggestModelTier(learning.TaskTypeKey(t))
	if suggestion.Best != "" && t.Metadata.ModelTier == "" {
		t.Metadata.ModelTier = suggestion.Best
	}

	s.decisions.record(Decision{Action: "dispatch", Reason: decisionDispatched,
		TaskID: t.ID, Detail: reason})
	s.logger.Info("Dispatching task",
		zap.String("task_id", t.ID),
		zap.String("reason", reason),
		zap.String("priority", string(t.Priority)))

	s.publish(ctx, events.TaskReady, events.Payload(events.TaskReadyData{
		TaskID:   t.ID,
		Reason:   reason,
		Priority: string(t.Priority),
		Task:     t,
	}))
}

// expireInFlight drops in-flight guards the spawner never acknowledged so a
// lost task.ready does not pin a slot forever.
func (s *Service) expireInFlight(now time.Time) {
	grace := s.cfg.ZombieGracePeriod()
	if grace <= 0 {
		grace = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.inFlight {
		if now.Sub(at) > grace {
			delete(s.inFlight, id)
			s.logger.Warn("Dropping unacknowledged dispatch", zap.String("task_id", id))
		}
	}
}

// recordNoActionDecision explains a tick that emitted nothing. Capacity and
// cooldown defers are recorded where they happen; what remains is tasks
// waiting on approval, or true idleness.
func (s *Service) recordNoActionDecision(userPending, sysTasks []*v1.Task) {
	if anyDispatchable(userPending) || anyDispatchable(sysTasks) {
		return
	}
	for _, t := range append(append([]*v1.Task{}, userPending...), sysTasks...) {
		if t.Status == v1.TaskStatusPending && t.ApprovalRequired && !t.AutoApproved {
			s.decisions.record(Decision{Action: "defer", Reason: decisionNotDue,
				TaskID: t.ID, Detail: "awaiting approval"})
			return
		}
	}
	s.decisions.record(Decision{Action: "idle", Reason: decisionIdle})
}

// finishEvaluation updates the counter and runs the periodic actions.
func (s *Service) finishEvaluation(ctx context.Context, now time.Time, dispatched int) {
	var count int
	if err := s.store.Update(func(st *state.State) error {
		st.Stats.EvaluationCount++
		count = st.Stats.EvaluationCount
		return nil
	}); err != nil {
		s.logger.Error("Failed to update evaluation counter", zap.Error(err))
		return
	}

	if count%perfSummaryEvery == 0 {
		st := s.store.Snapshot()
		s.logger.Info("Evaluation summary",
			zap.Int("evaluations", count),
			zap.Int("tasks_completed", st.Stats.TasksCompleted),
			zap.Int("agents_spawned", st.Stats.AgentsSpawned),
			zap.Int("errors", st.Stats.Errors),
			zap.Int("running", len(st.RunningAgents())))
	}
	if count%recommendationsEvery == 0 {
		if recs := s.learning.Recommendations(); len(recs) > 0 {
			s.publish(ctx, events.LearningRecommendations, events.Payload(events.RecommendationsData{
				Recommendations: recs,
			}))
		}
	}
	if count%rehabilitationEvery == 0 {
		if reset, err := s.learning.Rehabilitate(now); err != nil {
			s.logger.Error("Rehabilitation sweep failed", zap.Error(err))
		} else if len(reset) > 0 {
			s.publish(ctx, events.ScheduleChanged, events.Payload(map[string]interface{}{
				"rehabilitated": reset,
			}))
		}
		s.writeDailyReport(now)
	}

	if dispatched > 0 {
		s.logger.Debug("Evaluation dispatched tasks", zap.Int("count", dispatched))
	}
}
