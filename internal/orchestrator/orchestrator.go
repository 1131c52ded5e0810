// Package orchestrator runs the evaluation loop: it reads the task sources,
// applies admission, cooldown, learning, and scheduling rules, emits
// task.ready events for the spawner, and reconciles agent lifecycle events
// back into state.
package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cosdev/cos/internal/agent"
	"github.com/cosdev/cos/internal/common/config"
	"github.com/cosdev/cos/internal/common/logger"
	"github.com/cosdev/cos/internal/events"
	"github.com/cosdev/cos/internal/events/bus"
	"github.com/cosdev/cos/internal/learning"
	"github.com/cosdev/cos/internal/schedule"
	"github.com/cosdev/cos/internal/state"
	"github.com/cosdev/cos/internal/task"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// AgentTracker is the spawner-side view of which agents it still tracks.
// Agents it reports are never considered zombies.
type AgentTracker interface {
	ActiveAgentIDs() []string
}

// CommandRunner executes an external command and returns its combined
// output. Swappable in tests; shell-outs are always guarded.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Service is the supervisor's evaluation engine.
type Service struct {
	cfg      config.OrchestratorConfig
	apps     []config.AppConfig
	store    *state.Store
	learning *learning.Store
	schedule *schedule.Store
	registry *agent.Registry
	userFile *task.File
	sysFile  *task.File
	bus      bus.EventBus
	logger   *logger.Logger

	tracker    AgentTracker
	runCommand CommandRunner
	decisions  *decisionLog
	reportsDir string

	evalCh chan struct{}
	subs   []bus.Subscription
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]time.Time // task id -> task.ready emission time
	started  bool
}

// Options carries optional collaborators for the service.
type Options struct {
	Tracker    AgentTracker
	RunCommand CommandRunner
	ReportsDir string // daily report directory; empty disables reports
}

// New assembles the orchestrator.
func New(
	cfg config.OrchestratorConfig,
	apps []config.AppConfig,
	store *state.Store,
	learningStore *learning.Store,
	scheduleStore *schedule.Store,
	registry *agent.Registry,
	userFile, sysFile *task.File,
	b bus.EventBus,
	log *logger.Logger,
	opts Options,
) *Service {
	runCmd := opts.RunCommand
	if runCmd == nil {
		runCmd = defaultCommandRunner
	}
	return &Service{
		cfg:        cfg,
		apps:       apps,
		store:      store,
		learning:   learningStore,
		schedule:   scheduleStore,
		registry:   registry,
		userFile:   userFile,
		sysFile:    sysFile,
		bus:        b,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		tracker:    opts.Tracker,
		runCommand: runCmd,
		decisions:  newDecisionLog(),
		reportsDir: opts.ReportsDir,
		evalCh:     make(chan struct{}, 1),
		inFlight:   make(map[string]time.Time),
	}
}

// Start marks the supervisor running, subscribes the event handlers, and
// launches the evaluation and health-check loops. It returns immediately;
// the loops stop when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.store.Update(func(st *state.State) error {
		st.Running = true
		s.applyConfigDefaults(&st.Config)
		return nil
	}); err != nil {
		return err
	}

	if err := s.subscribeHandlers(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.evaluationLoop(gctx) })
	g.Go(func() error { return s.healthLoop(gctx) })
	go func() {
		if err := g.Wait(); err != nil && err != context.Canceled {
			s.logger.Error("Orchestrator loop exited", zap.Error(err))
		}
	}()

	s.logger.Info("Orchestrator started",
		zap.Duration("evaluation_interval", s.cfg.EvaluationIntervalDuration()),
		zap.Duration("health_check_interval", s.cfg.HealthCheckIntervalDuration()))

	// Initial reconciliation pass.
	s.resetOrphanedTasks()
	s.TriggerEvaluation()
	return nil
}

// applyConfigDefaults fills zero-valued runtime config from the static
// configuration, so a fresh state file inherits the configured caps.
func (s *Service) applyConfigDefaults(c *state.Config) {
	if c.MaxConcurrentAgents == 0 {
		c.MaxConcurrentAgents = s.cfg.MaxConcurrentAgents
	}
	if c.MaxConcurrentAgentsPerProject == 0 {
		c.MaxConcurrentAgentsPerProject = s.cfg.MaxConcurrentAgentsPerProject
	}
	if c.AppReviewCooldownMs == 0 {
		c.AppReviewCooldownMs = s.cfg.AppReviewCooldownMs
	}
	if c.EvaluationIntervalMs == 0 {
		c.EvaluationIntervalMs = s.cfg.EvaluationIntervalDuration().Milliseconds()
	}
	if c.HealthCheckIntervalMs == 0 {
		c.HealthCheckIntervalMs = s.cfg.HealthCheckIntervalDuration().Milliseconds()
	}
}

// Stop cancels the loops and clears the running flag. Live agents are not
// killed; termination goes through the spawner via agent.terminate.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	subs := s.subs
	s.subs = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	if err := s.store.Update(func(st *state.State) error {
		st.Running = false
		return nil
	}); err != nil {
		s.logger.Error("Failed to clear running flag", zap.Error(err))
	}
	s.logger.Info("Orchestrator stopped")
}

// Pause stops new dispatches. Running agents continue.
func (s *Service) Pause(ctx context.Context, reason string) error {
	err := s.store.Update(func(st *state.State) error {
		now := time.Now().UTC()
		st.Paused = true
		st.PausedAt = &now
		st.PauseReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Orchestrator paused", zap.String("reason", reason))
	s.publish(ctx, events.StatusPaused, events.Payload(events.StatusData{Paused: true, Reason: reason}))
	return nil
}

// Resume clears the pause flag and re-fires an evaluation shortly after.
func (s *Service) Resume(ctx context.Context) error {
	err := s.store.Update(func(st *state.State) error {
		st.Paused = false
		st.PausedAt = nil
		st.PauseReason = ""
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Orchestrator resumed")
	s.publish(ctx, events.StatusResumed, events.Payload(events.StatusData{Paused: false}))

	delay := s.cfg.ResumeEvaluationDelay()
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	time.AfterFunc(delay, s.TriggerEvaluation)
	return nil
}

// TriggerEvaluation requests an immediate evaluation. Requests arriving
// while one is pending coalesce.
func (s *Service) TriggerEvaluation() {
	select {
	case s.evalCh <- struct{}{}:
	default:
	}
}

// Decisions returns the recent decision records, oldest first.
func (s *Service) Decisions() []Decision {
	return s.decisions.Recent()
}

// AddUserTask appends a task to the user file and evaluates immediately so
// it spawns without waiting for the next tick when capacity allows.
func (s *Service) AddUserTask(ctx context.Context, description string, priority v1.TaskPriority, meta v1.TaskMetadata) (*v1.Task, error) {
	if description == "" {
		return nil, v1.NewValidationError("task description required")
	}
	t := &v1.Task{
		ID:          task.NewTaskID(v1.TaskOriginUser),
		Description: description,
		Priority:    priority,
		Status:      v1.TaskStatusPending,
		Origin:      v1.TaskOriginUser,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.userFile.Append(t); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TasksChanged, events.Payload(events.TasksChangedData{File: "user", Action: "append"}))
	s.TriggerEvaluation()
	return t, nil
}

// TriggerTaskType queues an on-demand request and evaluates immediately.
func (s *Service) TriggerTaskType(ctx context.Context, taskType, appID string) (*schedule.OnDemandRequest, error) {
	if _, ok := s.schedule.Entry(taskType); !ok {
		return nil, v1.NewNotFoundError("task type " + taskType)
	}
	req, err := s.schedule.Trigger(taskType, appID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskOnDemandRequested, events.Payload(events.OnDemandRequestedData{
		RequestID: req.ID, TaskType: taskType, AppID: appID,
	}))
	s.TriggerEvaluation()
	return req, nil
}

// AddMission installs a proactive-mode task generator.
func (s *Service) AddMission(ctx context.Context, m state.Mission) (*state.Mission, error) {
	if m.Name == "" || m.Prompt == "" {
		return nil, v1.NewValidationError("mission name and prompt required")
	}
	if m.ID == "" {
		m.ID = "mission-" + uuid.New().String()[:8]
	}
	if m.IntervalMs <= 0 {
		m.IntervalMs = (24 * time.Hour).Milliseconds()
	}
	err := s.store.Update(func(st *state.State) error {
		st.Missions = append(st.Missions, &m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.ConfigChanged, events.Payload(map[string]string{"mission": m.ID}))
	return &m, nil
}

// AddJob installs an autonomous recurring job.
func (s *Service) AddJob(ctx context.Context, j state.Job) (*state.Job, error) {
	if j.Description == "" {
		return nil, v1.NewValidationError("job description required")
	}
	if j.ID == "" {
		j.ID = "job-" + uuid.New().String()[:8]
	}
	if j.IntervalMs <= 0 {
		j.IntervalMs = (24 * time.Hour).Milliseconds()
	}
	err := s.store.Update(func(st *state.State) error {
		st.Jobs = append(st.Jobs, &j)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.ConfigChanged, events.Payload(map[string]string{"job": j.ID}))
	return &j, nil
}

// evaluationLoop runs the periodic tick plus coalesced fast-path triggers.
func (s *Service) evaluationLoop(ctx context.Context) error {
	interval := s.cfg.EvaluationIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.evaluate(ctx)
		case <-s.evalCh:
			s.evaluate(ctx)
		}
	}
}

// healthLoop runs the periodic health check and zombie sweep.
func (s *Service) healthLoop(ctx context.Context) error {
	interval := s.cfg.HealthCheckIntervalDuration()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.healthCheck(ctx)
			s.zombieSweep(ctx)
		}
	}
}

// resetOrphanedTasks returns in_progress tasks with no live agent to pending
// so they are reconsidered. Runs at startup and after zombie sweeps.
func (s *Service) resetOrphanedTasks() {
	st := s.store.Snapshot()
	for _, f := range []*task.File{s.userFile, s.sysFile} {
		tasks, err := f.Load()
		if err != nil {
			s.logger.Warn("Failed to load task file for orphan reset", zap.Error(err))
			continue
		}
		for _, t := range tasks {
			if t.Status != v1.TaskStatusInProgress {
				continue
			}
			if st.RunningAgentForTask(t.ID) != nil {
				continue
			}
			if err := f.UpdateStatus(t.ID, v1.TaskStatusPending); err != nil {
				s.logger.Warn("Failed to reset orphaned task",
					zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			s.logger.Info("Reset orphaned in-progress task to pending", zap.String("task_id", t.ID))
		}
	}
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	evt := bus.NewEvent(subject, "orchestrator", data)
	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		s.logger.Error("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
