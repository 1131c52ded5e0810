package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/config"
	"github.com/cosdev/cos/internal/schedule"
	"github.com/cosdev/cos/internal/state"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// dispatchIdleReview is the final fallback: when an evaluation found nothing
// to do, generate a single review task, alternating self-improvement and app
// review, so the system is never idle.
func (s *Service) dispatchIdleReview(ctx context.Context, adm *admission, st *state.State, now time.Time) int {
	t := s.generateIdleReviewTask(st, now)
	if t == nil {
		return 0
	}
	if ok, detail := adm.admit(t.Metadata.Project()); !ok {
		s.decisions.record(Decision{Action: "defer", Reason: decisionCapacityFull, Detail: detail})
		return 0
	}

	if err := s.sysFile.Append(t); err != nil {
		s.logger.Error("Failed to append idle review task", zap.Error(err))
		return 0
	}

	if err := s.store.Update(func(st *state.State) error {
		st.Stats.LastIdleReview = now
		if t.Metadata.App == "" {
			st.Stats.LastSelfImprovement = now
		}
		st.Stats.LastSelfImprovementType = t.Metadata.AnalysisType
		return nil
	}); err != nil {
		s.logger.Error("Failed to stamp idle review", zap.Error(err))
	}

	s.dispatch(ctx, t, "idle-review")
	return 1
}

// generateIdleReviewTask alternates between a self-improvement pass and a
// review of the least recently reviewed app: when the previous idle review
// was self-scoped (the two timestamps coincide), the next one targets an
// app. With no apps configured every pass self-improves. The last generated
// analysis type is the rotation cursor.
func (s *Service) generateIdleReviewTask(st *state.State, now time.Time) *v1.Task {
	lastWasSelf := !st.Stats.LastIdleReview.IsZero() &&
		st.Stats.LastIdleReview.Equal(st.Stats.LastSelfImprovement)

	if lastWasSelf && len(s.apps) > 0 {
		app := s.leastRecentlyReviewedApp(st)
		taskType, _ := s.schedule.NextTaskType(app.ID, st.Stats.LastSelfImprovementType, now)
		if taskType != "" {
			if entry, ok := s.schedule.Entry(taskType); ok {
				t := s.buildScheduledTask(taskType, app.ID, entry, now)
				t.Metadata.ReviewType = "idle"
				return t
			}
		}
	}

	// Final fallback is self-improvement.
	taskType, _ := s.schedule.NextTaskType("", st.Stats.LastSelfImprovementType, now)
	if taskType == "" {
		taskType = "code-quality"
	}
	entry, ok := s.schedule.Entry(taskType)
	if !ok {
		entry = schedule.Entry{Prompt: "Review {{app}} for improvements and make the safest high-value change."}
	}
	t := s.buildScheduledTask(taskType, "", entry, now)
	t.Metadata.ReviewType = "idle"
	t.Description = fmt.Sprintf("Idle review: %s", t.Description)
	return t
}

func (s *Service) leastRecentlyReviewedApp(st *state.State) config.AppConfig {
	best := s.apps[0]
	for _, app := range s.apps[1:] {
		if st.Stats.LastAppCompletion[app.ID].Before(st.Stats.LastAppCompletion[best.ID]) {
			best = app
		}
	}
	return best
}
