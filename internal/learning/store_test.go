package learning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cosdev/cos/internal/common/config"
	"github.com/cosdev/cos/internal/common/logger"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

func newLearningTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.LearningConfig{
		RehabilitationGraceMs: (7 * 24 * time.Hour).Milliseconds(),
		PruneAgeMs:            (30 * 24 * time.Hour).Milliseconds(),
		PruneMinCompletions:   2,
		UnknownErrorSampleCap: 20,
	}
	s, err := NewStore(filepath.Join(t.TempDir(), "learning.json"), cfg, newLearningTestLogger(t))
	require.NoError(t, err)
	return s
}

func completedAgent(taskID string, success bool, durationMs int64, tier string) *v1.Agent {
	now := time.Now().UTC()
	a := &v1.Agent{
		ID:          "agent-" + taskID,
		TaskID:      taskID,
		Status:      v1.AgentStatusCompleted,
		StartedAt:   now.Add(-time.Duration(durationMs) * time.Millisecond),
		CompletedAt: &now,
		Result:      &v1.AgentResult{Success: success, DurationMs: durationMs},
		Metadata:    v1.TaskMetadata{ModelTier: tier},
	}
	if !success {
		a.Result.Error = "boom"
		a.Result.ErrorCategory = "crash"
	}
	return a
}

func securityTask(id string) *v1.Task {
	return &v1.Task{
		ID:       id,
		Origin:   v1.TaskOriginInternal,
		Metadata: v1.TaskMetadata{App: "shop", AnalysisType: "security"},
	}
}

func TestStore_RecordTaskCompletion(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordTaskCompletion(completedAgent("t1", true, 60_000, v1.ModelTierLight), securityTask("t1")))
	require.NoError(t, s.RecordTaskCompletion(completedAgent("t2", true, 120_000, v1.ModelTierLight), securityTask("t2")))
	require.NoError(t, s.RecordTaskCompletion(completedAgent("t3", false, 30_000, v1.ModelTierHeavy), securityTask("t3")))

	doc := s.Summary()
	b := doc.ByTaskType["task:security"]
	require.NotNil(t, b)
	require.Equal(t, 3, b.Completed)
	require.Equal(t, 2, b.Succeeded)
	require.Equal(t, 1, b.Failed)
	require.Equal(t, 66, b.SuccessRate)
	require.Equal(t, int64(70_000), b.AvgDurationMs)
	require.Equal(t, int64(120_000), b.MaxDurationMs)
	// avg + 60% of spread to max
	require.Equal(t, int64(100_000), b.P80DurationMs)

	require.Equal(t, 2, doc.ByModelTier[v1.ModelTierLight].Completed)
	require.Equal(t, 1, doc.ByModelTier[v1.ModelTierHeavy].Completed)

	route := doc.RoutingAccuracy["task:security"][v1.ModelTierLight]
	require.Equal(t, 2, route.Attempts)
	require.Equal(t, 2, route.Successes)

	require.Equal(t, 1, doc.ErrorPatterns["crash"].Count)
	require.Equal(t, 1, doc.ErrorPatterns["crash"].ByTaskType["task:security"])
}

func TestStore_TotalsMatchBucketsPlusPruned(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, s.RecordTaskCompletion(completedAgent(id, i%2 == 0, 10_000, v1.ModelTierMedium), securityTask(id)))
	}

	doc := s.Summary()
	sum := doc.Pruned.Completed
	for _, b := range doc.ByTaskType {
		sum += b.Completed
	}
	require.Equal(t, doc.Totals.Completed, sum)
}

func TestStore_UnknownErrorSamplesBounded(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 25; i++ {
		a := completedAgent("t", false, 1000, v1.ModelTierLight)
		a.Result.ErrorCategory = "something-new"
		a.Result.Error = "weird failure"
		require.NoError(t, s.RecordTaskCompletion(a, securityTask("t")))
	}

	doc := s.Summary()
	require.Len(t, doc.UnknownErrors, 20)
	require.Equal(t, 25, doc.ErrorPatterns[CategoryUnknown].Count)
}

func TestStore_AdaptiveCooldownMultiplier(t *testing.T) {
	cases := []struct {
		name       string
		completed  int
		succeeded  int
		multiplier float64
		policy     string
		skip       bool
	}{
		{"insufficient data", 2, 2, 1.0, PolicyInsufficientData, false},
		{"high success", 10, 9, 0.7, PolicyHighSuccess, false},
		{"good success", 10, 8, 0.85, PolicyGoodSuccess, false},
		{"moderate success", 10, 5, 1.0, PolicyModerateSuccess, false},
		{"low success", 10, 3, 1.5, PolicyLowSuccess, false},
		{"skip failing", 6, 1, 0, PolicySkipFailing, true},
		{"very low, small sample", 4, 0, 2.0, PolicyVeryLowSuccess, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			for i := 0; i < tc.completed; i++ {
				require.NoError(t, s.RecordTaskCompletion(
					completedAgent("t", i < tc.succeeded, 1000, v1.ModelTierMedium), securityTask("t")))
			}
			adj := s.AdaptiveCooldownMultiplier("task:security")
			require.Equal(t, tc.multiplier, adj.Multiplier)
			require.Equal(t, tc.policy, adj.Policy)
			require.Equal(t, tc.skip, adj.Skip)
		})
	}
}

func TestStore_SkipFailingScenario(t *testing.T) {
	// 6 completed, 1 succeeded: 16% success rate => skip
	s := newTestStore(t)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.RecordTaskCompletion(
			completedAgent("t", i == 0, 1000, v1.ModelTierMedium), securityTask("t")))
	}

	doc := s.Summary()
	require.Equal(t, 16, doc.ByTaskType["task:security"].SuccessRate)
	require.True(t, s.AdaptiveCooldownMultiplier("task:security").Skip)
	require.Equal(t, []string{"task:security"}, s.SkippedTaskTypes())
}

func TestStore_Rehabilitate(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.RecordTaskCompletion(
			completedAgent("t", false, 1000, v1.ModelTierMedium), securityTask("t")))
	}
	require.NoError(t, s.RecordTaskCompletion(
		completedAgent("u", true, 2000, v1.ModelTierLight),
		&v1.Task{ID: "u", Origin: v1.TaskOriginUser, Description: "do the thing"}))

	// Within the grace period nothing happens.
	reset, err := s.Rehabilitate(time.Now())
	require.NoError(t, err)
	require.Empty(t, reset)

	reset, err = s.Rehabilitate(time.Now().Add(8 * 24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"task:security"}, reset)

	doc := s.Summary()
	require.Nil(t, doc.ByTaskType["task:security"])
	require.Nil(t, doc.RoutingAccuracy["task:security"])
	require.Nil(t, doc.ErrorPatterns["crash"])

	// The unrelated user-task contribution survives and totals reconcile.
	require.Equal(t, 1, doc.Totals.Completed)
	require.Equal(t, 1, doc.ByTaskType[KeyUserTask].Completed)
	require.Nil(t, doc.ByModelTier[v1.ModelTierMedium])
	require.Equal(t, 1, doc.ByModelTier[v1.ModelTierLight].Completed)
}

func TestStore_SuggestModelTier(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordTaskCompletion(completedAgent("a", true, 1000, v1.ModelTierLight), securityTask("a")))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordTaskCompletion(completedAgent("b", i == 0, 1000, v1.ModelTierHeavy), securityTask("b")))
	}

	sug := s.SuggestModelTier("task:security")
	require.Equal(t, v1.ModelTierLight, sug.Best)
	require.Equal(t, []string{v1.ModelTierHeavy}, sug.Avoid)

	// No tier qualifies and the overall rate is poor: escalate to heavy.
	s2 := newTestStore(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, s2.RecordTaskCompletion(completedAgent("c", i == 0, 1000, v1.ModelTierLight), securityTask("c")))
	}
	require.Equal(t, v1.ModelTierHeavy, s2.SuggestModelTier("task:security").Best)
}

func TestStore_SelfHealRebuildsModelTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learning.json")

	doc := newDocument()
	b := &Bucket{}
	b.add(true, 10_000, time.Now().UTC())
	b.add(true, 10_000, time.Now().UTC())
	doc.ByTaskType["task:security"] = b
	doc.Totals = *b
	doc.RoutingAccuracy["task:security"] = map[string]*RouteStats{
		v1.ModelTierLight: {Attempts: 2, Successes: 2},
	}
	// ByModelTier deliberately missing: an older file shape.
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s, err := NewStore(path, config.LearningConfig{}, newLearningTestLogger(t))
	require.NoError(t, err)

	healed := s.Summary()
	require.Equal(t, 2, healed.ByModelTier[v1.ModelTierLight].Completed)
	require.Equal(t, 2, healed.ByModelTier[v1.ModelTierLight].Succeeded)
	require.Equal(t, int64(10_000), healed.ByModelTier[v1.ModelTierLight].AvgDurationMs)
}

func TestStore_CorruptFileBackedUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learning.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewStore(path, config.LearningConfig{}, newLearningTestLogger(t))
	require.NoError(t, err)
	require.Equal(t, 0, s.Summary().Totals.Completed)

	entries, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
