package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cosdev/cos/internal/common/logger"
	"github.com/cosdev/cos/internal/events/bus"
	"github.com/cosdev/cos/internal/state"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

func newRegistryTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestRegistry(t *testing.T) (*Registry, *state.Store, string) {
	t.Helper()
	dir := t.TempDir()
	log := newRegistryTestLogger(t)
	store := state.NewStore(filepath.Join(dir, "state.json"), log)
	agentsDir := filepath.Join(dir, "agents")
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return NewRegistry(store, b, agentsDir, log), store, agentsDir
}

func testTask(id, app string) *v1.Task {
	return &v1.Task{
		ID:       id,
		Status:   v1.TaskStatusPending,
		Priority: v1.TaskPriorityMedium,
		Origin:   v1.TaskOriginUser,
		Metadata: v1.TaskMetadata{App: app},
	}
}

func TestRegistry_RegisterAndComplete(t *testing.T) {
	ctx := context.Background()
	r, store, agentsDir := newTestRegistry(t)

	a, err := r.Register(ctx, testTask("task-00000001", "shop"), 42)
	require.NoError(t, err)
	require.True(t, a.Running())
	require.Equal(t, 42, a.PID)

	st := store.Snapshot()
	require.Equal(t, 1, st.Stats.AgentsSpawned)
	require.Len(t, st.RunningAgents(), 1)

	r.AppendOutput(ctx, a.ID, "line one")
	r.AppendOutput(ctx, a.ID, "line two")

	already, err := r.Complete(ctx, a.ID, &v1.AgentResult{Success: true, DurationMs: 1234})
	require.NoError(t, err)
	require.False(t, already)

	st = store.Snapshot()
	require.Empty(t, st.RunningAgents())
	require.Equal(t, 1, st.Stats.TasksCompleted)
	require.NotNil(t, st.Agents[a.ID].CompletedAt)
	require.Contains(t, st.Stats.LastAppCompletion, "shop")

	// Archive written with the scrollback.
	raw, err := os.ReadFile(filepath.Join(agentsDir, a.ID, "metadata.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "line two")
}

func TestRegistry_OneRunningAgentPerTask(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	_, err := r.Register(ctx, testTask("task-00000001", ""), 0)
	require.NoError(t, err)

	_, err = r.Register(ctx, testTask("task-00000001", ""), 0)
	var apiErr *v1.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, v1.ErrCodeBadRequest, apiErr.Code)
}

func TestRegistry_DuplicateCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)

	a, err := r.Register(ctx, testTask("task-00000001", ""), 0)
	require.NoError(t, err)

	already, err := r.Complete(ctx, a.ID, &v1.AgentResult{Success: true})
	require.NoError(t, err)
	require.False(t, already)

	already, err = r.Complete(ctx, a.ID, &v1.AgentResult{Success: true})
	require.NoError(t, err)
	require.True(t, already)

	require.Equal(t, 1, store.Snapshot().Stats.TasksCompleted)
}

func TestRegistry_CompleteUnknownAgent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Complete(context.Background(), "agent-missing", &v1.AgentResult{Success: false})
	var apiErr *v1.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, v1.ErrCodeNotFound, apiErr.Code)
}

func TestRegistry_ReapMarksFailure(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)

	a, err := r.Register(ctx, testTask("task-00000001", ""), 99)
	require.NoError(t, err)

	already, err := r.Reap(ctx, a.ID, "process 99 no longer alive")
	require.NoError(t, err)
	require.False(t, already)

	got := store.Snapshot().Agents[a.ID]
	require.False(t, got.Running())
	require.False(t, got.Result.Success)
	require.Equal(t, "zombie", got.Result.ErrorCategory)
	require.Equal(t, 1, store.Snapshot().Stats.Errors)
}

func TestRegistry_ScrollbackBounded(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	a, err := r.Register(ctx, testTask("task-00000001", ""), 0)
	require.NoError(t, err)

	for i := 0; i < scrollbackLimit+50; i++ {
		r.AppendOutput(ctx, a.ID, fmt.Sprintf("line %d", i))
	}
	out := r.Output(a.ID)
	require.Len(t, out, scrollbackLimit)
	require.Equal(t, "line 50", out[0])
	require.Equal(t, fmt.Sprintf("line %d", scrollbackLimit+49), out[len(out)-1])
}

func TestRegistry_CompletedCacheAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	log := newRegistryTestLogger(t)
	store := state.NewStore(filepath.Join(dir, "state.json"), log)
	agentsDir := filepath.Join(dir, "agents")
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	r := NewRegistry(store, b, agentsDir, log)
	a, err := r.Register(ctx, testTask("task-00000001", ""), 0)
	require.NoError(t, err)
	_, err = r.Complete(ctx, a.ID, &v1.AgentResult{Success: true})
	require.NoError(t, err)

	// A fresh registry lazily reloads the archive from disk.
	r2 := NewRegistry(store, b, agentsDir, log)
	completed := r2.Completed()
	require.Len(t, completed, 1)
	require.Equal(t, a.ID, completed[0].ID)

	got, ok := r2.Get(a.ID)
	require.True(t, ok)
	require.Equal(t, a.TaskID, got.TaskID)
}

func TestRegistry_DeleteAndClearCompleted(t *testing.T) {
	ctx := context.Background()
	r, store, agentsDir := newTestRegistry(t)

	a1, err := r.Register(ctx, testTask("task-00000001", ""), 0)
	require.NoError(t, err)
	a2, err := r.Register(ctx, testTask("task-00000002", ""), 0)
	require.NoError(t, err)

	// Running agents cannot be deleted.
	err = r.Delete(ctx, a1.ID)
	var apiErr *v1.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, v1.ErrCodeBadRequest, apiErr.Code)

	_, err = r.Complete(ctx, a1.ID, &v1.AgentResult{Success: true})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, a1.ID))
	_, err = os.Stat(filepath.Join(agentsDir, a1.ID))
	require.True(t, os.IsNotExist(err))

	_, err = r.Complete(ctx, a2.ID, &v1.AgentResult{Success: false, ErrorCategory: "crash"})
	require.NoError(t, err)
	n, err := r.ClearCompleted(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, store.Snapshot().Agents)
	require.Empty(t, r.Completed())
}
