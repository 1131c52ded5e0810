package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cosdev/cos/internal/common/logger"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewStore(filepath.Join(t.TempDir(), "state.json"), log)
}

func TestStore_LoadMissingFileReturnsDefaults(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Load()
	require.NoError(t, err)
	require.False(t, st.Running)
	require.Equal(t, 3, st.Config.MaxConcurrentAgents)
	require.Equal(t, 2, st.Config.MaxConcurrentAgentsPerProject)
	require.NotNil(t, st.Agents)
}

func TestStore_UpdateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	err := s.Update(func(st *State) error {
		st.Running = true
		st.Stats.AgentsSpawned = 7
		st.Agents["agent-1"] = &v1.Agent{
			ID:        "agent-1",
			TaskID:    "task-1",
			Status:    v1.AgentStatusRunning,
			StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		return nil
	})
	require.NoError(t, err)

	st, err := s.Load()
	require.NoError(t, err)
	require.True(t, st.Running)
	require.Equal(t, 7, st.Stats.AgentsSpawned)
	require.Len(t, st.Agents, 1)
	require.Equal(t, "task-1", st.Agents["agent-1"].TaskID)
}

func TestStore_UpdateAbortLeavesFileUntouched(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Update(func(st *State) error {
		st.Stats.TasksCompleted = 5
		return nil
	}))

	err := s.Update(func(st *State) error {
		st.Stats.TasksCompleted = 99
		return os.ErrInvalid
	})
	require.ErrorIs(t, err, ErrUpdateAborted)

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, 5, st.Stats.TasksCompleted)
}

func TestStore_CorruptFileBackedUpAndDefaulted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	s := NewStore(path, log)

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, 3, st.Config.MaxConcurrentAgents)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var backups int
	for _, e := range entries {
		if len(e.Name()) > len("state.json") && e.Name()[:len("state.json")] == "state.json" && e.Name() != "state.json" {
			backups++
		}
	}
	require.Equal(t, 1, backups, "corrupt file should be backed up with a suffix")
}

func TestStore_DefaultsMergeOverOlderDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	// An older file missing newer config keys
	old := map[string]any{
		"running": true,
		"config":  map[string]any{"maxConcurrentAgents": 5},
	}
	raw, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	s := NewStore(path, log)

	st, err := s.Load()
	require.NoError(t, err)
	require.True(t, st.Running)
	require.Equal(t, 5, st.Config.MaxConcurrentAgents)
	// Key absent from the file keeps its default
	require.Equal(t, 2, st.Config.MaxConcurrentAgentsPerProject)
}

func TestStore_SnapshotReflectsLastUpdate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Update(func(st *State) error {
		st.Paused = true
		st.PauseReason = "maintenance"
		return nil
	}))

	snap := s.Snapshot()
	require.True(t, snap.Paused)
	require.Equal(t, "maintenance", snap.PauseReason)
}

func TestState_RunningAgentHelpers(t *testing.T) {
	st := Default()
	now := time.Now()
	done := now
	st.Agents["a1"] = &v1.Agent{ID: "a1", TaskID: "t1", Status: v1.AgentStatusRunning, StartedAt: now,
		Metadata: v1.TaskMetadata{App: "dashboard"}}
	st.Agents["a2"] = &v1.Agent{ID: "a2", TaskID: "t2", Status: v1.AgentStatusRunning, StartedAt: now}
	st.Agents["a3"] = &v1.Agent{ID: "a3", TaskID: "t3", Status: v1.AgentStatusCompleted, StartedAt: now, CompletedAt: &done}

	require.Len(t, st.RunningAgents(), 2)

	counts := st.RunningAgentsByProject()
	require.Equal(t, 1, counts["dashboard"])
	require.Equal(t, 1, counts[v1.SelfProject])

	require.NotNil(t, st.RunningAgentForTask("t1"))
	require.Nil(t, st.RunningAgentForTask("t3"))
}
