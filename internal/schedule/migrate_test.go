package schedule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrate_V1ToV2(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	v1 := map[string]any{
		"version": 1,
		"selfImprovement": map[string]any{
			"security": map[string]any{"type": "weekly", "enabled": true},
		},
		"appImprovement": map[string]any{
			"security-audit":  map[string]any{"type": "weekly", "enabled": true},
			"cos-enhancement": map[string]any{"type": "rotation", "enabled": true},
		},
		"executions": map[string]any{
			"self-improve:security": map[string]any{"count": 2, "lastRun": t1},
			"app-improve:security-audit": map[string]any{
				"count": 3, "lastRun": t2,
				"perApp": map[string]any{"a1": map[string]any{"count": 3, "lastRun": t2}},
			},
		},
	}
	raw, err := json.Marshal(v1)
	require.NoError(t, err)

	doc, migrated, err := migrateDocument(raw)
	require.NoError(t, err)
	require.True(t, migrated)
	require.Equal(t, DocumentVersion, doc.Version)

	require.True(t, doc.Tasks["security"].Enabled)
	require.Equal(t, IntervalWeekly, doc.Tasks["security"].Type)
	require.NotContains(t, doc.Tasks, "security-audit")
	require.NotContains(t, doc.Tasks, "cos-enhancement")

	exec := doc.Executions["task:security"]
	require.NotNil(t, exec)
	require.Equal(t, 5, exec.Count)
	require.True(t, exec.LastRun.Equal(t2))
	require.Equal(t, 3, exec.PerApp["a1"].Count)
	require.True(t, exec.PerApp["a1"].LastRun.Equal(t2))

	// No v1-prefixed keys survive.
	for key := range doc.Executions {
		require.Contains(t, key, "task:")
	}
}

func TestMigrate_V2IsNoOp(t *testing.T) {
	doc := &Document{Version: DocumentVersion}
	doc.normalize()
	doc.Tasks["security"] = &Entry{Type: IntervalWeekly, Enabled: true}
	doc.Executions["task:security"] = &Execution{Count: 7, LastRun: time.Now().UTC()}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	out, migrated, err := migrateDocument(raw)
	require.NoError(t, err)
	require.False(t, migrated)
	require.Equal(t, 7, out.Executions["task:security"].Count)
}

func TestStore_MigratesOnLoadAndRewrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task-schedule.json")

	v1 := `{"version":1,"selfImprovement":{"security":{"type":"weekly","enabled":true}},"executions":{"self-improve:security":{"count":2}}}`
	require.NoError(t, os.WriteFile(path, []byte(v1), 0o644))

	s, err := NewStore(path, neutralAdviser(), newScheduleTestLogger(t))
	require.NoError(t, err)

	entry, ok := s.Entry("security")
	require.True(t, ok)
	require.Equal(t, IntervalWeekly, entry.Type)

	// The rewritten file is v2 on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var probe struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(raw, &probe))
	require.Equal(t, DocumentVersion, probe.Version)
}
