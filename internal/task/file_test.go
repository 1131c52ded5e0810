package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cosdev/cos/internal/common/logger"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

func newFileTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestFile_LoadMissingFile(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "TASKS.md"), v1.TaskOriginUser, newFileTestLogger(t))

	tasks, err := f.Load()
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestFile_ParseTaskList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TASKS.md")
	content := `# Tasks

- [ ] task-1a2b3c4d [HIGH] Review the auth flow
  - app: dashboard
  - analysisType: security
  - approval: required
- [~] task-9f8e7d6c [LOW] Clean up stale branches
- [x] task-11223344 [MEDIUM] Ship the release notes
- [!] task-55667788 Fix the flaky pipeline
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f := NewFile(path, v1.TaskOriginUser, newFileTestLogger(t))
	tasks, err := f.Load()
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	require.Equal(t, "task-1a2b3c4d", tasks[0].ID)
	require.Equal(t, v1.TaskStatusPending, tasks[0].Status)
	require.Equal(t, v1.TaskPriorityHigh, tasks[0].Priority)
	require.Equal(t, "Review the auth flow", tasks[0].Description)
	require.Equal(t, "dashboard", tasks[0].Metadata.App)
	require.Equal(t, "security", tasks[0].Metadata.AnalysisType)
	require.True(t, tasks[0].ApprovalRequired)
	require.Equal(t, v1.TaskOriginUser, tasks[0].Origin)

	require.Equal(t, v1.TaskStatusInProgress, tasks[1].Status)
	require.Equal(t, v1.TaskStatusCompleted, tasks[2].Status)

	// No priority tag defaults to MEDIUM
	require.Equal(t, v1.TaskStatusFailed, tasks[3].Status)
	require.Equal(t, v1.TaskPriorityMedium, tasks[3].Priority)
}

func TestFile_GeneratesIDForBareLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TASKS.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] Just a description\n"), 0o644))

	f := NewFile(path, v1.TaskOriginUser, newFileTestLogger(t))
	tasks, err := f.Load()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.True(t, len(tasks[0].ID) > len("task-"))
	require.Contains(t, tasks[0].ID, "task-")
	require.Equal(t, "Just a description", tasks[0].Description)
}

func TestFile_RoundTrip(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "SYSTEM_TASKS.md"), v1.TaskOriginInternal, newFileTestLogger(t))

	in := []*v1.Task{
		{
			ID:          "sys-abc12345",
			Description: "Audit dependencies",
			Priority:    v1.TaskPriorityLow,
			Status:      v1.TaskStatusPending,
			Origin:      v1.TaskOriginInternal,
			AutoApproved: true,
			Metadata: v1.TaskMetadata{
				App:          "webshop",
				AnalysisType: "dependencies",
				ModelTier:    v1.ModelTierLight,
				Extra:        map[string]string{"sweep": "weekly"},
			},
		},
	}
	require.NoError(t, f.Save(in))

	out, err := f.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, in[0].ID, out[0].ID)
	require.Equal(t, in[0].Description, out[0].Description)
	require.Equal(t, in[0].Priority, out[0].Priority)
	require.True(t, out[0].AutoApproved)
	require.Equal(t, "webshop", out[0].Metadata.App)
	require.Equal(t, v1.ModelTierLight, out[0].Metadata.ModelTier)
	require.Equal(t, "weekly", out[0].Metadata.Extra["sweep"])
}

func TestFile_UpdateStatus(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "TASKS.md"), v1.TaskOriginUser, newFileTestLogger(t))
	require.NoError(t, f.Save([]*v1.Task{
		{ID: "task-00000001", Description: "one", Priority: v1.TaskPriorityMedium, Status: v1.TaskStatusPending},
		{ID: "task-00000002", Description: "two", Priority: v1.TaskPriorityMedium, Status: v1.TaskStatusPending},
	}))

	require.NoError(t, f.UpdateStatus("task-00000002", v1.TaskStatusInProgress))

	tasks, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusPending, tasks[0].Status)
	require.Equal(t, v1.TaskStatusInProgress, tasks[1].Status)

	err = f.UpdateStatus("task-unknown", v1.TaskStatusCompleted)
	var apiErr *v1.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, v1.ErrCodeNotFound, apiErr.Code)
}

func TestFile_AppendPreservesOrder(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "TASKS.md"), v1.TaskOriginUser, newFileTestLogger(t))
	require.NoError(t, f.Save([]*v1.Task{
		{ID: "task-00000001", Description: "first", Priority: v1.TaskPriorityMedium, Status: v1.TaskStatusPending},
	}))

	require.NoError(t, f.Append(&v1.Task{
		ID: "task-00000002", Description: "second", Priority: v1.TaskPriorityMedium, Status: v1.TaskStatusPending,
	}))

	tasks, err := f.Load()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "first", tasks[0].Description)
	require.Equal(t, "second", tasks[1].Description)
}

func TestFile_ToleratesGarbageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TASKS.md")
	content := "random prose\n- [ ] task-00000001 [HIGH] Real task\nnot a task\n  - app: shop\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f := NewFile(path, v1.TaskOriginUser, newFileTestLogger(t))
	tasks, err := f.Load()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "shop", tasks[0].Metadata.App)
}
