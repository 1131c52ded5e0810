// Package task provides the markdown task-file codec and the file watcher
// feeding the orchestrator's fast path.
package task

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/logger"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// File round-trips a markdown task list. The format is line-oriented:
//
//	- [ ] task-1a2b3c [HIGH] Review the auth flow
//	  - app: dashboard
//	  - analysisType: security
//	  - approval: required
//
// Checkbox states: ' ' pending, '~' in progress, 'x' completed, '!' failed.
// Indented "- key: value" lines attach metadata to the preceding task.
type File struct {
	path   string
	origin v1.TaskOrigin
	logger *logger.Logger
	mu     sync.Mutex
}

// NewFile creates a codec bound to a path. Origin tags every parsed task.
func NewFile(path string, origin v1.TaskOrigin, log *logger.Logger) *File {
	return &File{
		path:   path,
		origin: origin,
		logger: log.WithFields(zap.String("component", "task-file"), zap.String("path", path)),
	}
}

// Path returns the underlying file path.
func (f *File) Path() string { return f.path }

// Load parses the task list. A missing file yields an empty list; malformed
// lines are skipped rather than failing the load.
func (f *File) Load() ([]*v1.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *File) loadLocked() ([]*v1.Task, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open task file: %w", err)
	}
	defer file.Close()

	var tasks []*v1.Task
	var current *v1.Task

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		if t, ok := parseTaskLine(line, f.origin); ok {
			tasks = append(tasks, t)
			current = t
			continue
		}
		if current != nil {
			if key, value, ok := parseMetadataLine(line); ok {
				applyMetadata(current, key, value)
				continue
			}
		}
		if strings.TrimSpace(line) != "" && !strings.HasPrefix(line, "#") && current == nil {
			f.logger.Debug("Skipping unrecognized line", zap.String("line", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return tasks, nil
}

// Save serializes the task list atomically.
func (f *File) Save(tasks []*v1.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(tasks)
}

func (f *File) saveLocked(tasks []*v1.Task) error {
	var b strings.Builder
	for _, t := range tasks {
		b.WriteString(serializeTask(t))
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create task file directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace task file: %w", err)
	}
	return nil
}

// Append adds a task to the end of the file.
func (f *File) Append(t *v1.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tasks, err := f.loadLocked()
	if err != nil {
		return err
	}
	tasks = append(tasks, t)
	return f.saveLocked(tasks)
}

// UpdateStatus rewrites the file with the given task's status changed.
// Only the status is touched; everything else round-trips unchanged.
func (f *File) UpdateStatus(taskID string, status v1.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tasks, err := f.loadLocked()
	if err != nil {
		return err
	}
	found := false
	for _, t := range tasks {
		if t.ID == taskID {
			t.Status = status
			found = true
			break
		}
	}
	if !found {
		return v1.NewNotFoundError("task %s not found in %s", taskID, filepath.Base(f.path))
	}
	return f.saveLocked(tasks)
}

// NewTaskID generates a stable task id with the origin-appropriate prefix.
func NewTaskID(origin v1.TaskOrigin) string {
	prefix := "task"
	if origin == v1.TaskOriginInternal {
		prefix = "sys"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}

func statusToCheckbox(s v1.TaskStatus) byte {
	switch s {
	case v1.TaskStatusInProgress:
		return '~'
	case v1.TaskStatusCompleted:
		return 'x'
	case v1.TaskStatusFailed:
		return '!'
	default:
		return ' '
	}
}

func checkboxToStatus(c byte) v1.TaskStatus {
	switch c {
	case '~':
		return v1.TaskStatusInProgress
	case 'x', 'X':
		return v1.TaskStatusCompleted
	case '!':
		return v1.TaskStatusFailed
	default:
		return v1.TaskStatusPending
	}
}

// parseTaskLine parses a "- [x] id [PRIORITY] description" line.
func parseTaskLine(line string, origin v1.TaskOrigin) (*v1.Task, bool) {
	if !strings.HasPrefix(line, "- [") || len(line) < 6 || line[4] != ']' {
		return nil, false
	}
	status := checkboxToStatus(line[3])
	rest := strings.TrimSpace(line[5:])
	if rest == "" {
		return nil, false
	}

	t := &v1.Task{
		Status:   status,
		Origin:   origin,
		Priority: v1.TaskPriorityMedium,
	}

	// Optional stable id token
	fields := strings.Fields(rest)
	if len(fields) > 0 && (strings.HasPrefix(fields[0], "task-") || strings.HasPrefix(fields[0], "sys-")) {
		t.ID = fields[0]
		rest = strings.TrimSpace(rest[len(fields[0]):])
	} else {
		t.ID = NewTaskID(origin)
	}

	// Optional [PRIORITY] tag
	if strings.HasPrefix(rest, "[") {
		if end := strings.Index(rest, "]"); end > 0 {
			t.Priority = v1.ParseTaskPriority(rest[1:end])
			rest = strings.TrimSpace(rest[end+1:])
		}
	}

	t.Description = rest
	return t, true
}

// parseMetadataLine parses an indented "- key: value" line.
func parseMetadataLine(line string) (key, value string, ok bool) {
	if !strings.HasPrefix(line, "  ") {
		return "", "", false
	}
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "- ") {
		return "", "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "- ")
	idx := strings.Index(trimmed, ":")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(trimmed[:idx]), strings.TrimSpace(trimmed[idx+1:]), true
}

func applyMetadata(t *v1.Task, key, value string) {
	switch key {
	case "app":
		t.Metadata.App = value
	case "analysisType":
		t.Metadata.AnalysisType = value
	case "taskType":
		t.Metadata.TaskType = value
	case "reviewType":
		t.Metadata.ReviewType = value
	case "mission":
		t.Metadata.Mission = value
	case "missionId":
		t.Metadata.MissionID = value
	case "jobId":
		t.Metadata.JobID = value
	case "model":
		t.Metadata.Model = value
	case "modelTier":
		t.Metadata.ModelTier = value
	case "providerId":
		t.Metadata.ProviderID = value
	case "repoPath":
		t.Metadata.RepoPath = value
	case "prompt":
		t.Metadata.Prompt = value
	case "approval":
		t.ApprovalRequired = value == "required"
	case "autoApproved":
		t.AutoApproved = value == "true"
	case "createdAt":
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			t.CreatedAt = ts
		}
	default:
		if t.Metadata.Extra == nil {
			t.Metadata.Extra = make(map[string]string)
		}
		t.Metadata.Extra[key] = value
	}
}

func serializeTask(t *v1.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [%c] %s [%s] %s\n", statusToCheckbox(t.Status), t.ID, t.Priority, t.Description)

	writeMeta := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "  - %s: %s\n", key, value)
		}
	}
	writeMeta("app", t.Metadata.App)
	writeMeta("analysisType", t.Metadata.AnalysisType)
	writeMeta("taskType", t.Metadata.TaskType)
	writeMeta("reviewType", t.Metadata.ReviewType)
	writeMeta("mission", t.Metadata.Mission)
	writeMeta("missionId", t.Metadata.MissionID)
	writeMeta("jobId", t.Metadata.JobID)
	writeMeta("model", t.Metadata.Model)
	writeMeta("modelTier", t.Metadata.ModelTier)
	writeMeta("providerId", t.Metadata.ProviderID)
	writeMeta("repoPath", t.Metadata.RepoPath)
	writeMeta("prompt", t.Metadata.Prompt)
	if t.ApprovalRequired {
		writeMeta("approval", "required")
	}
	if t.AutoApproved {
		writeMeta("autoApproved", "true")
	}
	if !t.CreatedAt.IsZero() {
		writeMeta("createdAt", t.CreatedAt.UTC().Format(time.RFC3339))
	}
	for _, key := range sortedKeys(t.Metadata.Extra) {
		writeMeta(key, t.Metadata.Extra[key])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
