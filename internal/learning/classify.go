package learning

import (
	"strings"

	v1 "github.com/cosdev/cos/pkg/api/v1"
)

// Well-known task type keys that do not derive from an analysis type.
const (
	KeyIdleReview = "idle-review"
	KeyUserTask   = "user-task"
	KeyUnknown    = "unknown"
)

// descriptionPatterns maps description keywords to task type labels. The
// first match wins; order matters.
var descriptionPatterns = []struct {
	keyword string
	label   string
}{
	{"security", "task:security"},
	{"vulnerab", "task:security"},
	{"performance", "task:performance"},
	{"refactor", "task:refactoring"},
	{"test coverage", "task:test-coverage"},
	{"test", "task:test-coverage"},
	{"document", "task:documentation"},
	{"dependenc", "task:dependencies"},
	{"ui bug", "task:ui-bugs"},
}

// TaskTypeKey deterministically classifies a task into a learning bucket key.
func TaskTypeKey(t *v1.Task) string {
	if t == nil {
		return KeyUnknown
	}
	if t.Metadata.AnalysisType != "" {
		return "task:" + t.Metadata.AnalysisType
	}
	if t.Metadata.ReviewType == "idle" {
		return KeyIdleReview
	}
	if t.Metadata.Mission != "" {
		return "mission:" + t.Metadata.Mission
	}
	if label := matchDescription(t.Description); label != "" {
		return label
	}
	if t.Metadata.TaskType == "user" || t.Origin == v1.TaskOriginUser {
		return KeyUserTask
	}
	return KeyUnknown
}

func matchDescription(desc string) string {
	lower := strings.ToLower(desc)
	for _, p := range descriptionPatterns {
		if strings.Contains(lower, p.keyword) {
			return p.label
		}
	}
	return ""
}
