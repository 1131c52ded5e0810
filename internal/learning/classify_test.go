package learning

import (
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/cosdev/cos/pkg/api/v1"
)

func TestTaskTypeKey(t *testing.T) {
	cases := []struct {
		name string
		task *v1.Task
		want string
	}{
		{"nil task", nil, KeyUnknown},
		{
			"analysis type wins",
			&v1.Task{
				Description: "run the security sweep",
				Metadata:    v1.TaskMetadata{AnalysisType: "performance", Mission: "uptime"},
			},
			"task:performance",
		},
		{
			"idle review",
			&v1.Task{Metadata: v1.TaskMetadata{ReviewType: "idle"}},
			KeyIdleReview,
		},
		{
			"mission",
			&v1.Task{Metadata: v1.TaskMetadata{Mission: "uptime"}},
			"mission:uptime",
		},
		{
			"description keyword",
			&v1.Task{Description: "Fix the vulnerability in login", Origin: v1.TaskOriginUser},
			"task:security",
		},
		{
			"test coverage before bare test",
			&v1.Task{Description: "Improve test coverage for billing"},
			"task:test-coverage",
		},
		{
			"user task fallback",
			&v1.Task{Description: "Do the thing", Origin: v1.TaskOriginUser},
			KeyUserTask,
		},
		{
			"unknown",
			&v1.Task{Description: "Do the thing", Origin: v1.TaskOriginInternal},
			KeyUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, TaskTypeKey(tc.task))
		})
	}
}

func TestNormalizeCategory(t *testing.T) {
	require.Equal(t, CategoryTimeout, NormalizeCategory("timeout"))
	require.Equal(t, CategoryUnknown, NormalizeCategory("ENOSPC"))
	require.Equal(t, CategoryUnknown, NormalizeCategory(""))
}
