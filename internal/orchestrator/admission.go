package orchestrator

import "fmt"

// admission tracks the global and per-project slot budgets across one
// evaluation tick. Dispatches within the tick consume slots immediately so
// later priorities see the updated counts.
type admission struct {
	available       int
	perProjectLimit int
	byProject       map[string]int
}

func newAdmission(globalLimit, perProjectLimit, running int, byProject map[string]int) *admission {
	counts := make(map[string]int, len(byProject))
	for project, n := range byProject {
		counts[project] = n
	}
	return &admission{
		available:       globalLimit - running,
		perProjectLimit: perProjectLimit,
		byProject:       counts,
	}
}

// admit reserves a slot for a project. On refusal the slot counts are left
// untouched and a human-readable detail is returned.
func (a *admission) admit(project string) (bool, string) {
	if a.available <= 0 {
		return false, "global agent limit reached"
	}
	if a.byProject[project] >= a.perProjectLimit {
		return false, fmt.Sprintf("%s, limit=%d", project, a.perProjectLimit)
	}
	a.available--
	a.byProject[project]++
	return true, ""
}

// slotsLeft reports the remaining global budget.
func (a *admission) slotsLeft() int {
	if a.available < 0 {
		return 0
	}
	return a.available
}
