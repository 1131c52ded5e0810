// Package learning records agent completion outcomes keyed by task type and
// feeds adaptive multipliers, skip decisions, and routing suggestions back
// into scheduling.
package learning

import "time"

// DocumentVersion is the current schema version of the learning file.
const DocumentVersion = 1

// Bucket aggregates completions for one task type or model tier.
type Bucket struct {
	Completed       int       `json:"completed"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	AvgDurationMs   int64     `json:"avgDurationMs"`
	MaxDurationMs   int64     `json:"maxDurationMs"`
	P80DurationMs   int64     `json:"p80DurationMs"`
	LastCompleted   time.Time `json:"lastCompleted,omitempty"`
	SuccessRate     int       `json:"successRate"` // integer percent
}

// add records one completion into the bucket.
func (b *Bucket) add(success bool, durationMs int64, at time.Time) {
	b.Completed++
	if success {
		b.Succeeded++
	} else {
		b.Failed++
	}
	b.TotalDurationMs += durationMs
	b.AvgDurationMs = b.TotalDurationMs / int64(b.Completed)
	if durationMs > b.MaxDurationMs {
		b.MaxDurationMs = durationMs
	}
	// p80 estimate: avg plus 60% of the spread to the max
	b.P80DurationMs = b.AvgDurationMs + (b.MaxDurationMs-b.AvgDurationMs)*6/10
	b.LastCompleted = at
	b.SuccessRate = b.Succeeded * 100 / b.Completed
}

// subtract removes another bucket's contribution (used by rehabilitation).
func (b *Bucket) subtract(other *Bucket) {
	b.Completed -= other.Completed
	b.Succeeded -= other.Succeeded
	b.Failed -= other.Failed
	b.TotalDurationMs -= other.TotalDurationMs
	if b.Completed < 0 {
		b.Completed = 0
	}
	if b.Succeeded < 0 {
		b.Succeeded = 0
	}
	if b.Failed < 0 {
		b.Failed = 0
	}
	if b.TotalDurationMs < 0 {
		b.TotalDurationMs = 0
	}
	if b.Completed > 0 {
		b.AvgDurationMs = b.TotalDurationMs / int64(b.Completed)
		b.SuccessRate = b.Succeeded * 100 / b.Completed
	} else {
		b.AvgDurationMs = 0
		b.SuccessRate = 0
	}
}

// RouteStats counts attempts of one task type against one model tier.
type RouteStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// ErrorPattern counts occurrences of one error category.
type ErrorPattern struct {
	Count      int            `json:"count"`
	ByTaskType map[string]int `json:"byTaskType,omitempty"`
}

// UnknownErrorSample is a trimmed sample of an uncategorized error, kept so
// new categories can be carved out later.
type UnknownErrorSample struct {
	TaskType string    `json:"taskType"`
	Message  string    `json:"message"`
	Details  string    `json:"details,omitempty"`
	SeenAt   time.Time `json:"seenAt"`
}

// Document is the persisted learning store.
type Document struct {
	Version         int                               `json:"version"`
	Totals          Bucket                            `json:"totals"`
	Pruned          Bucket                            `json:"pruned"` // contributions removed by pruning
	ByTaskType      map[string]*Bucket                `json:"byTaskType"`
	ByModelTier     map[string]*Bucket                `json:"byModelTier"`
	ErrorPatterns   map[string]*ErrorPattern          `json:"errorPatterns,omitempty"`
	RoutingAccuracy map[string]map[string]*RouteStats `json:"routingAccuracy,omitempty"`
	UnknownErrors   []UnknownErrorSample              `json:"unknownErrors,omitempty"`
	LastUpdated     time.Time                         `json:"lastUpdated,omitempty"`
}

// newDocument returns an empty learning document.
func newDocument() *Document {
	return &Document{
		Version:         DocumentVersion,
		ByTaskType:      make(map[string]*Bucket),
		ByModelTier:     make(map[string]*Bucket),
		ErrorPatterns:   make(map[string]*ErrorPattern),
		RoutingAccuracy: make(map[string]map[string]*RouteStats),
	}
}

func (d *Document) normalize() {
	if d.ByTaskType == nil {
		d.ByTaskType = make(map[string]*Bucket)
	}
	if d.ByModelTier == nil {
		d.ByModelTier = make(map[string]*Bucket)
	}
	if d.ErrorPatterns == nil {
		d.ErrorPatterns = make(map[string]*ErrorPattern)
	}
	if d.RoutingAccuracy == nil {
		d.RoutingAccuracy = make(map[string]map[string]*RouteStats)
	}
}

// Adjustment is the scheduling advice derived from a bucket.
type Adjustment struct {
	Multiplier float64 `json:"multiplier"`
	Policy     string  `json:"policy"`
	Skip       bool    `json:"skip,omitempty"`
}

// Cooldown policy tags.
const (
	PolicyInsufficientData = "insufficient-data"
	PolicyHighSuccess      = "high-success"
	PolicyGoodSuccess      = "good-success"
	PolicyModerateSuccess  = "moderate-success"
	PolicyLowSuccess       = "low-success"
	PolicySkipFailing      = "skip-failing"
	PolicyVeryLowSuccess   = "very-low-success"
)

// TierSuggestion is routing advice for one task type.
type TierSuggestion struct {
	Best  string   `json:"best,omitempty"`
	Avoid []string `json:"avoid,omitempty"`
}

// Error categories recorded on failed completions. Anything else is folded
// into CategoryUnknown and sampled.
const (
	CategoryTimeout    = "timeout"
	CategoryCrash      = "crash"
	CategoryRateLimit  = "rate-limit"
	CategoryAuth       = "auth"
	CategoryOOM        = "out-of-memory"
	CategoryZombie     = "zombie"
	CategoryUnknown    = "unknown"
)

var knownCategories = map[string]bool{
	CategoryTimeout:   true,
	CategoryCrash:     true,
	CategoryRateLimit: true,
	CategoryAuth:      true,
	CategoryOOM:       true,
	CategoryZombie:    true,
}

// NormalizeCategory maps arbitrary category strings onto the closed set.
func NormalizeCategory(category string) string {
	if knownCategories[category] {
		return category
	}
	return CategoryUnknown
}
