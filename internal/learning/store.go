package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/config"
	"github.com/cosdev/cos/internal/common/logger"
	"github.com/cosdev/cos/internal/common/stringutil"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

const maxSampleMessageLen = 200

// Store owns the learning document. All mutations hold the store mutex and
// rewrite the file via temp file + rename.
type Store struct {
	path   string
	cfg    config.LearningConfig
	logger *logger.Logger

	mu  sync.Mutex
	doc *Document
}

// NewStore loads (or initializes) the learning file. Model-tier aggregates
// are rebuilt from routing accuracy on startup so drift from older schema
// versions self-heals.
func NewStore(path string, cfg config.LearningConfig, log *logger.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "learning-store")),
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.selfHealLocked()
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newDocument(), nil
		}
		return nil, fmt.Errorf("failed to read learning file: %w", err)
	}

	doc := newDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, backup); renameErr == nil {
			s.logger.Warn("Learning file corrupt, backed up and using defaults",
				zap.String("backup", backup), zap.Error(err))
		}
		return newDocument(), nil
	}
	doc.normalize()
	return doc, nil
}

// RecordTaskCompletion folds one finished agent into the store.
func (s *Store) RecordTaskCompletion(agent *v1.Agent, task *v1.Task) error {
	if agent == nil || agent.Result == nil {
		return v1.NewValidationError("agent completion without result")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := TaskTypeKey(task)
	tier := agent.ModelTier()
	res := agent.Result
	now := time.Now().UTC()
	if agent.CompletedAt != nil {
		now = agent.CompletedAt.UTC()
	}

	bucket := s.doc.ByTaskType[key]
	if bucket == nil {
		bucket = &Bucket{}
		s.doc.ByTaskType[key] = bucket
	}
	bucket.add(res.Success, res.DurationMs, now)

	tierBucket := s.doc.ByModelTier[tier]
	if tierBucket == nil {
		tierBucket = &Bucket{}
		s.doc.ByModelTier[tier] = tierBucket
	}
	tierBucket.add(res.Success, res.DurationMs, now)

	routes := s.doc.RoutingAccuracy[key]
	if routes == nil {
		routes = make(map[string]*RouteStats)
		s.doc.RoutingAccuracy[key] = routes
	}
	route := routes[tier]
	if route == nil {
		route = &RouteStats{}
		routes[tier] = route
	}
	route.Attempts++
	if res.Success {
		route.Successes++
	}

	if !res.Success {
		category := NormalizeCategory(res.ErrorCategory)
		pattern := s.doc.ErrorPatterns[category]
		if pattern == nil {
			pattern = &ErrorPattern{ByTaskType: make(map[string]int)}
			s.doc.ErrorPatterns[category] = pattern
		}
		if pattern.ByTaskType == nil {
			pattern.ByTaskType = make(map[string]int)
		}
		pattern.Count++
		pattern.ByTaskType[key]++

		if category == CategoryUnknown {
			s.doc.UnknownErrors = append(s.doc.UnknownErrors, UnknownErrorSample{
				TaskType: key,
				Message:  stringutil.TruncateStringWithEllipsis(res.Error, maxSampleMessageLen),
				Details:  stringutil.TruncateStringWithEllipsis(res.ErrorDetails, maxSampleMessageLen),
				SeenAt:   now,
			})
			limit := s.cfg.UnknownErrorSampleCap
			if limit <= 0 {
				limit = 20
			}
			if len(s.doc.UnknownErrors) > limit {
				s.doc.UnknownErrors = s.doc.UnknownErrors[len(s.doc.UnknownErrors)-limit:]
			}
		}
	}

	s.doc.Totals.add(res.Success, res.DurationMs, now)

	return s.saveLocked()
}

// AdaptiveCooldownMultiplier derives a cooldown multiplier for a task type.
func (s *Store) AdaptiveCooldownMultiplier(taskType string) Adjustment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjustmentFor(s.doc.ByTaskType[taskType])
}

func adjustmentFor(b *Bucket) Adjustment {
	if b == nil || b.Completed < 3 {
		return Adjustment{Multiplier: 1.0, Policy: PolicyInsufficientData}
	}
	switch {
	case b.SuccessRate >= 90:
		return Adjustment{Multiplier: 0.7, Policy: PolicyHighSuccess}
	case b.SuccessRate >= 75:
		return Adjustment{Multiplier: 0.85, Policy: PolicyGoodSuccess}
	case b.SuccessRate >= 50:
		return Adjustment{Multiplier: 1.0, Policy: PolicyModerateSuccess}
	case b.SuccessRate >= 30:
		return Adjustment{Multiplier: 1.5, Policy: PolicyLowSuccess}
	case b.Completed >= 5:
		return Adjustment{Multiplier: 0, Policy: PolicySkipFailing, Skip: true}
	default:
		return Adjustment{Multiplier: 2.0, Policy: PolicyVeryLowSuccess}
	}
}

// SkippedTaskTypes lists task types currently under a skip-failing decision.
func (s *Store) SkippedTaskTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key, b := range s.doc.ByTaskType {
		if adjustmentFor(b).Skip {
			out = append(out, key)
		}
	}
	return out
}

// Rehabilitate resets skipped task types whose last completion is older than
// the grace period, giving them a fresh trial. Returns the reset keys.
func (s *Store) Rehabilitate(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grace := s.cfg.RehabilitationGrace()
	if grace <= 0 {
		grace = 7 * 24 * time.Hour
	}

	var reset []string
	for key, b := range s.doc.ByTaskType {
		if !adjustmentFor(b).Skip {
			continue
		}
		if now.Sub(b.LastCompleted) < grace {
			continue
		}
		s.resetBucketLocked(key, b)
		reset = append(reset, key)
	}

	if len(reset) == 0 {
		return nil, nil
	}
	s.logger.Info("Rehabilitated skipped task types", zap.Strings("task_types", reset))
	return reset, s.saveLocked()
}

// resetBucketLocked removes a task type's contribution everywhere. Routing
// accuracy is the source of truth for per-tier counts; the bucket's average
// duration estimates the per-tier time contribution.
func (s *Store) resetBucketLocked(key string, b *Bucket) {
	s.doc.Totals.subtract(b)

	for tier, route := range s.doc.RoutingAccuracy[key] {
		tierBucket := s.doc.ByModelTier[tier]
		if tierBucket == nil {
			continue
		}
		tierBucket.subtract(&Bucket{
			Completed:       route.Attempts,
			Succeeded:       route.Successes,
			Failed:          route.Attempts - route.Successes,
			TotalDurationMs: int64(route.Attempts) * b.AvgDurationMs,
		})
		if tierBucket.Completed == 0 {
			delete(s.doc.ByModelTier, tier)
		}
	}
	delete(s.doc.RoutingAccuracy, key)

	for category, pattern := range s.doc.ErrorPatterns {
		if n, ok := pattern.ByTaskType[key]; ok {
			pattern.Count -= n
			delete(pattern.ByTaskType, key)
			if pattern.Count <= 0 {
				delete(s.doc.ErrorPatterns, category)
			}
		}
	}

	delete(s.doc.ByTaskType, key)
}

// SuggestModelTier returns routing advice for a task type.
func (s *Store) SuggestModelTier(taskType string) TierSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()

	var suggestion TierSuggestion
	bestRate := -1
	for tier, route := range s.doc.RoutingAccuracy[taskType] {
		if route.Attempts < 3 {
			continue
		}
		rate := route.Successes * 100 / route.Attempts
		if rate >= 80 && rate > bestRate {
			bestRate = rate
			suggestion.Best = tier
		}
		if rate < 40 {
			suggestion.Avoid = append(suggestion.Avoid, tier)
		}
	}
	if suggestion.Best == "" {
		if b := s.doc.ByTaskType[taskType]; b != nil && b.Completed > 0 && b.SuccessRate < 60 {
			suggestion.Best = v1.ModelTierHeavy
		}
	}
	return suggestion
}

// Summary returns a copy of the current document for reporting.
func (s *Store) Summary() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(s.doc)
	if err != nil {
		return *newDocument()
	}
	out := newDocument()
	if err := json.Unmarshal(raw, out); err != nil {
		return *newDocument()
	}
	out.normalize()
	return *out
}

// Recommendations derives human-readable scheduling recommendations.
func (s *Store) Recommendations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []string
	for key, b := range s.doc.ByTaskType {
		adj := adjustmentFor(b)
		switch adj.Policy {
		case PolicySkipFailing:
			recs = append(recs, fmt.Sprintf("%s is failing (%d%% success over %d runs); skipping until rehabilitation", key, b.SuccessRate, b.Completed))
		case PolicyHighSuccess:
			recs = append(recs, fmt.Sprintf("%s is reliable (%d%% success); running 30%% more often", key, b.SuccessRate))
		case PolicyVeryLowSuccess:
			recs = append(recs, fmt.Sprintf("%s is struggling (%d%% success); doubling its cooldown", key, b.SuccessRate))
		}
	}
	return recs
}

// selfHealLocked rebuilds ByModelTier from RoutingAccuracy and the task-type
// averages, correcting drift from older files.
func (s *Store) selfHealLocked() {
	rebuilt := make(map[string]*Bucket)
	for key, routes := range s.doc.RoutingAccuracy {
		taskBucket := s.doc.ByTaskType[key]
		var avg int64
		var last time.Time
		if taskBucket != nil {
			avg = taskBucket.AvgDurationMs
			last = taskBucket.LastCompleted
		}
		for tier, route := range routes {
			b := rebuilt[tier]
			if b == nil {
				b = &Bucket{}
				rebuilt[tier] = b
			}
			b.Completed += route.Attempts
			b.Succeeded += route.Successes
			b.Failed += route.Attempts - route.Successes
			b.TotalDurationMs += int64(route.Attempts) * avg
			if last.After(b.LastCompleted) {
				b.LastCompleted = last
			}
		}
	}
	for _, b := range rebuilt {
		if b.Completed > 0 {
			b.AvgDurationMs = b.TotalDurationMs / int64(b.Completed)
			b.SuccessRate = b.Succeeded * 100 / b.Completed
			b.MaxDurationMs = b.AvgDurationMs
			b.P80DurationMs = b.AvgDurationMs
		}
	}

	drift := 0
	for tier, b := range rebuilt {
		old := s.doc.ByModelTier[tier]
		if old == nil || old.Completed != b.Completed || old.Succeeded != b.Succeeded {
			drift++
		} else {
			// Keep the richer observed duration stats when counts agree
			rebuilt[tier] = old
		}
	}
	for tier := range s.doc.ByModelTier {
		if _, ok := rebuilt[tier]; !ok {
			drift++
		}
	}
	s.doc.ByModelTier = rebuilt
	if drift > 0 {
		s.logger.Info("Rebuilt model-tier aggregates from routing accuracy",
			zap.Int("corrected_tiers", drift))
	}
}

// saveLocked prunes stale low-signal buckets and rewrites the file.
func (s *Store) saveLocked() error {
	s.pruneLocked(time.Now())

	s.doc.Version = DocumentVersion
	s.doc.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal learning document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create learning directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write learning temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace learning file: %w", err)
	}
	return nil
}

// pruneLocked drops task-type buckets with too few completions that have
// gone stale. Their contribution moves to the Pruned bucket so totals stay
// reconcilable.
func (s *Store) pruneLocked(now time.Time) {
	age := s.cfg.PruneAge()
	if age <= 0 {
		age = 30 * 24 * time.Hour
	}
	minCompletions := s.cfg.PruneMinCompletions
	if minCompletions <= 0 {
		minCompletions = 2
	}

	for key, b := range s.doc.ByTaskType {
		if b.Completed >= minCompletions {
			continue
		}
		if now.Sub(b.LastCompleted) < age {
			continue
		}
		s.doc.Pruned.Completed += b.Completed
		s.doc.Pruned.Succeeded += b.Succeeded
		s.doc.Pruned.Failed += b.Failed
		s.doc.Pruned.TotalDurationMs += b.TotalDurationMs
		delete(s.doc.ByTaskType, key)
		delete(s.doc.RoutingAccuracy, key)
	}
}
