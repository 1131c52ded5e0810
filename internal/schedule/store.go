package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/logger"
	"github.com/cosdev/cos/internal/learning"
)

// Base intervals for the fixed interval types.
const (
	dailyInterval  = 24 * time.Hour
	weeklyInterval = 7 * 24 * time.Hour
)

// CooldownAdviser supplies learning-derived cooldown adjustments. The
// learning store implements it.
type CooldownAdviser interface {
	AdaptiveCooldownMultiplier(taskType string) learning.Adjustment
}

// Store owns the schedule document: per-type policies, execution history, and
// the on-demand queue. Mutations hold the store mutex and rewrite the file
// via temp file + rename.
type Store struct {
	path    string
	adviser CooldownAdviser
	logger  *logger.Logger

	mu  sync.Mutex
	doc *Document
}

// NewStore loads the schedule file, migrating v1 documents and supplementing
// new catalog entries, then writes the result back.
func NewStore(path string, adviser CooldownAdviser, log *logger.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		adviser: adviser,
		logger:  log.WithFields(zap.String("component", "schedule-store")),
	}

	doc, migrated, err := s.load()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	if migrated {
		s.logger.Info("Migrated schedule file to current schema",
			zap.Int("version", DocumentVersion),
			zap.Int("task_types", len(doc.Tasks)))
	}
	if err := supplementDefaults(s.doc); err != nil {
		return nil, err
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() (*Document, bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			doc := &Document{Version: DocumentVersion}
			doc.normalize()
			return doc, false, nil
		}
		return nil, false, fmt.Errorf("failed to read schedule file: %w", err)
	}

	doc, migrated, err := migrateDocument(raw)
	if err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, backup); renameErr == nil {
			s.logger.Warn("Schedule file corrupt, backed up and using defaults",
				zap.String("backup", backup), zap.Error(err))
		}
		doc = &Document{Version: DocumentVersion}
		doc.normalize()
		return doc, false, nil
	}
	return doc, migrated, nil
}

// Entry returns a copy of the policy for a task type, if known.
func (s *Store) Entry(taskType string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.doc.Tasks[taskType]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// TaskTypes lists the known task types in sorted order.
func (s *Store) TaskTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedTaskTypes(s.doc.Tasks)
}

func sortedTaskTypes(tasks map[string]*Entry) []string {
	out := make([]string, 0, len(tasks))
	for taskType := range tasks {
		out = append(out, taskType)
	}
	sort.Strings(out)
	return out
}

// ShouldRunTask decides whether a task type is eligible now, optionally
// scoped to one app.
func (s *Store) ShouldRunTask(taskType, appID string, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldRunLocked(taskType, appID, now)
}

func (s *Store) shouldRunLocked(taskType, appID string, now time.Time) Decision {
	entry := s.doc.Tasks[taskType]
	if entry == nil {
		return Decision{Reason: ReasonUnknownType}
	}
	if !entry.Enabled {
		return Decision{Reason: ReasonDisabled}
	}

	override := entry.overrideFor(appID)
	if override != nil && override.Enabled != nil && !*override.Enabled {
		return Decision{Reason: ReasonDisabledApp}
	}

	effective := entry.Type
	if override != nil && override.Type != nil {
		effective = *override.Type
	}

	exec := s.doc.Executions[executionKey(taskType)]
	if appID != "" && exec != nil {
		exec = exec.PerApp[appID]
	}

	switch effective {
	case IntervalRotation:
		return Decision{ShouldRun: true, Reason: ReasonRotation}

	case IntervalDaily, IntervalWeekly, IntervalCustom:
		base := dailyInterval
		switch effective {
		case IntervalWeekly:
			base = weeklyInterval
		case IntervalCustom:
			base = time.Duration(entry.IntervalMs) * time.Millisecond
		}

		adj := learning.Adjustment{Multiplier: 1.0, Policy: learning.PolicyInsufficientData}
		if s.adviser != nil {
			adj = s.adviser.AdaptiveCooldownMultiplier(LearningKey(taskType))
		}
		if adj.Skip {
			return Decision{Reason: ReasonSkipFailing, Policy: adj.Policy}
		}
		adjusted := time.Duration(float64(base) * adj.Multiplier)

		if exec == nil || exec.LastRun.IsZero() {
			return Decision{ShouldRun: true, Reason: ReasonDue, Policy: adj.Policy}
		}
		if now.Sub(exec.LastRun) >= adjusted {
			return Decision{ShouldRun: true, Reason: ReasonDue, Policy: adj.Policy}
		}
		next := exec.LastRun.Add(adjusted)
		return Decision{Reason: ReasonCooldown, NextRunAt: &next, Policy: adj.Policy}

	case IntervalOnce:
		if exec == nil || exec.Count == 0 {
			return Decision{ShouldRun: true, Reason: ReasonFirstRun}
		}
		return Decision{Reason: ReasonOnceCompleted}

	case IntervalOnDemand:
		return Decision{Reason: ReasonOnDemandOnly}

	default:
		return Decision{Reason: ReasonUnknownType}
	}
}

// NextTaskType picks the next task type to run for a scope: due daily entries
// first, then due weekly, then unexecuted once entries, then the rotation
// entry after lastType. Returns ("", ReasonNone) when nothing qualifies.
func (s *Store) NextTaskType(appID, lastType string, now time.Time) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := sortedTaskTypes(s.doc.Tasks)

	pick := func(want IntervalType) (string, bool) {
		for _, taskType := range ordered {
			entry := s.doc.Tasks[taskType]
			effective := entry.Type
			if o := entry.overrideFor(appID); o != nil && o.Type != nil {
				effective = *o.Type
			}
			if effective != want {
				continue
			}
			if s.shouldRunLocked(taskType, appID, now).ShouldRun {
				return taskType, true
			}
		}
		return "", false
	}

	if taskType, ok := pick(IntervalDaily); ok {
		return taskType, ReasonDailyDue
	}
	if taskType, ok := pick(IntervalWeekly); ok {
		return taskType, ReasonWeeklyDue
	}
	if taskType, ok := pick(IntervalOnce); ok {
		return taskType, ReasonOnceDue
	}

	var rotation []string
	for _, taskType := range ordered {
		entry := s.doc.Tasks[taskType]
		if !entry.Enabled || entry.Type != IntervalRotation {
			continue
		}
		if o := entry.overrideFor(appID); o != nil && o.Enabled != nil && !*o.Enabled {
			continue
		}
		rotation = append(rotation, taskType)
	}
	if len(rotation) == 0 {
		return "", ReasonNone
	}

	next := rotation[0]
	for i, taskType := range rotation {
		if taskType == lastType {
			next = rotation[(i+1)%len(rotation)]
			break
		}
	}
	return next, ReasonRotation
}

// RecordExecution stamps a run of a task type, and of its per-app sub-record
// when scoped.
func (s *Store) RecordExecution(taskType, appID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := executionKey(taskType)
	exec := s.doc.Executions[key]
	if exec == nil {
		exec = &Execution{}
		s.doc.Executions[key] = exec
	}
	exec.Count++
	exec.LastRun = now

	if appID != "" {
		if exec.PerApp == nil {
			exec.PerApp = make(map[string]*Execution)
		}
		app := exec.PerApp[appID]
		if app == nil {
			app = &Execution{}
			exec.PerApp[appID] = app
		}
		app.Count++
		app.LastRun = now
	}

	return s.saveLocked()
}

// Trigger queues an on-demand request for a task type.
func (s *Store) Trigger(taskType, appID string, now time.Time) (*OnDemandRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := &OnDemandRequest{
		ID:          uuid.New().String(),
		TaskType:    taskType,
		AppID:       appID,
		RequestedAt: now,
	}
	s.doc.OnDemand = append(s.doc.OnDemand, req)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	s.logger.Info("Queued on-demand request",
		zap.String("task_type", taskType), zap.String("app", appID))
	return req, nil
}

// Clear removes one on-demand request by id. Unknown ids are a no-op.
func (s *Store) Clear(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.doc.OnDemand[:0]
	removed := false
	for _, req := range s.doc.OnDemand {
		if req.ID == id {
			removed = true
			continue
		}
		kept = append(kept, req)
	}
	s.doc.OnDemand = kept
	if !removed {
		return nil
	}
	return s.saveLocked()
}

// PendingOnDemand returns a copy of the queued requests in arrival order.
func (s *Store) PendingOnDemand() []OnDemandRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OnDemandRequest, 0, len(s.doc.OnDemand))
	for _, req := range s.doc.OnDemand {
		out = append(out, *req)
	}
	return out
}

// SetEnabled toggles a task type globally.
func (s *Store) SetEnabled(taskType string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.doc.Tasks[taskType]
	if entry == nil {
		return fmt.Errorf("unknown task type %q", taskType)
	}
	entry.Enabled = enabled
	return s.saveLocked()
}

// SetAppOverride installs or replaces a per-app override for a task type.
func (s *Store) SetAppOverride(taskType, appID string, override Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.doc.Tasks[taskType]
	if entry == nil {
		return fmt.Errorf("unknown task type %q", taskType)
	}
	if entry.PerApp == nil {
		entry.PerApp = make(map[string]*Override)
	}
	entry.PerApp[appID] = &override
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.doc.Version = DocumentVersion
	s.doc.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schedule document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create schedule directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write schedule temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace schedule file: %w", err)
	}
	return nil
}
