package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/learning"
	"github.com/cosdev/cos/internal/state"
)

// DailyReport is the rolled-up snapshot written to cos/reports/<date>.json.
type DailyReport struct {
	Date            string             `json:"date"`
	GeneratedAt     time.Time          `json:"generatedAt"`
	Stats           state.Stats        `json:"stats"`
	RunningAgents   int                `json:"runningAgents"`
	Learning        learning.Document  `json:"learning"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Decisions       []Decision         `json:"decisions,omitempty"`
	OnDemandPending int                `json:"onDemandPending"`
}

// writeDailyReport rolls up the day's state into the reports directory.
// Re-runs on the same day overwrite the file with fresher numbers.
func (s *Service) writeDailyReport(now time.Time) {
	if s.reportsDir == "" {
		return
	}

	st := s.store.Snapshot()
	report := DailyReport{
		Date:            now.Format("2006-01-02"),
		GeneratedAt:     now,
		Stats:           st.Stats,
		RunningAgents:   len(st.RunningAgents()),
		Learning:        s.learning.Summary(),
		Recommendations: s.learning.Recommendations(),
		Decisions:       s.decisions.Recent(),
		OnDemandPending: len(s.schedule.PendingOnDemand()),
	}

	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal daily report", zap.Error(err))
		return
	}
	if err := os.MkdirAll(s.reportsDir, 0o755); err != nil {
		s.logger.Error("Failed to create reports directory", zap.Error(err))
		return
	}

	path := filepath.Join(s.reportsDir, report.Date+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.logger.Error("Failed to write daily report", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		s.logger.Error("Failed to replace daily report", zap.Error(err))
		return
	}
	s.logger.Info("Wrote daily report", zap.String("path", path))
}
