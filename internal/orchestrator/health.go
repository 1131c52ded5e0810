package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/constants"
	"github.com/cosdev/cos/internal/events"
	"github.com/cosdev/cos/internal/state"
)

// pm2Process is the subset of `pm2 jlist` output the health check inspects.
type pm2Process struct {
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
	Monit struct {
		Memory int64 `json:"memory"`
	} `json:"monit"`
}

// healthCheck inspects the process-manager list, restarts errored processes,
// flags high-memory ones, stashes the report into state, and emits
// health.check (plus health.critical when errors remain). A missing process
// manager is tolerated.
func (s *Service) healthCheck(ctx context.Context) {
	now := time.Now().UTC()
	report := &state.HealthReport{CheckedAt: now}

	listCtx, cancelList := context.WithTimeout(ctx, constants.ProcessListTimeout)
	out, err := s.runCommand(listCtx, s.cfg.ProcessManagerCLI, "jlist")
	cancelList()
	if err != nil {
		s.logger.Debug("Process manager unavailable, skipping process sweep",
			zap.String("cli", s.cfg.ProcessManagerCLI), zap.Error(err))
	} else {
		var processes []pm2Process
		if err := json.Unmarshal(out, &processes); err != nil {
			s.logger.Warn("Unparseable process list", zap.Error(err))
		} else {
			s.inspectProcesses(ctx, processes, report)
		}
	}

	if err := s.store.Update(func(st *state.State) error {
		st.Stats.LastHealthCheck = now
		st.Stats.Health = report
		return nil
	}); err != nil {
		s.logger.Error("Failed to stash health report", zap.Error(err))
	}

	payload := events.Payload(events.HealthCheckData{
		Online:    report.Online,
		Errored:   report.Errored,
		Stopped:   report.Stopped,
		Issues:    report.Issues,
		Restarted: report.Restarted,
	})
	s.publish(ctx, events.HealthCheck, payload)
	if report.Errored > 0 {
		s.publish(ctx, events.HealthCritical, payload)
	}
}

func (s *Service) inspectProcesses(ctx context.Context, processes []pm2Process, report *state.HealthReport) {
	for _, p := range processes {
		switch p.PM2Env.Status {
		case "online":
			report.Online++
		case "errored":
			report.Errored++
			restartCtx, cancelRestart := context.WithTimeout(ctx, constants.ProcessRestartTimeout)
			_, err := s.runCommand(restartCtx, s.cfg.ProcessManagerCLI, "restart", p.Name)
			cancelRestart()
			if err != nil {
				report.Issues = append(report.Issues,
					fmt.Sprintf("process %s errored and restart failed: %v", p.Name, err))
			} else {
				report.Restarted = append(report.Restarted, p.Name)
				report.Errored--
				report.Online++
			}
		default:
			report.Stopped++
		}

		if s.cfg.HighMemoryThresholdBytes > 0 && p.Monit.Memory > s.cfg.HighMemoryThresholdBytes {
			report.Issues = append(report.Issues,
				fmt.Sprintf("process %s using %d MB", p.Name, p.Monit.Memory/(1024*1024)))
		}
	}
	if report.Errored > 0 || len(report.Issues) > 0 {
		s.logger.Warn("Health check found issues",
			zap.Int("errored", report.Errored),
			zap.Strings("issues", report.Issues))
	}
}

// zombieSweep reaps agents marked running that no longer have a live
// process. An agent is kept when the spawner still tracks it, when its pid
// is verifiably alive, or when it is pid-less and younger than the grace
// period (still initializing).
func (s *Service) zombieSweep(ctx context.Context) {
	now := time.Now().UTC()
	grace := s.cfg.ZombieGracePeriod()
	if grace <= 0 {
		grace = 30 * time.Second
	}

	tracked := make(map[string]bool)
	if s.tracker != nil {
		for _, id := range s.tracker.ActiveAgentIDs() {
			tracked[id] = true
		}
	}

	for _, a := range s.store.Snapshot().RunningAgents() {
		if tracked[a.ID] {
			continue
		}
		if a.PID > 0 {
			if s.pidAlive(ctx, a.PID) {
				continue
			}
			s.reapZombie(ctx, a.ID, fmt.Sprintf("process %d no longer alive", a.PID))
			continue
		}
		if now.Sub(a.StartedAt) < grace {
			continue
		}
		s.reapZombie(ctx, a.ID, fmt.Sprintf("no pid reported within %s of start", grace))
	}

	s.resetOrphanedTasks()
}

func (s *Service) reapZombie(ctx context.Context, agentID, reason string) {
	s.logger.Warn("Reaping zombie agent",
		zap.String("agent_id", agentID), zap.String("reason", reason))
	if _, err := s.registry.Reap(ctx, agentID, reason); err != nil {
		s.logger.Error("Failed to reap zombie agent",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// pidAlive shells out to ps. Errors default to dead: the spawner no longer
// tracks the agent, so a pid we cannot verify is treated as gone.
func (s *Service) pidAlive(ctx context.Context, pid int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, constants.PidProbeTimeout)
	defer cancel()
	out, err := s.runCommand(probeCtx, "ps", "-p", strconv.Itoa(pid), "-o", "pid=")
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}
