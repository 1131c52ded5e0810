// Package config provides configuration management for the CoS supervisor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Paths        PathsConfig        `mapstructure:"paths"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Learning     LearningConfig     `mapstructure:"learning"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Apps         []AppConfig        `mapstructure:"apps"`
}

// PathsConfig holds the working directory; all data files derive from it.
type PathsConfig struct {
	WorkDir string `mapstructure:"workDir"`
}

// StateFile returns the path of the monolithic state document.
func (p *PathsConfig) StateFile() string { return filepath.Join(p.WorkDir, "cos", "state.json") }

// LearningFile returns the path of the learning store document.
func (p *PathsConfig) LearningFile() string { return filepath.Join(p.WorkDir, "cos", "learning.json") }

// ScheduleFile returns the path of the schedule store document.
func (p *PathsConfig) ScheduleFile() string {
	return filepath.Join(p.WorkDir, "cos", "task-schedule.json")
}

// AgentsDir returns the directory holding per-agent metadata archives.
func (p *PathsConfig) AgentsDir() string { return filepath.Join(p.WorkDir, "cos", "agents") }

// ReportsDir returns the directory holding rolled-up daily reports.
func (p *PathsConfig) ReportsDir() string { return filepath.Join(p.WorkDir, "cos", "reports") }

// UserTasksFile returns the path of the human-authored task list.
func (p *PathsConfig) UserTasksFile() string { return filepath.Join(p.WorkDir, "TASKS.md") }

// SystemTasksFile returns the path of the system-generated task list.
func (p *PathsConfig) SystemTasksFile() string {
	return filepath.Join(p.WorkDir, "cos", "SYSTEM_TASKS.md")
}

// OrchestratorConfig holds evaluation loop and admission configuration.
type OrchestratorConfig struct {
	EvaluationInterval            int    `mapstructure:"evaluationInterval"`            // seconds
	HealthCheckInterval           int    `mapstructure:"healthCheckInterval"`           // seconds
	MaxConcurrentAgents           int    `mapstructure:"maxConcurrentAgents"`           // global slot cap
	MaxConcurrentAgentsPerProject int    `mapstructure:"maxConcurrentAgentsPerProject"` // per-project slot cap
	AppReviewCooldownMs           int64  `mapstructure:"appReviewCooldownMs"`           // min gap between runs against one app
	ProactiveMode                 bool   `mapstructure:"proactiveMode"`                 // enables mission-driven tasks
	ProcessManagerCLI             string `mapstructure:"processManagerCli"`             // health-check process manager binary
	ResumeEvaluationDelayMs       int64  `mapstructure:"resumeEvaluationDelayMs"`       // re-fire delay after resume
	ZombieGracePeriodMs           int64  `mapstructure:"zombieGracePeriodMs"`           // pid-less agent grace before reap
	HighMemoryThresholdBytes      int64  `mapstructure:"highMemoryThresholdBytes"`      // health-check memory flag
}

// EvaluationIntervalDuration returns the evaluation interval as a time.Duration.
func (o *OrchestratorConfig) EvaluationIntervalDuration() time.Duration {
	return time.Duration(o.EvaluationInterval) * time.Second
}

// HealthCheckIntervalDuration returns the health-check interval as a time.Duration.
func (o *OrchestratorConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(o.HealthCheckInterval) * time.Second
}

// ResumeEvaluationDelay returns the post-resume delay as a time.Duration.
func (o *OrchestratorConfig) ResumeEvaluationDelay() time.Duration {
	return time.Duration(o.ResumeEvaluationDelayMs) * time.Millisecond
}

// ZombieGracePeriod returns the pid-less reap grace as a time.Duration.
func (o *OrchestratorConfig) ZombieGracePeriod() time.Duration {
	return time.Duration(o.ZombieGracePeriodMs) * time.Millisecond
}

// LearningConfig holds learning store tuning.
type LearningConfig struct {
	RehabilitationGraceMs int64 `mapstructure:"rehabilitationGraceMs"` // skip-failing reset grace
	PruneAgeMs            int64 `mapstructure:"pruneAgeMs"`            // stale bucket age before prune
	PruneMinCompletions   int   `mapstructure:"pruneMinCompletions"`   // buckets below this are prunable
	UnknownErrorSampleCap int   `mapstructure:"unknownErrorSampleCap"` // bounded unknown-error ring
}

// RehabilitationGrace returns the rehabilitation grace as a time.Duration.
func (l *LearningConfig) RehabilitationGrace() time.Duration {
	return time.Duration(l.RehabilitationGraceMs) * time.Millisecond
}

// PruneAge returns the prune age as a time.Duration.
func (l *LearningConfig) PruneAge() time.Duration {
	return time.Duration(l.PruneAgeMs) * time.Millisecond
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AppConfig describes a registered app the supervisor may run reviews against.
type AppConfig struct {
	ID       string `mapstructure:"id"`
	RepoPath string `mapstructure:"repoPath"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for production environments, "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Paths defaults
	v.SetDefault("paths.workDir", ".")

	// Orchestrator defaults
	v.SetDefault("orchestrator.evaluationInterval", 60)
	v.SetDefault("orchestrator.healthCheckInterval", 900)
	v.SetDefault("orchestrator.maxConcurrentAgents", 3)
	v.SetDefault("orchestrator.maxConcurrentAgentsPerProject", 2)
	v.SetDefault("orchestrator.appReviewCooldownMs", 30*60*1000)
	v.SetDefault("orchestrator.proactiveMode", true)
	v.SetDefault("orchestrator.processManagerCli", "pm2")
	v.SetDefault("orchestrator.resumeEvaluationDelayMs", 500)
	v.SetDefault("orchestrator.zombieGracePeriodMs", 30*1000)
	v.SetDefault("orchestrator.highMemoryThresholdBytes", 500*1024*1024)

	// Learning defaults
	v.SetDefault("learning.rehabilitationGraceMs", 7*24*60*60*1000)
	v.SetDefault("learning.pruneAgeMs", 30*24*60*60*1000)
	v.SetDefault("learning.pruneMinCompletions", 2)
	v.SetDefault("learning.unknownErrorSampleCap", 20)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cos-supervisor")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COS_ with snake_case naming.
// Config file should be named config.yaml and placed in the working directory or /etc/cos/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cos/")
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only fail on parse errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentAgents < 1 {
		return fmt.Errorf("orchestrator.maxConcurrentAgents must be at least 1, got %d",
			c.Orchestrator.MaxConcurrentAgents)
	}
	if c.Orchestrator.MaxConcurrentAgentsPerProject < 1 {
		return fmt.Errorf("orchestrator.maxConcurrentAgentsPerProject must be at least 1, got %d",
			c.Orchestrator.MaxConcurrentAgentsPerProject)
	}
	if c.Orchestrator.EvaluationInterval < 1 {
		return fmt.Errorf("orchestrator.evaluationInterval must be at least 1 second, got %d",
			c.Orchestrator.EvaluationInterval)
	}
	return nil
}

// ensureDir creates a directory if it does not exist.
func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// EnsureDirs creates the data directories the supervisor writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		filepath.Join(c.Paths.WorkDir, "cos"),
		c.Paths.AgentsDir(),
		c.Paths.ReportsDir(),
	} {
		if err := ensureDir(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
