// Package config loads autonomy configuration from <state-dir>/config.yaml
// with environment-variable overrides. Missing files yield defaults; a
// malformed file is a configuration error (CLI exit code 2).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all autonomy configuration.
type Config struct {
	// Models maps a model role to the model name served by the hosts.
	Models ModelsConfig `yaml:"models"`

	// Hosts is the ordered list of model-server base URLs. The first
	// reachable host serves a call; the rest are fallbacks.
	Hosts []string `yaml:"hosts"`

	// Scheduler tunes loop detection and phase selection.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Conversation tunes thread pruning.
	Conversation ConversationConfig `yaml:"conversation"`

	// Supervisor tunes child-process lifecycle timeouts.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Bus tunes message history retention.
	Bus BusConfig `yaml:"bus"`

	// PushToken authorizes pushing patches to an external repository.
	// Optional; normally injected via AUTONOMY_PUSH_TOKEN.
	PushToken string `yaml:"push_token"`
}

// ModelsConfig maps model roles to model names.
type ModelsConfig struct {
	Arbiter     string `yaml:"arbiter"`
	Coder       string `yaml:"coder"`
	Reasoner    string `yaml:"reasoner"`
	Analyst     string `yaml:"analyst"`
	Interpreter string `yaml:"interpreter"`

	// Timeout is the per-call model RPC timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// SchedulerConfig tunes the orchestrator and loop detection.
type SchedulerConfig struct {
	// NoUpdateThreshold is the consecutive no-effect count that forces a
	// phase transition (default 3).
	NoUpdateThreshold int `yaml:"no_update_threshold"`

	// HistoryScanWindow is how many trailing phase_history entries the
	// orchestrator inspects for identical repeats (default 5).
	HistoryScanWindow int `yaml:"history_scan_window"`

	// QABatchSize is how many QA_PENDING tasks accumulate before QA runs
	// during the integration lifecycle phase (default 5).
	QABatchSize int `yaml:"qa_batch_size"`

	// RefactorInterval is the iteration period for consolidation-phase
	// refactoring (default 5).
	RefactorInterval int `yaml:"refactor_interval"`

	// MaxTaskAttempts marks a task BLOCKED-needs-review once exceeded.
	MaxTaskAttempts int `yaml:"max_task_attempts"`

	// EnableMetaPhases re-enables tool/prompt/role design phases. They
	// are disabled by default; a phase in a failure streak is never
	// suggested as its own resolver regardless of this flag.
	EnableMetaPhases bool `yaml:"enable_meta_phases"`

	// BlacklistCooldown is how long a streaking phase stays excluded
	// from selection after loop detection flags it.
	BlacklistCooldown time.Duration `yaml:"blacklist_cooldown"`
}

// ConversationConfig tunes per-phase thread pruning.
type ConversationConfig struct {
	// MaxMessages is the thread length that triggers pruning (default 40).
	MaxMessages int `yaml:"max_messages"`

	// KeepExchanges is how many trailing user/assistant exchanges
	// survive a prune (default 6).
	KeepExchanges int `yaml:"keep_exchanges"`
}

// SupervisorConfig tunes the child process supervisor.
type SupervisorConfig struct {
	// StopTimeout bounds the polite-termination wait before escalation.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// KillTimeout bounds the hard-kill verification wait.
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	// HistoryCap bounds the ring history (default 1000). Oldest
	// non-critical messages are evicted first.
	HistoryCap int `yaml:"history_cap"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Arbiter:     "arbiter-v1",
			Coder:       "coder-v1",
			Reasoner:    "reasoner-v1",
			Analyst:     "analyst-v1",
			Interpreter: "interpreter-v1",
			Timeout:     120 * time.Second,
		},
		Hosts: []string{"http://127.0.0.1:8080"},
		Scheduler: SchedulerConfig{
			NoUpdateThreshold: 3,
			HistoryScanWindow: 5,
			QABatchSize:       5,
			RefactorInterval:  5,
			MaxTaskAttempts:   3,
			EnableMetaPhases:  false,
			BlacklistCooldown: 10 * time.Minute,
		},
		Conversation: ConversationConfig{
			MaxMessages:   40,
			KeepExchanges: 6,
		},
		Supervisor: SupervisorConfig{
			StopTimeout: 10 * time.Second,
			KillTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			HistoryCap: 1000,
		},
	}
}

// Load reads config.yaml from the state directory, merges it over the
// defaults, and applies environment overrides. A missing file is not an
// error; a malformed one is.
func Load(stateDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(stateDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.fillZeroes()
	return cfg, nil
}

// applyEnvOverrides applies AUTONOMY_* environment variables.
func (c *Config) applyEnvOverrides() {
	if hosts := os.Getenv("AUTONOMY_HOSTS"); hosts != "" {
		c.Hosts = c.Hosts[:0]
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.Hosts = append(c.Hosts, h)
			}
		}
	}
	if token := os.Getenv("AUTONOMY_PUSH_TOKEN"); token != "" {
		c.PushToken = token
	}
	if model := os.Getenv("AUTONOMY_ARBITER_MODEL"); model != "" {
		c.Models.Arbiter = model
	}
	if model := os.Getenv("AUTONOMY_CODER_MODEL"); model != "" {
		c.Models.Coder = model
	}
}

// fillZeroes restores defaults for fields a partial config file zeroed.
func (c *Config) fillZeroes() {
	def := Default()
	if c.Models.Timeout <= 0 {
		c.Models.Timeout = def.Models.Timeout
	}
	if len(c.Hosts) == 0 {
		c.Hosts = def.Hosts
	}
	if c.Scheduler.NoUpdateThreshold <= 0 {
		c.Scheduler.NoUpdateThreshold = def.Scheduler.NoUpdateThreshold
	}
	if c.Scheduler.HistoryScanWindow <= 0 {
		c.Scheduler.HistoryScanWindow = def.Scheduler.HistoryScanWindow
	}
	if c.Scheduler.QABatchSize <= 0 {
		c.Scheduler.QABatchSize = def.Scheduler.QABatchSize
	}
	if c.Scheduler.RefactorInterval <= 0 {
		c.Scheduler.RefactorInterval = def.Scheduler.RefactorInterval
	}
	if c.Scheduler.MaxTaskAttempts <= 0 {
		c.Scheduler.MaxTaskAttempts = def.Scheduler.MaxTaskAttempts
	}
	if c.Scheduler.BlacklistCooldown <= 0 {
		c.Scheduler.BlacklistCooldown = def.Scheduler.BlacklistCooldown
	}
	if c.Conversation.MaxMessages <= 0 {
		c.Conversation.MaxMessages = def.Conversation.MaxMessages
	}
	if c.Conversation.KeepExchanges <= 0 {
		c.Conversation.KeepExchanges = def.Conversation.KeepExchanges
	}
	if c.Supervisor.StopTimeout <= 0 {
		c.Supervisor.StopTimeout = def.Supervisor.StopTimeout
	}
	if c.Supervisor.KillTimeout <= 0 {
		c.Supervisor.KillTimeout = def.Supervisor.KillTimeout
	}
	if c.Bus.HistoryCap <= 0 {
		c.Bus.HistoryCap = def.Bus.HistoryCap
	}
}
