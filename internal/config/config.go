// Package config holds the process-wide, immutable tunables described in
// spec §4.A. A Config is loaded once at startup and never mutated; every
// other component receives a read-only reference.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// WaitPatternGuardMode controls the unsafe wait-pattern launch guard
// (spec §4.K).
type WaitPatternGuardMode string

const (
	WaitGuardOff    WaitPatternGuardMode = "off"
	WaitGuardWarn   WaitPatternGuardMode = "warn"
	WaitGuardReject WaitPatternGuardMode = "reject"
)

// Config is the immutable set of tunables derived once at process
// startup from the environment plus an optional YAML policy overlay.
type Config struct {
	// Discord / transport.
	DiscordToken string `env:"DISCORD_BOT_TOKEN"`

	// Agent process supervision (spec §4.C).
	AgentTimeout           time.Duration `env:"AGENT_TIMEOUT" envDefault:"30m"` // 0 disables.
	CodexTransientRetryMax int           `env:"CODEX_TRANSIENT_RETRY_MAX" envDefault:"2"`
	DebugUnredactedCommands bool         `env:"DEBUG_UNREDACTED_COMMANDS" envDefault:"false"`
	DefaultProvider         string       `env:"DEFAULT_PROVIDER" envDefault:"codex"`

	// Model routing for the Claude backend (heavy vs. light).
	ClaudeHeavyModel      string   `env:"CLAUDE_HEAVY_MODEL" envDefault:"claude-opus-4"`
	ClaudeLightModel      string   `env:"CLAUDE_LIGHT_MODEL" envDefault:"claude-haiku-4"`
	HeavyKeywords         []string `env:"CLAUDE_HEAVY_KEYWORDS" envSeparator:"," envDefault:"refactor,architecture,migrate,security"`
	HeavyPromptLenThresh  int      `env:"CLAUDE_HEAVY_PROMPT_LEN" envDefault:"4000"`

	// Allow-roots (spec §4.A).
	WorkdirAllowRoots []string `env:"WORKDIR_ALLOW_ROOTS" envSeparator:":"`
	UploadAllowRoots  []string `env:"UPLOAD_ALLOW_ROOTS" envSeparator:":"`

	// Guards.
	WaitPatternGuardMode WaitPatternGuardMode `env:"WAIT_PATTERN_GUARD_MODE" envDefault:"warn"`
	StaleCPUPercent      float64              `env:"STALE_CPU_PERCENT" envDefault:"2.0"`
	StaleGPUPercent      float64              `env:"STALE_GPU_PERCENT" envDefault:"2.0"`
	StaleMinutes         int                  `env:"STALE_MINUTES" envDefault:"15"`
	AlertEveryMinutes    int                  `env:"ALERT_EVERY_MINUTES" envDefault:"30"`

	// Finalized job log archival (spec §4.I): logs at or above this size
	// are recompressed once the job reaches a terminal state. Research
	// jobs (long-lived, rarely re-read) get brotli's better cold-storage
	// ratio; everything else gets gzip.
	JobLogArchiveMinBytes int64 `env:"JOB_LOG_ARCHIVE_MIN_BYTES" envDefault:"1048576"`

	// Progress reporter (spec §4.D).
	MinEditInterval  time.Duration `env:"PROGRESS_MIN_EDIT_MS" envDefault:"2s"`
	HeartbeatInterval time.Duration `env:"PROGRESS_HEARTBEAT_MS" envDefault:"20s"`
	EditTimeout      time.Duration `env:"PROGRESS_EDIT_TIMEOUT_MS" envDefault:"10s"`
	StallWarnAfter   time.Duration `env:"PROGRESS_STALL_WARN_MS" envDefault:"60s"`
	ProgressMaxLines int           `env:"PROGRESS_MAX_LINES" envDefault:"12"`

	// StatusSummaryEnabled adds a trailing "Run status: failed (duration…,
	// error…)" line after a failed run's code-fenced error body (spec
	// §4.F.9/§7).
	StatusSummaryEnabled bool `env:"STATUS_SUMMARY_ENABLED" envDefault:"true"`

	// Visibility heartbeat thresholds (spec §4.A/§4.I).
	StartupHeartbeatSec int `env:"STARTUP_HEARTBEAT_SEC" envDefault:"30"`
	HeartbeatEverySec   int `env:"HEARTBEAT_EVERY_SEC" envDefault:"300"`

	// State store.
	StateDir string `env:"STATE_DIR" envDefault:"./.relaybridge"`

	// Relay-action protocol (spec §4.K).
	RelayActionsEnabled   bool `env:"RELAY_ACTIONS_ENABLED" envDefault:"true"`
	RelayActionsDMOnly    bool `env:"RELAY_ACTIONS_DM_ONLY" envDefault:"true"`
	RelayActionsMaxPerMsg int  `env:"RELAY_ACTIONS_MAX_PER_MSG" envDefault:"4"`
	TasksMaxPending       int  `env:"TASKS_MAX_PENDING" envDefault:"50"`

	// Task runner / Ralph loop (spec §4.G).
	TaskAutoCommit   bool   `env:"TASK_AUTO_COMMIT" envDefault:"true"`
	TaskCommitPrefix string `env:"TASK_COMMIT_PREFIX" envDefault:"relay"`
	TaskStopOnError  bool   `env:"TASK_STOP_ON_ERROR" envDefault:"false"`
	TaskAutoHandoff  bool   `env:"TASK_AUTO_HANDOFF" envDefault:"false"`

	// Priority-question interrupt (spec §4.J).
	AskEphemeralTimeout time.Duration `env:"ASK_EPHEMERAL_TIMEOUT" envDefault:"3m"`
	AskSnapshotMaxChars int           `env:"ASK_SNAPSHOT_MAX_CHARS" envDefault:"8000"`
	AskLogTailLines     int           `env:"ASK_LOG_TAIL_LINES" envDefault:"80"`

	// Research manager (spec §4.L).
	ResearchProjectsRoot string        `env:"RESEARCH_PROJECTS_ROOT" envDefault:"./.relaybridge/projects"`
	ResearchLeaseTTL     time.Duration `env:"RESEARCH_LEASE_TTL" envDefault:"10m"`
	ResearchInflightTTL  time.Duration `env:"RESEARCH_INFLIGHT_TTL" envDefault:"20m"`
	ResearchTickInterval time.Duration `env:"RESEARCH_TICK_INTERVAL" envDefault:"5m"`
	ResearchTickCron     string        `env:"RESEARCH_TICK_CRON"` // optional; overrides ResearchTickInterval when set.

	// Worktree manager (spec.md §6 `/worktree`).
	WorktreesRoot string `env:"WORKTREES_ROOT" envDefault:"./.relaybridge/worktrees"`

	// Policy overlay (YAML), merged on top of env defaults.
	Policy Policy `env:"-"`
}

// Policy holds the parts of configuration that are naturally
// list/allowlist-shaped and awkward to express as a single env var.
type Policy struct {
	RelayActionAllowlist []string `yaml:"relayActionAllowlist"`
	ResearchAllowlist    []string `yaml:"researchAllowlist"`
	ExtraContextFiles    []ContextFile `yaml:"extraContextFiles"`
}

// ContextFile describes one file injected into the context-bootstrap
// block (spec §4.F.4).
type ContextFile struct {
	Path     string `yaml:"path"`
	Mode     string `yaml:"mode"` // head | tail | headtail
	MaxChars int    `yaml:"maxChars"`
}

// defaultRelayActionAllowlist is used when no policy file is supplied.
var defaultRelayActionAllowlist = []string{"job_start", "job_watch", "job_stop", "task_add", "task_run"}

var defaultResearchAllowlist = append(append([]string{}, defaultRelayActionAllowlist...), "write_report", "research_pause", "research_mark_done")

// Load reads Config from the process environment and, if policyPath is
// non-empty, merges in the YAML policy overlay. The result is never
// mutated afterwards by the caller.
func Load(policyPath string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.Policy.RelayActionAllowlist = defaultRelayActionAllowlist
	cfg.Policy.ResearchAllowlist = defaultResearchAllowlist

	if policyPath != "" {
		data, err := os.ReadFile(policyPath) //nolint:gosec // operator-supplied config path, not user input.
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		var p Policy
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse policy file: %w", err)
		}
		if len(p.RelayActionAllowlist) > 0 {
			cfg.Policy.RelayActionAllowlist = p.RelayActionAllowlist
		}
		if len(p.ResearchAllowlist) > 0 {
			cfg.Policy.ResearchAllowlist = p.ResearchAllowlist
		}
		cfg.Policy.ExtraContextFiles = p.ExtraContextFiles
	}
	return cfg, nil
}

// IsWorkdirAllowed reports whether dir is under one of the configured
// workdir allow-roots. An empty allow-root list denies everything —
// callers must configure at least one root to permit any workdir.
func (c *Config) IsWorkdirAllowed(dir string) bool {
	return isUnderAnyRoot(dir, c.WorkdirAllowRoots)
}

// IsUploadPathAllowed reports whether path is under one of the
// configured upload allow-roots.
func (c *Config) IsUploadPathAllowed(path string) bool {
	return isUnderAnyRoot(path, c.UploadAllowRoots)
}

func isUnderAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		if root == "" {
			continue
		}
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}
