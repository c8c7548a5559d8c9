// Package config loads the operator configuration tree from the hermes
// home directory (~/.hermes by default): config.yaml for editable
// settings, .env for secrets, with environment variables taking
// precedence over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultHomeDirName is the directory under $HOME that holds all runtime
// state when HERMES_HOME is not set.
const DefaultHomeDirName = ".hermes"

// Config is the decoded config.yaml tree plus resolved secrets.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Compression CompressionConfig `yaml:"compression"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Toolsets    []string          `yaml:"toolsets"`
	Platforms   PlatformsConfig   `yaml:"platforms"`
	Approvals   ApprovalsConfig   `yaml:"approvals"`
	Cron        CronConfig        `yaml:"cron"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Personas    map[string]string `yaml:"personalities"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`

	// home is the resolved hermes home directory; set by Load, not yaml.
	home string
	// env holds merged .env + process environment secrets.
	env map[string]string
}

// AgentConfig sets model and loop behavior defaults for new sessions.
type AgentConfig struct {
	Model         string `yaml:"model"`
	Provider      string `yaml:"provider"`
	APIMode       string `yaml:"api_mode"`
	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`
	// AuxModel is the cheap model used for summaries (compression,
	// session_search digests). Empty disables summarization fallbacks.
	AuxModel string `yaml:"aux_model"`
	// ReasoningEffort is passed through in responses mode when set.
	ReasoningEffort string `yaml:"reasoning_effort"`
	// ToolResultCap bounds a single tool result before midpoint truncation.
	ToolResultCap int `yaml:"tool_result_cap"`
	// ToolProgress surfaces tool activity to the chat while a turn
	// runs; Mode "all" repeats every call, "new" only first-of-kind.
	ToolProgress     bool   `yaml:"tool_progress"`
	ToolProgressMode string `yaml:"tool_progress_mode"`
	// Routing carries OpenRouter provider-routing preferences.
	Routing RoutingConfig `yaml:"routing"`
}

// RoutingConfig mirrors OpenRouter's provider-routing options.
type RoutingConfig struct {
	Sort              string   `yaml:"sort"`
	Only              []string `yaml:"only"`
	Ignore            []string `yaml:"ignore"`
	Order             []string `yaml:"order"`
	RequireParameters bool     `yaml:"require_parameters"`
	DataCollection    string   `yaml:"data_collection"`
}

// Empty reports whether no routing preference is set.
func (r RoutingConfig) Empty() bool {
	return r.Sort == "" && len(r.Only) == 0 && len(r.Ignore) == 0 &&
		len(r.Order) == 0 && !r.RequireParameters && r.DataCollection == ""
}

// CompressionConfig tunes the context compressor.
type CompressionConfig struct {
	Threshold    float64 `yaml:"threshold"`
	ProtectFirst int     `yaml:"protect_first"`
	ProtectLast  int     `yaml:"protect_last"`
}

// SandboxConfig selects and parameterizes the terminal execution backend.
type SandboxConfig struct {
	Backend      string        `yaml:"backend"`
	Root         string        `yaml:"root"`
	ScratchDir   string        `yaml:"scratch_dir"`
	WorkDir      string        `yaml:"work_dir"`
	Image        string        `yaml:"image"`
	Persist      bool          `yaml:"persist"`
	ExecTimeout  time.Duration `yaml:"exec_timeout"`
	SSH          SSHConfig     `yaml:"ssh"`
	SudoPassword string        `yaml:"-"`
}

// SSHConfig holds the remote execution target for the ssh backend.
type SSHConfig struct {
	Host    string `yaml:"host"`
	User    string `yaml:"user"`
	Port    int    `yaml:"port"`
	KeyPath string `yaml:"key_path"`
}

// PlatformsConfig groups per-surface adapter settings.
type PlatformsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedUsers []string `yaml:"allowed_users"`
	HomeChannel  string   `yaml:"home_channel"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled              bool     `yaml:"enabled"`
	AllowedUsers         []string `yaml:"allowed_users"`
	FreeResponseChannels []string `yaml:"free_response_channels"`
	RequireMention       bool     `yaml:"require_mention"`
	HomeChannel          string   `yaml:"home_channel"`
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedUsers []string `yaml:"allowed_users"`
	HomeChannel  string   `yaml:"home_channel"`
}

// WhatsAppConfig configures the WhatsApp adapter.
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	HomeChannel string `yaml:"home_channel"`
}

// ApprovalsConfig is the permanent dangerous-command allowlist: pattern
// keys the operator has decided never need an interactive prompt.
type ApprovalsConfig struct {
	AllowPatterns []string      `yaml:"allow_patterns"`
	Timeout       time.Duration `yaml:"timeout"`
}

// CronConfig tunes the scheduler tick.
type CronConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// GatewayConfig tunes router behavior.
type GatewayConfig struct {
	QueueWatermark   int           `yaml:"queue_watermark"`
	TypingInterval   time.Duration `yaml:"typing_interval"`
	HooksDir         string        `yaml:"hooks_dir"`
	MirrorSessions   bool          `yaml:"mirror_sessions"`
	SessionsToMirror []string      `yaml:"sessions_to_mirror"`
}

// LoggingConfig controls the slog root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls the OTLP exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Home returns the resolved hermes home directory.
func (c *Config) Home() string { return c.home }

// StateDBPath is the session store file.
func (c *Config) StateDBPath() string { return filepath.Join(c.home, "state.db") }

// SessionsDir holds per-session JSONL transcript mirrors.
func (c *Config) SessionsDir() string { return filepath.Join(c.home, "sessions") }

// SkillsDir is the user-editable markdown skill tree.
func (c *Config) SkillsDir() string { return filepath.Join(c.home, "skills") }

// CronJobsPath is the scheduled-job state document.
func (c *Config) CronJobsPath() string { return filepath.Join(c.home, "cron", "jobs.json") }

// SandboxesDir holds per-backend workspace and overlay storage.
func (c *Config) SandboxesDir() string { return filepath.Join(c.home, "sandboxes") }

// LogsDir holds process logs.
func (c *Config) LogsDir() string { return filepath.Join(c.home, "logs") }

// NotesPath is the memory tool's on-disk notes file.
func (c *Config) NotesPath() string { return filepath.Join(c.home, "notes.md") }

// HooksDir resolves the hooks root, defaulting under home.
func (c *Config) HooksDir() string {
	if c.Gateway.HooksDir != "" {
		return c.Gateway.HooksDir
	}
	return filepath.Join(c.home, "hooks")
}

// Env returns the secret value for key, preferring the process
// environment over the .env file. Empty string when unset.
func (c *Config) Env(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return c.env[key]
}

// EnvSet reports whether key has any non-empty value. Tool check_fns use
// this for availability gating.
func (c *Config) EnvSet(key string) bool { return c.Env(key) != "" }

// EnvList splits a comma-separated env value into trimmed entries.
func (c *Config) EnvList(key string) []string {
	raw := c.Env(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Agent.Model == "" {
		c.Agent.Model = "anthropic/claude-sonnet-4"
	}
	if c.Agent.APIMode == "" {
		c.Agent.APIMode = "chat"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 60
	}
	if c.Agent.ToolResultCap <= 0 {
		c.Agent.ToolResultCap = 100 * 1024
	}
	if c.Compression.Threshold <= 0 || c.Compression.Threshold > 1 {
		c.Compression.Threshold = 0.85
	}
	if c.Compression.ProtectFirst <= 0 {
		c.Compression.ProtectFirst = 2
	}
	if c.Compression.ProtectLast <= 0 {
		c.Compression.ProtectLast = 2
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "local"
	}
	if c.Sandbox.ExecTimeout <= 0 {
		c.Sandbox.ExecTimeout = 2 * time.Minute
	}
	if c.Approvals.Timeout <= 0 {
		c.Approvals.Timeout = 5 * time.Minute
	}
	if c.Cron.TickInterval <= 0 {
		c.Cron.TickInterval = time.Minute
	}
	if c.Gateway.QueueWatermark <= 0 {
		c.Gateway.QueueWatermark = 16
	}
	if c.Gateway.TypingInterval <= 0 {
		c.Gateway.TypingInterval = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if len(c.Toolsets) == 0 {
		c.Toolsets = []string{"terminal", "files", "plan", "memory", "sessions", "messaging", "skills"}
	}
}

// applyEnvOverrides maps the stable environment variable names onto the
// config tree. Env beats .env beats config.yaml beats defaults.
func (c *Config) applyEnvOverrides() error {
	if v := c.Env("LLM_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := c.Env("HERMES_MAX_ITERATIONS"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return fmt.Errorf("HERMES_MAX_ITERATIONS: %w", err)
		}
		c.Agent.MaxIterations = n
	}
	if v := c.Env("HERMES_TOOL_PROGRESS"); v != "" {
		c.Agent.ToolProgress = parseBool(v)
	}
	if v := c.Env("HERMES_TOOL_PROGRESS_MODE"); v != "" {
		c.Agent.ToolProgressMode = v
	}
	if v := c.Env("TERMINAL_ENV"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := c.Env("TERMINAL_SANDBOX_DIR"); v != "" {
		c.Sandbox.Root = v
	}
	if v := c.Env("TERMINAL_SCRATCH_DIR"); v != "" {
		c.Sandbox.ScratchDir = v
	}
	if v := c.Env("SUDO_PASSWORD"); v != "" {
		c.Sandbox.SudoPassword = v
	}
	if v := c.Env("TERMINAL_SSH_HOST"); v != "" {
		c.Sandbox.SSH.Host = v
	}
	if v := c.Env("TERMINAL_SSH_USER"); v != "" {
		c.Sandbox.SSH.User = v
	}
	if v := c.Env("TERMINAL_SSH_PORT"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return fmt.Errorf("TERMINAL_SSH_PORT: %w", err)
		}
		c.Sandbox.SSH.Port = n
	}
	if v := c.Env("TERMINAL_SSH_KEY"); v != "" {
		c.Sandbox.SSH.KeyPath = v
	}
	if c.Env("TELEGRAM_BOT_TOKEN") != "" {
		c.Platforms.Telegram.Enabled = true
	}
	if v := c.EnvList("TELEGRAM_ALLOWED_USERS"); len(v) > 0 {
		c.Platforms.Telegram.AllowedUsers = v
	}
	if v := c.Env("TELEGRAM_HOME_CHANNEL"); v != "" {
		c.Platforms.Telegram.HomeChannel = v
	}
	if c.Env("DISCORD_BOT_TOKEN") != "" {
		c.Platforms.Discord.Enabled = true
	}
	if v := c.EnvList("DISCORD_ALLOWED_USERS"); len(v) > 0 {
		c.Platforms.Discord.AllowedUsers = v
	}
	if v := c.EnvList("DISCORD_FREE_RESPONSE_CHANNELS"); len(v) > 0 {
		c.Platforms.Discord.FreeResponseChannels = v
	}
	if v := c.Env("DISCORD_REQUIRE_MENTION"); v != "" {
		c.Platforms.Discord.RequireMention = parseBool(v)
	}
	if c.Env("SLACK_BOT_TOKEN") != "" && c.Env("SLACK_APP_TOKEN") != "" {
		c.Platforms.Slack.Enabled = true
	}
	if v := c.EnvList("SLACK_ALLOWED_USERS"); len(v) > 0 {
		c.Platforms.Slack.AllowedUsers = v
	}
	if v := c.Env("WHATSAPP_ENABLED"); v != "" {
		c.Platforms.WhatsApp.Enabled = parseBool(v)
	}
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
