package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"ralph/internal/state"
)

// EnvPrefix is the prefix for environment overrides, e.g. RALPH_LOOP_PUSH.
const EnvPrefix = "RALPH"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	workDir    string
	configFile string
}

// NewLoader creates a loader that looks for .ralph/config.yaml under workDir.
func NewLoader(workDir string) *Loader {
	return &Loader{v: viper.New(), workDir: workDir}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) { l.configFile = path }

// Viper returns the underlying Viper instance so callers can bind flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// ConfigFileUsed returns the config file that was loaded, if any.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

// Load loads configuration with precedence
// defaults < config file < env vars < flags.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setup(cfg)

	if err := l.readConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setup(cfg *Config) {
	v := l.v
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if l.workDir != "" {
		v.AddConfigPath(filepath.Join(l.workDir, state.Dir))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v, cfg)
	// Unmarshal only sees env vars for keys viper knows about; every key has
	// a default, so AutomaticEnv covers them all.
	v.AutomaticEnv()
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("loop.max_iterations", cfg.Loop.MaxIterations)
	v.SetDefault("loop.max_consecutive_errors", cfg.Loop.MaxConsecutiveErrors)
	v.SetDefault("loop.idle_threshold", cfg.Loop.IdleThreshold)
	v.SetDefault("loop.agent_timeout", cfg.Loop.AgentTimeout)
	v.SetDefault("loop.validation_command", cfg.Loop.ValidationCommand)
	v.SetDefault("loop.validation_timeout", cfg.Loop.ValidationTimeout)
	v.SetDefault("loop.push", cfg.Loop.Push)
	v.SetDefault("loop.protected_branches", cfg.Loop.ProtectedBranches)
	v.SetDefault("loop.prompt_dir", cfg.Loop.PromptDir)

	v.SetDefault("agent.command", cfg.Agent.Command)
	v.SetDefault("agent.env", cfg.Agent.Env)
	v.SetDefault("agent.pty", cfg.Agent.PTY)

	v.SetDefault("sandbox.enabled", cfg.Sandbox.Enabled)
	v.SetDefault("sandbox.image", cfg.Sandbox.Image)
	v.SetDefault("sandbox.memory", cfg.Sandbox.Memory)
	v.SetDefault("sandbox.cpus", cfg.Sandbox.CPUs)
	v.SetDefault("sandbox.network", cfg.Sandbox.Network)
	v.SetDefault("sandbox.allowed_domains", cfg.Sandbox.AllowedDomains)
	v.SetDefault("sandbox.reuse", cfg.Sandbox.Reuse)
	v.SetDefault("sandbox.user", cfg.Sandbox.User)

	v.SetDefault("branches.default_base", cfg.Branches.DefaultBase)
	v.SetDefault("branches.worktree_root", cfg.Branches.WorktreeRoot)
	v.SetDefault("branches.keep_worktrees", cfg.Branches.KeepWorktrees)
	v.SetDefault("branches.parallel", cfg.Branches.Parallel)
	v.SetDefault("branches.create_prs", cfg.Branches.CreatePRs)

	v.SetDefault("notify.webhook_url", cfg.Notify.WebhookURL)
	v.SetDefault("notify.desktop", cfg.Notify.Desktop)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("trace.endpoint", cfg.Trace.Endpoint)
	v.SetDefault("trace.service_name", cfg.Trace.ServiceName)
	v.SetDefault("trace.insecure", cfg.Trace.Insecure)
}

func (l *Loader) readConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	err := l.v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && l.configFile == "" {
		return nil
	}
	return err
}
