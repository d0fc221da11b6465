// Package config loads ralph's configuration from defaults, the project's
// .ralph/config.yaml, RALPH_* environment variables and command-line flags.
package config

import (
	"fmt"
	"time"

	"ralph/internal/agent"
	"ralph/internal/completion"
	"ralph/internal/gitutil"
	"ralph/internal/logging"
	"ralph/internal/sandbox"
)

// Config is the complete ralph configuration.
type Config struct {
	Loop     LoopConfig     `yaml:"loop" mapstructure:"loop"`
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
	Sandbox  SandboxConfig  `yaml:"sandbox" mapstructure:"sandbox"`
	Branches BranchConfig   `yaml:"branches" mapstructure:"branches"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
	Logging  logging.Config `yaml:"logging" mapstructure:"logging"`
	Trace    TraceConfig    `yaml:"trace" mapstructure:"trace"`
}

// LoopConfig controls the iteration loop.
type LoopConfig struct {
	// MaxIterations caps the run; 0 means unlimited.
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`
	// MaxConsecutiveErrors trips the circuit breaker; 0 disables it.
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
	IdleThreshold        int           `yaml:"idle_threshold" mapstructure:"idle_threshold"`
	AgentTimeout         time.Duration `yaml:"agent_timeout" mapstructure:"agent_timeout"`
	ValidationCommand    string        `yaml:"validation_command" mapstructure:"validation_command"`
	ValidationTimeout    time.Duration `yaml:"validation_timeout" mapstructure:"validation_timeout"`
	Push                 bool          `yaml:"push" mapstructure:"push"`
	ProtectedBranches    []string      `yaml:"protected_branches" mapstructure:"protected_branches"`
	// PromptDir holds PROMPT_plan.md and PROMPT_build.md, relative to the
	// working copy unless absolute.
	PromptDir string `yaml:"prompt_dir" mapstructure:"prompt_dir"`
}

// AgentConfig describes the agent CLI.
type AgentConfig struct {
	Command []string `yaml:"command" mapstructure:"command"`
	Env     []string `yaml:"env" mapstructure:"env"`
	PTY     bool     `yaml:"pty" mapstructure:"pty"`
}

// SandboxConfig controls containerised execution.
type SandboxConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	Image          string   `yaml:"image" mapstructure:"image"`
	Memory         string   `yaml:"memory" mapstructure:"memory"`
	CPUs           string   `yaml:"cpus" mapstructure:"cpus"`
	Network        string   `yaml:"network" mapstructure:"network"`
	AllowedDomains []string `yaml:"allowed_domains" mapstructure:"allowed_domains"`
	Reuse          bool     `yaml:"reuse" mapstructure:"reuse"`
	User           string   `yaml:"user" mapstructure:"user"`
}

// BranchConfig controls multi-branch builds.
type BranchConfig struct {
	DefaultBase   string `yaml:"default_base" mapstructure:"default_base"`
	WorktreeRoot  string `yaml:"worktree_root" mapstructure:"worktree_root"`
	KeepWorktrees bool   `yaml:"keep_worktrees" mapstructure:"keep_worktrees"`
	Parallel      bool   `yaml:"parallel" mapstructure:"parallel"`
	CreatePRs     bool   `yaml:"create_prs" mapstructure:"create_prs"`
}

// NotifyConfig selects notification channels.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Desktop    bool   `yaml:"desktop" mapstructure:"desktop"`
}

// TraceConfig configures OpenTelemetry export.
type TraceConfig struct {
	// Endpoint is the OTLP/HTTP host:port; empty disables export.
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Loop: LoopConfig{
			MaxConsecutiveErrors: 5,
			IdleThreshold:        completion.DefaultIdleThreshold,
			AgentTimeout:         agent.DefaultTimeout,
			ValidationTimeout:    10 * time.Minute,
			ProtectedBranches:    append([]string(nil), gitutil.DefaultProtectedBranches...),
			PromptDir:            ".ralph",
		},
		Agent: AgentConfig{
			Command: append([]string(nil), agent.DefaultCommand...),
		},
		Sandbox: SandboxConfig{
			Image:   sandbox.DefaultImage,
			Memory:  "8g",
			CPUs:    "4",
			Network: string(sandbox.NetworkAllowAll),
			AllowedDomains: []string{
				"api.anthropic.com",
				"github.com",
				"api.github.com",
				"registry.npmjs.org",
				"proxy.golang.org",
				"pypi.org",
			},
		},
		Branches: BranchConfig{
			DefaultBase: "main",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Trace: TraceConfig{
			ServiceName: "ralph",
			Insecure:    true,
		},
	}
}

// Validate checks the configuration for values the loop cannot run with.
func (c *Config) Validate() error {
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("loop.max_iterations must be >= 0")
	}
	if c.Loop.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("loop.max_consecutive_errors must be >= 0")
	}
	if c.Loop.IdleThreshold < 1 {
		return fmt.Errorf("loop.idle_threshold must be at least 1")
	}
	if c.Loop.AgentTimeout < time.Second {
		return fmt.Errorf("loop.agent_timeout must be at least 1s")
	}
	if len(c.Agent.Command) == 0 || c.Agent.Command[0] == "" {
		return fmt.Errorf("agent.command is required")
	}
	if _, err := sandbox.ParseNetworkPolicy(c.Sandbox.Network); err != nil {
		return fmt.Errorf("sandbox.network: %w", err)
	}
	if c.Sandbox.Enabled {
		if _, err := sandbox.ParseLimits(c.Sandbox.Memory, c.Sandbox.CPUs); err != nil {
			return fmt.Errorf("sandbox: %w", err)
		}
		if c.Sandbox.Image == "" {
			return fmt.Errorf("sandbox.image is required when the sandbox is enabled")
		}
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json")
	}
	return nil
}
