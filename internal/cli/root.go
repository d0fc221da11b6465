// Package cli implements the ralph command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ralph/internal/config"
	"ralph/internal/logging"
)

// rootOptions holds persistent flags and the process outcome.
type rootOptions struct {
	configFile string
	dir        string
	logLevel   string
	logFormat  string

	stdout io.Writer
	stderr io.Writer

	// exitCode is set by commands whose failure is reported rather than
	// returned as an error (fatal loop outcomes, failed branches).
	exitCode int
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return opts.exitCode
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "ralph",
		Short: "Run an AI coding agent in an unattended loop",
		Long: `Ralph repeatedly invokes an AI coding agent against a working copy,
validates its work, and stops when the agent runs out of work, hits the
iteration cap, fails too often, or is cancelled.

State lives in .ralph/state.yaml inside the working copy, so a crashed or
interrupted run resumes where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "config file (default is <dir>/.ralph/config.yaml)")
	pf.StringVarP(&opts.dir, "dir", "C", "", "working copy to operate on (default is the current directory)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")

	root.AddCommand(
		newLoopCmd(opts, "plan"),
		newLoopCmd(opts, "build"),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newCleanCmd(opts),
		newBranchesCmd(opts),
		newContainersCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// env is everything a command needs after flags and config are resolved.
type env struct {
	dir    string
	cfg    *config.Config
	log    zerolog.Logger
	stdout io.Writer
	stderr io.Writer
}

// flagKeys maps command flags onto config keys so flags override the file
// and the environment.
var flagKeys = map[string]string{
	"max-iterations":  "loop.max_iterations",
	"max-errors":      "loop.max_consecutive_errors",
	"idle-threshold":  "loop.idle_threshold",
	"agent-timeout":   "loop.agent_timeout",
	"validate":        "loop.validation_command",
	"push":            "loop.push",
	"pty":             "agent.pty",
	"sandbox":         "sandbox.enabled",
	"image":           "sandbox.image",
	"network":         "sandbox.network",
	"reuse-container": "sandbox.reuse",
	"parallel":        "branches.parallel",
	"pr":              "branches.create_prs",
	"keep-worktrees":  "branches.keep_worktrees",
	"base":            "branches.default_base",
}

func (o *rootOptions) prepare(cmd *cobra.Command) (*env, error) {
	dir := o.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("working copy %q: %w", dir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("working copy %q is not a directory", dir)
	}

	loader := config.NewLoader(dir)
	if o.configFile != "" {
		loader.SetConfigFile(o.configFile)
	}
	v := loader.Viper()
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	if o.logLevel != "" {
		v.Set("logging.level", o.logLevel)
	}
	if o.logFormat != "" {
		v.Set("logging.format", o.logFormat)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	cfg.Logging.Output = o.stderr
	log := logging.New(cfg.Logging)
	if used := loader.ConfigFileUsed(); used != "" {
		log.Debug().Str("file", used).Msg("loaded config")
	}
	return &env{dir: dir, cfg: cfg, log: log, stdout: o.stdout, stderr: o.stderr}, nil
}
