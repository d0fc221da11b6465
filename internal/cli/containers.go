package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ralph/internal/logging"
	"ralph/internal/sandbox"
	"ralph/internal/state"
)

func newContainersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Manage sandbox containers",
	}
	var all bool
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove containers left behind by crashed or killed runs",
		Long: `Remove ralph-labelled containers. Containers belonging to a working copy
whose state file is still active are kept unless --all is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			d, err := sandbox.NewDocker()
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			sc := e.cfg.Sandbox
			mc := sandbox.Config{
				Image:  sc.Image,
				Memory: sc.Memory,
				CPUs:   sc.CPUs,
				Logger: logging.Component(e.log, "sandbox"),
				InUse:  loopActive,
			}
			if all {
				mc.InUse = nil
			}
			mgr, err := sandbox.NewManager(d, mc)
			if err != nil {
				return err
			}
			n, err := mgr.CleanupOrphaned(cmd.Context())
			fmt.Fprintf(e.stdout, "Removed %d container(s).\n", n)
			return err
		},
	}
	cleanup.Flags().BoolVar(&all, "all", false, "also remove containers of loops that are still active")
	cmd.AddCommand(cleanup)
	return cmd
}

// loopActive reports whether workDir has an active state file.
func loopActive(workDir string) bool {
	st, err := state.NewStore(workDir).Load()
	return err == nil && st.Active
}
