package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ralph/internal/state"
	"ralph/internal/tui"
)

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Ask a running loop to stop after its current iteration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			cancelled, err := state.NewStore(e.dir).Cancel()
			if err != nil {
				return err
			}
			if !cancelled {
				fmt.Fprintln(e.stdout, "No active loop.")
				return nil
			}
			fmt.Fprintln(e.stdout, "Cancel requested; the loop stops after its current iteration.")
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted loop state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			st, err := state.NewStore(e.dir).Load()
			if errors.Is(err, state.ErrNotFound) {
				if asJSON {
					_, err := fmt.Fprintln(e.stdout, "null")
					return err
				}
				fmt.Fprintln(e.stdout, "No loop state. Start one with `ralph plan` or `ralph build`.")
				return nil
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(e.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprint(e.stdout, tui.RenderState(st, time.Now(), tui.DefaultStyles()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the state as JSON")
	return cmd
}

func newCleanCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete the persisted loop state",
		Long: `Delete .ralph/state.yaml. The state of a finished run is kept as an
audit record until this command removes it. An active loop's state is only
removed with --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			store := state.NewStore(e.dir)
			st, err := store.Load()
			switch {
			case errors.Is(err, state.ErrNotFound):
				fmt.Fprintln(e.stdout, "Nothing to clean.")
				return nil
			case err != nil && !force:
				return fmt.Errorf("%w (use --force to remove it anyway)", err)
			case err == nil && st.Active && !force:
				return fmt.Errorf("loop is still active at iteration %d; run `ralph cancel` first or use --force", st.Iteration)
			}
			if err := store.Clean(); err != nil {
				return err
			}
			fmt.Fprintf(e.stdout, "Removed %s\n", store.Path())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove the state even if the loop is active")
	return cmd
}
