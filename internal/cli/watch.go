package cli

import (
	"github.com/spf13/cobra"

	"ralph/internal/state"
	"ralph/internal/tui"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the loop state live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			return tui.Watch(cmd.Context(), state.NewStore(e.dir), e.log)
		},
	}
}
