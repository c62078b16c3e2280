package cli

import (
	"io"

	"github.com/spf13/cobra"
)

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the bound assistant and the number of tracked articles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.setup(cmd, "status", false)
			if err != nil {
				return err
			}
			defer env.Close()

			st, err := env.app.Status(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "read status", err)
			}
			return opts.formatter(cmd).Success(st, func(w io.Writer) error { return writeStatus(w, st) })
		},
	}
}
