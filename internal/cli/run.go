package cli

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kbsync/features/syncer"
)

func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass and exit",
		Long: "Run scrapes the help center, uploads new and changed articles, deletes removed\n" +
			"ones and prints the run report. It exits 0 when the run completed, even if some\n" +
			"articles failed, and 1 when the run was aborted or cancelled.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.setup(cmd, "sync", true)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep, runErr := env.app.Sync.Run(ctx)
			return reportRun(opts.formatter(cmd), rep, runErr)
		},
	}
}

// reportRun prints rep and maps the outcome of a run to an exit error.
func reportRun(f *OutputFormatter, rep *syncer.Report, runErr error) error {
	text := func(w io.Writer) error { return writeReport(w, rep) }

	if runErr == nil {
		if err := f.Success(rep, text); err != nil {
			return WrapExitError(ExitFailure, "write report", err)
		}
		return nil
	}

	if rep != nil {
		if err := f.Failure(runErrorCode(runErr), runErr.Error(), rep, text); err != nil {
			return WrapExitError(ExitFailure, "write report", err)
		}
	}
	return WrapExitError(ExitFailure, "sync run failed", runErr)
}

func runErrorCode(err error) string {
	switch {
	case errors.Is(err, syncer.ErrRunCancelled):
		return "RUN_CANCELLED"
	case errors.Is(err, syncer.ErrRunInProgress):
		return "RUN_IN_PROGRESS"
	case errors.Is(err, syncer.ErrEmptyCorpus):
		return "EMPTY_CORPUS"
	default:
		return "RUN_FAILED"
	}
}
