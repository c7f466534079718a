package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/skytransfer/internal/watch"
)

var (
	watchSettle   time.Duration
	watchExisting bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Upload files as they appear in a directory",
	Long: `Watch a directory tree and upload every new or rewritten file once it has
stopped changing. Files keep their path relative to the watched directory.
Stop with Ctrl-C; pending manifest changes are flushed before exiting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireWritable(); err != nil {
			return err
		}

		w, err := watch.New(args[0], func(ctx context.Context, path, relativePath string) error {
			return uploadFile(ctx, a, path, relativePath)
		}, watch.Options{Settle: watchSettle, Existing: watchExisting}, a.logger)
		if err != nil {
			return err
		}

		// The scheduler keeps its own context so it can flush after the
		// watcher stops.
		stopScheduler := a.startScheduler(context.WithoutCancel(ctx))
		watchErr := w.Run(ctx)
		syncErr := stopScheduler()
		if watchErr != nil && !errors.Is(watchErr, context.Canceled) {
			return watchErr
		}
		return syncErr
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 2*time.Second, "time a file must stay unchanged before it is uploaded")
	watchCmd.Flags().BoolVar(&watchExisting, "existing", false, "also upload files already in the directory")
}
