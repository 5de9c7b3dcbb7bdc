package main

import (
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/openmined/mirrorbox/internal/server"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mirror service with its HTTP API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hub := notify.NewHub()

			a, err := newApp(ctx, cfg, appOptions{
				notifier: notify.Multi{hub, notify.LogNotifier{}},
				withJobs: true,
			})
			if err != nil {
				return err
			}
			defer a.shutdown()

			if restored, err := a.cache.Restore(ctx); err != nil {
				slog.Warn("cache restore", "error", err)
			} else if restored {
				slog.Info("cache restored", "files", a.cache.Status().TotalFiles)
			}
			a.cache.StartBackgroundLoad(ctx)

			for _, d := range a.jobs.PendingJobs() {
				slog.Info("resumable job",
					"jobId", d.JobID,
					"source", d.SourcePath,
					"uploaded", d.Progress.FilesUploaded,
					"bytes", humanize.Bytes(uint64(d.Progress.BytesUploaded)),
					"lastActivity", humanize.Time(d.LastActivity),
				)
			}

			srv, err := server.New(&server.Config{
				Addr:      cfg.HTTP.Addr,
				RateLimit: cfg.HTTP.RateLimit,
			}, &server.Services{
				Store: a.store,
				Jobs:  a.jobs,
				Cache: a.cache,
				Hub:   hub,
			})
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringP("addr", "a", server.DefaultAddr, "address to bind the HTTP server")
	return cmd
}
