package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/openmined/mirrorbox/internal/jobs"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newJobsCmd())
}

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List interrupted jobs that can be resumed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := jobs.NewManager(cfg.JobsPath())
			if err := manager.Init(); errors.Is(err, jobs.ErrStoreLocked) {
				return fmt.Errorf("%w: query GET /api/v1/jobs on the running server instead", err)
			} else if err != nil {
				return err
			}
			defer manager.Close()

			pending := manager.PendingJobs()
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, green("no pending jobs"))
				return nil
			}

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("JOB", "STATUS", "SOURCE", "UPLOADED", "SIZE", "ERRORS", "LAST ACTIVITY")
			for _, d := range pending {
				table.AddRow(
					cyan(d.JobID),
					yellow(string(d.Status)),
					d.SourcePath,
					humanize.Comma(int64(len(d.UploadedKeys))),
					humanize.Bytes(uint64(d.Progress.BytesUploaded)),
					d.Progress.Errors,
					humanize.Time(d.LastActivity),
				)
			}
			_, err := fmt.Fprintln(out, table)
			return err
		},
	}
}
