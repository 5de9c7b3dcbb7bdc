package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/mirrorbox/internal/backup"
	"github.com/openmined/mirrorbox/internal/jobs"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMirrorCmd())
	rootCmd.AddCommand(newResumeCmd())
}

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror <path>",
		Short: "Mirror a directory to the object store and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, _ := cmd.Flags().GetBool("snapshot")
			return runForeground(cmd, func(ctx context.Context, svc *jobs.Service) (*jobs.JobRef, error) {
				return svc.CreateMirrorJob(ctx, args[0], snapshot)
			})
		},
	}

	cmd.Flags().Bool("snapshot", false, "source is a mounted volume snapshot, stored under the snapshot label")
	cmd.Flags().IntP("concurrency", "j", 10, "parallel uploads")
	cmd.Flags().StringSlice("exclude", nil, "gitignore-style pattern to skip (repeatable)")
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume an interrupted job, skipping files it already uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd, func(ctx context.Context, svc *jobs.Service) (*jobs.JobRef, error) {
				return svc.ResumeJob(ctx, args[0])
			})
		},
	}

	cmd.Flags().IntP("concurrency", "j", 10, "parallel uploads")
	return cmd
}

// runForeground starts one job and blocks until it completes, fails, or the
// process is interrupted. An interrupted job stays resumable.
func runForeground(cmd *cobra.Command, start func(context.Context, *jobs.Service) (*jobs.JobRef, error)) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	report := &jobReport{out: out, started: time.Now()}

	a, err := newApp(ctx, cfg, appOptions{
		notifier: notify.Multi{notify.LogNotifier{}, report},
		withJobs: true,
	})
	if err != nil {
		return err
	}
	defer a.shutdown()

	ref, err := start(ctx, a.jobs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s -> %s\n", cyan("job"), ref.JobID, ref.TargetPrefix)
	if ref.AlreadyUploaded > 0 {
		fmt.Fprintf(out, "skipping %s files already uploaded\n", humanize.Comma(int64(ref.AlreadyUploaded)))
	}

	done := make(chan struct{})
	go func() {
		a.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(out, yellow("interrupted, waiting for in-flight uploads..."))
		a.jobs.StopAll(context.Background(), false)
		<-done
		fmt.Fprintf(out, "resume with: %s resume %s\n", rootCmd.Name(), ref.JobID)
	}

	return report.err()
}

// jobReport prints progress and the final summary of a foreground job.
type jobReport struct {
	out     io.Writer
	started time.Time

	mu     sync.Mutex
	failed error
}

func (r *jobReport) Notify(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch eventType {
	case notify.EventBackupProgress:
		if stats, ok := data.(backup.Stats); ok {
			fmt.Fprintf(r.out, "  %s scanned, %s uploaded (%s), %s errors\n",
				humanize.Comma(int64(stats.FilesScanned)),
				humanize.Comma(int64(stats.FilesUploaded)),
				humanize.Bytes(uint64(stats.BytesUploaded)),
				humanize.Comma(int64(stats.Errors)),
			)
		}
	case notify.EventBackupComplete:
		if stats, ok := data.(backup.Stats); ok {
			fmt.Fprintf(r.out, "%s %s files, %s in %s",
				green("done"),
				humanize.Comma(int64(stats.FilesUploaded)),
				humanize.Bytes(uint64(stats.BytesUploaded)),
				time.Since(r.started).Round(time.Millisecond),
			)
			if stats.Errors > 0 {
				fmt.Fprintf(r.out, ", %s", red(humanize.Comma(int64(stats.Errors))+" errors"))
			}
			fmt.Fprintln(r.out)
		}
	case notify.EventBackupError:
		if m, ok := data.(map[string]string); ok {
			r.failed = fmt.Errorf("job %s failed: %s", m["jobId"], m["error"])
		}
	}
}

func (r *jobReport) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}
