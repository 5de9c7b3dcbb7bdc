package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/spf13/cobra"
)

func init() {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the bucket listing",
	}
	cacheCmd.AddCommand(newCacheStatsCmd(), newCacheFilesCmd())
	rootCmd.AddCommand(cacheCmd)
}

func newCacheStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [prefix]",
		Short: "Show file and folder counts under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			// the argument names a folder
			if prefix != "" && !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			refresh, _ := cmd.Flags().GetBool("refresh")

			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.cache.Restore(cmd.Context()); err != nil {
				return err
			}
			if _, err := a.cache.GetFiles(cmd.Context(), refresh); err != nil {
				return err
			}

			stats, _ := a.cache.GetFolderStats(prefix)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", cyan("prefix"), displayPrefix(prefix))
			fmt.Fprintf(out, "  folders %s\n", humanize.Comma(int64(stats.FolderCount)))
			fmt.Fprintf(out, "  files   %s\n", humanize.Comma(int64(stats.FileCount)))
			fmt.Fprintf(out, "  total   %s\n", humanize.Comma(int64(stats.TotalCount)))
			return nil
		},
	}
	cmd.Flags().Bool("refresh", false, "rescan the bucket even if the cached listing is fresh")
	return cmd
}

func newCacheFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List objects, optionally filtered by a glob such as 'backups/**/*.jpg'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			glob, _ := cmd.Flags().GetString("glob")
			refresh, _ := cmd.Flags().GetBool("refresh")

			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.cache.Restore(cmd.Context()); err != nil {
				return err
			}
			files, err := a.cache.GetFiles(cmd.Context(), refresh)
			if err != nil {
				return err
			}
			if glob != "" {
				if files, err = a.cache.Glob(glob); err != nil {
					return err
				}
			}

			printFiles(cmd, files)
			return nil
		},
	}
	cmd.Flags().StringP("glob", "g", "", "doublestar pattern matched against object keys")
	cmd.Flags().Bool("refresh", false, "rescan the bucket even if the cached listing is fresh")
	return cmd
}

func printFiles(cmd *cobra.Command, files []objstore.FileEntry) {
	out := cmd.OutOrStdout()
	var total int64
	for _, f := range files {
		total += f.Size
		fmt.Fprintf(out, "%10s  %s  %s\n", humanize.Bytes(uint64(f.Size)), f.LastModified.Format("2006-01-02 15:04"), f.Key)
	}
	fmt.Fprintf(out, "%s objects, %s\n", humanize.Comma(int64(len(files))), humanize.Bytes(uint64(total)))
}

func displayPrefix(prefix string) string {
	if prefix == "" {
		return "(bucket root)"
	}
	return prefix
}
