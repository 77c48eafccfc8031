package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/config"
	"github.com/nektos/buildcache/pkg/transfer"
)

func newUploadCommand(ctx context.Context, input *Input) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <pattern>...",
		Short: "Upload files matching the given patterns to the file server, several at a time",
		Args:  cobra.MinimumNArgs(1),
		RunE: newRunner(ctx, input, func(ctx context.Context, cfg *config.Config, cmd *cobra.Command, args []string) error {
			if err := cfg.RequireToken(); err != nil {
				return err
			}
			if err := cfg.RequireFileServer(); err != nil {
				return err
			}
			paths, err := expandPatterns(input.Workdir(), args)
			if err != nil {
				return err
			}

			if common.Dryrun(ctx) {
				for _, p := range paths {
					common.Logger(ctx).Infof("would upload %s", p)
				}
				return nil
			}

			client, done := newClient(ctx, cfg)
			defer done()
			results, uploadErr := transfer.NewDispatcher(client, cfg.Concurrency).UploadAll(ctx, paths, input.folder)

			sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, r := range results {
				if r.Err == nil {
					fmt.Fprintf(w, "%s\t%s\n", r.FileID, r.Path)
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return uploadErr
		}),
	}
	cmd.Flags().StringVar(&input.folder, "folder", "", "folder to upload the files into")
	return cmd
}

// expandPatterns resolves doublestar patterns against workdir into a sorted list of regular files.
// A pattern that matches nothing is an error.
func expandPatterns(workdir string, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var paths []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(workdir, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		found := false
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			found = true
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
		if !found {
			return nil, fmt.Errorf("%s matched no files", pattern)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func newDownloadCommand(ctx context.Context, input *Input) *cobra.Command {
	return &cobra.Command{
		Use:   "download <id> <dest>",
		Short: "Download a file from the file server",
		Args:  cobra.ExactArgs(2),
		RunE: newRunner(ctx, input, func(ctx context.Context, cfg *config.Config, _ *cobra.Command, args []string) error {
			if err := cfg.RequireToken(); err != nil {
				return err
			}
			if err := cfg.RequireFileServer(); err != nil {
				return err
			}
			id, dest := args[0], input.resolve(args[1])

			if common.Dryrun(ctx) {
				common.Logger(ctx).Infof("would download %s to %s", id, dest)
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			client, done := newClient(ctx, cfg)
			defer done()
			res, err := client.DownloadArtifact(ctx, id, dest)
			if err != nil {
				return err
			}
			if !res.Hit {
				return fmt.Errorf("file %s not found", id)
			}
			common.Logger(ctx).Infof("downloaded %s to %s", id, dest)
			return nil
		}),
	}
}
