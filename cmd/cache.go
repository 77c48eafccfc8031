package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nektos/buildcache/pkg/archive"
	"github.com/nektos/buildcache/pkg/buildcache"
	"github.com/nektos/buildcache/pkg/cachekey"
	"github.com/nektos/buildcache/pkg/config"
)

func addPlatformFlags(cmd *cobra.Command, input *Input) {
	cmd.Flags().StringVar(&input.goos, "os", "", "operating system segment of the cache key, e.g. linux")
	cmd.Flags().StringVar(&input.arch, "arch", "", "architecture segment of the cache key, e.g. x64")
}

func newSaveCommand(ctx context.Context, input *Input) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Pack the build directory and upload it under the key of the current lock file",
		Args:  cobra.NoArgs,
		RunE: newRunner(ctx, input, func(ctx context.Context, cfg *config.Config, _ *cobra.Command, _ []string) error {
			o, done, err := newOrchestrator(ctx, cfg)
			if err != nil {
				return err
			}
			defer done()
			return o.Save(ctx, input.goos, input.arch)
		}),
	}
	addPlatformFlags(cmd, input)
	return cmd
}

func newRestoreCommand(ctx context.Context, input *Input) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Download and unpack the build directory for the current lock file, or the newest one for the platform",
		Args:  cobra.NoArgs,
		RunE: newRunner(ctx, input, func(ctx context.Context, cfg *config.Config, _ *cobra.Command, _ []string) error {
			o, done, err := newOrchestrator(ctx, cfg)
			if err != nil {
				return err
			}
			defer done()
			return o.Restore(ctx, input.goos, input.arch)
		}),
	}
	addPlatformFlags(cmd, input)
	return cmd
}

func newKeyCommand(ctx context.Context, input *Input) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the cache key for the current lock file",
		Args:  cobra.NoArgs,
		RunE: newRunner(ctx, input, func(_ context.Context, cfg *config.Config, cmd *cobra.Command, _ []string) error {
			key, err := cachekey.NewResolver(cfg, nil).Key(input.goos, input.arch)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		}),
	}
	addPlatformFlags(cmd, input)
	return cmd
}

func newOrchestrator(ctx context.Context, cfg *config.Config) (*buildcache.Orchestrator, func(), error) {
	codec, err := archive.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, done := newClient(ctx, cfg)
	return buildcache.New(cfg, client, codec), done, nil
}
