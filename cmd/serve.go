package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nektos/buildcache/pkg/cacheserver"
	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/config"
)

func newServeCommand(ctx context.Context, input *Input) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local file and cache server",
		Args:  cobra.NoArgs,
		RunE: newRunner(ctx, input, func(ctx context.Context, cfg *config.Config, _ *cobra.Command, _ []string) error {
			opts, err := input.serverOptions(cfg.ServerSecret)
			if err != nil {
				return err
			}
			dir := input.resolve(input.serveDir)

			if common.Dryrun(ctx) {
				common.Logger(ctx).Infof("would serve %s on %s", dir, input.serveAddr)
				return nil
			}

			h, err := cacheserver.StartHandler(dir, input.serveAddr, opts, common.Logger(ctx))
			if err != nil {
				return err
			}
			common.Logger(ctx).Infof("serving %s at %s", dir, h.ExternalURL())
			<-ctx.Done()
			common.Logger(ctx).Infof("shutting down")
			return h.Close()
		}),
	}
	cmd.Flags().StringVar(&input.serveDir, "dir", filepath.Join(xdg.DataHome, "buildcache", "server"), "directory holding blobs and metadata")
	cmd.Flags().StringVar(&input.serveAddr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&input.chunkSize, "chunk-size", units.BytesSize(cacheserver.DefaultChunkSize), "base chunk size, multiplied by the client's chunk multiplier")
	cmd.Flags().StringVar(&input.maxChunkSize, "max-chunk-size", units.BytesSize(cacheserver.DefaultMaxChunkSize), "largest chunk size handed to clients")
	cmd.Flags().DurationVar(&input.sessionTTL, "session-ttl", cacheserver.DefaultSessionTTL, "how long an idle upload session is kept")
	cmd.Flags().StringVar(&input.secret, "secret", "", "HS256 secret clients must sign their tokens with (default $"+config.ServerSecretEnv+")")
	return cmd
}

func (i *Input) serverOptions(secret string) (cacheserver.Options, error) {
	chunk, err := units.RAMInBytes(i.chunkSize)
	if err != nil || chunk <= 0 {
		return cacheserver.Options{}, &config.ConfigError{Field: "--chunk-size", Reason: fmt.Sprintf("invalid size %q", i.chunkSize)}
	}
	maxChunk, err := units.RAMInBytes(i.maxChunkSize)
	if err != nil || maxChunk < chunk {
		return cacheserver.Options{}, &config.ConfigError{Field: "--max-chunk-size", Reason: fmt.Sprintf("invalid size %q", i.maxChunkSize)}
	}
	return cacheserver.Options{
		ChunkSize:    chunk,
		MaxChunkSize: maxChunk,
		SessionTTL:   i.sessionTTL,
		Secret:       []byte(secret),
	}, nil
}

func newTokenCommand(ctx context.Context, input *Input) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a token for a server started with --secret",
		Args:  cobra.NoArgs,
		RunE: newRunner(ctx, input, func(_ context.Context, cfg *config.Config, cmd *cobra.Command, _ []string) error {
			secret := cfg.ServerSecret
			if secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprint(cmd.ErrOrStderr(), "Provide the server secret: ")
				val, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				secret = string(val)
			}
			if secret == "" {
				return &config.ConfigError{Field: "--secret", Reason: "is required"}
			}
			token, err := common.CreateAuthorizationToken([]byte(secret), input.subject, input.tokenTTL)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		}),
	}
	cmd.Flags().StringVar(&input.secret, "secret", "", "HS256 secret of the server (default $"+config.ServerSecretEnv+")")
	cmd.Flags().StringVar(&input.subject, "subject", "buildcache", "subject recorded in the token")
	cmd.Flags().DurationVar(&input.tokenTTL, "ttl", 24*time.Hour, "how long the token is valid")
	return cmd
}
