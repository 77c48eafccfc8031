package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/common/logger"
	"github.com/nektos/buildcache/pkg/config"
	"github.com/nektos/buildcache/pkg/transfer"
	"github.com/nektos/buildcache/pkg/transfer/journal"
)

var exitFunc = os.Exit

// Execute is the entry point to running the CLI
func Execute(ctx context.Context, version string) {
	input := new(Input)
	if err := createRootCommand(ctx, input, version).Execute(); err != nil {
		exitFunc(1)
	}
}

func createRootCommand(ctx context.Context, input *Input, version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "build-cache",
		Short:        "Save and restore build directories through a chunked upload server.",
		Version:      version,
		SilenceUsage: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&input.workdir, "directory", "C", ".", "working directory")
	pf.StringVar(&input.configPath, "config", "", "path to the config file (default .buildcache.yml)")
	pf.StringVar(&input.envFile, "env-file", "", "path to a dotenv file (default .env)")
	pf.BoolVarP(&input.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVar(&input.jsonLogger, "json", false, "output logs in json format")
	pf.BoolVarP(&input.dryrun, "dryrun", "n", false, "log what would be done without touching the network")
	pf.StringVar(&input.fileServer, "file-server", "", "base URL of the file server")
	pf.StringVar(&input.cacheServer, "cache-server", "", "base URL of the cache server")
	pf.IntVar(&input.concurrency, "concurrency", 0, "maximum number of concurrent uploads")
	pf.BoolVar(&input.resume, "resume", false, "record upload sessions so an interrupted upload can resume")

	rootCmd.AddCommand(
		newSaveCommand(ctx, input),
		newRestoreCommand(ctx, input),
		newKeyCommand(ctx, input),
		newUploadCommand(ctx, input),
		newDownloadCommand(ctx, input),
		newServeCommand(ctx, input),
		newTokenCommand(ctx, input),
	)
	return rootCmd
}

type runFunc func(ctx context.Context, cfg *config.Config, cmd *cobra.Command, args []string) error

// newRunner loads the configuration and the command logger before calling run.
// A Warning returned by run is logged and the command still succeeds.
func newRunner(ctx context.Context, input *Input, run runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := input.loadConfig(cmd.Flags())
		if err != nil {
			return err
		}

		ctx := common.WithDryrun(ctx, input.dryrun)
		ctx = logger.WithCommandLogger(ctx, logger.Options{
			Command: cmd.Name(),
			JSON:    input.jsonLogger,
			Verbose: input.verbose,
			Secrets: []string{cfg.Token, cfg.ServerSecret},
			Output:  cmd.ErrOrStderr(),
			LogFile: cfg.LogFile,
		})

		err = run(ctx, cfg, cmd, args)
		if err != nil && common.IsWarning(err) {
			common.Logger(ctx).Warn(err.Error())
			return nil
		}
		return err
	}
}

// newClient returns a transfer client and, when resume is enabled, the journal it records
// sessions in. The returned func releases the journal.
func newClient(ctx context.Context, cfg *config.Config) (*transfer.Client, func()) {
	client := transfer.NewClient(cfg)
	if !cfg.Resume || common.Dryrun(ctx) {
		return client, func() {}
	}

	log := common.Logger(ctx)
	store, err := journal.Open(cfg.StateDir)
	if err != nil {
		log.Warnf("resume disabled, unable to open journal in %s: %v", cfg.StateDir, err)
		return client, func() {}
	}
	if n, err := store.Prune(); err != nil {
		log.Warnf("unable to prune journal: %v", err)
	} else if n > 0 {
		log.Debugf("pruned %d expired upload sessions", n)
	}
	return client.WithJournal(store), func() {
		if err := store.Close(); err != nil {
			log.Warnf("unable to close journal: %v", err)
		}
	}
}
