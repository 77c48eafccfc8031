// Package buildcache saves and restores a build directory through the cache server.
package buildcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/nektos/buildcache/pkg/archive"
	"github.com/nektos/buildcache/pkg/cachekey"
	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/config"
	"github.com/nektos/buildcache/pkg/transfer"
)

// Transport is the part of transfer.Client the orchestrator needs.
type Transport interface {
	Upload(ctx context.Context, kind transfer.EndpointKind, path string, req transfer.InitRequest) (*transfer.ChunkResponse, error)
	DownloadCache(ctx context.Context, key, dest string) (transfer.DownloadResult, error)
	ListCacheKeys(ctx context.Context, prefix string) ([]string, error)
}

type Orchestrator struct {
	cfg      *config.Config
	client   Transport
	codec    archive.Codec
	resolver *cachekey.Resolver
}

func New(cfg *config.Config, client Transport, codec archive.Codec) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		codec:    codec,
		resolver: cachekey.NewResolver(cfg, client),
	}
}

func logger(ctx context.Context) logrus.FieldLogger {
	return common.Logger(ctx).WithField("module", "buildcache")
}

// preflight fails on everything that can be detected without touching the network.
func (o *Orchestrator) preflight(goos, arch string) error {
	if err := o.cfg.RequireToken(); err != nil {
		return err
	}
	if err := o.cfg.RequireCacheServer(); err != nil {
		return err
	}
	return cachekey.ValidatePlatform(goos, arch)
}

// Save packs the source directory and uploads it under the key for goos and arch.
// A missing source directory is reported as a Warning, since a fresh checkout has nothing to cache.
func (o *Orchestrator) Save(ctx context.Context, goos, arch string) error {
	if err := o.preflight(goos, arch); err != nil {
		return err
	}

	if fi, err := os.Stat(o.cfg.SourceDir); errors.Is(err, os.ErrNotExist) {
		return common.Warningf("%s does not exist, nothing to save", o.cfg.SourceDir)
	} else if err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", o.cfg.SourceDir)
	}

	key, err := o.resolver.Key(goos, arch)
	if err != nil {
		return err
	}
	ctx = common.WithLogger(ctx, logger(ctx).WithField("key", key))

	if common.Dryrun(ctx) {
		logger(ctx).Infof("would pack %s excluding %v and upload it", o.cfg.SourceDir, o.cfg.Exclude)
		return nil
	}

	tmp, err := o.tempDir()
	if err != nil {
		return err
	}
	archivePath := filepath.Join(tmp, key+archive.Extension)

	return common.NewPipelineExecutor(
		common.NewDebugExecutor("packing %s into %s", o.cfg.SourceDir, archivePath),
		o.pack(archivePath),
		o.upload(key, archivePath),
	).Finally(o.cleanup(tmp))(ctx)
}

func (o *Orchestrator) pack(archivePath string) common.Executor {
	return func(ctx context.Context) error {
		if err := o.codec.Pack(ctx, o.cfg.SourceDir, archivePath, o.cfg.Exclude); err != nil {
			return fmt.Errorf("pack %s: %w", o.cfg.SourceDir, err)
		}
		return nil
	}
}

func (o *Orchestrator) upload(key, archivePath string) common.Executor {
	return func(ctx context.Context) error {
		fi, err := os.Stat(archivePath)
		if err != nil {
			return err
		}
		logger(ctx).Infof("uploading %s (%s)", filepath.Base(archivePath), units.BytesSize(float64(fi.Size())))
		resp, err := o.client.Upload(ctx, transfer.CacheEndpoint, archivePath, transfer.InitRequest{Name: key})
		if err != nil {
			return err
		}
		logger(ctx).Infof("saved %s", resp.Key)
		return nil
	}
}

// Restore downloads the archive for the exact key, or else the newest archive for the same
// platform, and unpacks it over the parent of the source directory. A total miss is a Warning.
func (o *Orchestrator) Restore(ctx context.Context, goos, arch string) error {
	if err := o.preflight(goos, arch); err != nil {
		return err
	}

	key, err := o.resolver.Key(goos, arch)
	if err != nil {
		return err
	}
	ctx = common.WithLogger(ctx, logger(ctx).WithField("key", key))

	if common.Dryrun(ctx) {
		logger(ctx).Infof("would download %s, falling back to the newest %s* entry, and unpack it into %s",
			key, o.resolver.FallbackPrefix(goos, arch), filepath.Dir(o.cfg.SourceDir))
		return nil
	}

	tmp, err := o.tempDir()
	if err != nil {
		return err
	}

	r := &restoreRun{o: o, archivePath: filepath.Join(tmp, "restore"+archive.Extension)}
	return common.NewPipelineExecutor(
		r.download(key),
		r.fallback(goos, arch, key).IfNot(r.hit),
		r.unpack().If(r.hit),
		common.NewErrorExecutor(common.Warningf("no cache entry for %s, building cold", o.resolver.FallbackPrefix(goos, arch))).IfNot(r.hit),
	).Finally(o.cleanup(tmp))(ctx)
}

type restoreRun struct {
	o           *Orchestrator
	archivePath string
	hitKey      string
}

func (r *restoreRun) hit(context.Context) bool {
	return r.hitKey != ""
}

func (r *restoreRun) download(key string) common.Executor {
	return func(ctx context.Context) error {
		res, err := r.o.client.DownloadCache(ctx, key, r.archivePath)
		if err != nil {
			return err
		}
		if res.Hit {
			logger(ctx).Infof("restoring %s (%s)", key, units.BytesSize(float64(res.BytesWritten)))
			r.hitKey = key
		} else {
			logger(ctx).Infof("no entry for %s", key)
		}
		return nil
	}
}

func (r *restoreRun) fallback(goos, arch, exact string) common.Executor {
	return func(ctx context.Context) error {
		key, ok, err := r.o.resolver.Fallback(ctx, goos, arch, exact)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		logger(ctx).Infof("falling back to %s", key)
		return r.download(key)(ctx)
	}
}

func (r *restoreRun) unpack() common.Executor {
	return func(ctx context.Context) error {
		dest := filepath.Dir(r.o.cfg.SourceDir)
		if err := r.o.codec.Unpack(ctx, r.archivePath, dest); err != nil {
			return fmt.Errorf("unpack %s into %s: %w", r.hitKey, dest, err)
		}
		logger(ctx).Infof("restored %s from %s", r.o.cfg.SourceDir, r.hitKey)
		return nil
	}
}

func (o *Orchestrator) tempDir() (string, error) {
	base := o.cfg.TempDir
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", err
		}
	}
	return os.MkdirTemp(base, "buildcache-")
}

// cleanup removes dir. A failure is logged, never returned.
func (o *Orchestrator) cleanup(dir string) common.Executor {
	return func(ctx context.Context) error {
		if err := os.RemoveAll(dir); err != nil {
			logger(ctx).Warnf("unable to remove %s: %v", dir, err)
		}
		return nil
	}
}
