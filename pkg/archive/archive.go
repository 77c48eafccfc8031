// Package archive packs a build directory into a single compressed file and back.
package archive

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/kballard/go-shellquote"

	"github.com/nektos/buildcache/pkg/config"
)

// Codec packs sourceDir into dest and unpacks an archive over destParent.
// Entries are rooted at the base name of sourceDir, so unpacking over the parent of
// sourceDir recreates it in place.
type Codec interface {
	Pack(ctx context.Context, sourceDir, dest string, excludes []string) error
	Unpack(ctx context.Context, archive, destParent string) error
}

// Extension is the file suffix of archives produced by either backend.
const Extension = ".tar.zst"

// New returns the codec selected by the archive section of cfg.
func New(cfg *config.Config) (Codec, error) {
	switch cfg.Archive.Backend {
	case config.BackendNative, "":
		ok, level := zstd.EncoderLevelFromString(cfg.Archive.Level)
		if !ok {
			return nil, &config.ConfigError{Field: "archive.level", Reason: fmt.Sprintf("unknown zstd level %q", cfg.Archive.Level)}
		}
		return &NativeCodec{Level: level}, nil
	case config.BackendExec:
		compressor, err := shellquote.Split(cfg.Archive.Compressor)
		if err != nil || len(compressor) == 0 {
			return nil, &config.ConfigError{Field: "archive.compressor", Reason: fmt.Sprintf("cannot parse %q", cfg.Archive.Compressor)}
		}
		return &ExecCodec{Tar: "tar", Compressor: compressor}, nil
	}
	return nil, &config.ConfigError{Field: "archive.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Archive.Backend)}
}
