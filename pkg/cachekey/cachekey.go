// Package cachekey derives cache keys of the form "{prefix}-{os}-{arch}-{hash16}" where hash16
// is the first 16 hex digits of the sha256 of a manifest file such as a lock file.
package cachekey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/config"
)

const hashLen = 16

// Lister returns the cache keys starting with prefix, newest first.
type Lister interface {
	ListCacheKeys(ctx context.Context, prefix string) ([]string, error)
}

type Resolver struct {
	prefix   string
	manifest string
	lister   Lister
}

func NewResolver(cfg *config.Config, lister Lister) *Resolver {
	return &Resolver{
		prefix:   cfg.Prefix,
		manifest: cfg.Manifest,
		lister:   lister,
	}
}

// ValidatePlatform rejects os and arch values that would make key segments ambiguous.
func ValidatePlatform(goos, arch string) error {
	for field, v := range map[string]string{"os": goos, "arch": arch} {
		if v == "" {
			return &config.ConfigError{Field: "--" + field, Reason: "is required"}
		}
		if strings.ContainsAny(v, "-/ ") {
			return &config.ConfigError{Field: "--" + field, Reason: fmt.Sprintf("%q must not contain '-', '/' or spaces", v)}
		}
	}
	return nil
}

// FallbackPrefix is the part of every key for os and arch that precedes the hash.
func (r *Resolver) FallbackPrefix(goos, arch string) string {
	return fmt.Sprintf("%s-%s-%s-", r.prefix, goos, arch)
}

// Key hashes the manifest. Identical manifest bytes always give the identical key.
func (r *Resolver) Key(goos, arch string) (string, error) {
	if err := ValidatePlatform(goos, arch); err != nil {
		return "", err
	}
	data, err := os.ReadFile(r.manifest)
	if err != nil {
		return "", errors.Wrap(err, "read manifest")
	}
	return r.FallbackPrefix(goos, arch) + Hash(data), nil
}

// Hash is the first 16 hex digits of the sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Fallback returns the newest key for the same os and arch other than exclude.
// Listed keys that do not have exactly the shape prefix + hash16 are skipped, so a key
// for another platform whose name merely starts with the same text never matches.
func (r *Resolver) Fallback(ctx context.Context, goos, arch, exclude string) (string, bool, error) {
	if err := ValidatePlatform(goos, arch); err != nil {
		return "", false, err
	}
	prefix := r.FallbackPrefix(goos, arch)
	keys, err := r.lister.ListCacheKeys(ctx, prefix)
	if err != nil {
		return "", false, errors.Wrapf(err, "list keys for %s", prefix)
	}

	logger := common.Logger(ctx).WithField("module", "cachekey")
	for _, key := range keys {
		if key == exclude {
			continue
		}
		if !matches(prefix, key) {
			logger.Debugf("ignoring listed key %s", key)
			continue
		}
		return key, true, nil
	}
	return "", false, nil
}

func matches(prefix, key string) bool {
	hash, ok := strings.CutPrefix(key, prefix)
	if !ok || len(hash) != hashLen {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}
