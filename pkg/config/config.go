// Package config builds the single configuration value handed to every component.
//
// Values come from built-in defaults, an optional YAML file, an optional dotenv file,
// the process environment and finally command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/adrg/xdg"
	git "github.com/go-git/go-git/v5"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nektos/buildcache/pkg/common"
)

const (
	// DefaultFile is read from the working directory when no --config is given.
	DefaultFile = ".buildcache.yml"
	// DefaultEnvFile is read from the working directory when present.
	DefaultEnvFile = ".env"
	// DefaultTokenEnv names the variable holding the auth token.
	DefaultTokenEnv = "BUILDCACHE_TOKEN"
	// ServerSecretEnv names the variable holding the HS256 secret of the local server.
	ServerSecretEnv = "BUILDCACHE_SERVER_SECRET"

	BackendNative = "native"
	BackendExec   = "exec"
)

// Retry is the explicit backoff curve applied to chunk submissions and whole-file transfers.
type Retry struct {
	Attempts      int           `yaml:"attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	JitterPercent uint64        `yaml:"jitter_percent"`
}

type Archive struct {
	Backend    string `yaml:"backend"`
	Compressor string `yaml:"compressor"`
	Level      string `yaml:"level"`
}

type Config struct {
	FileServer  string `yaml:"file_server"`
	CacheServer string `yaml:"cache_server"`
	TokenEnv    string `yaml:"token_env"`
	// Token is only ever read from the environment.
	Token string `yaml:"-"`
	// ServerSecret signs and verifies tokens of the local server. Like Token it never
	// comes from the YAML file.
	ServerSecret string `yaml:"-"`

	Prefix    string   `yaml:"prefix"`
	Manifest  string   `yaml:"manifest"`
	SourceDir string   `yaml:"source_dir"`
	Exclude   []string `yaml:"exclude"`

	ChunkMultiplier int           `yaml:"chunk_multiplier"`
	Concurrency     int           `yaml:"concurrency"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Retry           Retry         `yaml:"retry"`
	Archive         Archive       `yaml:"archive"`

	Resume   bool   `yaml:"resume"`
	StateDir string `yaml:"state_dir"`
	TempDir  string `yaml:"temp_dir"`
	LogFile  string `yaml:"log_file"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		TokenEnv:        DefaultTokenEnv,
		Prefix:          "target",
		Manifest:        "Cargo.lock",
		SourceDir:       "target",
		Exclude:         []string{"*/bundle", "*/bundle/**"},
		ChunkMultiplier: 5,
		Concurrency:     4,
		RequestTimeout:  5 * time.Minute,
		Retry: Retry{
			Attempts:      5,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      15 * time.Second,
			JitterPercent: 20,
		},
		Archive: Archive{
			Backend:    BackendNative,
			Compressor: "zstd -T0",
			Level:      "default",
		},
		StateDir: filepath.Join(xdg.StateHome, "buildcache"),
		TempDir:  common.TempBase(),
	}
}

// LoadOptions tells Load where to look. Empty fields fall back to the process defaults.
type LoadOptions struct {
	// Path of the YAML file; a missing DefaultFile is not an error, a missing explicit path is.
	Path    string
	EnvFile string
	Workdir string
	// LookupEnv replaces os.LookupEnv, so tests never touch the process environment.
	LookupEnv func(key string) (string, bool)
}

// Load reads the configuration described by opts. It does not validate.
func Load(opts LoadOptions) (*Config, error) {
	if opts.Workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		opts.Workdir = wd
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	// the file is decoded over the defaults, so keys it sets win even when they are empty,
	// e.g. "exclude: []" or "jitter_percent: 0", and keys it omits keep their default
	defaults := Defaults()
	cfg := &defaults
	if err := readFile(cfg, opts.resolve(opts.Path, DefaultFile), opts.Path != ""); err != nil {
		return nil, err
	}

	dotenv, err := readEnvFile(opts.resolve(opts.EnvFile, DefaultEnvFile), opts.EnvFile != "")
	if err != nil {
		return nil, err
	}
	getenv := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	cfg.Manifest = resolveManifest(opts.Workdir, cfg.Manifest)
	if !filepath.IsAbs(cfg.SourceDir) {
		cfg.SourceDir = filepath.Join(opts.Workdir, cfg.SourceDir)
	}
	return cfg, nil
}

func (o LoadOptions) resolve(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.Workdir, path)
	}
	return path
}

func readFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil
	} else if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func readEnvFile(path string, required bool) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return map[string]string{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return env, nil
}

// applyEnv overlays the non-empty BUILDCACHE_* variables and reads the token.
func (c *Config) applyEnv(getenv func(string) (string, bool)) error {
	overlay := Config{}
	strs := map[string]*string{
		"BUILDCACHE_FILE_SERVER":  &overlay.FileServer,
		"BUILDCACHE_CACHE_SERVER": &overlay.CacheServer,
		"BUILDCACHE_PREFIX":       &overlay.Prefix,
		"BUILDCACHE_MANIFEST":     &overlay.Manifest,
		"BUILDCACHE_SOURCE_DIR":   &overlay.SourceDir,
		"BUILDCACHE_STATE_DIR":    &overlay.StateDir,
		"BUILDCACHE_TEMP_DIR":     &overlay.TempDir,
		"BUILDCACHE_LOG_FILE":     &overlay.LogFile,
	}
	for key, field := range strs {
		if v, ok := getenv(key); ok {
			*field = v
		}
	}
	if v, ok := getenv("BUILDCACHE_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return &ConfigError{Field: "BUILDCACHE_CONCURRENCY", Reason: fmt.Sprintf("not a positive number: %q", v)}
		}
		overlay.Concurrency = n
	}
	if err := mergo.Merge(c, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge environment: %w", err)
	}

	if v, ok := getenv(c.TokenEnv); ok {
		c.Token = strings.TrimSpace(v)
	}
	if v, ok := getenv(ServerSecretEnv); ok {
		c.ServerSecret = strings.TrimSpace(v)
	}
	return nil
}

// resolveManifest anchors a relative manifest path at the working directory when the file
// exists there, and otherwise at the root of the enclosing git worktree.
func resolveManifest(workdir, manifest string) string {
	if filepath.IsAbs(manifest) {
		return manifest
	}
	local := filepath.Join(workdir, manifest)
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if root, ok := worktreeRoot(workdir); ok {
		return filepath.Join(root, manifest)
	}
	return local
}

func worktreeRoot(dir string) (string, bool) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", false
	}
	return wt.Filesystem.Root(), true
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return &ConfigError{Field: "concurrency", Reason: "must be at least 1"}
	}
	if c.ChunkMultiplier < 1 {
		return &ConfigError{Field: "chunk_multiplier", Reason: "must be at least 1"}
	}
	if c.Retry.Attempts < 1 {
		return &ConfigError{Field: "retry.attempts", Reason: "must be at least 1"}
	}
	if c.Retry.JitterPercent > 100 {
		return &ConfigError{Field: "retry.jitter_percent", Reason: "must be between 0 and 100"}
	}
	switch c.Archive.Backend {
	case BackendNative, BackendExec:
	default:
		return &ConfigError{Field: "archive.backend", Reason: fmt.Sprintf("unknown backend %q", c.Archive.Backend)}
	}
	if c.Prefix == "" || strings.Contains(c.Prefix, "/") {
		return &ConfigError{Field: "prefix", Reason: "must be non-empty and contain no '/'"}
	}
	return nil
}

func (c *Config) RequireToken() error {
	if c.Token == "" {
		return &ConfigError{Field: c.TokenEnv, Reason: "environment variable is not set"}
	}
	return nil
}

func (c *Config) RequireCacheServer() error {
	if c.CacheServer == "" {
		return &ConfigError{Field: "cache_server", Reason: "is required"}
	}
	return nil
}

func (c *Config) RequireFileServer() error {
	if c.FileServer == "" {
		return &ConfigError{Field: "file_server", Reason: "is required"}
	}
	return nil
}
